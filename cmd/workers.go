/*
Copyright 2025 Formpay Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/take2eu/formpay"
	"github.com/take2eu/formpay/config"
	redis_db "github.com/take2eu/formpay/internal/redis-db"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

// processDelivery fulfills one paid submission pulled from the delivery
// queue. Terminal outcomes (delivered, failed, already handled elsewhere)
// finish the task; only transient infrastructure errors push it back for an
// asynq-level retry.
func (f *formpayInstance) processDelivery(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("formpay.worker").Start(ctx, "Process Delivery From Redis Queue")
	defer span.End()

	var payload formpay.DeliveryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	if err := f.formpay.ProcessDelivery(ctx, payload.SubmissionID); err != nil {
		logrus.Infof("Delivery for submission %s pushed back for retry due to error: %v", payload.SubmissionID, err)
		return err
	}

	log.Println(" [*] Delivery Processed", payload.SubmissionID)
	return nil
}

// processExpiry evicts one submission whose payment window lapsed. The
// eviction is guarded, so a submission paid after the task was scheduled is
// left untouched.
func (f *formpayInstance) processExpiry(ctx context.Context, t *asynq.Task) error {
	var payload formpay.DeliveryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	if err := f.formpay.ExpireSubmission(ctx, payload.SubmissionID); err != nil {
		return err
	}

	logrus.Printf(" [*] Submission Expiry Checked %s", payload.SubmissionID)
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.DeliveryQueue] = 3
	queues[cfg.Queue.ExpiryQueue] = 1
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(f *formpayInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	mux.HandleFunc(cfg.Queue.DeliveryQueue, f.processDelivery)
	mux.HandleFunc(cfg.Queue.ExpiryQueue, f.processExpiry)
}

// workerCommands defines the "workers" command to start the fulfillment
// worker. Before consuming, it sweeps already-expired submissions and
// re-enqueues any paid submission left undelivered by a previous run.
func workerCommands(f *formpayInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start formpay workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			swept, err := f.formpay.SweepExpiredSubmissions(ctx)
			if err != nil {
				log.Printf("Error sweeping expired submissions: %v", err)
			} else if swept > 0 {
				log.Printf(" [*] Swept %d expired submissions", swept)
			}
			if err := f.formpay.RecoverPendingDeliveries(ctx); err != nil {
				log.Printf("Error recovering pending deliveries: %v", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(f, mux)

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring", //  Optional: if you want to serve asynqmon under a sub-path.
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
