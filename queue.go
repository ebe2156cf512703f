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

package formpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/take2eu/formpay/config"
	redis_db "github.com/take2eu/formpay/internal/redis-db"
)

// Queue hands submissions off to the background workers over Redis.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// DeliveryPayload is the task body for a fulfillment delivery.
type DeliveryPayload struct {
	SubmissionID string `json:"submission_id"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueueDelivery queues a paid submission for fulfillment. The task ID is the
// submission ID, so a duplicate webhook that races the first one collapses
// into a single queued task.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) EnqueueDelivery(ctx context.Context, submissionID string) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(DeliveryPayload{SubmissionID: submissionID})
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(submissionID),
		asynq.Queue(cfg.Queue.DeliveryQueue),
		asynq.MaxRetry(cfg.Queue.MaxRetries),
	}
	task := asynq.NewTask(cfg.Queue.DeliveryQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			log.Printf(" [*] Delivery already queued for submission: %s", submissionID)
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued delivery: %s", submissionID)
	return nil
}

// EnqueueExpiry schedules the TTL sweep for a staged submission. The task runs
// when the submission's expiry deadline passes; the handler re-checks status
// before evicting, so a submission paid in the meantime is untouched.
//
// Parameters:
// - submissionID string: The ID of the submission.
// - expiresAt time.Time: When the submission's hold on storage lapses.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) EnqueueExpiry(ctx context.Context, submissionID string, expiresAt time.Time) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(DeliveryPayload{SubmissionID: submissionID})
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("expiry_%s", submissionID)),
		asynq.Queue(cfg.Queue.ExpiryQueue),
		asynq.ProcessIn(time.Until(expiresAt)),
	}
	task := asynq.NewTask(cfg.Queue.ExpiryQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued expiry for submission: %s", submissionID)
	return nil
}

// GetDeliveryFromQueue retrieves a pending delivery task by submission ID.
//
// Returns nil without error when no task is queued.
func (q *Queue) GetDeliveryFromQueue(submissionID string) (*DeliveryPayload, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	task, err := q.Inspector.GetTaskInfo(cfg.Queue.DeliveryQueue, submissionID)
	if err != nil || task == nil {
		return nil, nil
	}
	var payload DeliveryPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
