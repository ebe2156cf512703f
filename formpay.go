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
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/take2eu/formpay/config"
	"github.com/take2eu/formpay/database"
	"github.com/take2eu/formpay/internal/cache"
	"github.com/take2eu/formpay/internal/mailer"
	redis_db "github.com/take2eu/formpay/internal/redis-db"
)

// Formpay is the main struct for the fulfillment service. It ties the staged
// submission store, the checkout gateway, the delivery queue, and the mail
// dispatcher together.
type Formpay struct {
	queue      *Queue
	gateway    *CheckoutGateway
	dispatcher Dispatcher
	redis      redis.UniversalClient
	cache      cache.Cache
	datasource database.IDataSource
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewFormpayWithDeps wires a Formpay from explicit dependencies. Callers that
// need to swap the dispatcher or the store (tests, embedders) use this;
// NewFormpay builds the production wiring on top of it.
func NewFormpayWithDeps(db database.IDataSource, queue *Queue, gateway *CheckoutGateway, dispatcher Dispatcher, c cache.Cache) *Formpay {
	return &Formpay{
		datasource: db,
		queue:      queue,
		gateway:    gateway,
		dispatcher: dispatcher,
		cache:      c,
	}
}

// NewFormpay initializes a new instance of Formpay with the provided datasource.
// It fetches the configuration and initializes the Redis client, cache, queue,
// checkout gateway, and SMTP-backed dispatcher.
//
// Parameters:
// - db database.IDataSource: The datasource for database operations.
//
// Returns:
// - *Formpay: A pointer to the newly created Formpay instance.
// - error: An error if any of the initialization steps fail.
func NewFormpay(db database.IDataSource) (*Formpay, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}
	newCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}
	transport, err := mailer.NewSMTPTransport(configuration.Mail)
	if err != nil {
		return nil, err
	}

	newFormpay := NewFormpayWithDeps(db, NewQueue(configuration), NewCheckoutGateway(), NewMailDispatcher(transport), newCache)
	newFormpay.redis = redisClient.Client()
	return newFormpay, nil
}
