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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/take2eu/formpay/config"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	t.Cleanup(mr.Close)

	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
	})
	cnf, err := config.Fetch()
	assert.NoError(t, err)

	return NewQueue(cnf), mr
}

func TestEnqueueDelivery(t *testing.T) {
	q, mr := newTestQueue(t)

	err := q.EnqueueDelivery(context.Background(), "sub_123")
	assert.NoError(t, err)
	assert.NotEmpty(t, mr.Keys())

	payload, err := q.GetDeliveryFromQueue("sub_123")
	assert.NoError(t, err)
	assert.NotNil(t, payload)
	assert.Equal(t, "sub_123", payload.SubmissionID)
}

func TestEnqueueDelivery_DuplicateCollapses(t *testing.T) {
	q, _ := newTestQueue(t)

	assert.NoError(t, q.EnqueueDelivery(context.Background(), "sub_123"))
	// Same task id: the second enqueue is absorbed, not an error.
	assert.NoError(t, q.EnqueueDelivery(context.Background(), "sub_123"))
}

func TestEnqueueExpiry(t *testing.T) {
	q, mr := newTestQueue(t)

	err := q.EnqueueExpiry(context.Background(), "sub_123", time.Now().Add(time.Hour))
	assert.NoError(t, err)
	assert.NotEmpty(t, mr.Keys())
}
