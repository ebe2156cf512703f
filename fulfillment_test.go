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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/take2eu/formpay/config"
	"github.com/take2eu/formpay/internal/apierror"
	"github.com/take2eu/formpay/model"
)

// fakeStore is an in-memory stand-in for the postgres datasource. It applies
// the same conditional transition rules, so the scenario tests exercise real
// state machine behavior without a database.
type fakeStore struct {
	mu   sync.Mutex
	subs map[string]*model.Submission
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: make(map[string]*model.Submission)}
}

func (s *fakeStore) put(sub *model.Submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.SubmissionID] = sub
}

func (s *fakeStore) status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[id].Status
}

func (s *fakeStore) RecordSubmission(_ context.Context, sub *model.Submission) (*model.Submission, error) {
	s.put(sub)
	return sub, nil
}

func (s *fakeStore) GetSubmission(_ context.Context, id string) (*model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Submission with ID '%s' not found", id), nil)
	}
	return sub, nil
}

func (s *fakeStore) GetSubmissionLite(ctx context.Context, id string) (*model.Submission, error) {
	return s.GetSubmission(ctx, id)
}

func (s *fakeStore) UpdateSubmissionStatus(_ context.Context, id string, fromStatuses []string, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Submission with ID '%s' not found", id), nil)
	}
	for _, from := range fromStatuses {
		if sub.Status == from {
			sub.Status = to
			return nil
		}
	}
	return apierror.NewAPIError(apierror.ErrInvalidTransition, fmt.Sprintf("Cannot move submission '%s' from %s to %s", id, sub.Status, to), nil)
}

func (s *fakeStore) SetSessionID(_ context.Context, id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Submission with ID '%s' not found", id), nil)
	}
	sub.SessionID = sessionID
	return nil
}

func (s *fakeStore) AcquireDelivery(_ context.Context, id string) (*model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Submission with ID '%s' not found", id), nil)
	}
	if sub.Status == model.StatusDelivering {
		return nil, apierror.NewAPIError(apierror.ErrAlreadyInProgress, fmt.Sprintf("Delivery already in progress for submission '%s'", id), nil)
	}
	if sub.Status != model.StatusPaidPendingDelivery {
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition, fmt.Sprintf("Submission '%s' is not pending delivery (status %s)", id, sub.Status), nil)
	}
	sub.Status = model.StatusDelivering
	return sub, nil
}

func (s *fakeStore) MarkDelivered(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[id]
	if sub.Status != model.StatusDelivering {
		return apierror.NewAPIError(apierror.ErrInvalidTransition, fmt.Sprintf("Cannot move submission '%s' from %s to %s", id, sub.Status, model.StatusDelivered), nil)
	}
	sub.Status = model.StatusDelivered
	sub.Attachments = nil
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id, reason string, maxAttempts int) (*model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[id]
	if sub.Status != model.StatusDelivering {
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition, fmt.Sprintf("Cannot move submission '%s' from %s to %s", id, sub.Status, model.StatusFailed), nil)
	}
	sub.DeliveryAttempts++
	sub.LastError = reason
	if sub.DeliveryAttempts >= maxAttempts {
		sub.Status = model.StatusFailed
		sub.Attachments = nil
	} else {
		sub.Status = model.StatusPaidPendingDelivery
	}
	return sub, nil
}

func (s *fakeStore) EvictExpired(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return false, nil
	}
	if sub.Status != model.StatusStaged && sub.Status != model.StatusAwaitingPayment {
		return false, nil
	}
	if time.Now().Before(sub.ExpiresAt) {
		return false, nil
	}
	sub.Status = model.StatusExpired
	sub.Attachments = nil
	return true, nil
}

func (s *fakeStore) SweepExpired(_ context.Context) (int64, error) {
	return 0, nil
}

func (s *fakeStore) ReclaimStalledDeliveries(_ context.Context, _ int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, sub := range s.subs {
		if sub.Status == model.StatusDelivering {
			sub.Status = model.StatusPaidPendingDelivery
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeStore) GetSubmissionIDsByStatus(_ context.Context, status string, _ int, offset int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset > 0 {
		return nil, nil
	}
	var ids []string
	for id, sub := range s.subs {
		if sub.Status == status {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// fakeDispatcher counts sends and fails the first failures attempts.
type fakeDispatcher struct {
	mu       sync.Mutex
	failures int
	attempts int
	sends    int
}

func (d *fakeDispatcher) Send(_ context.Context, sub *model.Submission) (*DeliveryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.attempts <= d.failures {
		return nil, errors.New("smtp connection refused")
	}
	d.sends++
	return &DeliveryResult{Recipient: "ada@example.com", MessageID: sub.SubmissionID, DeliveredAt: time.Now()}, nil
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string]interface{}
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]interface{})}
}

func (c *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Get(_ context.Context, key string, _ interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[key]; ok {
		return nil
	}
	return errors.New("cache miss")
}

func (c *fakeCache) Exists(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func newTestFormpay(t *testing.T, dispatcher Dispatcher) (*Formpay, *fakeStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	t.Cleanup(mr.Close)

	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
		Checkout: config.CheckoutConfig{
			SecretKey:     "sk_test_123",
			WebhookSecret: testWebhookSecret,
		},
	})
	cnf, err := config.Fetch()
	assert.NoError(t, err)

	store := newFakeStore()
	f := &Formpay{
		datasource: store,
		queue:      NewQueue(cnf),
		gateway:    NewCheckoutGateway(),
		dispatcher: dispatcher,
		cache:      newFakeCache(),
	}
	return f, store, mr
}

func stagedSubmission(id, status string) *model.Submission {
	now := time.Now()
	return &model.Submission{
		SubmissionID: id,
		Fields: []model.FieldKV{
			{Key: "firstName", Value: "Ada"},
			{Key: "email", Value: "ada@example.com"},
		},
		Attachments: []model.Attachment{
			{Name: "cv", Filename: "cv.pdf", ContentType: "application/pdf", Content: []byte("pdf-bytes")},
		},
		Amount:    2500,
		Currency:  "eur",
		Status:    status,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestHandleCheckoutCallback_MarksPaidAndEnqueues(t *testing.T) {
	f, store, mr := newTestFormpay(t, &fakeDispatcher{})
	store.put(stagedSubmission("sub_123", model.StatusAwaitingPayment))

	payload := completedEventBody("evt_1", "sub_123")
	err := f.HandleCheckoutCallback(context.Background(), payload, signedHeader(time.Now().Unix(), payload))
	assert.NoError(t, err)

	assert.Equal(t, model.StatusPaidPendingDelivery, store.status("sub_123"))
	assert.NotEmpty(t, mr.Keys())
}

func TestHandleCheckoutCallback_DuplicateEventAbsorbed(t *testing.T) {
	f, store, _ := newTestFormpay(t, &fakeDispatcher{})
	store.put(stagedSubmission("sub_123", model.StatusAwaitingPayment))

	payload := completedEventBody("evt_1", "sub_123")
	header := signedHeader(time.Now().Unix(), payload)

	assert.NoError(t, f.HandleCheckoutCallback(context.Background(), payload, header))
	assert.NoError(t, f.HandleCheckoutCallback(context.Background(), payload, header))

	assert.Equal(t, model.StatusPaidPendingDelivery, store.status("sub_123"))
}

func TestHandleCheckoutCallback_SecondEventAfterPaidReArmsDelivery(t *testing.T) {
	f, store, mr := newTestFormpay(t, &fakeDispatcher{})
	store.put(stagedSubmission("sub_123", model.StatusPaidPendingDelivery))

	// Distinct event id, so the cache does not dedup it. The row is paid but
	// may have lost its delivery task (an earlier enqueue failed), so the
	// retried callback must still queue delivery instead of just acking.
	payload := completedEventBody("evt_2", "sub_123")
	err := f.HandleCheckoutCallback(context.Background(), payload, signedHeader(time.Now().Unix(), payload))
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPaidPendingDelivery, store.status("sub_123"))
	assert.NotEmpty(t, mr.Keys())

	queued, err := f.queue.GetDeliveryFromQueue("sub_123")
	assert.NoError(t, err)
	assert.NotNil(t, queued)
}

func TestHandleCheckoutCallback_SecondEventAfterDeliveredAbsorbed(t *testing.T) {
	f, store, mr := newTestFormpay(t, &fakeDispatcher{})
	store.put(stagedSubmission("sub_123", model.StatusDelivered))

	payload := completedEventBody("evt_2", "sub_123")
	err := f.HandleCheckoutCallback(context.Background(), payload, signedHeader(time.Now().Unix(), payload))
	assert.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, store.status("sub_123"))
	assert.Empty(t, mr.Keys())
}

func TestHandleCheckoutCallback_UnknownReferenceAcked(t *testing.T) {
	f, _, _ := newTestFormpay(t, &fakeDispatcher{})

	payload := completedEventBody("evt_1", "sub_gone")
	err := f.HandleCheckoutCallback(context.Background(), payload, signedHeader(time.Now().Unix(), payload))
	assert.NoError(t, err)
}

func TestHandleCheckoutCallback_BadSignatureRejected(t *testing.T) {
	f, store, _ := newTestFormpay(t, &fakeDispatcher{})
	store.put(stagedSubmission("sub_123", model.StatusAwaitingPayment))

	payload := completedEventBody("evt_1", "sub_123")
	err := f.HandleCheckoutCallback(context.Background(), payload, "t=12345,v1=deadbeef")
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrSignatureInvalid))
	assert.Equal(t, model.StatusAwaitingPayment, store.status("sub_123"))
}

func TestHandleCheckoutCallback_IgnoresOtherEventTypes(t *testing.T) {
	f, store, _ := newTestFormpay(t, &fakeDispatcher{})
	store.put(stagedSubmission("sub_123", model.StatusAwaitingPayment))

	payload := []byte(`{"id": "evt_3", "type": "payment_intent.created", "data": {"object": {"id": "pi_1", "client_reference_id": "sub_123"}}}`)
	err := f.HandleCheckoutCallback(context.Background(), payload, signedHeader(time.Now().Unix(), payload))
	assert.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingPayment, store.status("sub_123"))
}

func TestProcessDelivery_Success(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	f, store, _ := newTestFormpay(t, dispatcher)
	store.put(stagedSubmission("sub_123", model.StatusPaidPendingDelivery))

	err := f.ProcessDelivery(context.Background(), "sub_123")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, store.status("sub_123"))
	assert.Equal(t, 1, dispatcher.sends)
}

func TestProcessDelivery_SucceedsOnThirdAttempt(t *testing.T) {
	dispatcher := &fakeDispatcher{failures: 2}
	f, store, _ := newTestFormpay(t, dispatcher)
	store.put(stagedSubmission("sub_123", model.StatusPaidPendingDelivery))

	err := f.ProcessDelivery(context.Background(), "sub_123")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, store.status("sub_123"))
	assert.Equal(t, 3, dispatcher.attempts)
	assert.Equal(t, 1, dispatcher.sends)
}

func TestProcessDelivery_TerminalFailure(t *testing.T) {
	dispatcher := &fakeDispatcher{failures: 100}
	f, store, _ := newTestFormpay(t, dispatcher)
	store.put(stagedSubmission("sub_123", model.StatusPaidPendingDelivery))

	err := f.ProcessDelivery(context.Background(), "sub_123")
	assert.NoError(t, err)

	sub, err := store.GetSubmission(context.Background(), "sub_123")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, sub.Status)
	assert.Equal(t, 3, sub.DeliveryAttempts)
	assert.Empty(t, sub.Attachments)
	assert.Equal(t, 0, dispatcher.sends)
}

func TestProcessDelivery_AlreadyInProgressIsNoop(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	f, store, _ := newTestFormpay(t, dispatcher)
	store.put(stagedSubmission("sub_123", model.StatusDelivering))

	err := f.ProcessDelivery(context.Background(), "sub_123")
	assert.NoError(t, err)
	assert.Equal(t, 0, dispatcher.attempts)
}

func TestProcessDelivery_AlreadyDeliveredIsNoop(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	f, store, _ := newTestFormpay(t, dispatcher)
	store.put(stagedSubmission("sub_123", model.StatusDelivered))

	err := f.ProcessDelivery(context.Background(), "sub_123")
	assert.NoError(t, err)
	assert.Equal(t, 0, dispatcher.attempts)
}

func TestRecoverPendingDeliveries(t *testing.T) {
	f, store, mr := newTestFormpay(t, &fakeDispatcher{})
	store.put(stagedSubmission("sub_stuck", model.StatusDelivering))
	store.put(stagedSubmission("sub_waiting", model.StatusPaidPendingDelivery))

	err := f.RecoverPendingDeliveries(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, model.StatusPaidPendingDelivery, store.status("sub_stuck"))
	assert.NotEmpty(t, mr.Keys())
}
