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
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/take2eu/formpay/config"
	"github.com/take2eu/formpay/internal/apierror"
	"github.com/take2eu/formpay/model"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("formpay")

func submissionCacheKey(id string) string {
	return fmt.Sprintf("submission:%s", id)
}

// StageSubmission validates and persists a new form submission. The
// submission is held in STAGED until a checkout session is opened for it, and
// an expiry task is scheduled so unpaid payloads do not outlive their TTL.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - sub *model.Submission: The intake payload. ID, status, and timestamps are assigned here.
//
// Returns:
// - *model.Submission: The staged submission.
// - error: An error if validation or persistence fails.
func (f *Formpay) StageSubmission(ctx context.Context, sub *model.Submission) (*model.Submission, error) {
	ctx, span := tracer.Start(ctx, "Staging Submission")
	defer span.End()

	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	if sub.Currency == "" {
		sub.Currency = cnf.Checkout.Currency
	}
	sub.Currency = strings.ToLower(sub.Currency)

	limits := model.SubmissionLimits{
		MaxFieldLength:     cnf.Submission.MaxFieldLength,
		MaxAttachmentBytes: cnf.Submission.MaxAttachmentBytes,
		MaxTotalBytes:      cnf.Submission.MaxTotalBytes,
		MaxAttachments:     cnf.Submission.MaxAttachments,
	}
	if err := sub.ValidateLimits(limits); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}

	sub.SubmissionID = model.GenerateUUIDWithSuffix("sub")
	sub.Status = model.StatusStaged
	sub.CreatedAt = time.Now()
	sub.ExpiresAt = sub.CreatedAt.Add(cnf.Submission.TTL())

	staged, err := f.datasource.RecordSubmission(ctx, sub)
	if err != nil {
		return nil, err
	}

	// The startup sweep catches submissions whose expiry task was never
	// scheduled, so a queue hiccup here is not fatal.
	if err := f.queue.EnqueueExpiry(ctx, staged.SubmissionID, staged.ExpiresAt); err != nil {
		logrus.Warnf("could not schedule expiry for submission %s: %v", staged.SubmissionID, err)
	}

	return staged, nil
}

// OpenCheckoutSession opens a hosted payment session for a staged submission
// and moves it to AWAITING_PAYMENT. Calling it again for a submission already
// awaiting payment opens a fresh session, which is the retry path for clients
// whose first session attempt failed or lapsed.
//
// Returns:
// - *model.CheckoutSession: The session id and redirect URL.
// - error: NOT_FOUND, INVALID_TRANSITION for paid or terminal submissions, or GATEWAY_ERROR.
func (f *Formpay) OpenCheckoutSession(ctx context.Context, submissionID string) (*model.CheckoutSession, error) {
	ctx, span := tracer.Start(ctx, "Opening Checkout Session")
	defer span.End()

	sub, err := f.datasource.GetSubmissionLite(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != model.StatusStaged && sub.Status != model.StatusAwaitingPayment {
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("submission %s is %s, a checkout session can no longer be opened", submissionID, sub.Status), nil)
	}

	session, err := f.gateway.CreateSession(ctx, sub)
	if err != nil {
		return nil, err
	}

	if err := f.datasource.SetSessionID(ctx, submissionID, session.SessionID); err != nil {
		return nil, err
	}
	if err := f.datasource.UpdateSubmissionStatus(ctx, submissionID,
		[]string{model.StatusStaged, model.StatusAwaitingPayment}, model.StatusAwaitingPayment); err != nil {
		return nil, err
	}
	if err := f.cache.Delete(ctx, submissionCacheKey(submissionID)); err != nil {
		logrus.Warnf("could not invalidate cache for submission %s: %v", submissionID, err)
	}

	return session, nil
}

// GetSubmission returns a submission's status and metadata without attachment
// bytes. Reads go through the cache; every status mutation invalidates it.
func (f *Formpay) GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error) {
	ctx, span := tracer.Start(ctx, "Getting Submission")
	defer span.End()

	var cached model.Submission
	if err := f.cache.Get(ctx, submissionCacheKey(submissionID), &cached); err == nil && cached.SubmissionID != "" {
		return &cached, nil
	}

	sub, err := f.datasource.GetSubmissionLite(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	if err := f.cache.Set(ctx, submissionCacheKey(submissionID), sub, 5*time.Minute); err != nil {
		logrus.Warnf("could not cache submission %s: %v", submissionID, err)
	}
	return sub, nil
}

// ExpireSubmission runs the guarded TTL eviction for one submission. It is
// the handler behind the scheduled expiry task; a submission that was paid in
// the meantime is left alone.
func (f *Formpay) ExpireSubmission(ctx context.Context, submissionID string) error {
	evicted, err := f.datasource.EvictExpired(ctx, submissionID)
	if err != nil {
		return err
	}
	if evicted {
		logrus.Infof("submission %s expired unpaid, attachments evicted", submissionID)
		if err := f.cache.Delete(ctx, submissionCacheKey(submissionID)); err != nil {
			logrus.Warnf("could not invalidate cache for submission %s: %v", submissionID, err)
		}
	}
	return nil
}

// SweepExpiredSubmissions evicts every unpaid submission past its TTL. Run at
// worker start to cover expiry tasks lost with the queue backend.
func (f *Formpay) SweepExpiredSubmissions(ctx context.Context) (int64, error) {
	return f.datasource.SweepExpired(ctx)
}
