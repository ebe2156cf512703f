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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/take2eu/formpay/config"
	"github.com/take2eu/formpay/internal/apierror"
	"github.com/take2eu/formpay/internal/notification"
	"github.com/take2eu/formpay/model"
)

// eventCacheTTL keeps processed webhook event ids around long enough to
// absorb the processor's redelivery window.
const eventCacheTTL = 48 * time.Hour

// stalledDeliveryThreshold is how long a DELIVERING row may sit before the
// recovery sweep assumes its worker died mid-send.
const stalledDeliveryThreshold = 10 * time.Minute

func eventCacheKey(eventID string) string {
	return fmt.Sprintf("checkout:event:%s", eventID)
}

// HandleCheckoutCallback processes one webhook callback from the payment
// processor. The raw body and signature header must be passed exactly as
// received.
//
// A nil return means the callback should be acknowledged with 200 whether or
// not it changed anything: unknown event types, unknown or already-processed
// submission references, and duplicate events are all absorbed here. An error
// return means the processor should retry (signature and shape errors map to
// 400 at the HTTP layer and are not retried).
func (f *Formpay) HandleCheckoutCallback(ctx context.Context, payload []byte, sigHeader string) error {
	ctx, span := tracer.Start(ctx, "Handling Checkout Callback")
	defer span.End()

	event, err := f.gateway.VerifyAndParse(payload, sigHeader)
	if err != nil {
		return err
	}

	if !event.Actionable() {
		logrus.Infof("ignoring checkout event %s of type %s", event.EventID, event.Type)
		return nil
	}
	if event.SubmissionRef == "" {
		logrus.Warnf("checkout event %s has no submission reference", event.EventID)
		return nil
	}

	if f.cache.Exists(ctx, eventCacheKey(event.EventID)) {
		logrus.Infof("checkout event %s already processed", event.EventID)
		return nil
	}

	err = f.datasource.UpdateSubmissionStatus(ctx, event.SubmissionRef,
		[]string{model.StatusStaged, model.StatusAwaitingPayment}, model.StatusPaidPendingDelivery)
	if err != nil {
		// A reference we no longer hold is not a reason to make the
		// processor retry.
		if apierror.Is(err, apierror.ErrNotFound) {
			logrus.Infof("checkout event %s for submission %s ignored: %v", event.EventID, event.SubmissionRef, err)
			return nil
		}
		// Already past payment. If the row is still waiting on delivery,
		// its task may have been lost when an earlier enqueue failed, so
		// re-arm it; the task id dedup collapses this into any task that
		// is already queued. Delivered, failed and expired rows are done.
		if apierror.Is(err, apierror.ErrInvalidTransition) {
			sub, lookErr := f.datasource.GetSubmissionLite(ctx, event.SubmissionRef)
			if lookErr != nil {
				if apierror.Is(lookErr, apierror.ErrNotFound) {
					logrus.Infof("checkout event %s for submission %s ignored: %v", event.EventID, event.SubmissionRef, err)
					return nil
				}
				return lookErr
			}
			if sub.Status == model.StatusPaidPendingDelivery || sub.Status == model.StatusDelivering {
				if qErr := f.queue.EnqueueDelivery(ctx, event.SubmissionRef); qErr != nil {
					return qErr
				}
				if cErr := f.cache.Set(ctx, eventCacheKey(event.EventID), event.EventID, eventCacheTTL); cErr != nil {
					logrus.Warnf("could not record processed event %s: %v", event.EventID, cErr)
				}
			}
			logrus.Infof("checkout event %s for submission %s absorbed: %v", event.EventID, event.SubmissionRef, err)
			return nil
		}
		return err
	}

	if err := f.cache.Delete(ctx, submissionCacheKey(event.SubmissionRef)); err != nil {
		logrus.Warnf("could not invalidate cache for submission %s: %v", event.SubmissionRef, err)
	}

	if err := f.queue.EnqueueDelivery(ctx, event.SubmissionRef); err != nil {
		return err
	}

	if err := f.cache.Set(ctx, eventCacheKey(event.EventID), event.EventID, eventCacheTTL); err != nil {
		logrus.Warnf("could not record processed event %s: %v", event.EventID, err)
	}
	return nil
}

// ProcessDelivery fulfills one paid submission. It claims the row, sends the
// notification, and marks the outcome; the claim is a conditional update, so
// two workers racing on the same submission produce exactly one send.
//
// Failed sends are retried with exponential backoff until the store flips the
// submission to FAILED, at which point the operator is alerted and the task
// finishes without error (there is nothing left to retry).
func (f *Formpay) ProcessDelivery(ctx context.Context, submissionID string) error {
	ctx, span := tracer.Start(ctx, "Processing Delivery")
	defer span.End()

	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	for {
		sub, err := f.datasource.AcquireDelivery(ctx, submissionID)
		if err != nil {
			if apierror.Is(err, apierror.ErrAlreadyInProgress) {
				logrus.Infof("submission %s is already being delivered", submissionID)
				return nil
			}
			if apierror.Is(err, apierror.ErrInvalidTransition) || apierror.Is(err, apierror.ErrNotFound) {
				// Already delivered, failed, or evicted. Nothing to do.
				logrus.Infof("submission %s not deliverable: %v", submissionID, err)
				return nil
			}
			return err
		}

		result, sendErr := f.dispatcher.Send(ctx, sub)
		if sendErr == nil {
			if err := f.datasource.MarkDelivered(ctx, submissionID); err != nil {
				return err
			}
			if err := f.cache.Delete(ctx, submissionCacheKey(submissionID)); err != nil {
				logrus.Warnf("could not invalidate cache for submission %s: %v", submissionID, err)
			}
			logrus.Infof("submission %s delivered to %s with %d attachments",
				submissionID, result.Recipient, result.AttachmentCount)
			return nil
		}

		failed, err := f.datasource.MarkFailed(ctx, submissionID, sendErr.Error(), cnf.Submission.MaxDeliveryAttempts)
		if err != nil {
			return err
		}
		if err := f.cache.Delete(ctx, submissionCacheKey(submissionID)); err != nil {
			logrus.Warnf("could not invalidate cache for submission %s: %v", submissionID, err)
		}
		if failed.Status == model.StatusFailed {
			notification.NotifyError(fmt.Errorf("delivery for submission %s failed after %d attempts: %w",
				submissionID, failed.DeliveryAttempts, sendErr))
			logrus.Errorf("submission %s moved to FAILED: %v", submissionID, sendErr)
			return nil
		}

		wait := bo.NextBackOff()
		logrus.Warnf("delivery attempt %d for submission %s failed, retrying in %s: %v",
			failed.DeliveryAttempts, submissionID, wait, sendErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RecoverPendingDeliveries re-arms fulfillment after a restart: DELIVERING
// rows stuck past the stall threshold go back to PAID_PENDING_DELIVERY, and
// every PAID_PENDING_DELIVERY row is re-enqueued. A crash between send and
// MarkDelivered can therefore produce a second message; that is the
// at-least-once boundary of this recovery path.
func (f *Formpay) RecoverPendingDeliveries(ctx context.Context) error {
	reclaimed, err := f.datasource.ReclaimStalledDeliveries(ctx, int(stalledDeliveryThreshold.Seconds()))
	if err != nil {
		return err
	}
	for _, id := range reclaimed {
		logrus.Warnf("reclaimed stalled delivery for submission %s", id)
	}

	var offset int64
	for {
		ids, err := f.datasource.GetSubmissionIDsByStatus(ctx, model.StatusPaidPendingDelivery, 100, offset)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			if err := f.queue.EnqueueDelivery(ctx, id); err != nil {
				logrus.Errorf("could not re-enqueue delivery for submission %s: %v", id, err)
			}
		}
		offset += int64(len(ids))
	}
}
