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

package model

// EventCheckoutSessionCompleted is the only event type that triggers
// fulfillment. Every other type is acknowledged and ignored.
const EventCheckoutSessionCompleted = "checkout.session.completed"

// CheckoutSession is the processor's representation of a pending payment
// tied to one submission.
type CheckoutSession struct {
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// CheckoutEvent is a verified callback payload. Only the submission
// reference travels through the processor; attachment bytes never do.
type CheckoutEvent struct {
	EventID       string `json:"event_id"`
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	SubmissionRef string `json:"submission_ref"`
	PaymentStatus string `json:"payment_status"`
}

// Actionable reports whether the event should drive fulfillment.
func (e *CheckoutEvent) Actionable() bool {
	return e.Type == EventCheckoutSessionCompleted
}
