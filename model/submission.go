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

import (
	"errors"
	"fmt"
	"time"
)

// Submission statuses. A submission moves STAGED -> AWAITING_PAYMENT ->
// PAID_PENDING_DELIVERY -> DELIVERING -> DELIVERED. STAGED and
// AWAITING_PAYMENT rows expire by TTL; PAID_PENDING_DELIVERY rows that
// exhaust their delivery attempts end up FAILED and stay visible.
const (
	StatusStaged              = "STAGED"
	StatusAwaitingPayment     = "AWAITING_PAYMENT"
	StatusPaidPendingDelivery = "PAID_PENDING_DELIVERY"
	StatusDelivering          = "DELIVERING"
	StatusDelivered           = "DELIVERED"
	StatusExpired             = "EXPIRED"
	StatusFailed              = "FAILED"
)

// FieldKV is one form field. Fields are kept as an ordered slice rather than
// a map so the delivered message lists them in the order they were submitted.
type FieldKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Attachment is one named binary blob staged with a submission.
type Attachment struct {
	Name        string `json:"name"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"-"`
}

// SubmissionLimits bounds the intake payload. Zero values mean "use defaults"
// and are filled in by the config package.
type SubmissionLimits struct {
	MaxFieldLength     int   `json:"max_field_length"`
	MaxAttachmentBytes int64 `json:"max_attachment_bytes"`
	MaxTotalBytes      int64 `json:"max_total_bytes"`
	MaxAttachments     int   `json:"max_attachments"`
}

// Submission is one form intake unit tracked from staging through payment to
// delivery. Fields and attachments are immutable once staged.
type Submission struct {
	SubmissionID     string                 `json:"submission_id"`
	SessionID        string                 `json:"session_id,omitempty"`
	Fields           []FieldKV              `json:"fields"`
	Attachments      []Attachment           `json:"attachments,omitempty"`
	Amount           int64                  `json:"amount"`
	Currency         string                 `json:"currency"`
	Status           string                 `json:"status"`
	DeliveryAttempts int                    `json:"delivery_attempts"`
	LastError        string                 `json:"last_error,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	ExpiresAt        time.Time              `json:"expires_at"`
	MetaData         map[string]interface{} `json:"meta_data,omitempty"`
}

// Field returns the value of the first field with the given key.
func (s *Submission) Field(key string) (string, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// TotalAttachmentBytes sums the staged attachment payloads.
func (s *Submission) TotalAttachmentBytes() int64 {
	var total int64
	for _, a := range s.Attachments {
		total += int64(len(a.Content))
	}
	return total
}

// ValidateLimits checks the staged payload against the configured bounds.
func (s *Submission) ValidateLimits(limits SubmissionLimits) error {
	if s.Amount <= 0 {
		return errors.New("amount must be a positive number of minor currency units")
	}
	if len(s.Currency) != 3 {
		return fmt.Errorf("currency %q is not a 3-letter ISO code", s.Currency)
	}
	for _, f := range s.Fields {
		if limits.MaxFieldLength > 0 && len(f.Value) > limits.MaxFieldLength {
			return fmt.Errorf("field %q exceeds the maximum length of %d", f.Key, limits.MaxFieldLength)
		}
	}
	if limits.MaxAttachments > 0 && len(s.Attachments) > limits.MaxAttachments {
		return fmt.Errorf("too many attachments: %d, maximum is %d", len(s.Attachments), limits.MaxAttachments)
	}
	for _, a := range s.Attachments {
		if a.Filename == "" {
			return fmt.Errorf("attachment %q has no filename", a.Name)
		}
		if limits.MaxAttachmentBytes > 0 && int64(len(a.Content)) > limits.MaxAttachmentBytes {
			return fmt.Errorf("attachment %q exceeds the maximum size of %d bytes", a.Name, limits.MaxAttachmentBytes)
		}
	}
	if limits.MaxTotalBytes > 0 && s.TotalAttachmentBytes() > limits.MaxTotalBytes {
		return fmt.Errorf("total attachment payload exceeds the maximum of %d bytes", limits.MaxTotalBytes)
	}
	return nil
}
