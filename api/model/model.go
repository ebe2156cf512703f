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
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/take2eu/formpay/model"
)

// StageSubmission is the intake DTO assembled from a multipart form. Value
// parts become Fields in submission order; file parts become Attachments.
type StageSubmission struct {
	Amount      int64                  `json:"amount"`
	Currency    string                 `json:"currency"`
	Fields      []model.FieldKV        `json:"fields"`
	Attachments []model.Attachment     `json:"attachments"`
	MetaData    map[string]interface{} `json:"meta_data"`
}

// ValidateStageSubmission checks the shape of the intake payload. Size limits
// are enforced downstream against the configured bounds.
func (s *StageSubmission) ValidateStageSubmission() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Amount, validation.Required.Error("amount is required, in minor currency units"), validation.Min(1)),
		validation.Field(&s.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&s.Fields, validation.Required.Error("at least one form field is required")),
	)
}

// ToSubmission converts the DTO to a model submission.
func (s *StageSubmission) ToSubmission() *model.Submission {
	return &model.Submission{
		Amount:      s.Amount,
		Currency:    s.Currency,
		Fields:      s.Fields,
		Attachments: s.Attachments,
		MetaData:    s.MetaData,
	}
}

// SubmissionView is the status representation returned by the read endpoints.
// Attachment bytes never leave the store; only names and sizes are reported.
type SubmissionView struct {
	SubmissionID     string                 `json:"submission_id"`
	SessionID        string                 `json:"session_id,omitempty"`
	Status           string                 `json:"status"`
	Amount           int64                  `json:"amount"`
	Currency         string                 `json:"currency"`
	DeliveryAttempts int                    `json:"delivery_attempts"`
	LastError        string                 `json:"last_error,omitempty"`
	CreatedAt        string                 `json:"created_at"`
	ExpiresAt        string                 `json:"expires_at"`
	Attachments      []AttachmentView       `json:"attachments,omitempty"`
	MetaData         map[string]interface{} `json:"meta_data,omitempty"`
}

// AttachmentView describes a staged attachment without its payload.
type AttachmentView struct {
	Name        string `json:"name"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// ToSubmissionView converts a model submission for the read endpoints.
func ToSubmissionView(sub *model.Submission) SubmissionView {
	view := SubmissionView{
		SubmissionID:     sub.SubmissionID,
		SessionID:        sub.SessionID,
		Status:           sub.Status,
		Amount:           sub.Amount,
		Currency:         sub.Currency,
		DeliveryAttempts: sub.DeliveryAttempts,
		LastError:        sub.LastError,
		CreatedAt:        sub.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		ExpiresAt:        sub.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
		MetaData:         sub.MetaData,
	}
	for _, att := range sub.Attachments {
		view.Attachments = append(view.Attachments, AttachmentView{
			Name:        att.Name,
			Filename:    att.Filename,
			ContentType: att.ContentType,
		})
	}
	return view
}
