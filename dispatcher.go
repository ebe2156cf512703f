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

	"github.com/take2eu/formpay/config"
	"github.com/take2eu/formpay/internal/mailer"
	"github.com/take2eu/formpay/model"
)

// Dispatcher renders and sends the notification for a paid submission.
type Dispatcher interface {
	Send(ctx context.Context, submission *model.Submission) (*DeliveryResult, error)
}

// DeliveryResult records what a successful dispatch actually carried.
type DeliveryResult struct {
	Recipient       string
	MessageID       string
	AttachmentCount int
	DeliveredAt     time.Time
}

// MailDispatcher renders paid submissions into email and sends them over an
// SMTP transport.
type MailDispatcher struct {
	transport mailer.Transport
}

// NewMailDispatcher creates a dispatcher backed by the given transport.
func NewMailDispatcher(transport mailer.Transport) *MailDispatcher {
	return &MailDispatcher{transport: transport}
}

// Send builds the submission email and pushes it through the transport. The
// recipient is the submission's own email field when present, otherwise the
// configured operator address. Every staged attachment rides along unchanged,
// plus a synthesized plain-text summary of the form fields.
func (d *MailDispatcher) Send(ctx context.Context, submission *model.Submission) (*DeliveryResult, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	recipient, ok := submission.Field("email")
	if !ok || recipient == "" {
		recipient = cnf.Mail.Operator
	}
	if recipient == "" {
		return nil, fmt.Errorf("no recipient for submission %s: no email field and no operator address configured", submission.SubmissionID)
	}

	attachments := make([]mailer.Attachment, 0, len(submission.Attachments)+1)
	for _, att := range submission.Attachments {
		attachments = append(attachments, mailer.Attachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Content:     att.Content,
		})
	}
	attachments = append(attachments, mailer.Attachment{
		Filename:    "submission-summary.txt",
		ContentType: "text/plain; charset=utf-8",
		Content:     renderSummary(submission),
	})

	msg := &mailer.Message{
		MessageID:   submission.SubmissionID,
		From:        cnf.Mail.From,
		To:          []string{recipient},
		Subject:     "Form Submission Received",
		Body:        renderBody(submission),
		Attachments: attachments,
	}

	if err := d.transport.Send(ctx, msg); err != nil {
		return nil, err
	}

	return &DeliveryResult{
		Recipient:       recipient,
		MessageID:       submission.SubmissionID,
		AttachmentCount: len(attachments),
		DeliveredAt:     time.Now(),
	}, nil
}

func renderBody(submission *model.Submission) string {
	first, _ := submission.Field("firstName")
	last, _ := submission.Field("lastName")
	name := strings.TrimSpace(fmt.Sprintf("%s %s", first, last))
	if name == "" {
		return "Thank you for your submission!"
	}
	return fmt.Sprintf("Thank you for your submission, %s!", name)
}

// renderSummary flattens the form fields into a plain-text document, keeping
// the order the submitter entered them in.
func renderSummary(submission *model.Submission) []byte {
	var b strings.Builder
	b.WriteString("Submission ")
	b.WriteString(submission.SubmissionID)
	b.WriteString("\n")
	b.WriteString("Received ")
	b.WriteString(submission.CreatedAt.UTC().Format(time.RFC3339))
	b.WriteString("\n\n")
	for _, field := range submission.Fields {
		b.WriteString(field.Key)
		b.WriteString(": ")
		b.WriteString(field.Value)
		b.WriteString("\n")
	}
	return []byte(b.String())
}
