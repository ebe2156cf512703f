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

package database

import (
	"context"

	"github.com/take2eu/formpay/model"
)

// IDataSource defines the interface for data source operations.
type IDataSource interface {
	submission
}

// submission defines the staged submission store. All status mutations are
// conditional updates so concurrent callers serialize per submission id.
type submission interface {
	RecordSubmission(ctx context.Context, sub *model.Submission) (*model.Submission, error)            // Stages a new submission with its attachments
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)                           // Retrieves a submission with attachment bytes
	GetSubmissionLite(ctx context.Context, id string) (*model.Submission, error)                       // Retrieves a submission with attachment metadata but no bytes
	UpdateSubmissionStatus(ctx context.Context, id string, fromStatuses []string, to string) error     // Conditional status transition
	SetSessionID(ctx context.Context, id, sessionID string) error                                      // Records the opened checkout session
	AcquireDelivery(ctx context.Context, id string) (*model.Submission, error)                         // The single-delivery guard: claims the submission for delivery
	MarkDelivered(ctx context.Context, id string) error                                                // Terminal success; evicts attachment bytes
	MarkFailed(ctx context.Context, id, reason string, maxAttempts int) (*model.Submission, error)     // Records a failed attempt; terminal after maxAttempts
	EvictExpired(ctx context.Context, id string) (bool, error)                                         // Deletes one expired unpaid submission
	SweepExpired(ctx context.Context) (int64, error)                                                   // Deletes all expired unpaid submissions
	ReclaimStalledDeliveries(ctx context.Context, olderThanSeconds int) ([]string, error)              // Returns DELIVERING rows stuck past the threshold to PAID_PENDING_DELIVERY
	GetSubmissionIDsByStatus(ctx context.Context, status string, limit int, offset int64) ([]string, error) // Lists submission ids in a given status
}
