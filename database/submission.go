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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/take2eu/formpay/internal/apierror"
	"github.com/take2eu/formpay/model"
)

// RecordSubmission stages a submission and its attachments atomically.
func (d Datasource) RecordSubmission(ctx context.Context, sub *model.Submission) (*model.Submission, error) {
	ctx, span := otel.Tracer("Staged submissions").Start(ctx, "Saving submission to db")
	defer span.End()

	fieldsJSON, err := json.Marshal(sub.Fields)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal fields", err)
	}
	metaDataJSON, err := json.Marshal(sub.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO submissions (submission_id, session_id, fields, amount, currency, status, delivery_attempts, created_at, expires_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9)
	`, sub.SubmissionID, sub.SessionID, fieldsJSON, sub.Amount, sub.Currency, sub.Status, sub.CreatedAt, sub.ExpiresAt, metaDataJSON)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record submission", err)
	}

	for i, att := range sub.Attachments {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO submission_attachments (submission_id, position, name, filename, content_type, content)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, sub.SubmissionID, i, att.Name, att.Filename, att.ContentType, att.Content)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to record attachment %q", att.Name), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit submission", err)
	}

	return sub, nil
}

// GetSubmission retrieves a submission including attachment bytes.
func (d Datasource) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	ctx, span := otel.Tracer("Staged submissions").Start(ctx, "Getting submission from db")
	defer span.End()

	sub, err := d.scanSubmission(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT name, filename, content_type, content
		FROM submission_attachments
		WHERE submission_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve attachments", err)
	}
	defer rows.Close()

	for rows.Next() {
		var att model.Attachment
		var contentType sql.NullString
		if err := rows.Scan(&att.Name, &att.Filename, &contentType, &att.Content); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan attachment data", err)
		}
		att.ContentType = contentType.String
		sub.Attachments = append(sub.Attachments, att)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over attachments", err)
	}

	return sub, nil
}

// GetSubmissionLite retrieves a submission with attachment names and content
// types but no attachment bytes. Used by the status endpoint, which must
// never serve file content.
func (d Datasource) GetSubmissionLite(ctx context.Context, id string) (*model.Submission, error) {
	sub, err := d.scanSubmission(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT name, filename, content_type
		FROM submission_attachments
		WHERE submission_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve attachment metadata", err)
	}
	defer rows.Close()

	for rows.Next() {
		var att model.Attachment
		var contentType sql.NullString
		if err := rows.Scan(&att.Name, &att.Filename, &contentType); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan attachment metadata", err)
		}
		att.ContentType = contentType.String
		sub.Attachments = append(sub.Attachments, att)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over attachment metadata", err)
	}

	return sub, nil
}

func (d Datasource) scanSubmission(ctx context.Context, id string) (*model.Submission, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT submission_id, COALESCE(session_id, ''), fields, amount, currency, status, delivery_attempts, COALESCE(last_error, ''), created_at, expires_at, meta_data
		FROM submissions
		WHERE submission_id = $1
	`, id)

	sub := &model.Submission{}
	var fieldsJSON []byte
	var metaDataJSON []byte
	err := row.Scan(&sub.SubmissionID, &sub.SessionID, &fieldsJSON, &sub.Amount, &sub.Currency, &sub.Status, &sub.DeliveryAttempts, &sub.LastError, &sub.CreatedAt, &sub.ExpiresAt, &metaDataJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Submission with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve submission", err)
	}

	if err := json.Unmarshal(fieldsJSON, &sub.Fields); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal fields", err)
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &sub.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}
	}

	return sub, nil
}

// UpdateSubmissionStatus performs a conditional transition: the update only
// applies when the current status is one of fromStatuses. A zero-row result
// distinguishes "unknown id" from "transition not reachable".
func (d Datasource) UpdateSubmissionStatus(ctx context.Context, id string, fromStatuses []string, to string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE submissions
		SET status = $2, updated_at = NOW()
		WHERE submission_id = $1 AND status = ANY($3)
	`, id, to, pq.Array(fromStatuses))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update submission status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	if rowsAffected == 0 {
		return d.explainFailedTransition(ctx, id, to)
	}

	return nil
}

// SetSessionID records the checkout session opened for a submission.
func (d Datasource) SetSessionID(ctx context.Context, id, sessionID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE submissions
		SET session_id = $2, updated_at = NOW()
		WHERE submission_id = $1
	`, id, sessionID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to set session id", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Submission with ID '%s' not found", id), nil)
	}
	return nil
}

// AcquireDelivery is the single-delivery guard. It atomically moves the
// submission from PAID_PENDING_DELIVERY to DELIVERING and returns the full
// submission. A concurrent duplicate acquire observes zero rows and gets
// ALREADY_IN_PROGRESS instead of the data.
func (d Datasource) AcquireDelivery(ctx context.Context, id string) (*model.Submission, error) {
	ctx, span := otel.Tracer("Staged submissions").Start(ctx, "Acquiring submission for delivery")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE submissions
		SET status = $2, updated_at = NOW()
		WHERE submission_id = $1 AND status = $3
	`, id, model.StatusDelivering, model.StatusPaidPendingDelivery)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to acquire submission for delivery", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	if rowsAffected == 0 {
		current, err := d.currentStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if current == model.StatusDelivering {
			return nil, apierror.NewAPIError(apierror.ErrAlreadyInProgress, fmt.Sprintf("Delivery already in progress for submission '%s'", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition, fmt.Sprintf("Submission '%s' is not pending delivery (status %s)", id, current), nil)
	}

	return d.GetSubmission(ctx, id)
}

// MarkDelivered commits the terminal success transition and evicts the
// attachment bytes. The submission row stays behind as an audit record.
func (d Datasource) MarkDelivered(ctx context.Context, id string) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE submissions
		SET status = $2, updated_at = NOW()
		WHERE submission_id = $1 AND status = $3
	`, id, model.StatusDelivered, model.StatusDelivering)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark submission delivered", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return d.explainFailedTransition(ctx, id, model.StatusDelivered)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM submission_attachments WHERE submission_id = $1`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to evict delivered attachments", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit delivery", err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt. Below maxAttempts the
// submission returns to PAID_PENDING_DELIVERY so it can be retried; at the
// bound it becomes FAILED, attachment bytes are evicted, and the row stays
// visible to operators.
func (d Datasource) MarkFailed(ctx context.Context, id, reason string, maxAttempts int) (*model.Submission, error) {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `
		UPDATE submissions
		SET delivery_attempts = delivery_attempts + 1,
		    last_error = $2,
		    status = CASE WHEN delivery_attempts + 1 >= $3 THEN $4 ELSE $5 END,
		    updated_at = NOW()
		WHERE submission_id = $1 AND status = $6
		RETURNING submission_id, status, delivery_attempts
	`, id, reason, maxAttempts, model.StatusFailed, model.StatusPaidPendingDelivery, model.StatusDelivering)

	sub := &model.Submission{LastError: reason}
	if err := row.Scan(&sub.SubmissionID, &sub.Status, &sub.DeliveryAttempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, d.explainFailedTransition(ctx, id, model.StatusFailed)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark submission failed", err)
	}

	if sub.Status == model.StatusFailed {
		_, err = tx.ExecContext(ctx, `DELETE FROM submission_attachments WHERE submission_id = $1`, id)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to evict failed attachments", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit failure record", err)
	}
	return sub, nil
}

// EvictExpired marks one submission EXPIRED and drops its attachment bytes,
// but only while it is still unpaid and actually past its TTL. Paid
// submissions are never evicted by TTL.
func (d Datasource) EvictExpired(ctx context.Context, id string) (bool, error) {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE submissions
		SET status = $2, updated_at = NOW()
		WHERE submission_id = $1 AND status = ANY($3) AND expires_at <= NOW()
	`, id, model.StatusExpired, pq.Array([]string{model.StatusStaged, model.StatusAwaitingPayment}))
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to evict submission", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM submission_attachments WHERE submission_id = $1`, id)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to evict expired attachments", err)
	}

	if err := tx.Commit(); err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit eviction", err)
	}
	return true, nil
}

// SweepExpired expires every overdue unpaid submission and purges EXPIRED
// rows older than one extra day. Covers expiry tasks lost with the queue.
func (d Datasource) SweepExpired(ctx context.Context) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE submissions
		SET status = $1, updated_at = NOW()
		WHERE status = ANY($2) AND expires_at <= NOW()
	`, model.StatusExpired, pq.Array([]string{model.StatusStaged, model.StatusAwaitingPayment}))
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to sweep expired submissions", err)
	}
	marked, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		DELETE FROM submission_attachments
		WHERE submission_id IN (SELECT submission_id FROM submissions WHERE status = $1)
	`, model.StatusExpired)
	if err != nil {
		return marked, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to purge expired attachments", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		DELETE FROM submissions
		WHERE status = $1 AND updated_at < NOW() - interval '1 day'
	`, model.StatusExpired)
	if err != nil {
		return marked, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to purge expired submissions", err)
	}

	return marked, nil
}

// ReclaimStalledDeliveries returns DELIVERING rows that have been stuck for
// longer than the threshold to PAID_PENDING_DELIVERY. Used by the recovery
// sweep after a crash between acquire and the terminal transition.
func (d Datasource) ReclaimStalledDeliveries(ctx context.Context, olderThanSeconds int) ([]string, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE submissions
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < NOW() - ($3 * interval '1 second')
		RETURNING submission_id
	`, model.StatusPaidPendingDelivery, model.StatusDelivering, olderThanSeconds)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reclaim stalled deliveries", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan reclaimed id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over reclaimed ids", err)
	}
	return ids, nil
}

// GetSubmissionIDsByStatus lists submission ids in a given status, oldest first.
func (d Datasource) GetSubmissionIDsByStatus(ctx context.Context, status string, limit int, offset int64) ([]string, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT submission_id FROM submissions
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve submissions by status", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan submission id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over submissions", err)
	}
	return ids, nil
}

func (d Datasource) currentStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := d.Conn.QueryRowContext(ctx, `SELECT status FROM submissions WHERE submission_id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Submission with ID '%s' not found", id), err)
		}
		return "", apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read submission status", err)
	}
	return status, nil
}

func (d Datasource) explainFailedTransition(ctx context.Context, id, to string) error {
	current, err := d.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	return apierror.NewAPIError(apierror.ErrInvalidTransition, fmt.Sprintf("Cannot move submission '%s' from %s to %s", id, current, to), nil)
}
