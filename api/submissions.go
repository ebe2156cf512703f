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
package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	model2 "github.com/take2eu/formpay/api/model"
	"github.com/take2eu/formpay/config"
	"github.com/take2eu/formpay/internal/apierror"
	"github.com/take2eu/formpay/model"

	"github.com/gin-gonic/gin"
)

// StageSubmission handles the multipart intake of a new form submission.
// Value parts become ordered form fields, file parts become staged
// attachments, and a checkout session is opened for the staged submission.
//
// Responses:
// - 201 Created: submission staged and session opened; body carries the redirect URL.
// - 400 Bad Request: malformed multipart body or validation failure.
// - 502 Bad Gateway: submission staged but the processor refused the session.
//   The submission id is still returned so the client can retry the session.
func (a Api) StageSubmission(c *gin.Context) {
	intake, err := readMultipartSubmission(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := intake.ValidateStageSubmission(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	staged, err := a.formpay.StageSubmission(c.Request.Context(), intake.ToSubmission())
	if err != nil {
		logrus.Error(err)
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	session, err := a.formpay.OpenCheckoutSession(c.Request.Context(), staged.SubmissionID)
	if err != nil {
		logrus.Error(err)
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{
			"error":         err.Error(),
			"submission_id": staged.SubmissionID,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"submission_id": staged.SubmissionID,
		"session_id":    session.SessionID,
		"redirect_url":  session.RedirectURL,
	})
}

// OpenCheckoutSession re-attempts session creation for an already staged
// submission, the retry path after a 502 from intake.
//
// Responses:
// - 201 Created: a fresh session was opened.
// - 404 Not Found: no such submission.
// - 409 Conflict: the submission is past the point where a session can be opened.
// - 502 Bad Gateway: the processor refused the session again.
func (a Api) OpenCheckoutSession(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	session, err := a.formpay.OpenCheckoutSession(c.Request.Context(), id)
	if err != nil {
		logrus.Error(err)
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"submission_id": id,
		"session_id":    session.SessionID,
		"redirect_url":  session.RedirectURL,
	})
}

// GetSubmission returns a submission's status and metadata. Attachment bytes
// never leave the store; only names and content types are listed.
func (a Api) GetSubmission(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	sub, err := a.formpay.GetSubmission(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, model2.ToSubmissionView(sub))
}

// intakeOverheadBytes allows for multipart framing and form fields on top of
// the configured attachment budget when capping the request body.
const intakeOverheadBytes = 1 << 20

// readLimited reads at most limit bytes from r, reporting whether r held more.
func readLimited(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return nil, true, nil
	}
	return data, false, nil
}

// readMultipartSubmission streams the multipart body part by part so form
// fields keep the order the client sent them in. The parts named "amount" and
// "currency" parameterize the payment and are not treated as form content.
// Each part is read against the configured size bounds, so an over-limit
// upload is rejected without buffering the rest of the body.
func readMultipartSubmission(c *gin.Context) (*model2.StageSubmission, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cnf.Submission.MaxTotalBytes+intakeOverheadBytes)
	reader, err := c.Request.MultipartReader()
	if err != nil {
		return nil, err
	}

	intake := &model2.StageSubmission{}
	var attachmentBytes int64
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if part.FileName() == "" {
			value, over, err := readLimited(part, int64(cnf.Submission.MaxFieldLength))
			if err != nil {
				return nil, err
			}
			if over {
				return nil, fmt.Errorf("field %q exceeds the maximum length of %d", part.FormName(), cnf.Submission.MaxFieldLength)
			}
			switch part.FormName() {
			case "amount":
				amount, err := strconv.ParseInt(string(value), 10, 64)
				if err != nil {
					return nil, err
				}
				intake.Amount = amount
			case "currency":
				intake.Currency = string(value)
			default:
				intake.Fields = append(intake.Fields, model.FieldKV{
					Key:   part.FormName(),
					Value: string(value),
				})
			}
			continue
		}

		if len(intake.Attachments) >= cnf.Submission.MaxAttachments {
			return nil, fmt.Errorf("too many attachments: maximum is %d", cnf.Submission.MaxAttachments)
		}
		content, over, err := readLimited(part, cnf.Submission.MaxAttachmentBytes)
		if err != nil {
			return nil, err
		}
		if over {
			return nil, fmt.Errorf("attachment %q exceeds the maximum size of %d bytes", part.FormName(), cnf.Submission.MaxAttachmentBytes)
		}
		attachmentBytes += int64(len(content))
		if attachmentBytes > cnf.Submission.MaxTotalBytes {
			return nil, fmt.Errorf("attachments exceed the total limit of %d bytes", cnf.Submission.MaxTotalBytes)
		}
		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = mime.TypeByExtension(filepath.Ext(part.FileName()))
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		intake.Attachments = append(intake.Attachments, model.Attachment{
			Name:        part.FormName(),
			Filename:    part.FileName(),
			ContentType: contentType,
			Content:     content,
		})
	}

	return intake, nil
}
