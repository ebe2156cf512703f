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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/take2eu/formpay/config"
	"github.com/take2eu/formpay/internal/apierror"
	"github.com/take2eu/formpay/internal/request"
	"github.com/take2eu/formpay/model"
)

// SignatureHeader carries the processor's signed timestamp on callback requests.
const SignatureHeader = "Checkout-Signature"

// signatureTolerance bounds how stale a signed callback timestamp may be
// before it is rejected as a possible replay.
const signatureTolerance = 5 * time.Minute

// CheckoutGateway opens hosted payment sessions with the checkout processor
// and authenticates the webhook callbacks it sends back.
type CheckoutGateway struct {
	now func() time.Time
}

// NewCheckoutGateway creates a gateway that reads processor credentials from
// the active configuration on each call.
func NewCheckoutGateway() *CheckoutGateway {
	return &CheckoutGateway{now: time.Now}
}

// sessionResponse is the subset of the processor's session object we keep.
type sessionResponse struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// eventEnvelope mirrors the processor's webhook body.
type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string `json:"id"`
			ClientReferenceID string `json:"client_reference_id"`
			PaymentStatus     string `json:"payment_status"`
		} `json:"object"`
	} `json:"data"`
}

// CreateSession opens a hosted checkout session for a staged submission. The
// submission ID travels as the session's client reference, which is the only
// correlation key the webhook gives back.
func (g *CheckoutGateway) CreateSession(ctx context.Context, submission *model.Submission) (*model.CheckoutSession, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", submission.SubmissionID)
	form.Set("success_url", cnf.Checkout.SuccessURL)
	form.Set("cancel_url", cnf.Checkout.CancelURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", submission.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(submission.Amount, 10))
	form.Set("line_items[0][price_data][product_data][name]", cnf.Checkout.ProductName)

	endpoint := fmt.Sprintf("%s/v1/checkout/sessions", strings.TrimSuffix(cnf.Checkout.ApiBase, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, request.ToFormReq(form))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+cnf.Checkout.SecretKey)

	var session sessionResponse
	resp, err := request.Call(req, &session)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrGateway, "checkout processor unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := session.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("checkout processor returned status %d", resp.StatusCode)
		}
		return nil, apierror.NewAPIError(apierror.ErrGateway, msg, nil)
	}
	if session.ID == "" || session.URL == "" {
		return nil, apierror.NewAPIError(apierror.ErrGateway, "checkout processor returned an incomplete session", nil)
	}

	return &model.CheckoutSession{
		SessionID:   session.ID,
		RedirectURL: session.URL,
	}, nil
}

// VerifyAndParse authenticates a raw webhook body against its signature
// header and decodes it into a CheckoutEvent. The signature must be computed
// over the exact bytes received; any re-serialization breaks it.
func (g *CheckoutGateway) VerifyAndParse(payload []byte, sigHeader string) (*model.CheckoutEvent, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, err
	}

	age := g.now().Sub(time.Unix(timestamp, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return nil, apierror.NewAPIError(apierror.ErrSignatureInvalid, "signature timestamp outside tolerance", nil)
	}

	expected := ComputeSignature(timestamp, payload, cnf.Checkout.WebhookSecret)
	matched := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, apierror.NewAPIError(apierror.ErrSignatureInvalid, "no matching signature found", nil)
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrMalformedEvent, "cannot parse event body", err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return nil, apierror.NewAPIError(apierror.ErrMalformedEvent, "event missing id or type", nil)
	}

	return &model.CheckoutEvent{
		EventID:       envelope.ID,
		Type:          envelope.Type,
		SessionID:     envelope.Data.Object.ID,
		SubmissionRef: envelope.Data.Object.ClientReferenceID,
		PaymentStatus: envelope.Data.Object.PaymentStatus,
	}, nil
}

// ComputeSignature returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func ComputeSignature(timestamp int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseSignatureHeader splits "t=<unix>,v1=<hex>[,v1=<hex>...]" into its
// timestamp and candidate signatures.
func parseSignatureHeader(header string) (int64, []string, error) {
	if header == "" {
		return 0, nil, apierror.NewAPIError(apierror.ErrSignatureInvalid, "missing signature header", nil)
	}

	var timestamp int64 = -1
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		pair := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(pair) != 2 {
			continue
		}
		switch pair[0] {
		case "t":
			ts, err := strconv.ParseInt(pair[1], 10, 64)
			if err != nil {
				return 0, nil, apierror.NewAPIError(apierror.ErrSignatureInvalid, "unparsable signature timestamp", err)
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, pair[1])
		}
	}
	if timestamp < 0 || len(signatures) == 0 {
		return 0, nil, apierror.NewAPIError(apierror.ErrSignatureInvalid, "signature header missing timestamp or signature", nil)
	}
	return timestamp, signatures, nil
}
