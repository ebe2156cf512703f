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
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/take2eu/formpay/config"
	"github.com/take2eu/formpay/internal/apierror"
	"github.com/take2eu/formpay/model"
)

const testWebhookSecret = "whsec_test"

func mockCheckoutConfig() {
	config.MockConfig(&config.Configuration{
		Checkout: config.CheckoutConfig{
			SecretKey:     "sk_test_123",
			WebhookSecret: testWebhookSecret,
			SuccessURL:    "https://forms.example.com/success",
			CancelURL:     "https://forms.example.com/cancel",
		},
	})
}

func signedHeader(ts int64, payload []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, ComputeSignature(ts, payload, testWebhookSecret))
}

func completedEventBody(eventID, submissionRef string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_test_1", "client_reference_id": %q, "payment_status": "paid"}}
	}`, eventID, submissionRef))
}

func TestCreateSession_Success(t *testing.T) {
	mockCheckoutConfig()
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://api.stripe.com/v1/checkout/sessions",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer sk_test_123", req.Header.Get("Authorization"))
			assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))

			assert.NoError(t, req.ParseForm())
			assert.Equal(t, "sub_123", req.PostForm.Get("client_reference_id"))
			assert.Equal(t, "payment", req.PostForm.Get("mode"))
			assert.Equal(t, "2500", req.PostForm.Get("line_items[0][price_data][unit_amount]"))
			assert.Equal(t, "eur", req.PostForm.Get("line_items[0][price_data][currency]"))

			return httpmock.NewJsonResponse(200, map[string]string{
				"id":  "cs_test_1",
				"url": "https://checkout.example.com/c/cs_test_1",
			})
		})

	gateway := NewCheckoutGateway()
	session, err := gateway.CreateSession(context.Background(), &model.Submission{
		SubmissionID: "sub_123",
		Amount:       2500,
		Currency:     "eur",
	})
	assert.NoError(t, err)
	assert.Equal(t, "cs_test_1", session.SessionID)
	assert.Equal(t, "https://checkout.example.com/c/cs_test_1", session.RedirectURL)
}

func TestCreateSession_ProcessorRejects(t *testing.T) {
	mockCheckoutConfig()
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://api.stripe.com/v1/checkout/sessions",
		httpmock.NewStringResponder(400, `{"error": {"message": "Invalid currency: xxx"}}`))

	gateway := NewCheckoutGateway()
	_, err := gateway.CreateSession(context.Background(), &model.Submission{
		SubmissionID: "sub_123",
		Amount:       2500,
		Currency:     "xxx",
	})
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrGateway))
	assert.Contains(t, err.Error(), "Invalid currency")
}

func TestVerifyAndParse_ValidEvent(t *testing.T) {
	mockCheckoutConfig()
	gateway := NewCheckoutGateway()

	payload := completedEventBody("evt_1", "sub_123")
	header := signedHeader(time.Now().Unix(), payload)

	event, err := gateway.VerifyAndParse(payload, header)
	assert.NoError(t, err)
	assert.Equal(t, "evt_1", event.EventID)
	assert.Equal(t, "sub_123", event.SubmissionRef)
	assert.Equal(t, "cs_test_1", event.SessionID)
	assert.Equal(t, "paid", event.PaymentStatus)
	assert.True(t, event.Actionable())
}

func TestVerifyAndParse_TamperedBody(t *testing.T) {
	mockCheckoutConfig()
	gateway := NewCheckoutGateway()

	payload := completedEventBody("evt_1", "sub_123")
	header := signedHeader(time.Now().Unix(), payload)
	tampered := completedEventBody("evt_1", "sub_456")

	_, err := gateway.VerifyAndParse(tampered, header)
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrSignatureInvalid))
}

func TestVerifyAndParse_StaleTimestamp(t *testing.T) {
	mockCheckoutConfig()
	gateway := NewCheckoutGateway()

	payload := completedEventBody("evt_1", "sub_123")
	stale := time.Now().Add(-10 * time.Minute).Unix()
	header := signedHeader(stale, payload)

	_, err := gateway.VerifyAndParse(payload, header)
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrSignatureInvalid))
}

func TestVerifyAndParse_MalformedHeader(t *testing.T) {
	mockCheckoutConfig()
	gateway := NewCheckoutGateway()
	payload := completedEventBody("evt_1", "sub_123")

	for _, header := range []string{"", "t=abc,v1=deadbeef", "v1=deadbeef", fmt.Sprintf("t=%d", time.Now().Unix())} {
		_, err := gateway.VerifyAndParse(payload, header)
		assert.Error(t, err, "header %q should fail", header)
		assert.True(t, apierror.Is(err, apierror.ErrSignatureInvalid))
	}
}

func TestVerifyAndParse_UnknownTypePassesThrough(t *testing.T) {
	mockCheckoutConfig()
	gateway := NewCheckoutGateway()

	payload := []byte(`{"id": "evt_2", "type": "payment_intent.created", "data": {"object": {"id": "pi_1"}}}`)
	header := signedHeader(time.Now().Unix(), payload)

	event, err := gateway.VerifyAndParse(payload, header)
	assert.NoError(t, err)
	assert.Equal(t, "payment_intent.created", event.Type)
	assert.False(t, event.Actionable())
}

func TestVerifyAndParse_UndecodableBody(t *testing.T) {
	mockCheckoutConfig()
	gateway := NewCheckoutGateway()

	payload := []byte(`{not json`)
	header := signedHeader(time.Now().Unix(), payload)

	_, err := gateway.VerifyAndParse(payload, header)
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrMalformedEvent))
}
