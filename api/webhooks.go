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
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/gin-gonic/gin"
	"github.com/take2eu/formpay"
	"github.com/take2eu/formpay/internal/apierror"
)

// CheckoutWebhook receives payment callbacks from the checkout processor.
// The body must be read raw before any parsing: the signature covers the
// exact bytes on the wire, and re-serialization would break it.
//
// Responses:
// - 200 OK: event authenticated and absorbed, whether or not it changed anything.
// - 400 Bad Request: signature verification or event shape failure. Not retried.
// - 500 Internal Server Error: transient processing failure; the processor re-delivers.
func (a Api) CheckoutWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read request body"})
		return
	}

	err = a.formpay.HandleCheckoutCallback(c.Request.Context(), payload, c.GetHeader(formpay.SignatureHeader))
	if err != nil {
		logrus.Error(err)
		if apierror.Is(err, apierror.ErrSignatureInvalid) || apierror.Is(err, apierror.ErrMalformedEvent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
