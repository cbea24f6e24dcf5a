package client

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerifyWebhookSignature(t *testing.T) {
	secret := "whsec_test"
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	v := NewWebhookVerifier(secret, 5*time.Minute).(*signatureVerifier)
	v.now = func() time.Time { return now }
	body := []byte(`{"id":"WH-1"}`)

	header := func(at time.Time, payload []byte) http.Header {
		ts := strconv.FormatInt(at.Unix(), 10)
		h := http.Header{}
		h.Set(CheckoutSignatureHeader, "t="+ts+",v1="+SignWebhook([]byte(secret), ts, payload))
		return h
	}

	tests := []struct {
		name    string
		headers http.Header
		wantErr bool
	}{
		{"valid", header(now.Add(-time.Minute), body), false},
		{"other body", header(now, []byte(`{"id":"WH-2"}`)), true},
		{"too old", header(now.Add(-6*time.Minute), body), true},
		{"from the future", header(now.Add(6*time.Minute), body), true},
		{"missing header", http.Header{}, true},
		{"malformed", http.Header{CheckoutSignatureHeader: []string{"sha256=abc"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.VerifyWebhookSignature(tt.headers, body)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSignature)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVerifyWebhookSignature_RotatedSecrets(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	v := NewWebhookVerifier("new-secret", 5*time.Minute).(*signatureVerifier)
	v.now = func() time.Time { return now }
	body := []byte(`{}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	h := http.Header{}
	h.Set(CheckoutSignatureHeader, "t="+ts+",v1="+SignWebhook([]byte("old-secret"), ts, body)+",v1="+SignWebhook([]byte("new-secret"), ts, body))

	assert.NoError(t, v.VerifyWebhookSignature(h, body))
}
