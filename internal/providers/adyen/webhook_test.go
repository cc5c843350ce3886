package adyen

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posplatform/internal/common/metrics"
	"posplatform/internal/gateway"
	"posplatform/internal/payments/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var unsigned = WebhookConfig{AllowUnsigned: true}

const hmacKey = "44782DEF547AAA06C910C43932B1EB0C71FC68D9D0C057550C48EC2ACF6BA056"

type recordingSink struct {
	got []gateway.Notification
	err error
}

func (s *recordingSink) ApplyNotification(_ context.Context, n gateway.Notification) error {
	s.got = append(s.got, n)
	return s.err
}

func notification(eventCode, success, reason string) string {
	return `{"live":"false","notificationItems":[{"NotificationRequestItem":{` +
		`"eventCode":"` + eventCode + `","success":"` + success + `",` +
		`"pspReference":"PSP1","merchantReference":"pos:w1:r1:s1:2400","reason":"` + reason + `",` +
		`"additionalData":{"paymentLinkId":"PL123","metadata.workspaceId":"w1"}}}]}`
}

func deliver(h http.Handler, body string, auth func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/integrations/webhooks/adyen", strings.NewReader(body))
	if auth != nil {
		auth(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookMapsEvents(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus domain.Status
		wantReason string
	}{
		{"authorised", notification("AUTHORISATION", "true", ""), domain.StatusPaid, ""},
		{"refused", notification("AUTHORISATION", "false", "Refused"), domain.StatusFailed, "Refused"},
		{"cancelled", notification("CANCELLATION", "true", ""), domain.StatusCancelled, ""},
		{"offer closed", notification("OFFER_CLOSED", "true", ""), domain.StatusExpired, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			h := NewWebhookHandler(unsigned, sink, metrics.New(), discard)

			rec := deliver(h, tt.body, nil)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "[accepted]", rec.Body.String())
			require.Len(t, sink.got, 1)
			n := sink.got[0]
			assert.Equal(t, "PL123", n.ProviderRef)
			assert.Equal(t, "w1", n.WorkspaceID)
			assert.Equal(t, Kind, n.ProviderKind)
			assert.Equal(t, tt.wantStatus, n.Status)
			assert.Equal(t, tt.wantReason, n.FailureReason)
		})
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	sink := &recordingSink{}
	h := NewWebhookHandler(unsigned, sink, metrics.New(), discard)

	rec := deliver(h, notification("REFUND", "true", ""), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, sink.got)
}

func TestWebhookAcksSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("db down")}
	h := NewWebhookHandler(unsigned, sink, metrics.New(), discard)

	rec := deliver(h, notification("AUTHORISATION", "true", ""), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, sink.got, 1)
}

func TestWebhookAcksMalformedBody(t *testing.T) {
	sink := &recordingSink{}
	h := NewWebhookHandler(unsigned, sink, metrics.New(), discard)

	rec := deliver(h, "{not json", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, sink.got)
}

func TestWebhookBasicAuth(t *testing.T) {
	cfg := WebhookConfig{Username: "adyen", Password: "s3cret"}
	body := notification("AUTHORISATION", "true", "")

	t.Run("missing credentials", func(t *testing.T) {
		sink := &recordingSink{}
		rec := deliver(NewWebhookHandler(cfg, sink, metrics.New(), discard), body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, sink.got)
	})

	t.Run("wrong password", func(t *testing.T) {
		sink := &recordingSink{}
		rec := deliver(NewWebhookHandler(cfg, sink, metrics.New(), discard), body, func(r *http.Request) {
			r.SetBasicAuth("adyen", "nope")
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, sink.got)
	})

	t.Run("valid credentials", func(t *testing.T) {
		sink := &recordingSink{}
		rec := deliver(NewWebhookHandler(cfg, sink, metrics.New(), discard), body, func(r *http.Request) {
			r.SetBasicAuth("adyen", "s3cret")
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, sink.got, 1)
	})
}

func TestWebhookRejectsUnauthenticatedByDefault(t *testing.T) {
	sink := &recordingSink{}
	h := NewWebhookHandler(WebhookConfig{}, sink, metrics.New(), discard)

	rec := deliver(h, notification("AUTHORISATION", "true", ""), nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Header().Get("WWW-Authenticate"))
	assert.Empty(t, sink.got)
}

func signedItem(t *testing.T, key string) NotificationRequestItem {
	t.Helper()
	item := NotificationRequestItem{
		EventCode:           "AUTHORISATION",
		Success:             "true",
		PSPReference:        "PSP1",
		MerchantAccountCode: "PosMerchant",
		MerchantReference:   "pos:w1:r1:s1:2400",
		Amount:              Amount{Value: 2400, Currency: "EUR"},
		AdditionalData:      map[string]string{"paymentLinkId": "PL123", "metadata.workspaceId": "w1"},
	}
	sig, err := SignItem(key, item)
	require.NoError(t, err)
	item.AdditionalData["hmacSignature"] = sig
	return item
}

func batch(t *testing.T, items ...NotificationRequestItem) string {
	t.Helper()
	n := Notification{Live: "false"}
	for _, it := range items {
		n.NotificationItems = append(n.NotificationItems, NotificationItem{Item: it})
	}
	body, err := json.Marshal(n)
	require.NoError(t, err)
	return string(body)
}

func TestWebhookHMACSignature(t *testing.T) {
	cfg := WebhookConfig{HMACKey: hmacKey}

	t.Run("valid signature", func(t *testing.T) {
		sink := &recordingSink{}
		rec := deliver(NewWebhookHandler(cfg, sink, metrics.New(), discard), batch(t, signedItem(t, hmacKey)), nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, sink.got, 1)
		assert.Equal(t, domain.StatusPaid, sink.got[0].Status)
	})

	t.Run("tampered amount", func(t *testing.T) {
		item := signedItem(t, hmacKey)
		item.Amount.Value = 1
		sink := &recordingSink{}
		rec := deliver(NewWebhookHandler(cfg, sink, metrics.New(), discard), batch(t, item), nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, sink.got)
	})

	t.Run("missing signature", func(t *testing.T) {
		sink := &recordingSink{}
		rec := deliver(NewWebhookHandler(cfg, sink, metrics.New(), discard), notification("AUTHORISATION", "true", ""), nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, sink.got)
	})

	t.Run("signed with another key", func(t *testing.T) {
		sink := &recordingSink{}
		other := "00112233445566778899AABBCCDDEEFF00112233445566778899AABBCCDDEEFF"
		rec := deliver(NewWebhookHandler(cfg, sink, metrics.New(), discard), batch(t, signedItem(t, other)), nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, sink.got)
	})
}

func TestSigningString(t *testing.T) {
	item := NotificationRequestItem{
		PSPReference:        "7914073381342284",
		MerchantAccountCode: "TestMerchant",
		MerchantReference:   "TestPayment-1407325143704",
		Amount:              Amount{Value: 1130, Currency: "EUR"},
		EventCode:           "AUTHORISATION",
		Success:             "true",
	}
	assert.Equal(t, "7914073381342284::TestMerchant:TestPayment-1407325143704:1130:EUR:AUTHORISATION:true", signingString(item))
}
