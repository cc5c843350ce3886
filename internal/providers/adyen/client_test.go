package adyen

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posplatform/internal/common/apperror"
	"posplatform/internal/common/money"
	"posplatform/internal/gateway"
	"posplatform/internal/integrations"
	"posplatform/internal/payments/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:         srv.URL,
		APIKey:          "AQE_test",
		MerchantAccount: "PosMerchant",
		ReturnURL:       "https://pos.example.com/done",
		Timeout:         time.Second,
	})
}

func TestCreateSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/paymentLinks", r.URL.Path)
		assert.Equal(t, "AQE_test", r.Header.Get("X-API-Key"))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))

		var req PaymentLinkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(2400), req.Amount.Value)
		assert.Equal(t, "EUR", req.Amount.Currency)
		assert.Equal(t, "PosMerchant", req.MerchantAccount)
		assert.Equal(t, "pos:w1:r1:s1:2400", req.Reference)
		assert.Equal(t, "w1", req.Metadata["workspaceId"])

		_, _ = w.Write([]byte(`{"id":"PL123","url":"https://test.adyen.link/PL123","status":"active","expiresAt":"2024-05-01T13:00:00Z"}`))
	})

	sess, err := client.CreateSession(context.Background(), gateway.SessionRequest{
		WorkspaceID:    "w1",
		Amount:         money.New(2400, money.EUR),
		Reference:      "pos:w1:r1:s1:2400",
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "PL123", sess.ProviderRef)
	assert.Equal(t, domain.StatusPending, sess.Status)
	assert.Equal(t, domain.RedirectURL("https://test.adyen.link/PL123"), sess.Action)
	require.NotNil(t, sess.ExpiresAt)
}

func TestGetStatus(t *testing.T) {
	tests := []struct {
		link string
		want domain.Status
	}{
		{"active", domain.StatusPending},
		{"paymentPending", domain.StatusAuthorized},
		{"completed", domain.StatusPaid},
		{"expired", domain.StatusExpired},
	}
	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/paymentLinks/PL123", r.URL.Path)
				_, _ = w.Write([]byte(`{"id":"PL123","status":"` + tt.link + `"}`))
			})
			report, err := client.GetStatus(context.Background(), "PL123")
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Status)
		})
	}
}

func TestGetStatusUnknown(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"PL123","status":"frozen"}`))
	})
	_, err := client.GetStatus(context.Background(), "PL123")
	assert.Error(t, err)
}

func TestGetStatusNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := client.GetStatus(context.Background(), "PL404")
	assert.True(t, apperror.IsNotFound(err))
}

func TestCancelSessionExpiresLink(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"status":"expired"}`, string(body))
		_, _ = w.Write([]byte(`{"id":"PL123","status":"expired"}`))
	})
	require.NoError(t, client.CancelSession(context.Background(), "PL123"))
}

func TestFactoryRequiresMerchantAccount(t *testing.T) {
	_, err := Factory(&integrations.Connection{ID: "c1", Kind: Kind, Config: map[string]any{}}, "key")
	assert.True(t, apperror.IsValidation(err))

	client, err := Factory(&integrations.Connection{
		ID:     "c1",
		Kind:   Kind,
		Config: map[string]any{"merchantAccount": "PosMerchant"},
	}, "key")
	require.NoError(t, err)
	assert.Equal(t, Kind, client.Kind())
}
