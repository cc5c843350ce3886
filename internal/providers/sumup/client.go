// Package sumup provides the SumUp hosted checkout gateway client and
// its webhook handler.
package sumup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"posplatform/internal/common/apperror"
	"posplatform/internal/gateway"
	"posplatform/internal/integrations"
	"posplatform/internal/payments/domain"
)

// Kind is the connection kind served by this package.
const Kind = "sumup"

const (
	defaultBaseURL  = "https://api.sumup.com"
	maxReferenceLen = 90
)

// Config holds SumUp client configuration, read from the connection.
type Config struct {
	BaseURL      string
	APIKey       string
	MerchantCode string
	RedirectURL  string
	Timeout      time.Duration
}

// CheckoutRequest is the request body for creating a checkout.
type CheckoutRequest struct {
	CheckoutReference string          `json:"checkout_reference"`
	Amount            float64         `json:"amount"`
	Currency          string          `json:"currency"`
	MerchantCode      string          `json:"merchant_code"`
	Description       string          `json:"description,omitempty"`
	RedirectURL       string          `json:"redirect_url,omitempty"`
	HostedCheckout    *HostedCheckout `json:"hosted_checkout,omitempty"`
}

// HostedCheckout enables SumUp's hosted payment page.
type HostedCheckout struct {
	Enabled bool `json:"enabled"`
}

// Checkout is SumUp's checkout resource.
type Checkout struct {
	ID                string        `json:"id"`
	CheckoutReference string        `json:"checkout_reference"`
	Amount            float64       `json:"amount"`
	Currency          string        `json:"currency"`
	Status            string        `json:"status"` // PENDING, PAID, FAILED, EXPIRED
	HostedCheckoutURL string        `json:"hosted_checkout_url,omitempty"`
	ValidUntil        *time.Time    `json:"valid_until,omitempty"`
	Transactions      []Transaction `json:"transactions,omitempty"`
}

// Transaction is a payment attempt recorded on a checkout.
type Transaction struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"` // SUCCESSFUL, FAILED, PENDING, CANCELLED
	Timestamp time.Time `json:"timestamp"`
}

// Client implements gateway.Client for SumUp.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new SumUp client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Factory builds clients from integration connections.
func Factory(conn *integrations.Connection, secret string) (gateway.Client, error) {
	merchant := conn.Setting("merchantCode")
	if merchant == "" {
		return nil, apperror.Validation("sumup connection %s is missing merchantCode", conn.ID)
	}
	return NewClient(Config{
		BaseURL:      conn.Setting("baseUrl"),
		APIKey:       secret,
		MerchantCode: merchant,
		RedirectURL:  conn.Setting("redirectUrl"),
	}), nil
}

// Kind implements gateway.Client.
func (c *Client) Kind() string { return Kind }

// CreateSession opens a hosted checkout.
func (c *Client) CreateSession(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	body := CheckoutRequest{
		CheckoutReference: checkoutReference(req.Reference, req.IdempotencyKey),
		Amount:            req.Amount.ToMajor(),
		Currency:          string(req.Amount.Currency),
		MerchantCode:      c.config.MerchantCode,
		Description:       req.Reference,
		RedirectURL:       c.config.RedirectURL,
		HostedCheckout:    &HostedCheckout{Enabled: true},
	}

	var checkout Checkout
	raw, err := c.do(ctx, http.MethodPost, "/v0.1/checkouts", body, &checkout)
	if err != nil {
		return nil, err
	}

	status, ok := checkoutStatus(checkout.Status)
	if !ok {
		status = domain.StatusPending
	}
	action := domain.NoAction()
	if checkout.HostedCheckoutURL != "" {
		action = domain.RedirectURL(checkout.HostedCheckoutURL)
	}

	return &gateway.Session{
		ProviderKind: Kind,
		ProviderRef:  checkout.ID,
		Status:       status,
		Action:       action,
		Raw:          raw,
		ExpiresAt:    checkout.ValidUntil,
	}, nil
}

// GetStatus retrieves a checkout.
func (c *Client) GetStatus(ctx context.Context, providerRef string) (*gateway.StatusReport, error) {
	var checkout Checkout
	raw, err := c.do(ctx, http.MethodGet, "/v0.1/checkouts/"+providerRef, nil, &checkout)
	if err != nil {
		return nil, err
	}

	status, ok := checkoutStatus(checkout.Status)
	if !ok {
		return nil, fmt.Errorf("sumup checkout %s has unknown status %q", providerRef, checkout.Status)
	}

	report := &gateway.StatusReport{Status: status, Raw: raw}
	switch status {
	case domain.StatusPaid:
		for _, tx := range checkout.Transactions {
			if strings.EqualFold(tx.Status, "SUCCESSFUL") {
				ts := tx.Timestamp
				report.PaidAt = &ts
				break
			}
		}
	case domain.StatusFailed:
		report.FailureReason = "checkout failed"
		for _, tx := range checkout.Transactions {
			if strings.EqualFold(tx.Status, "FAILED") {
				report.FailureReason = "transaction " + tx.ID + " failed"
			}
		}
	}
	return report, nil
}

// CancelSession deactivates a pending checkout.
func (c *Client) CancelSession(ctx context.Context, providerRef string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v0.1/checkouts/"+providerRef, nil, nil)
	return err
}

// Ping checks the API key against the merchant profile endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/v0.1/me", nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (json.RawMessage, error) {
	var reqBody io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode == http.StatusNotFound {
		return nil, apperror.NotFound("sumup resource %s not found", path)
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("sumup api error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return respBody, nil
}

// checkoutReference makes the reference unique per idempotency key within
// SumUp's length limit.
func checkoutReference(reference, idempotencyKey string) string {
	ref := reference
	if idempotencyKey != "" {
		ref += ":" + idempotencyKey
	}
	if len(ref) > maxReferenceLen {
		ref = ref[:maxReferenceLen]
	}
	return ref
}

// checkoutStatus maps a checkout status to an attempt status.
func checkoutStatus(s string) (domain.Status, bool) {
	if strings.EqualFold(s, "pending") {
		return domain.StatusPending, true
	}
	return MapStatus(s)
}

// MapStatus maps SumUp webhook and checkout vocabulary to a status change.
// Unrecognized values report false.
func MapStatus(s string) (domain.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "paid", "successful", "success":
		return domain.StatusPaid, true
	case "failed", "failure", "error":
		return domain.StatusFailed, true
	case "cancelled", "canceled":
		return domain.StatusCancelled, true
	case "expired":
		return domain.StatusExpired, true
	}
	return "", false
}

var (
	_ gateway.Client    = (*Client)(nil)
	_ gateway.Canceller = (*Client)(nil)
	_ gateway.Pinger    = (*Client)(nil)
	_ gateway.Factory   = Factory
)
