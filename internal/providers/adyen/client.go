// Package adyen provides an Adyen payment links gateway client and its
// notification webhook.
package adyen

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
const Kind = "adyen"

const defaultBaseURL = "https://checkout-test.adyen.com/v71"

// Config holds Adyen client configuration, read from the connection.
type Config struct {
	BaseURL         string
	APIKey          string
	MerchantAccount string
	ReturnURL       string
	Timeout         time.Duration
}

// Amount is Adyen's minor-unit amount.
type Amount struct {
	Value    int64  `json:"value"`
	Currency string `json:"currency"`
}

// PaymentLinkRequest is the request body for creating a payment link.
type PaymentLinkRequest struct {
	Reference       string            `json:"reference"`
	Amount          Amount            `json:"amount"`
	MerchantAccount string            `json:"merchantAccount"`
	ReturnURL       string            `json:"returnUrl,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// PaymentLink is Adyen's payment link resource.
type PaymentLink struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	Status    string     `json:"status"` // active, completed, expired, paid, paymentPending
	Reference string     `json:"reference"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Client implements gateway.Client for Adyen payment links.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new Adyen client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Factory builds clients from integration connections.
func Factory(conn *integrations.Connection, secret string) (gateway.Client, error) {
	account := conn.Setting("merchantAccount")
	if account == "" {
		return nil, apperror.Validation("adyen connection %s is missing merchantAccount", conn.ID)
	}
	return NewClient(Config{
		BaseURL:         conn.Setting("baseUrl"),
		APIKey:          secret,
		MerchantAccount: account,
		ReturnURL:       conn.Setting("returnUrl"),
	}), nil
}

// Kind implements gateway.Client.
func (c *Client) Kind() string { return Kind }

// CreateSession creates a payment link. The workspace travels in link
// metadata so notifications can be correlated.
func (c *Client) CreateSession(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	body := PaymentLinkRequest{
		Reference: req.Reference,
		Amount: Amount{
			Value:    req.Amount.AmountMinor,
			Currency: string(req.Amount.Currency),
		},
		MerchantAccount: c.config.MerchantAccount,
		ReturnURL:       c.config.ReturnURL,
		Metadata:        map[string]string{"workspaceId": req.WorkspaceID},
	}

	var link PaymentLink
	raw, err := c.do(ctx, http.MethodPost, "/paymentLinks", req.IdempotencyKey, body, &link)
	if err != nil {
		return nil, err
	}

	status, ok := linkStatus(link.Status)
	if !ok {
		status = domain.StatusPending
	}
	return &gateway.Session{
		ProviderKind: Kind,
		ProviderRef:  link.ID,
		Status:       status,
		Action:       domain.RedirectURL(link.URL),
		Raw:          raw,
		ExpiresAt:    link.ExpiresAt,
	}, nil
}

// GetStatus retrieves a payment link.
func (c *Client) GetStatus(ctx context.Context, providerRef string) (*gateway.StatusReport, error) {
	var link PaymentLink
	raw, err := c.do(ctx, http.MethodGet, "/paymentLinks/"+providerRef, "", nil, &link)
	if err != nil {
		return nil, err
	}
	status, ok := linkStatus(link.Status)
	if !ok {
		return nil, fmt.Errorf("adyen payment link %s has unknown status %q", providerRef, link.Status)
	}
	return &gateway.StatusReport{Status: status, Raw: raw}, nil
}

// CancelSession expires a payment link.
func (c *Client) CancelSession(ctx context.Context, providerRef string) error {
	_, err := c.do(ctx, http.MethodPatch, "/paymentLinks/"+providerRef, "", map[string]string{"status": "expired"}, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) (json.RawMessage, error) {
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
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.config.APIKey)
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

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
		return nil, apperror.NotFound("adyen resource %s not found", path)
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("adyen api error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return respBody, nil
}

func linkStatus(s string) (domain.Status, bool) {
	switch strings.ToLower(s) {
	case "active":
		return domain.StatusPending, true
	case "paymentpending":
		return domain.StatusAuthorized, true
	case "completed", "paid":
		return domain.StatusPaid, true
	case "expired":
		return domain.StatusExpired, true
	}
	return "", false
}

var (
	_ gateway.Client    = (*Client)(nil)
	_ gateway.Canceller = (*Client)(nil)
	_ gateway.Factory   = Factory
)
