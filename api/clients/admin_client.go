package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// APIError is a non-2xx response of the billing API.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s (%s)", e.StatusCode, e.Message, e.Code)
}

// AdminClient calls the admin endpoints of the billing API with an admin
// bearer token.
type AdminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAdminClient creates a client for baseURL (e.g. "http://127.0.0.1:8080").
// The timeout defaults to 30 seconds.
func NewAdminClient(baseURL, token string, timeout ...time.Duration) *AdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// ListReconciliation returns every record awaiting operator action.
func (c *AdminClient) ListReconciliation(ctx context.Context) ([]*interfaces.BillingRecord, error) {
	var result struct {
		Data []*interfaces.BillingRecord `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/admin/reconciliation", nil, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// RetryRefund attempts the refund of a reconciliation record once more.
func (c *AdminClient) RetryRefund(ctx context.Context, id string) (*interfaces.BillingRecord, error) {
	var record interfaces.BillingRecord
	path := fmt.Sprintf("/api/admin/reconciliation/%s/retry", url.PathEscape(id))
	if err := c.do(ctx, http.MethodPost, path, nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ResolveReconciliation closes a record settled outside the service.
func (c *AdminClient) ResolveReconciliation(ctx context.Context, id string, outcome interfaces.BillingPhase, note string) (*interfaces.BillingRecord, error) {
	var record interfaces.BillingRecord
	path := fmt.Sprintf("/api/admin/reconciliation/%s/resolve", url.PathEscape(id))
	body := map[string]string{"outcome": string(outcome), "note": note}
	if err := c.do(ctx, http.MethodPost, path, body, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Deposit tops up owner's wallet from the treasury. amountSOL is a decimal
// SOL amount such as "0.5".
func (c *AdminClient) Deposit(ctx context.Context, owner interfaces.UserID, amountSOL string) (*interfaces.BillingRecord, error) {
	var record interfaces.BillingRecord
	path := fmt.Sprintf("/api/admin/wallets/%s/deposit", url.PathEscape(string(owner)))
	body := map[string]string{"amount_sol": amountSOL}
	if err := c.do(ctx, http.MethodPost, path, body, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *AdminClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(raw, apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
