package blockchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPProvider talks to a custody/settlement gateway over JSON
type HTTPProvider struct {
	config     HTTPConfig
	httpClient *http.Client
}

func NewHTTPProvider(config HTTPConfig) *HTTPProvider {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &HTTPProvider{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

func (c *HTTPProvider) ExecuteTransfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost, "/v1/transfers", req, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var receipt TransferReceipt
	if err := json.Unmarshal(respBody, &receipt); err != nil {
		return nil, fmt.Errorf("%w: unmarshal transfer receipt: %v", ErrTransient, err)
	}
	if receipt.TransactionHash == "" {
		return nil, fmt.Errorf("%w: empty transaction hash", ErrTransient)
	}
	return &receipt, nil
}

func (c *HTTPProvider) GetTransaction(ctx context.Context, hash, blockchain string) (*TransactionStatus, error) {
	endpoint := fmt.Sprintf("/v1/transactions/%s/%s", url.PathEscape(blockchain), url.PathEscape(hash))
	respBody, err := c.doRequest(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return nil, err
	}

	var status TransactionStatus
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, fmt.Errorf("unmarshal transaction status: %w", err)
	}
	if status.TransactionHash == "" {
		status.TransactionHash = hash
	}
	return &status, nil
}

// doRequest maps transport failures and 5xx/429 to ErrTransient and other
// non-2xx answers to ErrRejected
func (c *HTTPProvider) doRequest(ctx context.Context, method, endpoint string, body interface{}, idempotencyKey string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: do request: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, endpoint)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status=%d, body=%s", ErrTransient, resp.StatusCode, string(respBody))
	default:
		return nil, fmt.Errorf("%w: status=%d, body=%s", ErrRejected, resp.StatusCode, string(respBody))
	}
}
