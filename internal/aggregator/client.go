package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/billvault/backend/internal/config"
)

// ErrUnavailable means the aggregator could not be reached or answered
// 5xx. The purchase entry must stay pending until a requery resolves it.
var ErrUnavailable = errors.New("billing aggregator unavailable")

// Response codes documented by the aggregator. Exactly one code means
// delivered; a small set means in-flight; everything else is a decline.
const (
	CodeSuccess          = "000"
	CodeProcessing       = "099"
	CodeTransactionQuery = "001"
)

// Outcome is the tri-state interpretation of an aggregator response
// code. Unknown codes fail closed as Declined.
type Outcome int

const (
	OutcomeDeclined Outcome = iota
	OutcomeSuccess
	OutcomeProcessing
)

// PurchaseRequest is one prepaid fulfilment order. Amount in kobo;
// the wire carries naira.
type PurchaseRequest struct {
	ServiceID  string
	BillerCode string
	Variation  string
	Amount     int64
	Phone      string
	RequestID  string
}

// Response is the aggregator's typed answer. Raw preserves the exact
// payload for support investigation regardless of outcome.
type Response struct {
	Code        string          `json:"code"`
	Description string          `json:"response_description"`
	Content     json.RawMessage `json:"content"`
	Raw         []byte          `json:"-"`
}

// Outcome classifies the response code.
func (r *Response) Outcome() Outcome {
	switch r.Code {
	case CodeSuccess:
		return OutcomeSuccess
	case CodeProcessing, CodeTransactionQuery:
		return OutcomeProcessing
	default:
		return OutcomeDeclined
	}
}

// Client talks to the prepaid billing aggregator. Constructed once at
// startup and injected.
type Client struct {
	baseURL    string
	apiKey     string
	secretKey  string
	httpClient *http.Client
}

func NewClient(cfg *config.AggregatorConfig, timeout time.Duration) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Pay submits a fulfilment order. The request id is the idempotency key
// on the aggregator side; retrying with the same id never double-vends.
func (c *Client) Pay(ctx context.Context, req PurchaseRequest) (*Response, error) {
	body := map[string]any{
		"serviceID":      req.ServiceID,
		"billersCode":    req.BillerCode,
		"variation_code": req.Variation,
		"amount":         float64(req.Amount) / 100,
		"phone":          req.Phone,
		"request_id":     req.RequestID,
	}
	return c.post(ctx, "/api/pay", body)
}

// Requery fetches the current state of a previously submitted order.
// Used by the reconciliation sweep for entries stuck pending.
func (c *Client) Requery(ctx context.Context, requestID string) (*Response, error) {
	body := map[string]any{"request_id": requestID}
	return c.post(ctx, "/api/requery", body)
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("secret-key", c.secretKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[AGGREGATOR] POST %s failed: %v", path, err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if res.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		// An unparseable body is not proof of failure or success;
		// treat as unavailable so the entry stays pending.
		return nil, fmt.Errorf("%w: undecodable response: %v", ErrUnavailable, err)
	}
	out.Raw = raw
	return &out, nil
}
