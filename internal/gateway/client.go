package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/billvault/backend/internal/config"
)

// Sentinel errors surfaced to callers. Unavailable means the gateway
// could not be reached or answered 5xx; the caller must leave its
// ledger entry pending.
var (
	ErrUnavailable = errors.New("payment gateway unavailable")
	ErrNotFound    = errors.New("transaction not found at gateway")
)

// Verify statuses reported by the gateway.
const (
	StatusPaid    = "PAID"
	StatusFailed  = "FAILED"
	StatusPending = "PENDING"
)

// Client talks to the card/bank checkout gateway. Constructed once at
// startup and injected into the services that need it.
type Client struct {
	baseURL       string
	apiKey        string
	secretKey     string
	contractCode  string
	webhookSecret string
	httpClient    *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(cfg *config.GatewayConfig, timeout time.Duration) *Client {
	return &Client{
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		secretKey:     cfg.SecretKey,
		contractCode:  cfg.ContractCode,
		webhookSecret: cfg.WebhookSecret,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// InitResult is the gateway's answer to a checkout initialization.
type InitResult struct {
	CheckoutURL          string
	TransactionReference string
}

// VerifyResult is the gateway's answer to a verify-by-reference call.
// AmountPaid is converted to kobo.
type VerifyResult struct {
	Status               string
	AmountPaid           int64
	PaymentReference     string
	TransactionReference string
	PaidOn               string
	Card                 *CardDetails
}

// CardDetails is the tokenized card the gateway charged, when present.
type CardDetails struct {
	Token       string `json:"cardToken"`
	Last4       string `json:"last4"`
	Brand       string `json:"cardType"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
}

// WebhookEvent is the inbound webhook payload shape.
type WebhookEvent struct {
	EventType string           `json:"eventType"`
	EventData WebhookEventData `json:"eventData"`
}

type WebhookEventData struct {
	PaymentReference     string       `json:"paymentReference"`
	TransactionReference string       `json:"transactionReference"`
	AmountPaid           float64      `json:"amountPaid"`
	PaidOn               string       `json:"paidOn"`
	PaymentStatus        string       `json:"paymentStatus"`
	Card                 *CardDetails `json:"card,omitempty"`
}

// EventTypeSuccessful is the only event type that can credit a wallet.
const EventTypeSuccessful = "SUCCESSFUL_TRANSACTION"

// AmountKobo converts the gateway-reported naira amount to kobo.
func (d WebhookEventData) AmountKobo() int64 {
	return int64(math.Round(d.AmountPaid * 100))
}

// VerifySignature checks the HMAC-SHA512 digest the gateway puts in its
// signature header against the raw request body.
func (c *Client) VerifySignature(rawBody []byte, signature string) bool {
	h := hmac.New(sha512.New, []byte(c.webhookSecret))
	h.Write(rawBody)
	expected := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// InitializeTransaction opens a checkout session for the given amount
// (kobo) and returns the hosted checkout URL.
func (c *Client) InitializeTransaction(ctx context.Context, reference, customerName, customerEmail string, amount int64) (*InitResult, error) {
	body := map[string]any{
		"amount":             float64(amount) / 100,
		"currencyCode":       "NGN",
		"paymentReference":   reference,
		"customerName":       customerName,
		"customerEmail":      customerEmail,
		"contractCode":       c.contractCode,
		"paymentDescription": "Wallet funding",
	}

	var resp struct {
		RequestSuccessful bool `json:"requestSuccessful"`
		ResponseBody      struct {
			CheckoutURL          string `json:"checkoutUrl"`
			TransactionReference string `json:"transactionReference"`
		} `json:"responseBody"`
		ResponseMessage string `json:"responseMessage"`
	}

	if err := c.post(ctx, "/api/v1/merchant/transactions/init-transaction", body, &resp); err != nil {
		return nil, err
	}
	if !resp.RequestSuccessful {
		return nil, fmt.Errorf("gateway rejected init: %s", resp.ResponseMessage)
	}

	return &InitResult{
		CheckoutURL:          resp.ResponseBody.CheckoutURL,
		TransactionReference: resp.ResponseBody.TransactionReference,
	}, nil
}

// ChargeCardToken charges a previously tokenized card without a
// checkout redirect.
func (c *Client) ChargeCardToken(ctx context.Context, reference, cardToken string, amount int64) (*VerifyResult, error) {
	body := map[string]any{
		"amount":           float64(amount) / 100,
		"currencyCode":     "NGN",
		"paymentReference": reference,
		"cardToken":        cardToken,
		"contractCode":     c.contractCode,
	}

	var resp verifyEnvelope
	if err := c.post(ctx, "/api/v1/merchant/cards/charge-card-token", body, &resp); err != nil {
		return nil, err
	}
	return resp.result()
}

// VerifyTransaction asks the gateway for the authoritative state of a
// payment by either a gateway or merchant reference.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifyResult, error) {
	var resp verifyEnvelope
	err := c.get(ctx, "/api/v2/transactions/"+reference, &resp)
	if err != nil {
		return nil, err
	}
	return resp.result()
}

// ProvisionReservedAccount creates a dedicated bank account number the
// customer can fund by transfer. Callers gate this on KYC tier.
func (c *Client) ProvisionReservedAccount(ctx context.Context, accountReference, customerName, customerEmail string) (string, error) {
	body := map[string]any{
		"accountReference": accountReference,
		"accountName":      customerName,
		"customerEmail":    customerEmail,
		"currencyCode":     "NGN",
		"contractCode":     c.contractCode,
	}

	var resp struct {
		RequestSuccessful bool `json:"requestSuccessful"`
		ResponseBody      struct {
			AccountNumber string `json:"accountNumber"`
		} `json:"responseBody"`
		ResponseMessage string `json:"responseMessage"`
	}

	if err := c.post(ctx, "/api/v2/bank-transfer/reserved-accounts", body, &resp); err != nil {
		return "", err
	}
	if !resp.RequestSuccessful {
		return "", fmt.Errorf("gateway rejected reserved account: %s", resp.ResponseMessage)
	}
	return resp.ResponseBody.AccountNumber, nil
}

type verifyEnvelope struct {
	RequestSuccessful bool `json:"requestSuccessful"`
	ResponseBody      struct {
		PaymentStatus        string       `json:"paymentStatus"`
		AmountPaid           float64      `json:"amountPaid"`
		PaymentReference     string       `json:"paymentReference"`
		TransactionReference string       `json:"transactionReference"`
		PaidOn               string       `json:"paidOn"`
		Card                 *CardDetails `json:"card"`
	} `json:"responseBody"`
	ResponseMessage string `json:"responseMessage"`
}

func (e *verifyEnvelope) result() (*VerifyResult, error) {
	if !e.RequestSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, e.ResponseMessage)
	}
	return &VerifyResult{
		Status:               e.ResponseBody.PaymentStatus,
		AmountPaid:           int64(math.Round(e.ResponseBody.AmountPaid * 100)),
		PaymentReference:     e.ResponseBody.PaymentReference,
		TransactionReference: e.ResponseBody.TransactionReference,
		PaidOn:               e.ResponseBody.PaidOn,
		Card:                 e.ResponseBody.Card,
	}, nil
}

// token returns a cached bearer token, refreshing it when close to
// expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/login", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.apiKey, c.secretKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 500 {
		return "", fmt.Errorf("%w: auth status %d", ErrUnavailable, res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway auth failed with status %d", res.StatusCode)
	}

	var body struct {
		ResponseBody struct {
			AccessToken string `json:"accessToken"`
			ExpiresIn   int    `json:"expiresIn"`
		} `json:"responseBody"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", err
	}

	c.accessToken = body.ResponseBody.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(body.ResponseBody.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(payload), out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body *bytes.Reader, out any) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[GATEWAY] %s %s failed: %v", method, path, err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
	}
	if res.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	return json.NewDecoder(res.Body).Decode(out)
}
