package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/billvault/backend/internal/config"
	"github.com/stretchr/testify/assert"
)

func testClient(server *httptest.Server) *Client {
	return NewClient(&config.AggregatorConfig{
		BaseURL:   server.URL,
		APIKey:    "api-key",
		SecretKey: "secret-key",
	}, 5*time.Second)
}

func TestClient_Pay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pay", r.URL.Path)
		assert.Equal(t, "api-key", r.Header.Get("api-key"))
		assert.Equal(t, "secret-key", r.Header.Get("secret-key"))

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "mtn-airtime", body["serviceID"])
		assert.Equal(t, "08012345678", body["billersCode"])
		// kobo converted to naira on the wire
		assert.Equal(t, 500.0, body["amount"])
		assert.Equal(t, "req-1", body["request_id"])

		json.NewEncoder(w).Encode(map[string]any{
			"code":                 "000",
			"response_description": "TRANSACTION SUCCESSFUL",
		})
	}))
	defer server.Close()

	resp, err := testClient(server).Pay(context.Background(), PurchaseRequest{
		ServiceID:  "mtn-airtime",
		BillerCode: "08012345678",
		Amount:     50000,
		Phone:      "+2348012345678",
		RequestID:  "req-1",
	})
	assert.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, resp.Outcome())
}

func TestClient_Requery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/requery", r.URL.Path)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "req-1", body["request_id"])

		json.NewEncoder(w).Encode(map[string]any{
			"code":                 "099",
			"response_description": "TRANSACTION IS PROCESSING",
		})
	}))
	defer server.Close()

	resp, err := testClient(server).Requery(context.Background(), "req-1")
	assert.NoError(t, err)
	assert.Equal(t, OutcomeProcessing, resp.Outcome())
}

func TestClient_PostFailures(t *testing.T) {
	t.Run("5xx maps to unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := testClient(server).Pay(context.Background(), PurchaseRequest{RequestID: "req-1"})
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("undecodable body maps to unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>gateway timeout</html>"))
		}))
		defer server.Close()

		_, err := testClient(server).Requery(context.Background(), "req-1")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("unreachable host maps to unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		_, err := testClient(server).Pay(context.Background(), PurchaseRequest{RequestID: "req-1"})
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestResponse_Outcome(t *testing.T) {
	cases := []struct {
		code string
		want Outcome
	}{
		{"000", OutcomeSuccess},
		{"099", OutcomeProcessing},
		{"001", OutcomeProcessing},
		{"016", OutcomeDeclined},
		{"085", OutcomeDeclined},
		// Anything unrecognized fails closed: no debit on a guess.
		{"???", OutcomeDeclined},
		{"", OutcomeDeclined},
	}
	for _, tc := range cases {
		resp := &Response{Code: tc.code}
		assert.Equal(t, tc.want, resp.Outcome(), "code %q", tc.code)
	}
}
