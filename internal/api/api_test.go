package api_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"payout.settle/internal/api"
	"payout.settle/internal/metrics"
	"payout.settle/internal/notify"
	"payout.settle/internal/settlement"
	"payout.settle/internal/store/sqlite"
)

const (
	serviceToken = "test-token"
	adminToken   = "admin-token"
	wallet       = "0x1111111111111111111111111111111111111111"
)

type testEnv struct {
	ledger   *sqlite.Store
	server   *httptest.Server
	client   *http.Client
	triggers atomic.Int32
}

type withdrawalResponse struct {
	ID               int64  `json:"id"`
	UserID           int64  `json:"user_id"`
	Amount           int64  `json:"amount"`
	Wallet           string `json:"wallet"`
	Status           string `json:"status"`
	RetryCount       int    `json:"retry_count"`
	ManualRetryCount int    `json:"manual_retry_count"`
	IdempotencyKey   string `json:"idempotency_key"`
	TxHash           string `json:"tx_hash"`
	Error            string `json:"error"`
}

type errorResponse struct {
	Error     string `json:"error"`
	MinAmount int64  `json:"min_amount"`
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()

	ledger, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	env := &testEnv{ledger: ledger, client: &http.Client{Timeout: 3 * time.Second}}

	gate := settlement.NewGate(ledger, notify.Discard{}, settlement.GateConfig{MinAmount: 15000, PayoutChannel: "@payouts"}, m, logger)
	recovery := settlement.NewRecovery(ledger, 3, func() { env.triggers.Add(1) }, logger)
	srv := api.NewServer(api.Deps{
		Ledger:   ledger,
		Gate:     gate,
		Recovery: recovery,
		Metrics:  m,
		Logger:   logger,
	}, api.Tokens{Service: serviceToken, Admin: adminToken})

	env.server = httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		env.server.Close()
		ledger.Close()
	})
	return env
}

func (e *testEnv) send(t *testing.T, token, method, path, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func (e *testEnv) doRequest(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	return e.send(t, serviceToken, method, path, body)
}

func (e *testEnv) doAdmin(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	return e.send(t, adminToken, method, path, body)
}

func (e *testEnv) seedBalance(t *testing.T, userID, tokens int64) {
	t.Helper()
	if _, err := e.ledger.CreditBalance(context.Background(), userID, tokens, "seed"); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func (e *testEnv) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return b
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}
