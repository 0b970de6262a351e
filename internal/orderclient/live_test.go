package orderclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"dumphedge/internal/config"
	"dumphedge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAuth(t *testing.T) (*Auth, config.Config) {
	t.Helper()
	cfg := config.Config{
		Wallet: config.WalletConfig{
			PrivateKey:    "0x1111111111111111111111111111111111111111111111111111111111111111",
			ChainID:       137,
			SignatureType: 0,
		},
		API: config.APIConfig{ApiKey: "test-key", Secret: "dGVzdC1zZWNyZXQ", Passphrase: "test-pass"},
	}
	auth, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return auth, cfg
}

func TestBuySharesPostsSignedOrder(t *testing.T) {
	t.Parallel()
	var gotNonceHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotNonceHeader = r.Header.Get("X-Nonce")
		var body types.OrderSubmission
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Order.Signature == "" {
			t.Error("expected a non-empty order signature")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.LiveOrderResponse{
			ID: "order-1", Status: "filled", FilledSize: "20", AvgFillPrice: "0.40", TotalCost: "8.00",
			CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
		})
	}))
	defer srv.Close()

	auth, cfg := testAuth(t)
	cfg.API.CLOBBaseURL = srv.URL
	c := NewClient(cfg, auth, testLogger())

	result, err := c.BuyShares(context.Background(), types.Up, "tok1", decimal.NewFromInt(20), decimal.NewFromFloat(0.40))
	if err != nil {
		t.Fatalf("BuyShares: %v", err)
	}
	if result.OrderID != "order-1" || result.Status != types.OrderFilled {
		t.Errorf("result = %+v, want order-1/filled", result)
	}
	if !result.Shares.Equal(decimal.NewFromInt(20)) {
		t.Errorf("shares = %v, want 20", result.Shares)
	}
	if gotNonceHeader == "" {
		t.Error("expected X-Nonce header on the request")
	}
}

func TestBuySharesUsesDistinctNoncesPerCall(t *testing.T) {
	t.Parallel()
	var nonces []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nonces = append(nonces, r.Header.Get("X-Nonce"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.LiveOrderResponse{ID: "o", Status: "filled", FilledSize: "1", AvgFillPrice: "0.5", TotalCost: "0.5"})
	}))
	defer srv.Close()

	auth, cfg := testAuth(t)
	cfg.API.CLOBBaseURL = srv.URL
	c := NewClient(cfg, auth, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := c.BuyShares(context.Background(), types.Up, "tok1", decimal.NewFromInt(1), decimal.NewFromFloat(0.5)); err != nil {
			t.Fatalf("BuyShares[%d]: %v", i, err)
		}
	}
	if nonces[0] == nonces[1] || nonces[1] == nonces[2] {
		t.Errorf("expected distinct nonces per call, got %v", nonces)
	}
}

func TestBuyByUSDUsesPriceCeiling(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body types.OrderSubmission
		json.NewDecoder(r.Body).Decode(&body)
		if body.Order.TakerAmount.Cmp(body.Order.MakerAmount) != 0 {
			t.Errorf("at a 1.0 ceiling price, maker USDC amount should equal taker share amount")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.LiveOrderResponse{ID: "o", Status: "live", FilledSize: "0", AvgFillPrice: "0", TotalCost: "0"})
	}))
	defer srv.Close()

	auth, cfg := testAuth(t)
	cfg.API.CLOBBaseURL = srv.URL
	c := NewClient(cfg, auth, testLogger())

	if _, err := c.BuyByUSD(context.Background(), types.Down, "tok2", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("BuyByUSD: %v", err)
	}
}

func TestCancelReturnsFalseOn404(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	auth, cfg := testAuth(t)
	cfg.API.CLOBBaseURL = srv.URL
	c := NewClient(cfg, auth, testLogger())

	ok, err := c.Cancel(context.Background(), "missing-order")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ok {
		t.Error("expected Cancel to report false for a 404")
	}
}

func TestGetOrderNotFound(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	auth, cfg := testAuth(t)
	cfg.API.CLOBBaseURL = srv.URL
	c := NewClient(cfg, auth, testLogger())

	_, found, err := c.GetOrder(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if found {
		t.Error("expected found = false for a 404")
	}
}

func TestDeriveAPIKeySetsCredentials(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Credentials{ApiKey: "derived-key", Secret: "derived-secret", Passphrase: "derived-pass"})
	}))
	defer srv.Close()

	auth, cfg := testAuth(t)
	cfg.API.CLOBBaseURL = srv.URL
	c := NewClient(cfg, auth, testLogger())

	creds, err := c.DeriveAPIKey(context.Background())
	if err != nil {
		t.Fatalf("DeriveAPIKey: %v", err)
	}
	if creds.ApiKey != "derived-key" {
		t.Errorf("ApiKey = %q, want derived-key", creds.ApiKey)
	}
	if !auth.HasL2Credentials() {
		t.Error("expected auth to have L2 credentials set after derive")
	}
}

