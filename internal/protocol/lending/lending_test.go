package lending

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/protocol"
	"ToolRelay-Chain/internal/protocol/httpapi"
	"ToolRelay-Chain/internal/result"
	"ToolRelay-Chain/internal/tools"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeGateway struct {
	*httptest.Server
	marketHits atomic.Int32
	unsigned   atomic.Int32
	coins      int
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	gw := &fakeGateway{coins: 1}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/lending/market", func(w http.ResponseWriter, r *http.Request) {
		gw.marketHits.Add(1)
		gw.checkSignature(r, nil)
		_ = json.NewEncoder(w).Encode(map[string]string{"marketId": "0xmarket"})
	})
	mux.HandleFunc("/v1/lending/reserves", func(w http.ResponseWriter, r *http.Request) {
		gw.checkSignature(r, nil)
		_ = json.NewEncoder(w).Encode(map[string]any{"reserves": []map[string]any{
			{"coinType": "0x2::sui::SUI", "symbol": "SUI", "supplyApy": 3.5, "borrowApy": 7.25, "utilizationRate": 0.6},
			{"coinType": "0xabc::usdc::USDC", "supplyApy": 5, "borrowApy": 9, "utilizationRate": 0.8},
		}})
	})
	mux.HandleFunc("/v1/accounts/", func(w http.ResponseWriter, r *http.Request) {
		coins := make([]map[string]string, 0, gw.coins)
		for i := 0; i < gw.coins; i++ {
			coins = append(coins, map[string]string{"coinObjectId": "0xcoin" + strconv.Itoa(i), "balance": "100"})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"coins": coins})
	})
	mux.HandleFunc("/v1/lending/deposits", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gw.checkSignature(r, body)
		var req map[string]string
		_ = json.Unmarshal(body, &req)
		if req["coinType"] == "FROZEN" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"reserve is frozen"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"digest": "deposit-" + req["value"]})
	})
	mux.HandleFunc("/v1/lending/borrows", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gw.checkSignature(r, body)
		var req map[string]string
		_ = json.Unmarshal(body, &req)
		_ = json.NewEncoder(w).Encode(map[string]string{"digest": "borrow-" + req["obligationId"]})
	})
	gw.Server = httptest.NewServer(mux)
	t.Cleanup(gw.Close)
	return gw
}

func (g *fakeGateway) checkSignature(r *http.Request, body []byte) {
	ts, err := strconv.ParseInt(r.Header.Get(httpapi.HeaderTimestamp), 10, 64)
	if err != nil {
		g.unsigned.Add(1)
		return
	}
	addr, err := httpapi.RecoverAddress(httpapi.Digest(r.Method, r.URL.Path, ts, body), r.Header.Get(httpapi.HeaderSignature))
	if err != nil || !strings.EqualFold(addr.Hex(), r.Header.Get(httpapi.HeaderAccount)) {
		g.unsigned.Add(1)
	}
}

func newRegistry(t *testing.T, gw *fakeGateway) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	factory := NewGatewayFactory(GatewayConfig{
		Endpoints: map[string]string{"mainnet": gw.URL, "testnet": gw.URL},
		RetryMax:  1,
	})
	if err := RegisterTools(reg, factory); err != nil {
		t.Fatalf("register tools: %v", err)
	}
	return reg
}

func call(t *testing.T, reg *tools.Registry, env tools.Env, name string, args ...tools.Value) (string, error) {
	t.Helper()
	desc, err := reg.Lookup(name)
	if err != nil {
		t.Fatalf("lookup %s: %v", name, err)
	}
	validated, err := tools.ValidateArgs(desc.Parameters, args)
	if err != nil {
		t.Fatalf("validate %s: %v", name, err)
	}
	return desc.Handler(context.Background(), env, validated...)
}

func TestGetLendingRates(t *testing.T) {
	gw := newFakeGateway(t)
	reg := newRegistry(t, gw)
	env := tools.Env{Connectors: protocol.NewCache()}

	raw, err := call(t, reg, env, "get_lending_rates", tools.Strings("mainnet", testKey)...)
	if err != nil {
		t.Fatalf("get_lending_rates: %v", err)
	}
	results, err := result.Decode(raw)
	if err != nil || len(results) != 1 {
		t.Fatalf("decode: %v %v", results, err)
	}
	got := results[0]
	if got.Status != result.StatusSuccess || got.Reasoning != "Successfully retrieved lending rates" || got.Query != "Get lending rates" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	var reserves []Reserve
	if err := json.Unmarshal([]byte(got.Response), &reserves); err != nil {
		t.Fatalf("decode reserves: %v", err)
	}
	if len(reserves) != 2 || reserves[0].Asset != "SUI" || reserves[1].Asset != "0xabc::usdc::USDC" || reserves[0].BorrowRate != 7.25 {
		t.Fatalf("unexpected reserves: %+v", reserves)
	}
	var wire []map[string]any
	if err := json.Unmarshal([]byte(got.Response), &wire); err != nil {
		t.Fatalf("decode wire reserves: %v", err)
	}
	want := []map[string]any{
		{"asset": "SUI", "supplyRate": 3.5, "borrowRate": 7.25, "utilization": 0.6},
		{"asset": "0xabc::usdc::USDC", "supplyRate": 5.0, "borrowRate": 9.0, "utilization": 0.8},
	}
	if diff := cmp.Diff(want, wire); diff != "" {
		t.Fatalf("reserve wire shape mismatch (-want +got):\n%s", diff)
	}
	if gw.unsigned.Load() != 0 {
		t.Fatalf("expected every request to carry a valid signature")
	}

	if _, err := call(t, reg, env, "get_lending_rates", tools.Strings("mainnet", testKey)...); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if gw.marketHits.Load() != 1 {
		t.Fatalf("expected cached connector to connect once, got %d", gw.marketHits.Load())
	}
}

func TestLendAndBorrow(t *testing.T) {
	gw := newFakeGateway(t)
	reg := newRegistry(t, gw)
	env := tools.Env{Connectors: protocol.NewCache()}

	raw, err := call(t, reg, env, "lend_tokens",
		tools.String("testnet"), tools.String(testKey), tools.String("0xwallet"), tools.String("0x2::sui::SUI"), tools.Number(250))
	if err != nil {
		t.Fatalf("lend_tokens: %v", err)
	}
	results, _ := result.Decode(raw)
	if results[0].Query != "Lend 250 of 0x2::sui::SUI from 0xwallet" {
		t.Fatalf("unexpected query: %q", results[0].Query)
	}
	if !strings.Contains(results[0].Response, `"data": "deposit-250"`) {
		t.Fatalf("expected digest in response, got %s", results[0].Response)
	}

	raw, err = call(t, reg, env, "borrow_tokens",
		tools.String("testnet"), tools.String(testKey), tools.String("0xwallet"),
		tools.String("0xcap"), tools.String("0xobligation"), tools.String("0x2::sui::SUI"), tools.String("1000"))
	if err != nil {
		t.Fatalf("borrow_tokens: %v", err)
	}
	results, _ = result.Decode(raw)
	if results[0].Reasoning != "Successfully executed borrowing transaction" || !strings.Contains(results[0].Response, "borrow-0xobligation") {
		t.Fatalf("unexpected borrow envelope: %+v", results[0])
	}
}

func TestLendWithoutCoins(t *testing.T) {
	gw := newFakeGateway(t)
	gw.coins = 0
	reg := newRegistry(t, gw)
	env := tools.Env{Connectors: protocol.NewCache()}

	_, err := call(t, reg, env, "lend_tokens",
		tools.String("mainnet"), tools.String(testKey), tools.String("0xwallet"), tools.String("0x2::sui::SUI"), tools.Number(1))
	if err == nil {
		t.Fatalf("expected lend to fail")
	}
	if msg := xerrors.MessageOf(err); msg != "Failed to lend tokens: No coins found for type 0x2::sui::SUI" {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestLendRejectsNonPositiveAmount(t *testing.T) {
	gw := newFakeGateway(t)
	factory := NewGatewayFactory(GatewayConfig{Endpoints: map[string]string{"mainnet": gw.URL}})
	conn, err := New(protocol.Config{AccountKey: testKey}, factory)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := conn.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	resp := conn.Lend(context.Background(), DepositRequest{WalletAddress: "0xw", Asset: "SUI", Amount: big.NewInt(0)})
	if resp.Success || resp.Error != "Failed to lend tokens: amount must be positive, got 0" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGatewayErrorIsReported(t *testing.T) {
	gw := newFakeGateway(t)
	reg := newRegistry(t, gw)
	env := tools.Env{Connectors: protocol.NewCache()}

	_, err := call(t, reg, env, "lend_tokens",
		tools.String("mainnet"), tools.String(testKey), tools.String("0xwallet"), tools.String("FROZEN"), tools.Number(5))
	if msg := xerrors.MessageOf(err); msg != "Failed to lend tokens: gateway returned 400: reserve is frozen" {
		t.Fatalf("unexpected message: %q", msg)
	}
	if xerrors.CodeOf(err) != xerrors.CodeProtocolFailure {
		t.Fatalf("expected PROTOCOL_FAILURE, got %v", err)
	}
}

func TestConnectorRequiresInitialize(t *testing.T) {
	conn, err := New(protocol.Config{}, func(protocol.Config) (Market, error) { return stubMarket{}, nil })
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp := conn.GetLendingRates(context.Background())
	if resp.Success || resp.Error != "Lending client not initialized. Call initialize() first" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, err := resp.Unwrap(); xerrors.CodeOf(err) != xerrors.CodeNotInitialized {
		t.Fatalf("expected NOT_INITIALIZED, got %v", err)
	}
}

func TestInitializeFailureMessage(t *testing.T) {
	conn, err := New(protocol.Config{}, func(protocol.Config) (Market, error) {
		return stubMarket{connectErr: xerrors.New(xerrors.CodeProtocolFailure, "market object missing")}, nil
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = conn.Initialize(context.Background())
	if xerrors.MessageOf(err) != "Failed to initialize Lending client: market object missing" {
		t.Fatalf("unexpected init error: %v", err)
	}
}

func TestFactoryRejectsUnknownNetwork(t *testing.T) {
	factory := NewGatewayFactory(GatewayConfig{Endpoints: map[string]string{"mainnet": "http://127.0.0.1:1"}})
	if _, err := factory(protocol.Config{Network: "devnet", AccountKey: testKey}); err == nil {
		t.Fatalf("expected error for unconfigured network")
	}
	if _, err := factory(protocol.Config{AccountKey: "zz"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid key error, got %v", err)
	}
}

type stubMarket struct {
	connectErr error
}

func (s stubMarket) Connect(context.Context) error               { return s.connectErr }
func (s stubMarket) Reserves(context.Context) ([]Reserve, error) { return nil, nil }
func (s stubMarket) Deposit(context.Context, DepositRequest) (string, error) {
	return "", nil
}
func (s stubMarket) Borrow(context.Context, BorrowRequest) (string, error) { return "", nil }
func (s stubMarket) Close() error                                          { return nil }
