package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/protocol"
	"ToolRelay-Chain/internal/result"
	"ToolRelay-Chain/internal/tools"
)

const senderKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type simChain struct {
	backend *simulated.Backend
	sender  common.Address
	reg     *tools.Registry
	env     tools.Env
}

func newSimChain(t *testing.T) *simChain {
	t.Helper()
	key, err := crypto.HexToECDSA(senderKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)
	funds := new(big.Int).Mul(oneEther, big.NewInt(100))
	backend := simulated.NewBackend(coretypes.GenesisAlloc{sender: {Balance: funds}})
	t.Cleanup(func() { _ = backend.Close() })

	def := ChainDefinition{Name: "devnet", ChainID: 1337, Description: "simulated backend"}
	factory := func(cfg protocol.Config) (*Connector, error) {
		return New(def, cfg.AccountKey, WithBackend(backend.Client()), WithCommit(func() { backend.Commit() }))
	}
	reg := tools.NewRegistry()
	if err := RegisterTools(reg, factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	cache := protocol.NewCache()
	t.Cleanup(func() { _ = cache.Close() })
	return &simChain{backend: backend, sender: sender, reg: reg, env: tools.Env{Connectors: cache}}
}

func (s *simChain) call(t *testing.T, name string, args ...tools.Value) (result.StructuredResult, error) {
	t.Helper()
	desc, err := s.reg.Lookup(name)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	validated, err := tools.ValidateArgs(desc.Parameters, args)
	if err != nil {
		t.Fatalf("validate %s: %v", name, err)
	}
	raw, err := desc.Handler(context.Background(), s.env, validated...)
	if err != nil {
		return result.StructuredResult{}, err
	}
	results, err := result.Decode(raw)
	if err != nil || len(results) != 1 {
		t.Fatalf("decode: %v", err)
	}
	return results[0], nil
}

func (s *simChain) balance(t *testing.T, addr common.Address) *big.Int {
	t.Helper()
	got, err := s.backend.Client().BalanceAt(context.Background(), addr, nil)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return got
}

func TestChainDefinitions(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(`
chains:
  Mainnet:
    rpc_url: https://rpc.example.org
    chain_id: 1
    description: primary
  sepolia:
    rpc_url: https://sepolia.example.org
    batch_rpc_url: https://batch.example.org
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	def, err := defs.Resolve("MAINNET")
	if err != nil || def.Name != "mainnet" || def.ChainID != 1 {
		t.Fatalf("unexpected definition: %+v %v", def, err)
	}
	if names := strings.Join(defs.Names(), ","); names != "mainnet,sepolia" {
		t.Fatalf("unexpected names: %s", names)
	}
	if _, err := defs.Resolve("holesky"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected unknown network error, got %v", err)
	}
	if _, err := ParseChainDefinitions([]byte("chains:\n  broken:\n    description: x\n")); err == nil {
		t.Fatalf("expected missing rpc_url error")
	}
}

func TestReadOnlyTools(t *testing.T) {
	chain := newSimChain(t)

	snap, err := chain.call(t, "get_chain_snapshot", tools.String("devnet"))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var snapshot ChainSnapshot
	if err := json.Unmarshal([]byte(snap.Response), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" || snapshot.Notes != "simulated backend" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	bal, err := chain.call(t, "get_balance", tools.String("devnet"), tools.String(chain.sender.Hex()))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	var balance Balance
	_ = json.Unmarshal([]byte(bal.Response), &balance)
	if balance.Wei != new(big.Int).Mul(oneEther, big.NewInt(100)).String() {
		t.Fatalf("unexpected balance: %+v", balance)
	}

	est, err := chain.call(t, "estimate_transfer_gas", tools.String("devnet"), tools.String(chain.sender.Hex()),
		tools.String("0x00000000000000000000000000000000000000aa"), tools.Number(1000))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	var estimate GasEstimate
	_ = json.Unmarshal([]byte(est.Response), &estimate)
	if estimate.Gas != 21000 || est.Query != "Estimate gas for transaction" {
		t.Fatalf("unexpected estimate: %+v", estimate)
	}

	if _, err := chain.call(t, "get_balance", tools.String("devnet"), tools.String("not-an-address")); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid address error, got %v", err)
	}
}

func TestTransferNative(t *testing.T) {
	chain := newSimChain(t)
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	got, err := chain.call(t, "transfer_native", tools.String("devnet"), tools.String(senderKey),
		tools.String(recipient.Hex()), tools.String(oneEther.String()))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	var transfer Transfer
	if err := json.Unmarshal([]byte(got.Response), &transfer); err != nil {
		t.Fatalf("decode transfer: %v", err)
	}
	if transfer.Nonce != 0 || transfer.From != chain.sender.Hex() || len(transfer.Hash) != 66 {
		t.Fatalf("unexpected transfer: %+v", transfer)
	}
	if chain.balance(t, recipient).Cmp(oneEther) != 0 {
		t.Fatalf("recipient was not credited")
	}

	count, err := chain.call(t, "get_transaction_count", tools.String("devnet"), tools.String(chain.sender.Hex()))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	var tc TransactionCount
	_ = json.Unmarshal([]byte(count.Response), &tc)
	if tc.Latest != 1 || tc.Pending != 1 {
		t.Fatalf("unexpected count: %+v", tc)
	}
}

func TestBatchTransfer(t *testing.T) {
	chain := newSimChain(t)
	a := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	b := common.HexToAddress("0x00000000000000000000000000000000000000c2")

	got, err := chain.call(t, "batch_transfer", tools.String("devnet"), tools.String(senderKey),
		tools.String(a.Hex()+", "+b.Hex()), tools.String("1000,2000"))
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	var transfers []Transfer
	if err := json.Unmarshal([]byte(got.Response), &transfers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(transfers) != 2 || transfers[0].Nonce != 0 || transfers[1].Nonce != 1 {
		t.Fatalf("unexpected transfers: %+v", transfers)
	}
	if chain.balance(t, a).Int64() != 1000 || chain.balance(t, b).Int64() != 2000 {
		t.Fatalf("recipients were not credited")
	}

	if _, err := chain.call(t, "batch_transfer", tools.String("devnet"), tools.String(senderKey),
		tools.String(a.Hex()), tools.String("1,2")); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected mismatch error, got %v", err)
	}
}

func TestTransferRequiresKey(t *testing.T) {
	chain := newSimChain(t)
	conn, err := New(ChainDefinition{Name: "devnet"}, "", WithBackend(chain.backend.Client()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := conn.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	resp := conn.TransferNative(context.Background(), common.HexToAddress("0x01"), big.NewInt(1))
	if resp.Error != "Failed to transfer: account key is required to sign transactions" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChainIDMismatch(t *testing.T) {
	chain := newSimChain(t)
	conn, _ := New(ChainDefinition{Name: "devnet", ChainID: 1}, "", WithBackend(chain.backend.Client()))
	err := conn.Initialize(context.Background())
	if msg := xerrors.MessageOf(err); msg != "Failed to initialize EVM client: chain id mismatch: expected 1, got 1337" {
		t.Fatalf("unexpected error: %q", msg)
	}
	if conn.Ready() {
		t.Fatalf("connector must not be ready after failed init")
	}
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

func TestSendBatchUsesSingleRPCCall(t *testing.T) {
	var batches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		answer := func(req rpcRequest) rpcResponse {
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
			switch req.Method {
			case "eth_chainId":
				resp.Result = "0x539"
			case "eth_sendRawTransaction":
				var raw string
				_ = json.Unmarshal(req.Params[0], &raw)
				tx := new(coretypes.Transaction)
				if err := tx.UnmarshalBinary(hexutil.MustDecode(raw)); err == nil {
					resp.Result = tx.Hash().Hex()
				}
			}
			return resp
		}
		w.Header().Set("Content-Type", "application/json")
		if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
			batches.Add(1)
			var reqs []rpcRequest
			_ = json.Unmarshal(body, &reqs)
			out := make([]rpcResponse, 0, len(reqs))
			for _, req := range reqs {
				out = append(out, answer(req))
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}
		var req rpcRequest
		_ = json.Unmarshal(body, &req)
		_ = json.NewEncoder(w).Encode(answer(req))
	}))
	defer srv.Close()

	conn, err := New(ChainDefinition{Name: "devnet", RPCURL: srv.URL}, senderKey)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := conn.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer conn.Close()

	key, _ := crypto.HexToECDSA(senderKey)
	signer := coretypes.LatestSignerForChainID(big.NewInt(1337))
	var txs []*coretypes.Transaction
	for i := 0; i < 3; i++ {
		to := common.HexToAddress("0x00000000000000000000000000000000000000d0")
		tx, err := coretypes.SignNewTx(key, signer, &coretypes.DynamicFeeTx{
			ChainID: big.NewInt(1337), Nonce: uint64(i), Gas: 21000,
			GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2), To: &to, Value: big.NewInt(1),
		})
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		txs = append(txs, tx)
	}
	hashes, err := conn.SendBatch(context.Background(), txs)
	if err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if batches.Load() != 1 {
		t.Fatalf("expected one batch request, got %d", batches.Load())
	}
	for i, h := range hashes {
		if h != txs[i].Hash() {
			t.Fatalf("hash %d mismatch", i)
		}
	}
}
