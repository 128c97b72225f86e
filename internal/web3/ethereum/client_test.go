package ethereum

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

// newFakeNode 启动一个只回答少量 JSON-RPC 方法的节点。
func newFakeNode(t *testing.T, chainIDCalls *int32) *httptest.Server {
	t.Helper()
	results := map[string]any{
		"eth_chainId":             "0xaa36a7",
		"eth_getBalance":          "0xde0b6b3a7640000",
		"eth_gasPrice":            "0x3b9aca00",
		"eth_getTransactionCount": "0x7",
		"eth_blockNumber":         "0x10",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		if req.Method == "eth_chainId" && chainIDCalls != nil {
			atomic.AddInt32(chainIDCalls, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if result, ok := results[req.Method]; ok {
			resp["result"] = result
		} else {
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientReadsChainState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var chainIDCalls int32
	node := newFakeNode(t, &chainIDCalls)
	client, err := NewClient(ctx, Config{Name: "sepolia", RPCURL: node.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	balance, err := client.BalanceAt(ctx, account, nil)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1_000_000_000_000_000_000)) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}

	nonce, err := client.PendingNonceAt(ctx, account)
	if err != nil || nonce != 7 {
		t.Fatalf("unexpected nonce %d, %v", nonce, err)
	}

	price, err := client.SuggestGasPrice(ctx)
	if err != nil || price.Int64() != 1_000_000_000 {
		t.Fatalf("unexpected gas price %v, %v", price, err)
	}

	for i := 0; i < 2; i++ {
		id, err := client.ChainID(ctx)
		if err != nil || id.Int64() != 11155111 {
			t.Fatalf("unexpected chain id %v, %v", id, err)
		}
	}
	if atomic.LoadInt32(&chainIDCalls) != 1 {
		t.Fatalf("chain id should be cached, node was asked %d times", chainIDCalls)
	}

	snapshot, err := client.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.BlockNumber != 16 || snapshot.ChainID != "11155111" || snapshot.Symbol != "ETH" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestClientUsesConfiguredChainID(t *testing.T) {
	var chainIDCalls int32
	node := newFakeNode(t, &chainIDCalls)
	client, err := NewClient(context.Background(), Config{Name: "local", RPCURL: node.URL, ChainID: 1337})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	id, err := client.ChainID(context.Background())
	if err != nil || id.Int64() != 1337 {
		t.Fatalf("unexpected chain id %v, %v", id, err)
	}
	if chainIDCalls != 0 {
		t.Fatalf("configured chain id must not hit the node")
	}
}

func TestNewClientRequiresRPCURL(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty rpc url")
	}
}
