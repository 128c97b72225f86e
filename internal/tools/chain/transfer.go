package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"ChainPilot/internal/intent"
	"ChainPilot/internal/tools"
)

const (
	transferGasLimit   = 21000
	transferConfidence = 0.95
)

// BuildTransfer 构造一笔未签名的原生代币转账交易，交给前端钱包签名。
type BuildTransfer struct {
	tools.BaseTool
	deps Deps
}

var _ tools.TransactionBuilder = (*BuildTransfer)(nil)

// NewBuildTransfer 创建转账构造工具。
func NewBuildTransfer(d Deps) *BuildTransfer {
	return &BuildTransfer{
		deps: d,
		BaseTool: tools.BaseTool{Def: tools.Definition{
			Name:        "build_transfer",
			Description: "Build an unsigned native token transfer for the user to sign. The sender defaults to the caller's address.",
			Parameters: []tools.Parameter{
				{Name: "to", Type: tools.TypeString, Description: "0x-prefixed recipient address", Required: true},
				{Name: "amount", Type: tools.TypeString, Description: "amount in ether as a decimal string, e.g. \"0.25\"", Required: true},
				{Name: "from", Type: tools.TypeString, Description: "0x-prefixed sender address"},
				d.chainParam(),
			},
		}},
	}
}

// TransactionType 实现 tools.TransactionBuilder。
func (t *BuildTransfer) TransactionType() intent.Type { return intent.TypeTransfer }

// Execute 读取 nonce、gas price 与链 ID 并编码交易。
func (t *BuildTransfer) Execute(ctx context.Context, params map[string]any, tc tools.Context) (*tools.Result, error) {
	to, err := parseAddress(params["to"].(string))
	if err != nil {
		return nil, err
	}
	fromRaw, _ := params["from"].(string)
	if strings.TrimSpace(fromRaw) == "" {
		fromRaw = tc.CallerAddress
	}
	from, err := parseAddress(fromRaw)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	amount := params["amount"].(string)
	value, err := parseUnits(amount, etherDecimals)
	if err != nil {
		return nil, err
	}

	chainName, reader, err := t.deps.resolve(params)
	if err != nil {
		return nil, err
	}

	nonce, err := reader.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, err
	}
	gasPrice, _, err := cached(t.deps.Fast, "gas_price:"+chainName, func() (*big.Int, error) {
		return reader.SuggestGasPrice(ctx)
	})
	if err != nil {
		return nil, err
	}
	chainID, _, err := cached(t.deps.Slow, "chain_id:"+chainName, func() (*big.Int, error) {
		return reader.ChainID(ctx)
	})
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
	})
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	signingHash := types.NewEIP155Signer(chainID).Hash(tx)

	return tools.Succeed(intent.ParsedIntent{
		Type: intent.TypeTransfer,
		Params: map[string]any{
			"chain":        chainName,
			"chain_id":     chainID.String(),
			"from":         from.Hex(),
			"to":           to.Hex(),
			"amount":       amount,
			"value_wei":    value.String(),
			"nonce":        nonce,
			"gas_limit":    uint64(transferGasLimit),
			"gas_price":    gasPrice.String(),
			"unsigned_tx":  hexutil.Encode(raw),
			"signing_hash": signingHash.Hex(),
		},
		Confidence: transferConfidence,
	}), nil
}
