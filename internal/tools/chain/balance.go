package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"ChainPilot/internal/tools"
)

// GetBalance 查询地址的原生代币余额。
type GetBalance struct {
	tools.BaseTool
	deps Deps
}

// NewGetBalance 创建余额查询工具。
func NewGetBalance(d Deps) *GetBalance {
	return &GetBalance{
		deps: d,
		BaseTool: tools.BaseTool{Def: tools.Definition{
			Name:        "get_balance",
			Description: "Get the native token balance of an address on a configured chain.",
			Parameters: []tools.Parameter{
				{Name: "address", Type: tools.TypeString, Description: "0x-prefixed account address", Required: true},
				{Name: "block", Type: tools.TypeString, Description: "block number in decimal, or \"latest\"", Default: "latest"},
				d.chainParam(),
			},
			Examples: []tools.Example{
				{Description: "latest balance", Params: map[string]any{"address": "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"}},
			},
		}},
	}
}

// Execute 读取余额，结果在快速缓存中按链、地址与区块缓存。
func (t *GetBalance) Execute(ctx context.Context, params map[string]any, _ tools.Context) (*tools.Result, error) {
	address, err := parseAddress(params["address"].(string))
	if err != nil {
		return nil, err
	}
	chainName, reader, err := t.deps.resolve(params)
	if err != nil {
		return nil, err
	}
	blockParam, _ := params["block"].(string)
	blockParam = strings.TrimSpace(blockParam)
	var block *big.Int
	if blockParam != "" && blockParam != "latest" {
		n, ok := new(big.Int).SetString(blockParam, 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("invalid block: %q", blockParam)
		}
		block = n
	} else {
		blockParam = "latest"
	}

	key := fmt.Sprintf("balance:%s:%s:%s", chainName, address.Hex(), blockParam)
	wei, hit, err := cached(t.deps.Fast, key, func() (*big.Int, error) {
		return reader.BalanceAt(ctx, address, block)
	})
	if err != nil {
		return nil, err
	}

	result := tools.Succeed(map[string]any{
		"address": address.Hex(),
		"chain":   chainName,
		"block":   blockParam,
		"wei":     wei.String(),
		"ether":   formatUnits(wei, etherDecimals),
	})
	result.Metadata.Cached = hit
	return result, nil
}
