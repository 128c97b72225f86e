package chain

import (
	"context"
	"math/big"

	"ChainPilot/internal/tools"
)

const gweiDecimals = 9

// GetGasPrice 查询当前建议的 gas price。
type GetGasPrice struct {
	tools.BaseTool
	deps Deps
}

// NewGetGasPrice 创建 gas price 查询工具。
func NewGetGasPrice(d Deps) *GetGasPrice {
	return &GetGasPrice{
		deps: d,
		BaseTool: tools.BaseTool{Def: tools.Definition{
			Name:        "get_gas_price",
			Description: "Get the suggested gas price of a configured chain.",
			Parameters:  []tools.Parameter{d.chainParam()},
		}},
	}
}

// Execute 读取 gas price。
func (t *GetGasPrice) Execute(ctx context.Context, params map[string]any, _ tools.Context) (*tools.Result, error) {
	chainName, reader, err := t.deps.resolve(params)
	if err != nil {
		return nil, err
	}
	price, hit, err := cached(t.deps.Fast, "gas_price:"+chainName, func() (*big.Int, error) {
		return reader.SuggestGasPrice(ctx)
	})
	if err != nil {
		return nil, err
	}
	result := tools.Succeed(map[string]any{
		"chain": chainName,
		"wei":   price.String(),
		"gwei":  formatUnits(price, gweiDecimals),
	})
	result.Metadata.Cached = hit
	return result, nil
}
