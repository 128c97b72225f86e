package chain

import (
	"context"
	"fmt"
	"strings"

	"ChainPilot/internal/intent"
	"ChainPilot/internal/tools"
)

const (
	swapConfidence     = 0.9
	defaultSlippage    = 0.5
	maxSlippagePercent = 50.0
)

// BuildSwap 描述一次代币兑换，具体路由由签名端决定。
type BuildSwap struct {
	tools.BaseTool
}

var _ tools.TransactionBuilder = (*BuildSwap)(nil)

// NewBuildSwap 创建兑换构造工具。
func NewBuildSwap() *BuildSwap {
	return &BuildSwap{BaseTool: tools.BaseTool{Def: tools.Definition{
		Name:        "build_swap",
		Description: "Prepare a token swap for the user to review and sign.",
		Parameters: []tools.Parameter{
			{Name: "from_token", Type: tools.TypeString, Description: "symbol or address of the token to sell", Required: true},
			{Name: "to_token", Type: tools.TypeString, Description: "symbol or address of the token to buy", Required: true},
			{Name: "amount", Type: tools.TypeString, Description: "amount of from_token as a decimal string", Required: true},
			{Name: "slippage", Type: tools.TypeNumber, Description: "maximum slippage in percent", Default: defaultSlippage},
		},
		Examples: []tools.Example{
			{Description: "swap ether for usdc", Params: map[string]any{"from_token": "ETH", "to_token": "USDC", "amount": "0.5"}},
		},
	}}}
}

// TransactionType 实现 tools.TransactionBuilder。
func (t *BuildSwap) TransactionType() intent.Type { return intent.TypeSwap }

// Execute 校验兑换参数并返回 swap 意图。
func (t *BuildSwap) Execute(_ context.Context, params map[string]any, tc tools.Context) (*tools.Result, error) {
	fromToken := strings.TrimSpace(params["from_token"].(string))
	toToken := strings.TrimSpace(params["to_token"].(string))
	if fromToken == "" || toToken == "" {
		return nil, fmt.Errorf("token must not be empty")
	}
	if strings.EqualFold(fromToken, toToken) {
		return nil, fmt.Errorf("cannot swap %s for itself", fromToken)
	}
	amount := strings.TrimSpace(params["amount"].(string))
	if _, err := parseUnits(amount, etherDecimals); err != nil {
		return nil, err
	}
	slippage := toFloat(params["slippage"])
	if slippage <= 0 || slippage > maxSlippagePercent {
		return nil, fmt.Errorf("slippage must be within (0, %.0f]", maxSlippagePercent)
	}

	return tools.Succeed(intent.ParsedIntent{
		Type: intent.TypeSwap,
		Params: map[string]any{
			"from_token": strings.ToUpper(fromToken),
			"to_token":   strings.ToUpper(toToken),
			"amount":     amount,
			"slippage":   slippage,
			"account":    tc.CallerAddress,
		},
		Confidence: swapConfidence,
	}), nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
