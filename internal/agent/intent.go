package agent

import (
	"ChainPilot/internal/intent"
	"ChainPilot/internal/tools"
)

const (
	synthesizedSuccessConfidence = 0.8
	synthesizedFailureConfidence = 0.3
)

var toolIntentTypes = map[string]intent.Type{
	"get_balance":     intent.TypeBalance,
	"get_gas_price":   intent.TypePrice,
	"get_token_price": intent.TypePrice,
	"get_portfolio":   intent.TypePortfolio,
	"build_transfer":  intent.TypeTransfer,
	"build_swap":      intent.TypeSwap,
	"init_vault":      intent.TypeVaultInit,
}

// transactionIntent 提取交易构造工具返回的意图。
func transactionIntent(data any) (intent.ParsedIntent, bool) {
	switch v := data.(type) {
	case intent.ParsedIntent:
		return v, true
	case *intent.ParsedIntent:
		if v != nil {
			return *v, true
		}
	}
	return intent.ParsedIntent{}, false
}

// synthesizeIntent 根据最后一次工具调用推导意图。
func synthesizeIntent(last ToolExecution, tool tools.Tool, raw string) intent.ParsedIntent {
	kind, ok := toolIntentTypes[last.Tool]
	if builder, isBuilder := tool.(tools.TransactionBuilder); isBuilder {
		kind, ok = builder.TransactionType(), true
	}
	if !ok {
		kind = intent.TypeUnknown
	}

	params := make(map[string]any, len(last.Params)+1)
	for k, v := range last.Params {
		params[k] = v
	}
	confidence := synthesizedFailureConfidence
	if last.Result != nil && last.Result.Success {
		params["result"] = last.Result.Data
		confidence = synthesizedSuccessConfidence
	} else if last.Result != nil {
		params["error"] = last.Result.Error
	}
	return intent.ParsedIntent{Type: kind, Params: params, Confidence: confidence, RawInput: raw}
}
