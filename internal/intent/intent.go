// Package intent describes the structured outcome handed to the transaction
// signing front end once a conversation turn completes.
package intent

// Type 标识意图的类别。
type Type string

const (
	TypeBalance   Type = "balance"
	TypePrice     Type = "price"
	TypePortfolio Type = "portfolio"
	TypeSwap      Type = "swap"
	TypeTransfer  Type = "transfer"
	TypeVaultInit Type = "vault_init"
	TypeUnknown   Type = "unknown"
)

// ParsedIntent 是一轮对话最终产出的结构化意图。
type ParsedIntent struct {
	Type       Type           `json:"type"`
	Params     map[string]any `json:"params"`
	Confidence float64        `json:"confidence"`
	RawInput   string         `json:"raw_input"`
}

// Unknown 构造一个无法识别的意图。
func Unknown(raw string) ParsedIntent {
	return ParsedIntent{
		Type:       TypeUnknown,
		Params:     map[string]any{},
		Confidence: 0,
		RawInput:   raw,
	}
}

// ClampConfidence 将置信度限制在 [0,1]。
func ClampConfidence(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
