package chain

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"ChainPilot/internal/intent"
	"ChainPilot/internal/tools"
)

const (
	vaultConfidence   = 0.9
	maxVaultNameRunes = 64
)

// InitVault 准备创建保险库所需的参数。
type InitVault struct {
	tools.BaseTool
}

var _ tools.TransactionBuilder = (*InitVault)(nil)

// NewInitVault 创建保险库初始化工具。
func NewInitVault() *InitVault {
	return &InitVault{BaseTool: tools.BaseTool{Def: tools.Definition{
		Name:        "init_vault",
		Description: "Prepare the initialization of a new vault owned by the user.",
		Parameters: []tools.Parameter{
			{Name: "name", Type: tools.TypeString, Description: "human readable vault name", Required: true},
			{Name: "owner", Type: tools.TypeString, Description: "0x-prefixed owner address, defaults to the caller"},
		},
	}}}
}

// TransactionType 实现 tools.TransactionBuilder。
func (t *InitVault) TransactionType() intent.Type { return intent.TypeVaultInit }

// Execute 校验名称与所有者地址。
func (t *InitVault) Execute(_ context.Context, params map[string]any, tc tools.Context) (*tools.Result, error) {
	name := strings.TrimSpace(params["name"].(string))
	if name == "" || utf8.RuneCountInString(name) > maxVaultNameRunes {
		return nil, fmt.Errorf("vault name must be 1-%d characters", maxVaultNameRunes)
	}
	ownerRaw, _ := params["owner"].(string)
	if strings.TrimSpace(ownerRaw) == "" {
		ownerRaw = tc.CallerAddress
	}
	owner, err := parseAddress(ownerRaw)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	return tools.Succeed(intent.ParsedIntent{
		Type:       intent.TypeVaultInit,
		Params:     map[string]any{"name": name, "owner": owner.Hex()},
		Confidence: vaultConfidence,
	}), nil
}
