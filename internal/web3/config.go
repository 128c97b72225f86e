package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "ChainPilot/internal/errors"
)

// ChainDefinitions 对应 configs/chains.yaml 的结构。
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述单条链的接入方式。
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	Symbol      string `yaml:"symbol"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions 解析链配置文件，路径为空时返回空配置。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取链配置失败")
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions 解析 YAML 格式的链配置。
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析链配置失败")
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if strings.TrimSpace(chain.RPCURL) == "" {
			return ChainDefinitions{}, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("链 %s 未配置 rpc_url", name))
		}
		if chain.Type == "" {
			chain.Type = "evm"
		}
		if chain.Symbol == "" {
			chain.Symbol = "ETH"
		}
		defs.Chains[name] = chain
	}
	return defs, nil
}
