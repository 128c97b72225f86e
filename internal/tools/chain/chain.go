// Package chain implements the blockchain tools exposed to the agent: balance
// and gas price reads backed by the fast cache, and the transaction-building
// tools whose successful output becomes the conversation's ParsedIntent.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"ChainPilot/internal/cache"
	"ChainPilot/internal/tools"
	"ChainPilot/internal/web3"
)

const etherDecimals = 18

// Networks 按名称解析已配置的链，由 provider.Registry 实现。
type Networks interface {
	Chains() []string
	Reader(name string) (web3.ChainReader, bool)
	Snapshot(ctx context.Context, name string) (web3.ChainSnapshot, error)
	Snapshots(ctx context.Context) map[string]web3.ChainSnapshot
}

// Deps 是链上工具共享的依赖。Fast 缓存易变数据，Slow 缓存几乎不变的数据，均可为空。
//
// Chain 与 Reader 是默认链；Networks 非空时工具接受可选的 chain 参数。
type Deps struct {
	Chain    string
	Reader   web3.ChainReader
	Networks Networks
	Fast     *cache.Cache[any]
	Slow     *cache.Cache[any]
}

// All 返回全部链上工具，顺序即注册顺序。
func All(d Deps) []tools.Tool {
	return []tools.Tool{
		NewGetBalance(d),
		NewGetGasPrice(d),
		NewBuildTransfer(d),
		NewBuildSwap(),
		NewInitVault(),
		NewGetChainInfo(d),
	}
}

// chainParam 是可选的 chain 参数，可选值为全部已配置的链。
func (d Deps) chainParam() tools.Parameter {
	p := tools.Parameter{
		Name:        "chain",
		Type:        tools.TypeString,
		Description: fmt.Sprintf("configured chain name, defaults to %q", d.Chain),
	}
	if d.Networks != nil {
		for _, name := range d.Networks.Chains() {
			p.Enum = append(p.Enum, name)
		}
	}
	return p
}

// resolve 返回参数指定的链名称与读取器，未指定时使用默认链。
func (d Deps) resolve(params map[string]any) (string, web3.ChainReader, error) {
	name, _ := params["chain"].(string)
	name = strings.TrimSpace(name)
	if name == "" || name == d.Chain {
		return d.Chain, d.Reader, nil
	}
	if d.Networks != nil {
		if reader, ok := d.Networks.Reader(name); ok {
			return name, reader, nil
		}
	}
	return "", nil, fmt.Errorf("unknown chain: %q", name)
}

// cached 在缓存存在时走 GetOrLoad，否则直接加载。
func cached[T any](c *cache.Cache[any], key string, load func() (T, error)) (T, bool, error) {
	if c == nil {
		v, err := load()
		return v, false, err
	}
	v, hit, err := c.GetOrLoad(key, func() (any, error) { return load() })
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v.(T), hit, nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address: %q", raw)
	}
	return common.HexToAddress(raw), nil
}

// parseUnits 将十进制字符串按精度转换为整数，例如 "1.5" ether 转换为 wei。
func parseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	value, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", amount)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive: %q", amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value.Mul(value, new(big.Rat).SetInt(scale))
	if !value.IsInt() {
		return nil, fmt.Errorf("amount %q has more than %d decimals", amount, decimals)
	}
	return new(big.Int).Set(value.Num()), nil
}

// formatUnits 将整数按精度格式化为十进制字符串，并去掉多余的零。
func formatUnits(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	text := new(big.Rat).SetFrac(value, scale).FloatString(decimals)
	if strings.Contains(text, ".") {
		text = strings.TrimRight(strings.TrimRight(text, "0"), ".")
	}
	return text
}
