package chain

import (
	"context"
	"sort"
	"strings"

	"ChainPilot/internal/tools"
	"ChainPilot/internal/web3"
)

// GetChainInfo 返回已配置链的链 ID 与最新区块高度。
type GetChainInfo struct {
	tools.BaseTool
	deps Deps
}

// NewGetChainInfo 创建链信息查询工具。
func NewGetChainInfo(d Deps) *GetChainInfo {
	return &GetChainInfo{
		deps: d,
		BaseTool: tools.BaseTool{Def: tools.Definition{
			Name:        "get_chain_info",
			Description: "List the configured chains with their chain id and latest block, or describe a single chain.",
			Parameters:  []tools.Parameter{d.chainParam()},
		}},
	}
}

// Execute 查询链概要，结果在快速缓存中按链缓存。未指定 chain 时返回全部链。
func (t *GetChainInfo) Execute(ctx context.Context, params map[string]any, _ tools.Context) (*tools.Result, error) {
	name, _ := params["chain"].(string)
	name = strings.TrimSpace(name)

	var (
		snaps []web3.ChainSnapshot
		hit   bool
		err   error
	)
	switch {
	case name == "" && t.deps.Networks != nil:
		snaps, hit, err = cached(t.deps.Fast, "chain_info:*", func() ([]web3.ChainSnapshot, error) {
			return sortedSnapshots(t.deps.Networks.Snapshots(ctx)), nil
		})
	default:
		if name == "" {
			name = t.deps.Chain
		}
		var snap web3.ChainSnapshot
		snap, hit, err = cached(t.deps.Fast, "chain_info:"+name, func() (web3.ChainSnapshot, error) {
			return t.snapshot(ctx, name)
		})
		snaps = []web3.ChainSnapshot{snap}
	}
	if err != nil {
		return nil, err
	}

	result := tools.Succeed(map[string]any{
		"default_chain": t.deps.Chain,
		"chains":        snaps,
	})
	result.Metadata.Cached = hit
	return result, nil
}

// snapshot 优先使用 Networks，未配置时仅能从默认链读取链 ID。
func (t *GetChainInfo) snapshot(ctx context.Context, name string) (web3.ChainSnapshot, error) {
	if t.deps.Networks != nil {
		return t.deps.Networks.Snapshot(ctx, name)
	}
	_, reader, err := t.deps.resolve(map[string]any{"chain": name})
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	id, err := reader.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	return web3.ChainSnapshot{Name: name, ChainID: id.String()}, nil
}

func sortedSnapshots(all map[string]web3.ChainSnapshot) []web3.ChainSnapshot {
	out := make([]web3.ChainSnapshot, 0, len(all))
	for _, snap := range all {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
