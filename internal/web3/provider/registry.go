package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ChainPilot/internal/config"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"
	"ChainPilot/internal/web3/ethereum"
)

// Registry 按名称管理多条链的客户端。
type Registry struct {
	defaultChain string
	clients      map[string]*ethereum.Client
}

// NewRegistry 读取链配置并连接所有链。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]*ethereum.Client)
	fail := func(err error) (*Registry, error) {
		for _, c := range clients {
			c.Close()
		}
		return nil, err
	}
	for name, chain := range defs.Chains {
		if chainType := strings.ToLower(strings.TrimSpace(chain.Type)); chainType != "evm" {
			return fail(xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("链 %s 使用了不支持的类型 %s", name, chain.Type)))
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:    name,
			RPCURL:  chain.RPCURL,
			ChainID: chain.ChainID,
			Symbol:  chain.Symbol,
			Notes:   chain.Description,
		})
		if err != nil {
			return fail(err)
		}
		clients[name] = client
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		if defaultChain == "" {
			defaultChain = "default"
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: defaultChain, RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients[defaultChain] = client
	}

	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return fail(xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("默认链 %s 未在配置中找到", defaultChain)))
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// DefaultChain 返回默认链名称。
func (r *Registry) DefaultChain() string {
	return r.defaultChain
}

// Default 返回默认链的客户端。
func (r *Registry) Default() *ethereum.Client {
	return r.clients[r.defaultChain]
}

// Client 返回指定名称的链客户端。
func (r *Registry) Client(name string) (*ethereum.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Reader 返回指定链的只读接口，供链上工具按名称选择链。
func (r *Registry) Reader(name string) (web3.ChainReader, bool) {
	client, ok := r.Client(name)
	if !ok {
		return nil, false
	}
	return client, true
}

// Snapshot 查询单条链的概要信息。
func (r *Registry) Snapshot(ctx context.Context, name string) (web3.ChainSnapshot, error) {
	client, ok := r.Client(name)
	if !ok {
		return web3.ChainSnapshot{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("链 %s 未配置", name),
			xerrors.WithMetadata("chain", name))
	}
	return client.Snapshot(ctx)
}

// Snapshots 汇总所有链的概要信息，单条链失败不影响其他链。
func (r *Registry) Snapshots(ctx context.Context) map[string]web3.ChainSnapshot {
	if r == nil {
		return nil
	}
	out := make(map[string]web3.ChainSnapshot, len(r.clients))
	for name, client := range r.clients {
		snapshot, err := client.Snapshot(ctx)
		if err != nil {
			snapshot = web3.ChainSnapshot{Name: name, Notes: err.Error()}
		}
		out[name] = snapshot
	}
	return out
}

// Close 释放全部客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		client.Close()
		delete(r.clients, name)
	}
}

// Chains 返回已注册的链名称。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
