package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"
)

// Config 描述如何连接一条 EVM 兼容链。
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	Symbol  string
	Notes   string
}

// Client 是只读的 EVM 客户端，实现 web3.ChainReader。
type Client struct {
	name   string
	symbol string
	notes  string

	rpcClient *gethrpc.Client
	eth       *ethclient.Client

	mu      sync.Mutex
	chainID *big.Int
}

var _ web3.ChainReader = (*Client)(nil)

// NewClient 连接 RPC 节点并返回客户端。配置了 ChainID 时不再向节点查询。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败",
			xerrors.WithMetadata("chain", cfg.Name))
	}

	c := &Client{
		name:      cfg.Name,
		symbol:    cfg.Symbol,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}
	if c.symbol == "" {
		c.symbol = "ETH"
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// Name 返回链名称。
func (c *Client) Name() string { return c.name }

// BalanceAt 查询账户余额，blockNumber 为 nil 时读取最新区块。
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	balance, err := c.eth.BalanceAt(ctx, account, blockNumber)
	if err != nil {
		return nil, c.wrap(err, "查询余额失败")
	}
	return balance, nil
}

// PendingNonceAt 返回账户下一笔交易可用的 nonce。
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, c.wrap(err, "查询 nonce 失败")
	}
	return nonce, nil
}

// SuggestGasPrice 返回节点建议的 gas price。
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, c.wrap(err, "查询 gas price 失败")
	}
	return price, nil
}

// ChainID 返回链 ID，首次查询后缓存。
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, c.wrap(err, "查询链 ID 失败")
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

// Snapshot 汇总链 ID 与最新区块高度。
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	height, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, c.wrap(err, "查询区块高度失败")
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     id.String(),
		BlockNumber: height,
		Symbol:      c.symbol,
		Notes:       c.notes,
	}, nil
}

// Close 释放底层连接。
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

func (c *Client) wrap(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeToolExecution, err, fmt.Sprintf("%s: %s", c.name, message),
		xerrors.WithMetadata("chain", c.name))
}
