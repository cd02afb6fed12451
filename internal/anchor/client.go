package anchor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainSnapshot 是从链上获取的轻量元数据，写入检查点供外部对账。
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
}

// Client 是对 ethclient 的精简封装，只承担检查点锚定所需的查询。
type Client struct {
	name string
	eth  *ethclient.Client
}

// Dial 连接配置的 RPC 端点。
func Dial(ctx context.Context, name string, def ChainDefinition) (*Client, error) {
	rpcURL := strings.TrimSpace(def.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	return &Client{name: name, eth: eth}, nil
}

// Snapshot 获取链 ID 与最新区块高度。
func (c *Client) Snapshot(ctx context.Context) (ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return ChainSnapshot{
		ChainID:     "0x" + chainID.Text(16),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
	}, nil
}

// Close 释放网络连接。
func (c *Client) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
}
