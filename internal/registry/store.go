package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store 抽象智能体记录的持久化层。实现必须保证并发安全，
// 并维护一个按注册顺序追加的地址序列以支持外部枚举。
type Store interface {
	// Create 写入新记录并把地址追加到枚举序列；地址已存在时返回 ErrAlreadyRegistered。
	Create(ctx context.Context, agent *Agent) error
	// Get 返回指定地址的记录快照；不存在时返回 ErrNotRegistered。
	Get(ctx context.Context, addr common.Address) (*Agent, error)
	// Update 覆盖已有记录；不存在时返回 ErrNotRegistered。
	Update(ctx context.Context, agent *Agent) error
	// Count 返回注册过的地址总数（含已注销）。
	Count(ctx context.Context) (uint64, error)
	// AddressByIndex 按注册顺序返回第 index 个地址。
	AddressByIndex(ctx context.Context, index uint64) (common.Address, error)
	// Close 释放底层资源。
	Close() error
}
