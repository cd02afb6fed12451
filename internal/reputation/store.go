package reputation

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store 抽象信誉档案的持久化层。Get 对未知地址返回零值档案而非错误，
// 与"首次引用即隐式创建"的生命周期保持一致。
type Store interface {
	Get(ctx context.Context, addr common.Address) (*Record, error)
	Put(ctx context.Context, addr common.Address, record *Record) error
	Close() error
}
