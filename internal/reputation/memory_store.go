package reputation

import (
	"context"
	"sync"

	xerrors "AgentMarket-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore 以内存方式保存信誉档案，主要用于测试与单机部署。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[common.Address]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[common.Address]*Record)}
}

// Get 返回档案快照，未知地址返回零值档案。
func (m *MemoryStore) Get(_ context.Context, addr common.Address) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[addr]
	if !ok {
		return zeroRecord(), nil
	}
	return record.Clone(), nil
}

// Put 覆盖指定地址的档案。
func (m *MemoryStore) Put(_ context.Context, addr common.Address, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[addr] = record.Clone()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
