package registry

import (
	"context"
	"sync"

	xerrors "AgentMarket-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore 以内存方式保存智能体记录，主要用于测试与单机部署。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[common.Address]*Agent
	order  []common.Address
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[common.Address]*Agent)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, agent *Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.Address]; ok {
		return ErrAlreadyRegistered
	}
	m.agents[agent.Address] = agent.Clone()
	m.order = append(m.order, agent.Address)
	return nil
}

// Get 返回记录快照。
func (m *MemoryStore) Get(_ context.Context, addr common.Address) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[addr]
	if !ok {
		return nil, ErrNotRegistered
	}
	return agent.Clone(), nil
}

// Update 覆盖已有记录。
func (m *MemoryStore) Update(_ context.Context, agent *Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.Address]; !ok {
		return ErrNotRegistered
	}
	m.agents[agent.Address] = agent.Clone()
	return nil
}

// Count 返回注册总数。
func (m *MemoryStore) Count(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.order)), nil
}

// AddressByIndex 按注册顺序索引地址。
func (m *MemoryStore) AddressByIndex(_ context.Context, index uint64) (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index >= uint64(len(m.order)) {
		return common.Address{}, xerrors.New(xerrors.CodeNotFound, "索引超出注册序列范围")
	}
	return m.order[index], nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
