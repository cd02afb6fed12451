package escrow

import (
	"context"
	"sync"

	xerrors "AgentMarket-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore 以内存方式保存任务记录，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[uint64]*Job
	counter  uint64
	byMaster map[common.Address][]uint64
	byWorker map[common.Address][]uint64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[uint64]*Job),
		byMaster: make(map[common.Address][]uint64),
		byWorker: make(map[common.Address][]uint64),
	}
}

// Create 分配任务号并写入记录，同步维护两侧索引。
func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	job.ID = m.counter
	m.jobs[job.ID] = job.Clone()
	m.byMaster[job.Master] = append(m.byMaster[job.Master], job.ID)
	m.byWorker[job.Worker] = append(m.byWorker[job.Worker], job.ID)
	return nil
}

// Get 返回记录快照。
func (m *MemoryStore) Get(_ context.Context, id uint64) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Update 覆盖已有记录。
func (m *MemoryStore) Update(_ context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

// Counter 返回最近分配的任务号。
func (m *MemoryStore) Counter(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counter, nil
}

// JobsByMaster 返回主控方的任务号序列。
func (m *MemoryStore) JobsByMaster(_ context.Context, master common.Address, limit int) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clipIDs(m.byMaster[master], limit), nil
}

// JobsByWorker 返回工作方的任务号序列。
func (m *MemoryStore) JobsByWorker(_ context.Context, worker common.Address, limit int) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clipIDs(m.byWorker[worker], limit), nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func clipIDs(ids []uint64, limit int) []uint64 {
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
