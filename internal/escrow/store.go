package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store 抽象任务记录的持久化层。实现必须在 Create 时分配单调递增的
// 任务号（从 1 开始、永不复用），并与主表在同一原子步骤内维护
// 按地址的插入有序索引。
type Store interface {
	// Create 分配任务号、写入记录并更新 master/worker 索引。
	Create(ctx context.Context, job *Job) error
	// Get 返回指定任务的记录快照；不存在时返回 ErrJobNotFound。
	Get(ctx context.Context, id uint64) (*Job, error)
	// Update 覆盖已有记录；不存在时返回 ErrJobNotFound。
	Update(ctx context.Context, job *Job) error
	// Counter 返回最近分配的任务号；尚未创建任何任务时为 0。
	Counter(ctx context.Context) (uint64, error)
	// JobsByMaster 返回指定主控方的任务号序列，按创建顺序从旧到新，最多 limit 条。
	JobsByMaster(ctx context.Context, master common.Address, limit int) ([]uint64, error)
	// JobsByWorker 返回指定工作方的任务号序列，按创建顺序从旧到新，最多 limit 条。
	JobsByWorker(ctx context.Context, worker common.Address, limit int) ([]uint64, error)
	// Close 释放底层资源。
	Close() error
}
