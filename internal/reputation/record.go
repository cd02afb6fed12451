package reputation

import (
	"math/big"
)

// Record 描述一个地址的信誉档案。首次被引用时隐式创建为零值，永不删除。
type Record struct {
	Score          uint64   `json:"score"`
	CompletedJobs  uint64   `json:"completed_jobs"`
	FailedJobs     uint64   `json:"failed_jobs"`
	TotalEarned    *big.Int `json:"total_earned"`
	SlashCount     uint64   `json:"slash_count"`
	LastUpdateTime int64    `json:"last_update_time"`
}

// Stats 是对外暴露的聚合投影。
type Stats struct {
	// SuccessRate 以万分比表示成功率，无任务时为 0。
	SuccessRate uint64 `json:"success_rate"`
	TotalJobs   uint64 `json:"total_jobs"`
	TrustScore  uint64 `json:"trust_score"`
}

// Clone 返回档案的深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.TotalEarned != nil {
		clone.TotalEarned = new(big.Int).Set(r.TotalEarned)
	}
	return &clone
}

// zeroRecord 返回隐式创建的零值档案。
func zeroRecord() *Record {
	return &Record{TotalEarned: new(big.Int)}
}
