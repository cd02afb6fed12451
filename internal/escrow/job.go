package escrow

import (
	"math/big"

	xerrors "AgentMarket-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// State 表示任务在托管生命周期中的状态。数值与原始合约枚举一致。
type State uint8

const (
	StateCreated State = iota
	StateAccepted
	StateSubmitted
	StateApproved
	StateSlashed
	StateCancelled
)

// String 返回状态的可读名称。
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateAccepted:
		return "ACCEPTED"
	case StateSubmitted:
		return "SUBMITTED"
	case StateApproved:
		return "APPROVED"
	case StateSlashed:
		return "SLASHED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断状态是否为终态。终态下任务记录不可再变更。
func (s State) IsTerminal() bool {
	switch s {
	case StateApproved, StateSlashed, StateCancelled:
		return true
	default:
		return false
	}
}

// Job 描述一条托管任务记录。ID 单调递增且永不复用。
type Job struct {
	ID            uint64         `json:"id"`
	Master        common.Address `json:"master"`
	Worker        common.Address `json:"worker"`
	Price         *big.Int       `json:"price"`
	State         State          `json:"state"`
	OutputHash    common.Hash    `json:"output_hash"`
	ProofRef      string         `json:"proof_ref,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	Deadline      int64          `json:"deadline"`
	FundsReleased bool           `json:"funds_released"`
	ReceiptHash   common.Hash    `json:"receipt_hash"`
}

// Clone 返回记录的深拷贝。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.Price != nil {
		clone.Price = new(big.Int).Set(j.Price)
	}
	return &clone
}

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(xerrors.CodeNotFound, "job not found")
)

const (
	CodeJobCreateFailed xerrors.Code = "JOB_CREATE_FAILED"
	CodeJobSettlement   xerrors.Code = "JOB_SETTLEMENT_FAILED"
)

func init() {
	xerrors.Register(CodeJobCreateFailed, xerrors.Attributes{
		Message:   "failed to create job",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobSettlement, xerrors.Attributes{
		Message:   "job settlement failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
