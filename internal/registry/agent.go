package registry

import (
	"math/big"

	xerrors "AgentMarket-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Agent 描述注册表中一条智能体记录。
type Agent struct {
	Address         common.Address `json:"address"`
	MetadataURI     string         `json:"metadata_uri"`
	Capabilities    string         `json:"capabilities"`
	Endpoint        string         `json:"endpoint,omitempty"`
	StakeAmount     *big.Int       `json:"stake_amount"`
	ReputationIndex uint64         `json:"reputation_index"`
	IsActive        bool           `json:"is_active"`
	RegisteredAt    int64          `json:"registered_at"`
}

// Clone 返回记录的深拷贝，避免调用方修改存储内部状态。
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	if a.StakeAmount != nil {
		clone.StakeAmount = new(big.Int).Set(a.StakeAmount)
	}
	return &clone
}

var (
	// ErrAlreadyRegistered 表示该地址已存在有效的注册记录。
	ErrAlreadyRegistered = xerrors.New(CodeAlreadyRegistered, "agent already registered")
	// ErrNotRegistered 表示该地址没有注册记录。
	ErrNotRegistered = xerrors.New(CodeNotRegistered, "agent not registered")
	// ErrBelowMinimum 表示提现后剩余质押会落在 (0, MINIMUM_STAKE) 区间。
	ErrBelowMinimum = xerrors.New(CodeBelowMinimum, "remaining stake would fall below minimum")
)

const (
	CodeAlreadyRegistered xerrors.Code = "AGENT_ALREADY_REGISTERED"
	CodeNotRegistered     xerrors.Code = "AGENT_NOT_REGISTERED"
	CodeBelowMinimum      xerrors.Code = "STAKE_BELOW_MINIMUM"
)

func init() {
	xerrors.Register(CodeAlreadyRegistered, xerrors.Attributes{
		Message:   "agent already registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotRegistered, xerrors.Attributes{
		Message:   "agent not registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBelowMinimum, xerrors.Attributes{
		Message:   "remaining stake would fall below minimum",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
