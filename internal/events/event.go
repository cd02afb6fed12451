package events

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Kind 标识协议事件的类型，取值与原始合约事件一一对应。
type Kind string

const (
	KindAgentRegistered   Kind = "agent.registered"
	KindAgentUpdated      Kind = "agent.updated"
	KindStakeDeposited    Kind = "agent.stake_deposited"
	KindAgentDeactivated  Kind = "agent.deactivated"
	KindJobCreated        Kind = "job.created"
	KindJobAccepted       Kind = "job.accepted"
	KindResultSubmitted   Kind = "job.result_submitted"
	KindJobApproved       Kind = "job.approved"
	KindJobSlashed        Kind = "job.slashed"
	KindJobCancelled      Kind = "job.cancelled"
	KindReputationUpdated Kind = "reputation.updated"
	KindStakeSlashed      Kind = "reputation.stake_slashed"
	KindJobCompleted      Kind = "reputation.job_completed"
	KindJobFailed         Kind = "reputation.job_failed"
	KindCheckpoint        Kind = "checkpoint.anchored"
)

// Envelope 是事件流上传输的统一信封。
type Envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope 将载荷编码为 JSON 并填充信封元信息。
func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().Unix(),
		Payload:   encoded,
	}, nil
}

// Decode 将信封载荷解析到目标结构。
func (e Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// AgentRegistered 对应 Registry 的注册事件。
type AgentRegistered struct {
	Agent        common.Address `json:"agent"`
	MetadataURI  string         `json:"metadata_uri"`
	Capabilities string         `json:"capabilities"`
	Stake        *big.Int       `json:"stake"`
	Timestamp    int64          `json:"timestamp"`
}

// AgentUpdated 对应资料更新事件。
type AgentUpdated struct {
	Agent        common.Address `json:"agent"`
	MetadataURI  string         `json:"metadata_uri"`
	Capabilities string         `json:"capabilities"`
	Timestamp    int64          `json:"timestamp"`
}

// StakeDeposited 对应追加质押事件。
type StakeDeposited struct {
	Agent    common.Address `json:"agent"`
	Amount   *big.Int       `json:"amount"`
	NewTotal *big.Int       `json:"new_total"`
}

// AgentDeactivated 对应注销事件。
type AgentDeactivated struct {
	Agent     common.Address `json:"agent"`
	Timestamp int64          `json:"timestamp"`
}

// JobCreated 对应任务创建事件。
type JobCreated struct {
	JobID     uint64         `json:"job_id"`
	Master    common.Address `json:"master"`
	Worker    common.Address `json:"worker"`
	Price     *big.Int       `json:"price"`
	Deadline  int64          `json:"deadline"`
	Timestamp int64          `json:"timestamp"`
}

// JobAccepted 对应接单事件。
type JobAccepted struct {
	JobID     uint64         `json:"job_id"`
	Worker    common.Address `json:"worker"`
	Timestamp int64          `json:"timestamp"`
}

// ResultSubmitted 对应结果提交事件。
type ResultSubmitted struct {
	JobID      uint64         `json:"job_id"`
	Worker     common.Address `json:"worker"`
	OutputHash common.Hash    `json:"output_hash"`
	ProofRef   string         `json:"proof_ref"`
	Timestamp  int64          `json:"timestamp"`
}

// JobApproved 对应验收放款事件。
type JobApproved struct {
	JobID     uint64         `json:"job_id"`
	Master    common.Address `json:"master"`
	Worker    common.Address `json:"worker"`
	Payment   *big.Int       `json:"payment"`
	Fee       *big.Int       `json:"fee"`
	Receipt   common.Hash    `json:"receipt"`
	Timestamp int64          `json:"timestamp"`
}

// JobSlashed 对应拒绝罚没事件。
type JobSlashed struct {
	JobID       uint64         `json:"job_id"`
	Worker      common.Address `json:"worker"`
	SlashAmount *big.Int       `json:"slash_amount"`
	Refund      *big.Int       `json:"refund"`
	Receipt     common.Hash    `json:"receipt"`
	Timestamp   int64          `json:"timestamp"`
}

// JobCancelled 对应取消退款事件。
type JobCancelled struct {
	JobID     uint64         `json:"job_id"`
	Master    common.Address `json:"master"`
	Refund    *big.Int       `json:"refund"`
	Receipt   common.Hash    `json:"receipt"`
	Timestamp int64          `json:"timestamp"`
}

// ReputationUpdated 对应信誉分变更事件。
type ReputationUpdated struct {
	Agent     common.Address `json:"agent"`
	NewScore  uint64         `json:"new_score"`
	Timestamp int64          `json:"timestamp"`
}

// StakeSlashed 对应罚没计数事件。
type StakeSlashed struct {
	Agent     common.Address `json:"agent"`
	Amount    *big.Int       `json:"amount"`
	Timestamp int64          `json:"timestamp"`
}

// JobOutcome 对应 JobCompleted 与 JobFailed 事件的共同载荷。
type JobOutcome struct {
	Agent     common.Address `json:"agent"`
	Timestamp int64          `json:"timestamp"`
}

// Checkpoint 对应锚定检查点事件。
type Checkpoint struct {
	Sequence      uint64      `json:"sequence"`
	JobCounter    uint64      `json:"job_counter"`
	AgentCount    uint64      `json:"agent_count"`
	EscrowBalance *big.Int    `json:"escrow_balance"`
	Digest        common.Hash `json:"digest"`
	ChainID       string      `json:"chain_id,omitempty"`
	BlockNumber   string      `json:"block_number,omitempty"`
	Timestamp     int64       `json:"timestamp"`
}
