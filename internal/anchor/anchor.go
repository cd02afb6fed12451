package anchor

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/ledger"
	"AgentMarket-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// JobCounterSource 提供托管侧的任务计数。
type JobCounterSource interface {
	JobCounter(ctx context.Context) (uint64, error)
}

// AgentCountSource 提供注册表侧的地址计数。
type AgentCountSource interface {
	GetAgentCount(ctx context.Context) (uint64, error)
}

// Anchorer 周期性地把协议状态摘要固化成检查点。每个检查点通过
// Keccak 摘要与前一个检查点链接，可选地附带外部链的快照以便对账。
// 未配置 RPC 时锚定照常进行，只是检查点不携带链上信息。
type Anchorer struct {
	mu     sync.Mutex
	seq    uint64
	prev   common.Hash
	jobs   JobCounterSource
	agents AgentCountSource
	bank   *ledger.Ledger
	client *Client
	stream events.Publisher
	now    func() time.Time
}

// Option 定义可选的 Anchorer 配置。
type Option func(*Anchorer)

// WithChainClient 配置外部链客户端。
func WithChainClient(client *Client) Option {
	return func(a *Anchorer) {
		a.client = client
	}
}

// WithEventPublisher 配置事件发布器。
func WithEventPublisher(stream events.Publisher) Option {
	return func(a *Anchorer) {
		a.stream = stream
	}
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(a *Anchorer) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建 Anchorer。
func New(jobs JobCounterSource, agents AgentCountSource, bank *ledger.Ledger, opts ...Option) *Anchorer {
	a := &Anchorer{
		jobs:   jobs,
		agents: agents,
		bank:   bank,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Checkpoint 立即生成一个检查点。
func (a *Anchorer) Checkpoint(ctx context.Context) (events.Checkpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	jobCounter, err := a.jobs.JobCounter(ctx)
	if err != nil {
		return events.Checkpoint{}, err
	}
	agentCount, err := a.agents.GetAgentCount(ctx)
	if err != nil {
		return events.Checkpoint{}, err
	}
	escrowBalance := a.bank.BalanceOf(ledger.EscrowVault)

	a.seq++
	digest := chainDigest(a.prev, a.seq, jobCounter, agentCount, escrowBalance)
	a.prev = digest

	checkpoint := events.Checkpoint{
		Sequence:      a.seq,
		JobCounter:    jobCounter,
		AgentCount:    agentCount,
		EscrowBalance: escrowBalance,
		Digest:        digest,
		Timestamp:     a.now().Unix(),
	}

	if a.client != nil {
		snapshot, err := a.client.Snapshot(ctx)
		if err != nil {
			logger.L().Warn("获取链上快照失败，检查点降级为本地锚定", slog.Any("error", err))
		} else {
			checkpoint.ChainID = snapshot.ChainID
			checkpoint.BlockNumber = snapshot.BlockNumber
		}
	}

	logger.Audit().Info("检查点锚定完成",
		slog.Uint64("sequence", checkpoint.Sequence),
		slog.Uint64("job_counter", checkpoint.JobCounter),
		slog.Uint64("agent_count", checkpoint.AgentCount),
		slog.String("digest", checkpoint.Digest.Hex()),
	)
	a.publish(ctx, checkpoint)
	return checkpoint, nil
}

// Run 按固定间隔生成检查点，直到上下文取消。
func (a *Anchorer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Checkpoint(ctx); err != nil {
				logger.L().Error("生成检查点失败", slog.Any("error", err))
			}
		}
	}
}

func (a *Anchorer) publish(ctx context.Context, checkpoint events.Checkpoint) {
	if a.stream == nil {
		return
	}
	envelope, err := events.NewEnvelope(events.KindCheckpoint, checkpoint)
	if err != nil {
		logger.L().Error("编码检查点事件失败", slog.Any("error", err))
		return
	}
	if err := a.stream.Publish(ctx, envelope); err != nil {
		logger.L().Error("发布检查点事件失败", slog.Any("error", err))
	}
}

// chainDigest 计算与前序检查点链接的摘要。
func chainDigest(prev common.Hash, seq, jobCounter, agentCount uint64, escrowBalance *big.Int) common.Hash {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint64(buf[8:16], jobCounter)
	binary.BigEndian.PutUint64(buf[16:24], agentCount)
	return crypto.Keccak256Hash(prev.Bytes(), buf[:], escrowBalance.Bytes())
}
