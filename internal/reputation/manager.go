package reputation

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/params"
	"AgentMarket-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// StakeReader 是对 Registry 的只读交叉引用，供信任分计算使用。
type StakeReader interface {
	StakeOf(ctx context.Context, addr common.Address) (*big.Int, error)
}

// ScoreMirror 在分数变化时把新分数回写到注册表的展示字段。
type ScoreMirror interface {
	MirrorReputation(ctx context.Context, addr common.Address, score uint64) error
}

// Manager 维护每个地址的信誉档案。分数只能由任务结果通知驱动，
// 通知入口通过 Sink 能力暴露给 Escrow，不对任意调用方开放。
type Manager struct {
	mu     sync.Mutex
	store  Store
	params params.Params
	stakes StakeReader
	mirror ScoreMirror
	stream events.Publisher
	now    func() time.Time
}

// Option 定义可选的 Manager 配置。
type Option func(*Manager)

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithStakeReader 配置质押读取器，用于信任分的质押加成。
func WithStakeReader(stakes StakeReader) Option {
	return func(m *Manager) {
		m.stakes = stakes
	}
}

// WithScoreMirror 配置分数镜像回写。
func WithScoreMirror(mirror ScoreMirror) Option {
	return func(m *Manager) {
		m.mirror = mirror
	}
}

// WithEventPublisher 配置事件发布器。
func WithEventPublisher(stream events.Publisher) Option {
	return func(m *Manager) {
		m.stream = stream
	}
}

// New 创建 Manager。
func New(store Store, p params.Params, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		params: p,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Sink 是授予 Escrow 的结果通知能力。只有持有 Sink 的组件才能
// 触发信誉变更，从而保证档案的单一所有权。
type Sink struct {
	manager *Manager
}

// NewSink 签发一个通知能力句柄。
func (m *Manager) NewSink() *Sink {
	return &Sink{manager: m}
}

// NotifySuccess 记录一次成功结案。
func (s *Sink) NotifySuccess(ctx context.Context, agent common.Address, earned *big.Int) error {
	return s.manager.recordSuccess(ctx, agent, earned)
}

// NotifyFailure 记录一次罚没结案。
func (s *Sink) NotifyFailure(ctx context.Context, agent common.Address, slashed *big.Int) error {
	return s.manager.recordFailure(ctx, agent, slashed)
}

func (m *Manager) recordSuccess(ctx context.Context, agent common.Address, earned *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.store.Get(ctx, agent)
	if err != nil {
		return err
	}
	record.CompletedJobs++
	if earned != nil && earned.Sign() > 0 {
		record.TotalEarned.Add(record.TotalEarned, earned)
	}
	record.Score = m.computeScore(record)
	record.LastUpdateTime = m.now().Unix()
	if err := m.store.Put(ctx, agent, record); err != nil {
		return err
	}

	m.mirrorScore(ctx, agent, record.Score)
	m.publish(ctx, events.KindJobCompleted, events.JobOutcome{Agent: agent, Timestamp: record.LastUpdateTime})
	m.publish(ctx, events.KindReputationUpdated, events.ReputationUpdated{
		Agent:     agent,
		NewScore:  record.Score,
		Timestamp: record.LastUpdateTime,
	})
	return nil
}

func (m *Manager) recordFailure(ctx context.Context, agent common.Address, slashed *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.store.Get(ctx, agent)
	if err != nil {
		return err
	}
	record.FailedJobs++
	record.SlashCount++
	record.Score = m.computeScore(record)
	record.LastUpdateTime = m.now().Unix()
	if err := m.store.Put(ctx, agent, record); err != nil {
		return err
	}

	m.mirrorScore(ctx, agent, record.Score)
	m.publish(ctx, events.KindJobFailed, events.JobOutcome{Agent: agent, Timestamp: record.LastUpdateTime})
	slashAmount := new(big.Int)
	if slashed != nil {
		slashAmount.Set(slashed)
	}
	m.publish(ctx, events.KindStakeSlashed, events.StakeSlashed{
		Agent:     agent,
		Amount:    slashAmount,
		Timestamp: record.LastUpdateTime,
	})
	m.publish(ctx, events.KindReputationUpdated, events.ReputationUpdated{
		Agent:     agent,
		NewScore:  record.Score,
		Timestamp: record.LastUpdateTime,
	})
	return nil
}

// computeScore 按结果计数推导分数：baseline + completed*W1 - failed*W2，下限为 0。
// 分数是计数的纯函数，不接受任何直接赋值。
func (m *Manager) computeScore(record *Record) uint64 {
	score := int64(m.params.ScoreBaseline)
	score += int64(record.CompletedJobs) * int64(m.params.ScoreRewardWeight)
	score -= int64(record.FailedJobs) * int64(m.params.ScorePenaltyWeight)
	if score < 0 {
		return 0
	}
	return uint64(score)
}

// GetReputation 返回完整档案快照。分数在读取时由结果计数重新推导，
// 从未结案的地址因此返回基准分。
func (m *Manager) GetReputation(ctx context.Context, agent common.Address) (*Record, error) {
	record, err := m.store.Get(ctx, agent)
	if err != nil {
		return nil, err
	}
	record.Score = m.computeScore(record)
	return record, nil
}

// GetReputationScore 返回仅由历史结果决定的原始分数。
func (m *Manager) GetReputationScore(ctx context.Context, agent common.Address) (uint64, error) {
	record, err := m.store.Get(ctx, agent)
	if err != nil {
		return 0, err
	}
	return m.computeScore(record), nil
}

// GetTrustScore 在原始分数之上叠加质押加成：每达到一个最低质押倍数
// 增加 TrustStakeWeight 分，加成总额不超过 TrustStakeBonusCap。
func (m *Manager) GetTrustScore(ctx context.Context, agent common.Address) (uint64, error) {
	record, err := m.store.Get(ctx, agent)
	if err != nil {
		return 0, err
	}
	return m.computeScore(record) + m.stakeBonus(ctx, agent), nil
}

// GetAgentStats 返回聚合投影。成功率以万分比表示，无任务时为 0。
func (m *Manager) GetAgentStats(ctx context.Context, agent common.Address) (Stats, error) {
	record, err := m.store.Get(ctx, agent)
	if err != nil {
		return Stats{}, err
	}
	totalJobs := record.CompletedJobs + record.FailedJobs
	var successRate uint64
	if totalJobs > 0 {
		successRate = record.CompletedJobs * 10000 / totalJobs
	}
	return Stats{
		SuccessRate: successRate,
		TotalJobs:   totalJobs,
		TrustScore:  m.computeScore(record) + m.stakeBonus(ctx, agent),
	}, nil
}

func (m *Manager) stakeBonus(ctx context.Context, agent common.Address) uint64 {
	if m.stakes == nil || m.params.MinimumStake == nil || m.params.MinimumStake.Sign() <= 0 {
		return 0
	}
	stake, err := m.stakes.StakeOf(ctx, agent)
	if err != nil || stake == nil || stake.Sign() <= 0 {
		return 0
	}
	multiples := new(big.Int).Div(stake, m.params.MinimumStake)
	if !multiples.IsUint64() {
		return m.params.TrustStakeBonusCap
	}
	bonus := multiples.Uint64() * m.params.TrustStakeWeight
	if bonus > m.params.TrustStakeBonusCap {
		return m.params.TrustStakeBonusCap
	}
	return bonus
}

func (m *Manager) mirrorScore(ctx context.Context, agent common.Address, score uint64) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.MirrorReputation(ctx, agent, score); err != nil {
		// 镜像字段仅供展示，回写失败不影响档案本身。
		logger.L().Warn("回写信誉镜像失败", slog.Any("error", err), slog.String("agent", agent.Hex()))
	}
}

func (m *Manager) publish(ctx context.Context, kind events.Kind, payload any) {
	if m.stream == nil {
		return
	}
	envelope, err := events.NewEnvelope(kind, payload)
	if err != nil {
		logger.L().Error("编码信誉事件失败", slog.Any("error", err), slog.String("kind", string(kind)))
		return
	}
	if err := m.stream.Publish(ctx, envelope); err != nil {
		logger.L().Error("发布信誉事件失败", slog.Any("error", err), slog.String("kind", string(kind)))
	}
}
