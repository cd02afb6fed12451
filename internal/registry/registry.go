package registry

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/ledger"
	"AgentMarket-Chain/internal/params"
	"AgentMarket-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Registry 管理智能体身份、质押与能力元数据，是协议的身份底座。
// 所有状态变更操作在内部互斥锁下串行执行，对外表现为整体原子。
type Registry struct {
	mu     sync.Mutex
	store  Store
	bank   *ledger.Ledger
	params params.Params
	stream events.Publisher
	now    func() time.Time
}

// Option 定义可选的 Registry 配置。
type Option func(*Registry)

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithEventPublisher 配置事件发布器。
func WithEventPublisher(stream events.Publisher) Option {
	return func(r *Registry) {
		r.stream = stream
	}
}

// New 创建 Registry。
func New(store Store, bank *ledger.Ledger, p params.Params, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		bank:   bank,
		params: p,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// MinimumStake 返回注册所需的最低质押金额。
func (r *Registry) MinimumStake() *big.Int {
	return new(big.Int).Set(r.params.MinimumStake)
}

// Register 以调用方地址注册新的智能体，stake 为随调用附带的质押金额。
// 若调用方已存在质押大于零的记录（无论是否激活）则失败。
func (r *Registry) Register(ctx context.Context, caller common.Address, metadataURI, capabilities, endpoint string, stake *big.Int) (*Agent, error) {
	if stake == nil || stake.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "质押金额必须为正数")
	}
	if stake.Cmp(r.params.MinimumStake) < 0 {
		return nil, xerrors.New(xerrors.CodeInsufficientStake, "质押金额低于最低要求",
			xerrors.WithMetadata("minimum", r.params.MinimumStake.String()),
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.Get(ctx, caller)
	if err != nil && !stdErrors.Is(err, ErrNotRegistered) {
		return nil, err
	}
	if existing != nil && existing.StakeAmount.Sign() > 0 {
		return nil, ErrAlreadyRegistered
	}
	if !r.bank.CanSpend(caller, stake) {
		return nil, xerrors.New(xerrors.CodeInsufficientFunds, "余额不足以支付质押")
	}

	now := r.now().Unix()
	agent := &Agent{
		Address:      caller,
		MetadataURI:  metadataURI,
		Capabilities: capabilities,
		Endpoint:     endpoint,
		StakeAmount:  new(big.Int).Set(stake),
		IsActive:     true,
		RegisteredAt: now,
	}

	// 守卫全部通过后才开始变更：先锁定质押，再写入记录。
	if err := r.bank.Transfer(caller, ledger.RegistryVault, stake); err != nil {
		return nil, err
	}
	if existing != nil {
		if err := r.store.Update(ctx, agent); err != nil {
			return nil, err
		}
	} else {
		if err := r.store.Create(ctx, agent); err != nil {
			return nil, err
		}
	}

	logger.Audit().Info("智能体注册成功",
		slog.String("agent", caller.Hex()),
		slog.String("stake", stake.String()),
		slog.String("capabilities", capabilities),
	)
	r.publish(ctx, events.KindAgentRegistered, events.AgentRegistered{
		Agent:        caller,
		MetadataURI:  metadataURI,
		Capabilities: capabilities,
		Stake:        new(big.Int).Set(stake),
		Timestamp:    now,
	})
	return agent.Clone(), nil
}

// UpdateProfile 更新调用方自己的元数据，不影响质押。
func (r *Registry) UpdateProfile(ctx context.Context, caller common.Address, metadataURI, capabilities, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.store.Get(ctx, caller)
	if err != nil {
		return err
	}
	agent.MetadataURI = metadataURI
	agent.Capabilities = capabilities
	agent.Endpoint = endpoint
	if err := r.store.Update(ctx, agent); err != nil {
		return err
	}
	r.publish(ctx, events.KindAgentUpdated, events.AgentUpdated{
		Agent:        caller,
		MetadataURI:  metadataURI,
		Capabilities: capabilities,
		Timestamp:    r.now().Unix(),
	})
	return nil
}

// DepositStake 为调用方追加质押。
func (r *Registry) DepositStake(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "追加质押金额必须为正数")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.store.Get(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !r.bank.CanSpend(caller, amount) {
		return nil, xerrors.New(xerrors.CodeInsufficientFunds, "余额不足以追加质押")
	}

	if err := r.bank.Transfer(caller, ledger.RegistryVault, amount); err != nil {
		return nil, err
	}
	agent.StakeAmount.Add(agent.StakeAmount, amount)
	if err := r.store.Update(ctx, agent); err != nil {
		return nil, err
	}

	newTotal := new(big.Int).Set(agent.StakeAmount)
	r.publish(ctx, events.KindStakeDeposited, events.StakeDeposited{
		Agent:    caller,
		Amount:   new(big.Int).Set(amount),
		NewTotal: newTotal,
	})
	return newTotal, nil
}

// WithdrawStake 提取部分质押。激活状态下提现后的余额不得落在
// (0, MINIMUM_STAKE) 区间；注销后可以提取到零。
func (r *Registry) WithdrawStake(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提现金额必须为正数")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.store.Get(ctx, caller)
	if err != nil {
		return nil, err
	}
	if agent.StakeAmount.Cmp(amount) < 0 {
		return nil, xerrors.New(xerrors.CodeInsufficientFunds, "提现金额超过当前质押")
	}
	remaining := new(big.Int).Sub(agent.StakeAmount, amount)
	if agent.IsActive && remaining.Sign() > 0 && remaining.Cmp(r.params.MinimumStake) < 0 {
		return nil, ErrBelowMinimum
	}
	if agent.IsActive && remaining.Sign() == 0 {
		return nil, ErrBelowMinimum
	}

	if err := r.bank.Transfer(ledger.RegistryVault, caller, amount); err != nil {
		return nil, err
	}
	agent.StakeAmount = remaining
	if err := r.store.Update(ctx, agent); err != nil {
		return nil, err
	}

	logger.Audit().Info("质押提现成功",
		slog.String("agent", caller.Hex()),
		slog.String("amount", amount.String()),
		slog.String("remaining", remaining.String()),
	)
	return new(big.Int).Set(remaining), nil
}

// Deactivate 将调用方标记为非激活，质押保留且此后可提取到零。
func (r *Registry) Deactivate(ctx context.Context, caller common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.store.Get(ctx, caller)
	if err != nil {
		return err
	}
	agent.IsActive = false
	if err := r.store.Update(ctx, agent); err != nil {
		return err
	}
	r.publish(ctx, events.KindAgentDeactivated, events.AgentDeactivated{
		Agent:     caller,
		Timestamp: r.now().Unix(),
	})
	return nil
}

// MirrorReputation 将信誉分镜像到注册记录的 reputationIndex 字段。
// 该字段仅供外部展示，由 ReputationManager 在分数变化时回写。
func (r *Registry) MirrorReputation(ctx context.Context, addr common.Address, score uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.store.Get(ctx, addr)
	if err != nil {
		return err
	}
	agent.ReputationIndex = score
	return r.store.Update(ctx, agent)
}

// GetAgent 返回指定地址的记录快照。
func (r *Registry) GetAgent(ctx context.Context, addr common.Address) (*Agent, error) {
	return r.store.Get(ctx, addr)
}

// GetAgentCount 返回注册过的地址总数。
func (r *Registry) GetAgentCount(ctx context.Context) (uint64, error) {
	return r.store.Count(ctx)
}

// GetAgentByIndex 按注册顺序返回第 index 个地址。
func (r *Registry) GetAgentByIndex(ctx context.Context, index uint64) (common.Address, error) {
	return r.store.AddressByIndex(ctx, index)
}

// IsAgentActive 返回指定地址是否处于激活状态；未注册视为非激活。
func (r *Registry) IsAgentActive(ctx context.Context, addr common.Address) (bool, error) {
	agent, err := r.store.Get(ctx, addr)
	if err != nil {
		if stdErrors.Is(err, ErrNotRegistered) {
			return false, nil
		}
		return false, err
	}
	return agent.IsActive, nil
}

// StakeOf 返回指定地址的质押快照，供信任分计算做只读交叉引用。
func (r *Registry) StakeOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	agent, err := r.store.Get(ctx, addr)
	if err != nil {
		if stdErrors.Is(err, ErrNotRegistered) {
			return new(big.Int), nil
		}
		return nil, err
	}
	return new(big.Int).Set(agent.StakeAmount), nil
}

// publish 尽力发布事件；发布失败不回滚已提交的状态变更。
func (r *Registry) publish(ctx context.Context, kind events.Kind, payload any) {
	if r.stream == nil {
		return
	}
	envelope, err := events.NewEnvelope(kind, payload)
	if err != nil {
		logger.L().Error("编码注册表事件失败", slog.Any("error", err), slog.String("kind", string(kind)))
		return
	}
	if err := r.stream.Publish(ctx, envelope); err != nil {
		logger.L().Error("发布注册表事件失败", slog.Any("error", err), slog.String("kind", string(kind)))
	}
}
