package escrow

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/big"
	"sync"
	"time"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/ledger"
	"AgentMarket-Chain/internal/observability/alerting"
	"AgentMarket-Chain/internal/params"
	"AgentMarket-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AgentDirectory 是对 Registry 的只读交叉引用，用于校验工作方身份。
type AgentDirectory interface {
	IsAgentActive(ctx context.Context, addr common.Address) (bool, error)
}

// ReputationSink 是由 ReputationManager 签发的结果通知能力。
type ReputationSink interface {
	NotifySuccess(ctx context.Context, agent common.Address, earned *big.Int) error
	NotifyFailure(ctx context.Context, agent common.Address, slashed *big.Int) error
}

// Escrow 托管任务报酬并驱动任务生命周期状态机。每笔任务的资金在
// 创建时一次性锁入托管金库，只会通过唯一一次结算流出。所有状态
// 变更操作在内部互斥锁下串行执行，守卫全部通过后才开始变更。
type Escrow struct {
	mu         sync.Mutex
	store      Store
	bank       *ledger.Ledger
	params     params.Params
	agents     AgentDirectory
	reputation ReputationSink
	stream     events.Publisher
	alerts     alerting.Dispatcher
	now        func() time.Time
}

// Option 定义可选的 Escrow 配置。
type Option func(*Escrow)

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(e *Escrow) {
		if now != nil {
			e.now = now
		}
	}
}

// WithReputationSink 配置结案结果的通知出口。
func WithReputationSink(sink ReputationSink) Option {
	return func(e *Escrow) {
		e.reputation = sink
	}
}

// WithEventPublisher 配置事件发布器。
func WithEventPublisher(stream events.Publisher) Option {
	return func(e *Escrow) {
		e.stream = stream
	}
}

// WithAlertDispatcher 配置告警分发器，罚没结算时触发通知。
func WithAlertDispatcher(alerts alerting.Dispatcher) Option {
	return func(e *Escrow) {
		e.alerts = alerts
	}
}

// New 创建 Escrow。
func New(store Store, bank *ledger.Ledger, agents AgentDirectory, p params.Params, opts ...Option) *Escrow {
	e := &Escrow{
		store:  store,
		bank:   bank,
		params: p,
		agents: agents,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// CreateJob 由主控方发起任务，price 为随调用附带并锁入托管的报酬。
// 任何守卫失败都不会消耗任务号。
func (e *Escrow) CreateJob(ctx context.Context, caller, worker common.Address, price *big.Int, deadline int64) (*Job, error) {
	if worker == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工作方地址不能为零地址")
	}
	if worker == caller {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "主控方不能指派自己为工作方")
	}
	if price == nil || price.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务报酬必须为正数")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().Unix()
	if deadline <= now {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "截止时间必须晚于当前时间")
	}
	active, err := e.agents.IsAgentActive(ctx, worker)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工作方不是激活状态的智能体",
			xerrors.WithMetadata("worker", worker.Hex()),
		)
	}
	if !e.bank.CanSpend(caller, price) {
		return nil, xerrors.New(xerrors.CodeInsufficientFunds, "余额不足以托管任务报酬")
	}

	// 守卫全部通过后才锁定资金并分配任务号。
	if err := e.bank.Transfer(caller, ledger.EscrowVault, price); err != nil {
		return nil, err
	}
	job := &Job{
		Master:    caller,
		Worker:    worker,
		Price:     new(big.Int).Set(price),
		State:     StateCreated,
		CreatedAt: now,
		Deadline:  deadline,
	}
	if err := e.store.Create(ctx, job); err != nil {
		// 资金已锁定但记录写入失败，必须退还以维持托管守恒。
		if refundErr := e.bank.Transfer(ledger.EscrowVault, caller, price); refundErr != nil {
			logger.L().Error("任务创建失败后退款失败",
				slog.Any("error", refundErr),
				slog.String("master", caller.Hex()),
			)
		}
		return nil, xerrors.Wrap(CodeJobCreateFailed, err, "写入任务记录失败")
	}

	logger.Audit().Info("任务创建成功",
		slog.Uint64("job_id", job.ID),
		slog.String("master", caller.Hex()),
		slog.String("worker", worker.Hex()),
		slog.String("price", price.String()),
	)
	e.publish(ctx, events.KindJobCreated, events.JobCreated{
		JobID:     job.ID,
		Master:    caller,
		Worker:    worker,
		Price:     new(big.Int).Set(price),
		Deadline:  deadline,
		Timestamp: now,
	})
	return job.Clone(), nil
}

// AcceptJob 由工作方在截止时间前接受任务。
func (e *Escrow) AcceptJob(ctx context.Context, caller common.Address, jobID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Worker != caller {
		return xerrors.New(xerrors.CodeUnauthorized, "只有指派的工作方可以接受任务")
	}
	if job.State != StateCreated {
		return e.invalidState(job, StateCreated)
	}
	now := e.now().Unix()
	if now >= job.Deadline {
		return xerrors.New(xerrors.CodeDeadlineExceeded, "任务已过截止时间，无法接受")
	}

	job.State = StateAccepted
	if err := e.store.Update(ctx, job); err != nil {
		return err
	}
	e.publish(ctx, events.KindJobAccepted, events.JobAccepted{
		JobID:     job.ID,
		Worker:    caller,
		Timestamp: now,
	})
	return nil
}

// SubmitResult 由工作方提交产出摘要与证明引用。超过截止时间的提交
// 被拒绝，任务留待主控方取消或罚没。
func (e *Escrow) SubmitResult(ctx context.Context, caller common.Address, jobID uint64, outputHash common.Hash, proofRef string) error {
	if outputHash == (common.Hash{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "产出摘要不能为零值")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Worker != caller {
		return xerrors.New(xerrors.CodeUnauthorized, "只有指派的工作方可以提交结果")
	}
	if job.State != StateAccepted {
		return e.invalidState(job, StateAccepted)
	}
	now := e.now().Unix()
	if now > job.Deadline {
		return xerrors.New(xerrors.CodeDeadlineExceeded, "已过截止时间，结果不再被接受")
	}

	job.State = StateSubmitted
	job.OutputHash = outputHash
	job.ProofRef = proofRef
	if err := e.store.Update(ctx, job); err != nil {
		return err
	}
	e.publish(ctx, events.KindResultSubmitted, events.ResultSubmitted{
		JobID:      job.ID,
		Worker:     job.Worker,
		OutputHash: outputHash,
		ProofRef:   proofRef,
		Timestamp:  now,
	})
	return nil
}

// ApproveAndRelease 由主控方验收结果并结算：工作方获得报酬扣除平台
// 费后的部分，平台费进入金库地址。结算恰好执行一次。
func (e *Escrow) ApproveAndRelease(ctx context.Context, caller common.Address, jobID uint64) (*Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.FundsReleased {
		return nil, xerrors.New(xerrors.CodeAlreadyProcessed, "任务资金已完成结算")
	}
	if job.Master != caller {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "只有主控方可以验收任务")
	}
	if job.State != StateSubmitted {
		return nil, e.invalidState(job, StateSubmitted)
	}

	fee := e.params.PlatformFee(job.Price)
	payout := new(big.Int).Sub(job.Price, fee)
	now := e.now().Unix()

	if err := e.bank.Transfer(ledger.EscrowVault, job.Worker, payout); err != nil {
		return nil, xerrors.Wrap(CodeJobSettlement, err, "支付工作方报酬失败")
	}
	if fee.Sign() > 0 {
		if err := e.bank.Transfer(ledger.EscrowVault, e.params.Treasury, fee); err != nil {
			e.restoreVault(ctx, job.ID, job.Worker, payout)
			return nil, xerrors.Wrap(CodeJobSettlement, err, "划转平台费失败")
		}
	}

	prev := job.Clone()
	job.State = StateApproved
	job.FundsReleased = true
	job.ReceiptHash = settlementReceipt(job.ID, StateApproved, payout, fee, now)
	if err := e.store.Update(ctx, job); err != nil {
		// 记录未落盘则资金必须回到金库，否则重试会二次放款。
		e.restoreVault(ctx, job.ID, job.Worker, payout)
		e.restoreVault(ctx, job.ID, e.params.Treasury, fee)
		return nil, xerrors.Wrap(CodeJobSettlement, err, "写入结算结果失败")
	}

	if err := e.notifySuccess(ctx, job.Worker, payout); err != nil {
		// 任务状态变更与信誉更新同进退。
		e.revertSettlement(ctx, prev)
		e.restoreVault(ctx, job.ID, job.Worker, payout)
		e.restoreVault(ctx, job.ID, e.params.Treasury, fee)
		return nil, xerrors.Wrap(CodeJobSettlement, err, "通知信誉模块成功结案失败")
	}
	logger.Audit().Info("任务验收结算完成",
		slog.Uint64("job_id", job.ID),
		slog.String("worker", job.Worker.Hex()),
		slog.String("payout", payout.String()),
		slog.String("fee", fee.String()),
	)
	e.publish(ctx, events.KindJobApproved, events.JobApproved{
		JobID:     job.ID,
		Master:    job.Master,
		Worker:    job.Worker,
		Payment:   payout,
		Fee:       fee,
		Receipt:   job.ReceiptHash,
		Timestamp: now,
	})
	return job.Clone(), nil
}

// RejectAndSlash 由主控方否决结果并罚没：slashAmount 进入金库地址，
// 其余退还主控方。结算恰好执行一次。
func (e *Escrow) RejectAndSlash(ctx context.Context, caller common.Address, jobID uint64, slashAmount *big.Int) (*Job, error) {
	if slashAmount == nil || slashAmount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "罚没金额不能为负数")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.FundsReleased {
		return nil, xerrors.New(xerrors.CodeAlreadyProcessed, "任务资金已完成结算")
	}
	if job.Master != caller {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "只有主控方可以否决任务")
	}
	if job.State != StateSubmitted {
		return nil, e.invalidState(job, StateSubmitted)
	}
	if slashAmount.Cmp(job.Price) > 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "罚没金额不能超过任务报酬",
			xerrors.WithMetadata("price", job.Price.String()),
		)
	}

	refund := new(big.Int).Sub(job.Price, slashAmount)
	now := e.now().Unix()

	if slashAmount.Sign() > 0 {
		if err := e.bank.Transfer(ledger.EscrowVault, e.params.Treasury, slashAmount); err != nil {
			return nil, xerrors.Wrap(CodeJobSettlement, err, "划转罚没金额失败")
		}
	}
	if refund.Sign() > 0 {
		if err := e.bank.Transfer(ledger.EscrowVault, job.Master, refund); err != nil {
			e.restoreVault(ctx, job.ID, e.params.Treasury, slashAmount)
			return nil, xerrors.Wrap(CodeJobSettlement, err, "退还主控方资金失败")
		}
	}

	prev := job.Clone()
	job.State = StateSlashed
	job.FundsReleased = true
	job.ReceiptHash = settlementReceipt(job.ID, StateSlashed, refund, slashAmount, now)
	if err := e.store.Update(ctx, job); err != nil {
		e.restoreVault(ctx, job.ID, e.params.Treasury, slashAmount)
		e.restoreVault(ctx, job.ID, job.Master, refund)
		return nil, xerrors.Wrap(CodeJobSettlement, err, "写入罚没结果失败")
	}

	if err := e.notifyFailure(ctx, job.Worker, slashAmount); err != nil {
		e.revertSettlement(ctx, prev)
		e.restoreVault(ctx, job.ID, e.params.Treasury, slashAmount)
		e.restoreVault(ctx, job.ID, job.Master, refund)
		return nil, xerrors.Wrap(CodeJobSettlement, err, "通知信誉模块罚没结案失败")
	}
	logger.Audit().Info("任务罚没结算完成",
		slog.Uint64("job_id", job.ID),
		slog.String("worker", job.Worker.Hex()),
		slog.String("slash", slashAmount.String()),
		slog.String("refund", refund.String()),
	)
	e.alert(ctx, alerting.Event{
		Code:     CodeJobSettlement,
		Message:  "任务被否决并罚没",
		Severity: xerrors.SeverityWarning,
		JobID:    job.ID,
		Agent:    job.Worker.Hex(),
		Metadata: map[string]string{
			"slash":  slashAmount.String(),
			"refund": refund.String(),
		},
		OccurredAt: time.Unix(now, 0),
	})
	e.publish(ctx, events.KindJobSlashed, events.JobSlashed{
		JobID:       job.ID,
		Worker:      job.Worker,
		SlashAmount: new(big.Int).Set(slashAmount),
		Refund:      refund,
		Receipt:     job.ReceiptHash,
		Timestamp:   now,
	})
	return job.Clone(), nil
}

// CancelJob 由主控方取消任务并全额退款。CREATED 状态随时可取消，
// ACCEPTED 状态仅在截止时间过后可取消。
func (e *Escrow) CancelJob(ctx context.Context, caller common.Address, jobID uint64) (*Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.FundsReleased {
		return nil, xerrors.New(xerrors.CodeAlreadyProcessed, "任务资金已完成结算")
	}
	if job.Master != caller {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "只有主控方可以取消任务")
	}
	now := e.now().Unix()
	switch job.State {
	case StateCreated:
		// 尚未接受，随时可取消。
	case StateAccepted:
		if now <= job.Deadline {
			return nil, xerrors.New(xerrors.CodeDeadlineNotReached, "任务已被接受，截止时间前不可取消")
		}
	default:
		return nil, e.invalidState(job, StateCreated)
	}

	if err := e.bank.Transfer(ledger.EscrowVault, job.Master, job.Price); err != nil {
		return nil, xerrors.Wrap(CodeJobSettlement, err, "退还托管资金失败")
	}

	job.State = StateCancelled
	job.FundsReleased = true
	job.ReceiptHash = settlementReceipt(job.ID, StateCancelled, job.Price, new(big.Int), now)
	if err := e.store.Update(ctx, job); err != nil {
		e.restoreVault(ctx, job.ID, job.Master, job.Price)
		return nil, xerrors.Wrap(CodeJobSettlement, err, "写入取消结果失败")
	}

	logger.Audit().Info("任务取消并退款",
		slog.Uint64("job_id", job.ID),
		slog.String("master", job.Master.Hex()),
		slog.String("refund", job.Price.String()),
	)
	e.publish(ctx, events.KindJobCancelled, events.JobCancelled{
		JobID:     job.ID,
		Master:    job.Master,
		Refund:    new(big.Int).Set(job.Price),
		Receipt:   job.ReceiptHash,
		Timestamp: now,
	})
	return job.Clone(), nil
}

// GetJob 返回指定任务的记录快照。
func (e *Escrow) GetJob(ctx context.Context, jobID uint64) (*Job, error) {
	return e.store.Get(ctx, jobID)
}

// JobCounter 返回最近分配的任务号。
func (e *Escrow) JobCounter(ctx context.Context) (uint64, error) {
	return e.store.Counter(ctx)
}

// GetJobsByMaster 返回主控方的任务号序列，按创建顺序从旧到新。
func (e *Escrow) GetJobsByMaster(ctx context.Context, master common.Address, limit int) ([]uint64, error) {
	return e.store.JobsByMaster(ctx, master, limit)
}

// GetJobsByWorker 返回工作方的任务号序列，按创建顺序从旧到新。
func (e *Escrow) GetJobsByWorker(ctx context.Context, worker common.Address, limit int) ([]uint64, error) {
	return e.store.JobsByWorker(ctx, worker, limit)
}

// PlatformFeePercentage 返回结算时收取的平台费整数百分比。
func (e *Escrow) PlatformFeePercentage() uint64 {
	return e.params.PlatformFeePercentage
}

func (e *Escrow) invalidState(job *Job, want State) error {
	return xerrors.New(xerrors.CodeInvalidState, "任务状态不满足操作前置条件",
		xerrors.WithMetadata("state", job.State.String()),
		xerrors.WithMetadata("want", want.String()),
	)
}

// notifySuccess 通知信誉模块成功结案。通知失败会令调用方回滚整笔
// 结算，任务状态变更与信誉更新同进退。
func (e *Escrow) notifySuccess(ctx context.Context, worker common.Address, earned *big.Int) error {
	if e.reputation == nil {
		return nil
	}
	return e.reputation.NotifySuccess(ctx, worker, earned)
}

func (e *Escrow) notifyFailure(ctx context.Context, worker common.Address, slashed *big.Int) error {
	if e.reputation == nil {
		return nil
	}
	return e.reputation.NotifyFailure(ctx, worker, slashed)
}

// restoreVault 在结算提交失败后把已流出的资金划回托管金库。补偿
// 划转失败意味着托管守恒被破坏，记录错误并触发告警等待人工修复。
func (e *Escrow) restoreVault(ctx context.Context, jobID uint64, from common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	if err := e.bank.Transfer(from, ledger.EscrowVault, amount); err != nil {
		logger.L().Error("结算补偿划转失败，托管守恒被破坏",
			slog.Any("error", err),
			slog.Uint64("job_id", jobID),
			slog.String("from", from.Hex()),
			slog.String("amount", amount.String()),
		)
		e.alert(ctx, alerting.Event{
			Code:       CodeJobSettlement,
			Message:    "结算补偿划转失败",
			Severity:   xerrors.SeverityCritical,
			JobID:      jobID,
			Agent:      from.Hex(),
			Metadata:   map[string]string{"amount": amount.String()},
			OccurredAt: e.now(),
		})
	}
}

// revertSettlement 在信誉通知失败后把任务记录回滚到结算前的快照。
func (e *Escrow) revertSettlement(ctx context.Context, prev *Job) {
	if err := e.store.Update(ctx, prev); err != nil {
		logger.L().Error("回滚任务记录失败，需要人工修复",
			slog.Any("error", err),
			slog.Uint64("job_id", prev.ID),
		)
		e.alert(ctx, alerting.Event{
			Code:       CodeJobSettlement,
			Message:    "结算回滚写入失败",
			Severity:   xerrors.SeverityCritical,
			JobID:      prev.ID,
			OccurredAt: e.now(),
		})
	}
}

func (e *Escrow) alert(ctx context.Context, event alerting.Event) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Notify(ctx, event); err != nil {
		logger.L().Warn("发送罚没告警失败", slog.Any("error", err), slog.Uint64("job_id", event.JobID))
	}
}

// publish 尽力发布事件；发布失败不回滚已提交的状态变更。
func (e *Escrow) publish(ctx context.Context, kind events.Kind, payload any) {
	if e.stream == nil {
		return
	}
	envelope, err := events.NewEnvelope(kind, payload)
	if err != nil {
		logger.L().Error("编码托管事件失败", slog.Any("error", err), slog.String("kind", string(kind)))
		return
	}
	if err := e.stream.Publish(ctx, envelope); err != nil {
		logger.L().Error("发布托管事件失败", slog.Any("error", err), slog.String("kind", string(kind)))
	}
}

// settlementReceipt 计算终态结算回执摘要。
func settlementReceipt(jobID uint64, state State, payout, fee *big.Int, timestamp int64) common.Hash {
	var buf [17]byte
	binary.BigEndian.PutUint64(buf[0:8], jobID)
	buf[8] = byte(state)
	binary.BigEndian.PutUint64(buf[9:17], uint64(timestamp))
	return crypto.Keccak256Hash(buf[:], payout.Bytes(), fee.Bytes())
}
