package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	xerrors "AgentMarket-Chain/internal/errors"
	"AgentMarket-Chain/internal/ledger"
	"AgentMarket-Chain/internal/params"

	"github.com/ethereum/go-ethereum/common"
)

var (
	master = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	worker = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	other  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type staticDirectory struct {
	active map[common.Address]bool
}

func (d *staticDirectory) IsAgentActive(_ context.Context, addr common.Address) (bool, error) {
	return d.active[addr], nil
}

type recordingSink struct {
	successes []*big.Int
	failures  []*big.Int
}

func (s *recordingSink) NotifySuccess(_ context.Context, _ common.Address, earned *big.Int) error {
	s.successes = append(s.successes, new(big.Int).Set(earned))
	return nil
}

func (s *recordingSink) NotifyFailure(_ context.Context, _ common.Address, slashed *big.Int) error {
	s.failures = append(s.failures, new(big.Int).Set(slashed))
	return nil
}

type fixture struct {
	escrow *Escrow
	bank   *ledger.Ledger
	sink   *recordingSink
	now    *int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bank := ledger.New()
	if err := bank.Mint(master, big.NewInt(100_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	now := int64(1_700_000_000)
	sink := &recordingSink{}
	f := &fixture{bank: bank, sink: sink, now: &now}
	// 测试通过移动 now 驱动截止时间。
	f.escrow = New(NewMemoryStore(), bank, &staticDirectory{active: map[common.Address]bool{worker: true}}, params.Default(),
		WithClock(func() time.Time { return time.Unix(*f.now, 0) }),
		WithReputationSink(sink),
	)
	return f
}

func (f *fixture) createJob(t *testing.T, price int64) *Job {
	t.Helper()
	job, err := f.escrow.CreateJob(context.Background(), master, worker, big.NewInt(price), *f.now+3600)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (f *fixture) submitJob(t *testing.T, price int64) *Job {
	t.Helper()
	ctx := context.Background()
	job := f.createJob(t, price)
	if err := f.escrow.AcceptJob(ctx, worker, job.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	output := common.HexToHash("0x01")
	if err := f.escrow.SubmitResult(ctx, worker, job.ID, output, "ipfs://proof"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

func TestCreateJobLocksPayment(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job := f.createJob(t, 1000)

	if job.ID != 1 {
		t.Fatalf("job id = %d, want 1", job.ID)
	}
	if job.State != StateCreated {
		t.Fatalf("state = %s, want CREATED", job.State)
	}
	if got := f.bank.BalanceOf(ledger.EscrowVault); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("escrow balance = %s, want 1000", got)
	}
	if got := f.bank.BalanceOf(master); got.Cmp(big.NewInt(99_000)) != 0 {
		t.Fatalf("master balance = %s, want 99000", got)
	}
}

func TestCreateJobGuards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		worker   common.Address
		price    *big.Int
		deadline int64
	}{
		{"zero worker", common.Address{}, big.NewInt(100), *f.now + 3600},
		{"self assignment", master, big.NewInt(100), *f.now + 3600},
		{"zero price", worker, new(big.Int), *f.now + 3600},
		{"past deadline", worker, big.NewInt(100), *f.now - 1},
		{"inactive worker", other, big.NewInt(100), *f.now + 3600},
	}
	for _, tc := range cases {
		if _, err := f.escrow.CreateJob(ctx, master, tc.worker, tc.price, tc.deadline); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	// 失败的创建不消耗任务号。
	counter, err := f.escrow.JobCounter(ctx)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if counter != 0 {
		t.Fatalf("counter = %d, want 0", counter)
	}
}

func TestCreateJobInsufficientFundsKeepsCounter(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.escrow.CreateJob(ctx, other, worker, big.NewInt(100), *f.now+3600)
	if xerrors.CodeOf(err) != xerrors.CodeInsufficientFunds {
		t.Fatalf("code = %s, want INSUFFICIENT_FUNDS", xerrors.CodeOf(err))
	}
	counter, _ := f.escrow.JobCounter(ctx)
	if counter != 0 {
		t.Fatalf("counter = %d, want 0", counter)
	}
}

func TestApproveAndReleaseSplitsFee(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job := f.submitJob(t, 1000)

	settled, err := f.escrow.ApproveAndRelease(ctx, master, job.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if settled.State != StateApproved {
		t.Fatalf("state = %s, want APPROVED", settled.State)
	}
	if !settled.FundsReleased {
		t.Fatal("expected funds released")
	}
	if settled.ReceiptHash == (common.Hash{}) {
		t.Fatal("expected settlement receipt")
	}

	// 1000 的 5% 平台费：工作方 950，金库 50。
	if got := f.bank.BalanceOf(worker); got.Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("worker balance = %s, want 950", got)
	}
	if got := f.bank.BalanceOf(params.Default().Treasury); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("treasury balance = %s, want 50", got)
	}
	if got := f.bank.BalanceOf(ledger.EscrowVault); got.Sign() != 0 {
		t.Fatalf("escrow balance = %s, want 0", got)
	}

	if len(f.sink.successes) != 1 || f.sink.successes[0].Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("sink successes = %v, want one notification of 950", f.sink.successes)
	}
}

func TestRejectAndSlashSplitsRefund(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job := f.submitJob(t, 1000)

	masterBefore := f.bank.BalanceOf(master)
	settled, err := f.escrow.RejectAndSlash(ctx, master, job.ID, big.NewInt(400))
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if settled.State != StateSlashed {
		t.Fatalf("state = %s, want SLASHED", settled.State)
	}

	// 罚没 400 入金库，其余 600 退还主控方。
	if got := f.bank.BalanceOf(params.Default().Treasury); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("treasury balance = %s, want 400", got)
	}
	wantMaster := new(big.Int).Add(masterBefore, big.NewInt(600))
	if got := f.bank.BalanceOf(master); got.Cmp(wantMaster) != 0 {
		t.Fatalf("master balance = %s, want %s", got, wantMaster)
	}
	if got := f.bank.BalanceOf(worker); got.Sign() != 0 {
		t.Fatalf("worker balance = %s, want 0", got)
	}

	if len(f.sink.failures) != 1 || f.sink.failures[0].Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("sink failures = %v, want one notification of 400", f.sink.failures)
	}
}

func TestSlashAmountCannotExceedPrice(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job := f.submitJob(t, 1000)

	_, err := f.escrow.RejectAndSlash(context.Background(), master, job.ID, big.NewInt(1001))
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("code = %s, want INVALID_ARGUMENT", xerrors.CodeOf(err))
	}
}

func TestCancelCreatedJobRefunds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, 1000)

	settled, err := f.escrow.CancelJob(ctx, master, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if settled.State != StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", settled.State)
	}
	if got := f.bank.BalanceOf(master); got.Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("master balance = %s, want full refund", got)
	}
}

func TestCancelAcceptedJobOnlyAfterDeadline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, 1000)
	if err := f.escrow.AcceptJob(ctx, worker, job.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// 截止时间未到不可取消。
	_, err := f.escrow.CancelJob(ctx, master, job.ID)
	if xerrors.CodeOf(err) != xerrors.CodeDeadlineNotReached {
		t.Fatalf("code = %s, want DEADLINE_NOT_REACHED", xerrors.CodeOf(err))
	}

	*f.now += 7200
	if _, err := f.escrow.CancelJob(ctx, master, job.ID); err != nil {
		t.Fatalf("cancel after deadline: %v", err)
	}
	if got := f.bank.BalanceOf(master); got.Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("master balance = %s, want full refund", got)
	}
}

func TestLateSubmitRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, 1000)
	if err := f.escrow.AcceptJob(ctx, worker, job.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	*f.now += 7200
	err := f.escrow.SubmitResult(ctx, worker, job.ID, common.HexToHash("0x01"), "")
	if xerrors.CodeOf(err) != xerrors.CodeDeadlineExceeded {
		t.Fatalf("code = %s, want DEADLINE_EXCEEDED", xerrors.CodeOf(err))
	}
}

func TestUnauthorizedCallers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, 1000)

	if err := f.escrow.AcceptJob(ctx, other, job.ID); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("accept by other: code = %s, want UNAUTHORIZED", xerrors.CodeOf(err))
	}
	if err := f.escrow.AcceptJob(ctx, worker, job.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.escrow.SubmitResult(ctx, master, job.ID, common.HexToHash("0x01"), ""); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("submit by master: code = %s, want UNAUTHORIZED", xerrors.CodeOf(err))
	}
	if err := f.escrow.SubmitResult(ctx, worker, job.ID, common.HexToHash("0x01"), ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.escrow.ApproveAndRelease(ctx, worker, job.ID); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("approve by worker: code = %s, want UNAUTHORIZED", xerrors.CodeOf(err))
	}
	if _, err := f.escrow.RejectAndSlash(ctx, worker, job.ID, big.NewInt(1)); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("slash by worker: code = %s, want UNAUTHORIZED", xerrors.CodeOf(err))
	}
	if _, err := f.escrow.CancelJob(ctx, worker, job.ID); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("cancel by worker: code = %s, want UNAUTHORIZED", xerrors.CodeOf(err))
	}
}

func TestTerminalJobsRejectFurtherSettlement(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job := f.submitJob(t, 1000)

	if _, err := f.escrow.ApproveAndRelease(ctx, master, job.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if _, err := f.escrow.ApproveAndRelease(ctx, master, job.ID); xerrors.CodeOf(err) != xerrors.CodeAlreadyProcessed {
		t.Fatalf("double approve: code = %s, want ALREADY_PROCESSED", xerrors.CodeOf(err))
	}
	if _, err := f.escrow.RejectAndSlash(ctx, master, job.ID, big.NewInt(1)); xerrors.CodeOf(err) != xerrors.CodeAlreadyProcessed {
		t.Fatalf("slash after approve: code = %s, want ALREADY_PROCESSED", xerrors.CodeOf(err))
	}
	if _, err := f.escrow.CancelJob(ctx, master, job.ID); xerrors.CodeOf(err) != xerrors.CodeAlreadyProcessed {
		t.Fatalf("cancel after approve: code = %s, want ALREADY_PROCESSED", xerrors.CodeOf(err))
	}
}

func TestStateGuards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, 1000)

	// CREATED 状态下不可提交、不可验收。
	if err := f.escrow.SubmitResult(ctx, worker, job.ID, common.HexToHash("0x01"), ""); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("submit in CREATED: code = %s, want INVALID_STATE", xerrors.CodeOf(err))
	}
	if _, err := f.escrow.ApproveAndRelease(ctx, master, job.ID); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("approve in CREATED: code = %s, want INVALID_STATE", xerrors.CodeOf(err))
	}

	if err := f.escrow.AcceptJob(ctx, worker, job.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// ACCEPTED 状态下不可重复接受。
	if err := f.escrow.AcceptJob(ctx, worker, job.ID); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("double accept: code = %s, want INVALID_STATE", xerrors.CodeOf(err))
	}
}

func TestJobEnumeration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	first := f.createJob(t, 100)
	second := f.createJob(t, 200)

	byMaster, err := f.escrow.GetJobsByMaster(ctx, master, 10)
	if err != nil {
		t.Fatalf("by master: %v", err)
	}
	if len(byMaster) != 2 || byMaster[0] != first.ID || byMaster[1] != second.ID {
		t.Fatalf("by master = %v, want [%d %d]", byMaster, first.ID, second.ID)
	}

	byWorker, err := f.escrow.GetJobsByWorker(ctx, worker, 1)
	if err != nil {
		t.Fatalf("by worker: %v", err)
	}
	if len(byWorker) != 1 || byWorker[0] != first.ID {
		t.Fatalf("by worker = %v, want [%d]", byWorker, first.ID)
	}
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.escrow.GetJob(context.Background(), 42)
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestLateAcceptRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, 1000)

	// 截止时刻本身已不可接受。
	*f.now += 3600
	err := f.escrow.AcceptJob(ctx, worker, job.ID)
	if xerrors.CodeOf(err) != xerrors.CodeDeadlineExceeded {
		t.Fatalf("code = %s, want DEADLINE_EXCEEDED", xerrors.CodeOf(err))
	}

	// 过期未接受的任务仍处于 CREATED，主控方可取消并全额退款。
	if _, err := f.escrow.CancelJob(ctx, master, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.bank.BalanceOf(master); got.Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("master balance = %s, want full refund", got)
	}
}

// faultyStore 包装内存存储，使下一次 Update 失败一次。
type faultyStore struct {
	Store
	failNext bool
}

func (s *faultyStore) Update(ctx context.Context, job *Job) error {
	if s.failNext {
		s.failNext = false
		return errors.New("storage offline")
	}
	return s.Store.Update(ctx, job)
}

func TestSettlementWriteFailureKeepsFundsEscrowed(t *testing.T) {
	t.Parallel()

	bank := ledger.New()
	if err := bank.Mint(master, big.NewInt(100_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	now := int64(1_700_000_000)
	store := &faultyStore{Store: NewMemoryStore()}
	sink := &recordingSink{}
	esc := New(store, bank, &staticDirectory{active: map[common.Address]bool{worker: true}}, params.Default(),
		WithClock(func() time.Time { return time.Unix(now, 0) }),
		WithReputationSink(sink),
	)
	ctx := context.Background()

	// 两笔任务同时在途，重试不得动用另一笔任务的托管资金。
	first, err := esc.CreateJob(ctx, master, worker, big.NewInt(1000), now+3600)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if _, err := esc.CreateJob(ctx, master, worker, big.NewInt(1000), now+3600); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if err := esc.AcceptJob(ctx, worker, first.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := esc.SubmitResult(ctx, worker, first.ID, common.HexToHash("0x01"), ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	store.failNext = true
	if _, err := esc.ApproveAndRelease(ctx, master, first.ID); xerrors.CodeOf(err) != CodeJobSettlement {
		t.Fatalf("code = %s, want JOB_SETTLEMENT_FAILED", xerrors.CodeOf(err))
	}

	// 记录未落盘则资金必须原封不动留在金库。
	if got := bank.BalanceOf(worker); got.Sign() != 0 {
		t.Fatalf("worker balance = %s, want 0", got)
	}
	if got := bank.BalanceOf(ledger.EscrowVault); got.Cmp(big.NewInt(2000)) != 0 {
		t.Fatalf("escrow balance = %s, want 2000", got)
	}
	job, err := esc.GetJob(ctx, first.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != StateSubmitted || job.FundsReleased {
		t.Fatalf("job = %+v, want SUBMITTED with funds unreleased", job)
	}

	// 重试成功且恰好支付一次。
	if _, err := esc.ApproveAndRelease(ctx, master, first.ID); err != nil {
		t.Fatalf("retry approve: %v", err)
	}
	if got := bank.BalanceOf(worker); got.Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("worker balance = %s, want 950", got)
	}
	if got := bank.BalanceOf(ledger.EscrowVault); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("escrow balance = %s, want 1000", got)
	}
	if len(sink.successes) != 1 {
		t.Fatalf("sink successes = %d, want 1", len(sink.successes))
	}
}

// faultySink 使下一次成功通知失败一次。
type faultySink struct {
	recordingSink
	failNext bool
}

func (s *faultySink) NotifySuccess(ctx context.Context, agent common.Address, earned *big.Int) error {
	if s.failNext {
		s.failNext = false
		return errors.New("reputation offline")
	}
	return s.recordingSink.NotifySuccess(ctx, agent, earned)
}

func TestSinkFailureRollsBackSettlement(t *testing.T) {
	t.Parallel()

	bank := ledger.New()
	if err := bank.Mint(master, big.NewInt(100_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	now := int64(1_700_000_000)
	sink := &faultySink{}
	esc := New(NewMemoryStore(), bank, &staticDirectory{active: map[common.Address]bool{worker: true}}, params.Default(),
		WithClock(func() time.Time { return time.Unix(now, 0) }),
		WithReputationSink(sink),
	)
	ctx := context.Background()

	job, err := esc.CreateJob(ctx, master, worker, big.NewInt(1000), now+3600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := esc.AcceptJob(ctx, worker, job.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := esc.SubmitResult(ctx, worker, job.ID, common.HexToHash("0x01"), ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	sink.failNext = true
	if _, err := esc.ApproveAndRelease(ctx, master, job.ID); xerrors.CodeOf(err) != CodeJobSettlement {
		t.Fatalf("code = %s, want JOB_SETTLEMENT_FAILED", xerrors.CodeOf(err))
	}

	// 状态变更与信誉更新同进退：通知失败则整笔结算回滚。
	reverted, err := esc.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reverted.State != StateSubmitted || reverted.FundsReleased {
		t.Fatalf("job = %+v, want SUBMITTED with funds unreleased", reverted)
	}
	if reverted.ReceiptHash != (common.Hash{}) {
		t.Fatalf("receipt = %s, want zero", reverted.ReceiptHash)
	}
	if got := bank.BalanceOf(worker); got.Sign() != 0 {
		t.Fatalf("worker balance = %s, want 0", got)
	}
	if got := bank.BalanceOf(ledger.EscrowVault); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("escrow balance = %s, want 1000", got)
	}
	if len(sink.successes) != 0 {
		t.Fatalf("sink successes = %d, want 0", len(sink.successes))
	}

	// 通知恢复后重试成功。
	if _, err := esc.ApproveAndRelease(ctx, master, job.ID); err != nil {
		t.Fatalf("retry approve: %v", err)
	}
	if got := bank.BalanceOf(worker); got.Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("worker balance = %s, want 950", got)
	}
	if len(sink.successes) != 1 {
		t.Fatalf("sink successes = %d, want 1", len(sink.successes))
	}
}

func TestSubmitRejectsZeroOutputHash(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, 1000)
	if err := f.escrow.AcceptJob(ctx, worker, job.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	err := f.escrow.SubmitResult(ctx, worker, job.ID, common.Hash{}, "")
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("code = %s, want INVALID_ARGUMENT", xerrors.CodeOf(err))
	}
}
