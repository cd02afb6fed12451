package registry

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
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newTestRegistry(t *testing.T) (*Registry, *ledger.Ledger) {
	t.Helper()
	bank := ledger.New()
	reg := New(NewMemoryStore(), bank, params.Default(),
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }),
	)
	return reg, bank
}

func minStake() *big.Int {
	return params.Default().MinimumStake
}

func fund(t *testing.T, bank *ledger.Ledger, addr common.Address, amount *big.Int) {
	t.Helper()
	if err := bank.Mint(addr, amount); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func TestRegisterLocksStake(t *testing.T) {
	t.Parallel()

	reg, bank := newTestRegistry(t)
	ctx := context.Background()
	fund(t, bank, alice, new(big.Int).Mul(minStake(), big.NewInt(2)))

	agent, err := reg.Register(ctx, alice, "ipfs://meta", "translate,summarize", "https://a1.example", minStake())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !agent.IsActive {
		t.Fatal("expected agent to be active")
	}
	if agent.StakeAmount.Cmp(minStake()) != 0 {
		t.Fatalf("stake = %s, want %s", agent.StakeAmount, minStake())
	}
	// 质押应从余额转入注册金库。
	if got := bank.BalanceOf(alice); got.Cmp(minStake()) != 0 {
		t.Fatalf("alice balance = %s, want %s", got, minStake())
	}
	if got := bank.BalanceOf(ledger.RegistryVault); got.Cmp(minStake()) != 0 {
		t.Fatalf("vault balance = %s, want %s", got, minStake())
	}
}

func TestRegisterBelowMinimum(t *testing.T) {
	t.Parallel()

	reg, bank := newTestRegistry(t)
	ctx := context.Background()
	fund(t, bank, alice, minStake())

	low := new(big.Int).Sub(minStake(), big.NewInt(1))
	_, err := reg.Register(ctx, alice, "", "", "", low)
	if xerrors.CodeOf(err) != xerrors.CodeInsufficientStake {
		t.Fatalf("code = %s, want INSUFFICIENT_STAKE", xerrors.CodeOf(err))
	}
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()

	reg, bank := newTestRegistry(t)
	ctx := context.Background()
	fund(t, bank, alice, new(big.Int).Mul(minStake(), big.NewInt(3)))

	if _, err := reg.Register(ctx, alice, "", "", "", minStake()); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := reg.Register(ctx, alice, "", "", "", minStake())
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestRegisterInsufficientBalance(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, alice, "", "", "", minStake())
	if xerrors.CodeOf(err) != xerrors.CodeInsufficientFunds {
		t.Fatalf("code = %s, want INSUFFICIENT_FUNDS", xerrors.CodeOf(err))
	}
}

func TestDepositAndWithdrawStake(t *testing.T) {
	t.Parallel()

	reg, bank := newTestRegistry(t)
	ctx := context.Background()
	fund(t, bank, alice, new(big.Int).Mul(minStake(), big.NewInt(4)))

	if _, err := reg.Register(ctx, alice, "", "", "", minStake()); err != nil {
		t.Fatalf("register: %v", err)
	}
	newTotal, err := reg.DepositStake(ctx, alice, minStake())
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	want := new(big.Int).Mul(minStake(), big.NewInt(2))
	if newTotal.Cmp(want) != 0 {
		t.Fatalf("new total = %s, want %s", newTotal, want)
	}

	remaining, err := reg.WithdrawStake(ctx, alice, minStake())
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if remaining.Cmp(minStake()) != 0 {
		t.Fatalf("remaining = %s, want %s", remaining, minStake())
	}
}

func TestWithdrawGuards(t *testing.T) {
	t.Parallel()

	reg, bank := newTestRegistry(t)
	ctx := context.Background()
	fund(t, bank, alice, new(big.Int).Mul(minStake(), big.NewInt(2)))

	stake := new(big.Int).Mul(minStake(), big.NewInt(2))
	if _, err := reg.Register(ctx, alice, "", "", "", stake); err != nil {
		t.Fatalf("register: %v", err)
	}

	// 提现金额超过质押。
	over := new(big.Int).Add(stake, big.NewInt(1))
	if _, err := reg.WithdrawStake(ctx, alice, over); xerrors.CodeOf(err) != xerrors.CodeInsufficientFunds {
		t.Fatalf("over-withdraw code = %s, want INSUFFICIENT_FUNDS", xerrors.CodeOf(err))
	}

	// 激活状态下剩余落入 (0, min) 区间。
	partial := new(big.Int).Add(minStake(), big.NewInt(1))
	if _, err := reg.WithdrawStake(ctx, alice, partial); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("err = %v, want ErrBelowMinimum", err)
	}

	// 激活状态下不可提取到零。
	if _, err := reg.WithdrawStake(ctx, alice, stake); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("err = %v, want ErrBelowMinimum", err)
	}
}

func TestDeactivateThenWithdrawToZero(t *testing.T) {
	t.Parallel()

	reg, bank := newTestRegistry(t)
	ctx := context.Background()
	fund(t, bank, alice, minStake())

	if _, err := reg.Register(ctx, alice, "", "", "", minStake()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Deactivate(ctx, alice); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active, err := reg.IsAgentActive(ctx, alice)
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if active {
		t.Fatal("expected agent to be inactive")
	}

	remaining, err := reg.WithdrawStake(ctx, alice, minStake())
	if err != nil {
		t.Fatalf("withdraw after deactivate: %v", err)
	}
	if remaining.Sign() != 0 {
		t.Fatalf("remaining = %s, want 0", remaining)
	}
	if got := bank.BalanceOf(alice); got.Cmp(minStake()) != 0 {
		t.Fatalf("alice balance = %s, want full refund", got)
	}
}

func TestReRegisterAfterFullWithdraw(t *testing.T) {
	t.Parallel()

	reg, bank := newTestRegistry(t)
	ctx := context.Background()
	fund(t, bank, alice, minStake())

	if _, err := reg.Register(ctx, alice, "", "", "", minStake()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Deactivate(ctx, alice); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := reg.WithdrawStake(ctx, alice, minStake()); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	// 质押为零的记录允许重新注册并重新激活。
	agent, err := reg.Register(ctx, alice, "ipfs://meta2", "audit", "", minStake())
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !agent.IsActive {
		t.Fatal("expected re-registered agent to be active")
	}
}

func TestEnumeration(t *testing.T) {
	t.Parallel()

	reg, bank := newTestRegistry(t)
	ctx := context.Background()
	fund(t, bank, alice, minStake())
	fund(t, bank, bob, minStake())

	if _, err := reg.Register(ctx, alice, "", "", "", minStake()); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if _, err := reg.Register(ctx, bob, "", "", "", minStake()); err != nil {
		t.Fatalf("register bob: %v", err)
	}

	count, err := reg.GetAgentCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	first, err := reg.GetAgentByIndex(ctx, 0)
	if err != nil {
		t.Fatalf("by index: %v", err)
	}
	if first != alice {
		t.Fatalf("index 0 = %s, want alice", first.Hex())
	}
	second, err := reg.GetAgentByIndex(ctx, 1)
	if err != nil {
		t.Fatalf("by index: %v", err)
	}
	if second != bob {
		t.Fatalf("index 1 = %s, want bob", second.Hex())
	}
}

func TestIsAgentActiveUnknownAddress(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	active, err := reg.IsAgentActive(context.Background(), bob)
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if active {
		t.Fatal("unknown address must be inactive")
	}
}
