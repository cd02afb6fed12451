package ledger

import (
	"math/big"
	"sync"

	xerrors "AgentMarket-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// 协议内部的托管账户地址。普通外部地址不会与这些保留地址冲突。
var (
	// RegistryVault 持有所有智能体的质押金。
	RegistryVault = common.BytesToAddress([]byte("agentmarket/registry-vault"))
	// EscrowVault 持有所有未结算任务的托管资金。
	EscrowVault = common.BytesToAddress([]byte("agentmarket/escrow-vault"))
)

// Ledger 以结算货币最小单位记录各地址的余额，是协议在非链宿主中的资金账本。
// 所有转账在单一互斥锁内完成，对外表现为原子操作。
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]*big.Int
}

// New 创建一个空账本。
func New() *Ledger {
	return &Ledger{balances: make(map[common.Address]*big.Int)}
}

// Mint 为指定地址凭空铸造余额，仅用于宿主初始化与测试充值。
func (l *Ledger) Mint(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "铸造金额不能为负")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(addr, amount)
	return nil
}

// BalanceOf 返回指定地址的余额快照。
func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if balance, ok := l.balances[addr]; ok {
		return new(big.Int).Set(balance)
	}
	return new(big.Int)
}

// Transfer 在两个地址之间转移余额。余额不足时返回 INSUFFICIENT_FUNDS，
// 且不产生任何部分变更。
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "转账金额不能为负")
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	balance, ok := l.balances[from]
	if !ok || balance.Cmp(amount) < 0 {
		return xerrors.New(xerrors.CodeInsufficientFunds, "余额不足",
			xerrors.WithMetadata("from", from.Hex()),
			xerrors.WithMetadata("amount", amount.String()),
		)
	}
	balance.Sub(balance, amount)
	l.credit(to, amount)
	return nil
}

// CanSpend 判断地址余额是否覆盖指定金额，供守卫在任何变更前检查。
func (l *Ledger) CanSpend(addr common.Address, amount *big.Int) bool {
	if amount == nil || amount.Sign() < 0 {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	balance, ok := l.balances[addr]
	return ok && balance.Cmp(amount) >= 0
}

// TotalSupply 返回账本中所有余额之和，用于守恒性检查。
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := new(big.Int)
	for _, balance := range l.balances {
		total.Add(total, balance)
	}
	return total
}

func (l *Ledger) credit(addr common.Address, amount *big.Int) {
	if balance, ok := l.balances[addr]; ok {
		balance.Add(balance, amount)
		return
	}
	l.balances[addr] = new(big.Int).Set(amount)
}
