// Package domain 抵押品金库领域模型：每账户的托管余额与抵押锁。
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInsufficientAvailableCollateral = errors.New("insufficient available collateral")
	ErrLockNotFound                    = errors.New("collateral lock not found")
	ErrVaultNotFound                   = errors.New("vault not found")
	ErrVaultFrozen                     = errors.New("vault is frozen")
	ErrOverflow                        = errors.New("amount outside numeric domain")
	ErrInvalidAmount                   = errors.New("amount must be positive")
)

// maxAmount 数值域上界。decimal 本身不会回绕，越界按一致性错误处理。
var maxAmount = decimal.New(1, 24)

// CheckAmount 校验金额处于 (0, maxAmount)。
func CheckAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return ErrOverflow
	}
	return nil
}

type VaultStatus string

const (
	VaultStatusActive VaultStatus = "ACTIVE"
	VaultStatusFrozen VaultStatus = "FROZEN"
)

type LockType string

const (
	LockTypePosition LockType = "POSITION"
	LockTypeMargin   LockType = "MARGIN"
)

// Vault 账户金库聚合根。
// 不变量：Locked ≤ Deposited 且 Available = Deposited − Locked 恒成立。
type Vault struct {
	gorm.Model
	Owner     string          `gorm:"column:owner;type:varchar(64);uniqueIndex;not null" json:"owner"`
	Asset     string          `gorm:"column:asset;type:varchar(32);not null" json:"asset"`
	Deposited decimal.Decimal `gorm:"column:deposited;type:decimal(32,18);not null" json:"deposited"`
	Locked    decimal.Decimal `gorm:"column:locked;type:decimal(32,18);not null" json:"locked"`
	Status    VaultStatus     `gorm:"column:status;type:varchar(16);not null;default:'ACTIVE'" json:"status"`
}

func (Vault) TableName() string { return "vaults" }

func NewVault(owner, asset string) *Vault {
	return &Vault{
		Owner:     owner,
		Asset:     asset,
		Deposited: decimal.Zero,
		Locked:    decimal.Zero,
		Status:    VaultStatusActive,
	}
}

// Available 可用余额，派生值。
func (v *Vault) Available() decimal.Decimal {
	return v.Deposited.Sub(v.Locked)
}

// Deposit 入金。溢出检查先于任何变更。
func (v *Vault) Deposit(amount decimal.Decimal) error {
	if v.Status == VaultStatusFrozen {
		return ErrVaultFrozen
	}
	if err := CheckAmount(amount); err != nil {
		return err
	}
	next := v.Deposited.Add(amount)
	if next.GreaterThanOrEqual(maxAmount) {
		return ErrOverflow
	}
	v.Deposited = next
	return nil
}

// Withdraw 从可用余额出金。
func (v *Vault) Withdraw(amount decimal.Decimal) error {
	if v.Status == VaultStatusFrozen {
		return ErrVaultFrozen
	}
	if err := CheckAmount(amount); err != nil {
		return err
	}
	if v.Available().LessThan(amount) {
		return ErrInsufficientAvailableCollateral
	}
	v.Deposited = v.Deposited.Sub(amount)
	return nil
}

// reserve 将金额从可用转入锁定。
func (v *Vault) reserve(amount decimal.Decimal) error {
	if err := CheckAmount(amount); err != nil {
		return err
	}
	if v.Available().LessThan(amount) {
		return ErrInsufficientAvailableCollateral
	}
	v.Locked = v.Locked.Add(amount)
	return nil
}

// unreserve 将金额从锁定转回可用。
func (v *Vault) unreserve(amount decimal.Decimal) {
	v.Locked = v.Locked.Sub(amount)
	if v.Locked.IsNegative() {
		// 不可达：锁账目与金库账目的一致性由应用层维护。
		v.Locked = decimal.Zero
	}
}

// Freeze / Unfreeze 管理员冻结开关。冻结金库拒绝入金、锁定与出金，
// 但仍允许释放与强平扣押。
func (v *Vault) Freeze()   { v.Status = VaultStatusFrozen }
func (v *Vault) Unfreeze() { v.Status = VaultStatusActive }

// CollateralLock 抵押锁实体。只在支撑某个未平仓头寸或保证金要求时存在，
// 且恰好释放一次。
type CollateralLock struct {
	gorm.Model
	LockID    string          `gorm:"column:lock_id;type:varchar(64);uniqueIndex;not null" json:"lock_id"`
	Owner     string          `gorm:"column:owner;type:varchar(64);index;not null" json:"owner"`
	SeriesID  string          `gorm:"column:series_id;type:varchar(64);index;not null" json:"series_id"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(32,18);not null" json:"amount"`
	Type      LockType        `gorm:"column:type;type:varchar(16);not null" json:"type"`
	ExpiresAt *time.Time      `gorm:"column:expires_at" json:"expires_at,omitempty"`
}

func (CollateralLock) TableName() string { return "collateral_locks" }

// Ledger 单个账户的金库 + 锁账本。所有转移在此原子完成，
// 保证 Σ lock.Amount == vault.Locked。
type Ledger struct {
	Vault *Vault
	Locks map[string]*CollateralLock // lock_id → lock
}

func NewLedger(owner, asset string) *Ledger {
	return &Ledger{
		Vault: NewVault(owner, asset),
		Locks: make(map[string]*CollateralLock),
	}
}

// Lock 创建一把新锁，将金额从可用余额原子转入锁定。
func (l *Ledger) Lock(lockID, seriesID string, amount decimal.Decimal, lockType LockType, expiresAt *time.Time) (*CollateralLock, error) {
	if l.Vault.Status == VaultStatusFrozen {
		return nil, ErrVaultFrozen
	}
	if err := l.Vault.reserve(amount); err != nil {
		return nil, err
	}
	lock := &CollateralLock{
		LockID:    lockID,
		Owner:     l.Vault.Owner,
		SeriesID:  seriesID,
		Amount:    amount,
		Type:      lockType,
		ExpiresAt: expiresAt,
	}
	l.Locks[lockID] = lock
	return lock, nil
}

// Release 释放整把锁，金额回到可用余额。重复释放返回 ErrLockNotFound，
// 绝不重复入账。
func (l *Ledger) Release(lockID string) (decimal.Decimal, error) {
	lock, ok := l.Locks[lockID]
	if !ok {
		return decimal.Zero, ErrLockNotFound
	}
	l.Vault.unreserve(lock.Amount)
	released := lock.Amount
	delete(l.Locks, lockID)
	return released, nil
}

// Grow 扩大已有的锁（从可用余额转入）。
func (l *Ledger) Grow(lockID string, amount decimal.Decimal) error {
	lock, ok := l.Locks[lockID]
	if !ok {
		return ErrLockNotFound
	}
	if err := l.Vault.reserve(amount); err != nil {
		return err
	}
	lock.Amount = lock.Amount.Add(amount)
	return nil
}

// Shrink 缩小已有的锁，差额回到可用余额。锁降到零时移除。
func (l *Ledger) Shrink(lockID string, amount decimal.Decimal) error {
	lock, ok := l.Locks[lockID]
	if !ok {
		return ErrLockNotFound
	}
	if err := CheckAmount(amount); err != nil {
		return err
	}
	if lock.Amount.LessThan(amount) {
		return ErrInsufficientAvailableCollateral
	}
	lock.Amount = lock.Amount.Sub(amount)
	l.Vault.unreserve(amount)
	if lock.Amount.IsZero() {
		delete(l.Locks, lockID)
	}
	return nil
}

// Seize 从锁中没收金额（锁定与托管同时减少），用于行权支付与强平。
// 返回实际没收额 min(amount, lock.Amount)。
func (l *Ledger) Seize(lockID string, amount decimal.Decimal) (decimal.Decimal, error) {
	lock, ok := l.Locks[lockID]
	if !ok {
		return decimal.Zero, ErrLockNotFound
	}
	if err := CheckAmount(amount); err != nil {
		return decimal.Zero, err
	}
	seized := decimal.Min(amount, lock.Amount)
	lock.Amount = lock.Amount.Sub(seized)
	l.Vault.Locked = l.Vault.Locked.Sub(seized)
	l.Vault.Deposited = l.Vault.Deposited.Sub(seized)
	if lock.Amount.IsZero() {
		delete(l.Locks, lockID)
	}
	return seized, nil
}

// CanCredit 预检入账是否越界。跨账本转移在借方变更前先调用，
// 保证失败时双方账本都不变。
func (l *Ledger) CanCredit(amount decimal.Decimal) error {
	if err := CheckAmount(amount); err != nil {
		return err
	}
	if l.Vault.Deposited.Add(amount).GreaterThanOrEqual(maxAmount) {
		return ErrOverflow
	}
	return nil
}

// Credit 入账（行权支付、强平受益）。绕过冻结检查：受益方收款不可拒绝。
func (l *Ledger) Credit(amount decimal.Decimal) error {
	if err := l.CanCredit(amount); err != nil {
		return err
	}
	l.Vault.Deposited = l.Vault.Deposited.Add(amount)
	return nil
}

// TotalLocked 锁金额合计，应恒等于 Vault.Locked。
func (l *Ledger) TotalLocked() decimal.Decimal {
	sum := decimal.Zero
	for _, lock := range l.Locks {
		sum = sum.Add(lock.Amount)
	}
	return sum
}

// CheckInvariants 校验锁/金库一致性，供测试与运维巡检。
func (l *Ledger) CheckInvariants() error {
	if !l.TotalLocked().Equal(l.Vault.Locked) {
		return errors.New("lock sum does not match vault locked amount")
	}
	if l.Vault.Locked.GreaterThan(l.Vault.Deposited) {
		return errors.New("locked exceeds deposited")
	}
	return nil
}

// VaultRepository 金库仓储接口
type VaultRepository interface {
	Save(ctx context.Context, v *Vault) error
	GetByOwner(ctx context.Context, owner string) (*Vault, error)
}

// LockRepository 抵押锁仓储接口
type LockRepository interface {
	Save(ctx context.Context, lock *CollateralLock) error
	Delete(ctx context.Context, lockID string) error
	ListByOwner(ctx context.Context, owner string) ([]*CollateralLock, error)
}
