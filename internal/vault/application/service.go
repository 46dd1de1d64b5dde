// Package application 抵押品金库应用服务。
package application

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/messagequeue"

	"github.com/quantclear/optionscore/internal/vault/domain"
)

// VaultService 托管全部账户的金库账本。账本是权威状态，
// 仓储是写穿投影；宿主（options 门面）保证操作串行。
type VaultService struct {
	ledgers map[string]*domain.Ledger // owner → ledger

	collateralAsset string
	vaultRepo       domain.VaultRepository
	lockRepo        domain.LockRepository
	publisher       messagequeue.EventPublisher
	logger          *slog.Logger
}

func NewVaultService(
	collateralAsset string,
	vaultRepo domain.VaultRepository,
	lockRepo domain.LockRepository,
	publisher messagequeue.EventPublisher,
	logger *slog.Logger,
) *VaultService {
	return &VaultService{
		ledgers:         make(map[string]*domain.Ledger),
		collateralAsset: collateralAsset,
		vaultRepo:       vaultRepo,
		lockRepo:        lockRepo,
		publisher:       publisher,
		logger:          logger.With("module", "vault_service"),
	}
}

func (s *VaultService) ledger(owner string) *domain.Ledger {
	l, ok := s.ledgers[owner]
	if !ok {
		l = domain.NewLedger(owner, s.collateralAsset)
		s.ledgers[owner] = l
	}
	return l
}

// Deposit 入金。
func (s *VaultService) Deposit(ctx context.Context, owner string, amount decimal.Decimal) error {
	l := s.ledger(owner)
	if err := l.Vault.Deposit(amount); err != nil {
		return err
	}
	s.persistVault(ctx, l)
	s.publish(ctx, domain.DepositedEventType, owner, map[string]any{
		"owner": owner, "amount": amount.String(), "deposited": l.Vault.Deposited.String(),
	})
	return nil
}

// Withdraw 从可用余额出金。
func (s *VaultService) Withdraw(ctx context.Context, owner string, amount decimal.Decimal) error {
	l, ok := s.ledgers[owner]
	if !ok {
		return domain.ErrVaultNotFound
	}
	if err := l.Vault.Withdraw(amount); err != nil {
		return err
	}
	s.persistVault(ctx, l)
	s.publish(ctx, domain.WithdrawnEventType, owner, map[string]any{
		"owner": owner, "amount": amount.String(), "deposited": l.Vault.Deposited.String(),
	})
	return nil
}

// Lock 创建抵押锁，返回锁 ID。
func (s *VaultService) Lock(ctx context.Context, owner, seriesID string, amount decimal.Decimal, lockType domain.LockType) (string, error) {
	l := s.ledger(owner)
	lockID := uuid.NewString()
	lock, err := l.Lock(lockID, seriesID, amount, lockType, nil)
	if err != nil {
		return "", err
	}
	s.persistVault(ctx, l)
	s.persistLock(ctx, lock)
	s.publish(ctx, domain.LockedEventType, owner, map[string]any{
		"owner": owner, "lock_id": lockID, "series_id": seriesID,
		"amount": amount.String(), "type": string(lockType),
	})
	return lockID, nil
}

// Release 释放整把锁。第二次释放同一 ID 返回 ErrLockNotFound。
func (s *VaultService) Release(ctx context.Context, owner, lockID string) error {
	l, ok := s.ledgers[owner]
	if !ok {
		return domain.ErrLockNotFound
	}
	released, err := l.Release(lockID)
	if err != nil {
		return err
	}
	s.persistVault(ctx, l)
	s.deleteLock(ctx, lockID)
	s.publish(ctx, domain.ReleasedEventType, owner, map[string]any{
		"owner": owner, "lock_id": lockID, "amount": released.String(),
	})
	return nil
}

// GrowLock 扩大已有的锁。
func (s *VaultService) GrowLock(ctx context.Context, owner, lockID string, amount decimal.Decimal) error {
	l, ok := s.ledgers[owner]
	if !ok {
		return domain.ErrLockNotFound
	}
	if err := l.Grow(lockID, amount); err != nil {
		return err
	}
	s.persistVault(ctx, l)
	s.persistLock(ctx, l.Locks[lockID])
	return nil
}

// ShrinkLock 缩小已有的锁，差额回到可用余额。
func (s *VaultService) ShrinkLock(ctx context.Context, owner, lockID string, amount decimal.Decimal) error {
	l, ok := s.ledgers[owner]
	if !ok {
		return domain.ErrLockNotFound
	}
	if err := l.Shrink(lockID, amount); err != nil {
		return err
	}
	s.persistVault(ctx, l)
	if lock, ok := l.Locks[lockID]; ok {
		s.persistLock(ctx, lock)
	} else {
		s.deleteLock(ctx, lockID)
	}
	return nil
}

// Transfer 在两个账户的可用余额之间转移抵押品（权利金支付）。
func (s *VaultService) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error {
	src, ok := s.ledgers[from]
	if !ok {
		return domain.ErrVaultNotFound
	}
	dst := s.ledger(to)
	if err := src.Vault.Withdraw(amount); err != nil {
		return err
	}
	if err := dst.Credit(amount); err != nil {
		// 回滚借方，保持操作无部分变更。
		src.Vault.Deposited = src.Vault.Deposited.Add(amount)
		return err
	}
	s.persistVault(ctx, src)
	s.persistVault(ctx, dst)
	return nil
}

// SeizeFromLock 从锁中没收金额并贷记受益方（行权支付路径）。
// 返回实际没收额。
func (s *VaultService) SeizeFromLock(ctx context.Context, owner, lockID string, amount decimal.Decimal, beneficiary string) (decimal.Decimal, error) {
	l, ok := s.ledgers[owner]
	if !ok {
		return decimal.Zero, domain.ErrLockNotFound
	}
	lock, ok := l.Locks[lockID]
	if !ok {
		return decimal.Zero, domain.ErrLockNotFound
	}
	// 受益方入账预检先于没收，失败时双方账本不变。
	toSeize := decimal.Min(amount, lock.Amount)
	if toSeize.IsPositive() {
		if err := s.ledger(beneficiary).CanCredit(toSeize); err != nil {
			return decimal.Zero, err
		}
	}
	seized, err := l.Seize(lockID, amount)
	if err != nil {
		return decimal.Zero, err
	}
	if seized.IsPositive() {
		if err := s.ledger(beneficiary).Credit(seized); err != nil {
			// 不可达：入账已预检。
			return decimal.Zero, err
		}
	}
	s.persistVault(ctx, l)
	s.persistVault(ctx, s.ledgers[beneficiary])
	if lock, ok := l.Locks[lockID]; ok {
		s.persistLock(ctx, lock)
	} else {
		s.deleteLock(ctx, lockID)
	}
	s.publish(ctx, domain.SeizedEventType, owner, map[string]any{
		"owner": owner, "lock_id": lockID, "seized": seized.String(), "beneficiary": beneficiary,
	})
	return seized, nil
}

// ForceLiquidate 保证金引擎专用：从锁中没收至多 seizedAmount 给受益方，
// 剩余部分按正常路径释放回所有者。
func (s *VaultService) ForceLiquidate(ctx context.Context, owner, lockID string, seizedAmount decimal.Decimal, beneficiary string) (decimal.Decimal, error) {
	l, ok := s.ledgers[owner]
	if !ok {
		return decimal.Zero, domain.ErrLockNotFound
	}
	lock, ok := l.Locks[lockID]
	if !ok {
		return decimal.Zero, domain.ErrLockNotFound
	}
	// 受益方入账预检先于没收，失败时双方账本不变。
	toSeize := decimal.Min(seizedAmount, lock.Amount)
	if toSeize.IsPositive() {
		if err := s.ledger(beneficiary).CanCredit(toSeize); err != nil {
			return decimal.Zero, err
		}
	}
	seized, err := l.Seize(lockID, seizedAmount)
	if err != nil {
		return decimal.Zero, err
	}
	if seized.IsPositive() {
		if err := s.ledger(beneficiary).Credit(seized); err != nil {
			// 不可达：入账已预检。
			return decimal.Zero, err
		}
		s.persistVault(ctx, s.ledgers[beneficiary])
	}
	if _, ok := l.Locks[lockID]; ok {
		if _, err := l.Release(lockID); err != nil {
			return seized, err
		}
	}
	s.persistVault(ctx, l)
	s.deleteLock(ctx, lockID)
	s.publish(ctx, domain.SeizedEventType, owner, map[string]any{
		"owner": owner, "lock_id": lockID, "seized": seized.String(),
		"beneficiary": beneficiary, "forced": true,
	})
	return seized, nil
}

// Freeze / Unfreeze 管理员冻结开关。
func (s *VaultService) Freeze(ctx context.Context, owner string) error {
	l, ok := s.ledgers[owner]
	if !ok {
		return domain.ErrVaultNotFound
	}
	l.Vault.Freeze()
	s.persistVault(ctx, l)
	s.publish(ctx, domain.FrozenEventType, owner, map[string]any{"owner": owner})
	return nil
}

func (s *VaultService) Unfreeze(ctx context.Context, owner string) error {
	l, ok := s.ledgers[owner]
	if !ok {
		return domain.ErrVaultNotFound
	}
	l.Vault.Unfreeze()
	s.persistVault(ctx, l)
	s.publish(ctx, domain.UnfrozenEventType, owner, map[string]any{"owner": owner})
	return nil
}

// GetVault 返回账户金库快照。
func (s *VaultService) GetVault(ctx context.Context, owner string) (*domain.Vault, error) {
	l, ok := s.ledgers[owner]
	if !ok {
		return nil, domain.ErrVaultNotFound
	}
	cp := *l.Vault
	return &cp, nil
}

// GetLock 返回锁快照。
func (s *VaultService) GetLock(owner, lockID string) (*domain.CollateralLock, bool) {
	l, ok := s.ledgers[owner]
	if !ok {
		return nil, false
	}
	lock, ok := l.Locks[lockID]
	if !ok {
		return nil, false
	}
	cp := *lock
	return &cp, true
}

// TotalLocked 账户锁定总额（保证金引擎的抵押覆盖输入）。
func (s *VaultService) TotalLocked(owner string) decimal.Decimal {
	l, ok := s.ledgers[owner]
	if !ok {
		return decimal.Zero
	}
	return l.Vault.Locked
}

// Available 账户可用余额。
func (s *VaultService) Available(owner string) decimal.Decimal {
	l, ok := s.ledgers[owner]
	if !ok {
		return decimal.Zero
	}
	return l.Vault.Available()
}

// CheckInvariants 巡检锁/金库一致性。
func (s *VaultService) CheckInvariants(owner string) error {
	l, ok := s.ledgers[owner]
	if !ok {
		return nil
	}
	return l.CheckInvariants()
}

func (s *VaultService) persistVault(ctx context.Context, l *domain.Ledger) {
	if s.vaultRepo == nil {
		return
	}
	if err := s.vaultRepo.Save(ctx, l.Vault); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist vault", "owner", l.Vault.Owner, "error", err)
	}
}

func (s *VaultService) persistLock(ctx context.Context, lock *domain.CollateralLock) {
	if s.lockRepo == nil || lock == nil {
		return
	}
	if err := s.lockRepo.Save(ctx, lock); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist lock", "lock_id", lock.LockID, "error", err)
	}
}

func (s *VaultService) deleteLock(ctx context.Context, lockID string) {
	if s.lockRepo == nil {
		return
	}
	if err := s.lockRepo.Delete(ctx, lockID); err != nil {
		s.logger.ErrorContext(ctx, "failed to delete lock", "lock_id", lockID, "error", err)
	}
}

func (s *VaultService) publish(ctx context.Context, topic, key string, event map[string]any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, key, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish event", "topic", topic, "error", err)
	}
}
