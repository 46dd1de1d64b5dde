package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quantclear/optionscore/internal/vault/domain"
)

// VaultRepository 金库 MySQL 仓储（写穿投影）
type VaultRepository struct {
	db *gorm.DB
}

func NewVaultRepository(db *gorm.DB) *VaultRepository {
	return &VaultRepository{db: db}
}

func (r *VaultRepository) Save(ctx context.Context, v *domain.Vault) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner"}},
			UpdateAll: true,
		}).
		Create(v).Error
}

func (r *VaultRepository) GetByOwner(ctx context.Context, owner string) (*domain.Vault, error) {
	var v domain.Vault
	err := r.db.WithContext(ctx).Where("owner = ?", owner).First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

// LockRepository 抵押锁 MySQL 仓储
type LockRepository struct {
	db *gorm.DB
}

func NewLockRepository(db *gorm.DB) *LockRepository {
	return &LockRepository{db: db}
}

func (r *LockRepository) Save(ctx context.Context, lock *domain.CollateralLock) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "lock_id"}},
			UpdateAll: true,
		}).
		Create(lock).Error
}

func (r *LockRepository) Delete(ctx context.Context, lockID string) error {
	return r.db.WithContext(ctx).
		Where("lock_id = ?", lockID).
		Delete(&domain.CollateralLock{}).Error
}

func (r *LockRepository) ListByOwner(ctx context.Context, owner string) ([]*domain.CollateralLock, error) {
	var locks []*domain.CollateralLock
	err := r.db.WithContext(ctx).Where("owner = ?", owner).Find(&locks).Error
	return locks, err
}
