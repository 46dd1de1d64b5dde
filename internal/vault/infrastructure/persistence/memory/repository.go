// Package memory 金库仓储的内存实现，用于测试与本地开发。
package memory

import (
	"context"

	"github.com/quantclear/optionscore/internal/vault/domain"
)

type VaultRepository struct {
	byOwner map[string]*domain.Vault
}

func NewVaultRepository() *VaultRepository {
	return &VaultRepository{byOwner: make(map[string]*domain.Vault)}
}

func (r *VaultRepository) Save(ctx context.Context, v *domain.Vault) error {
	cp := *v
	r.byOwner[v.Owner] = &cp
	return nil
}

func (r *VaultRepository) GetByOwner(ctx context.Context, owner string) (*domain.Vault, error) {
	v, ok := r.byOwner[owner]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

type LockRepository struct {
	byID map[string]*domain.CollateralLock
}

func NewLockRepository() *LockRepository {
	return &LockRepository{byID: make(map[string]*domain.CollateralLock)}
}

func (r *LockRepository) Save(ctx context.Context, lock *domain.CollateralLock) error {
	cp := *lock
	r.byID[lock.LockID] = &cp
	return nil
}

func (r *LockRepository) Delete(ctx context.Context, lockID string) error {
	delete(r.byID, lockID)
	return nil
}

func (r *LockRepository) ListByOwner(ctx context.Context, owner string) ([]*domain.CollateralLock, error) {
	var locks []*domain.CollateralLock
	for _, lock := range r.byID {
		if lock.Owner == owner {
			cp := *lock
			locks = append(locks, &cp)
		}
	}
	return locks, nil
}
