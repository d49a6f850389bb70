package repository

import (
	"context"
	"errors"

	"points-ledger/internal/models"

	"gorm.io/gorm"
)

// addressChunk IN查询每次携带的地址数
const addressChunk = 500

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByAddress 获取用户，不存在时返回nil
func (r *UserRepository) GetByAddress(ctx context.Context, address string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Where("address = ?", address).
		First(&user).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

// FindRegistered 返回给定地址中已注册的地址集合
func (r *UserRepository) FindRegistered(ctx context.Context, addresses []string) (map[string]bool, error) {
	registered := make(map[string]bool, len(addresses))
	for start := 0; start < len(addresses); start += addressChunk {
		end := start + addressChunk
		if end > len(addresses) {
			end = len(addresses)
		}

		var found []string
		err := r.db.WithContext(ctx).
			Model(&models.User{}).
			Where("address IN ?", addresses[start:end]).
			Pluck("address", &found).Error
		if err != nil {
			return nil, err
		}
		for _, addr := range found {
			registered[addr] = true
		}
	}
	return registered, nil
}

// GetPaginated 按地址顺序分页获取用户
func (r *UserRepository) GetPaginated(ctx context.Context, offset, limit int) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).
		Order("address ASC").
		Offset(offset).
		Limit(limit).
		Find(&users).Error
	return users, err
}

// GetByAddresses 批量获取用户
func (r *UserRepository) GetByAddresses(ctx context.Context, addresses []string) ([]models.User, error) {
	var users []models.User
	for start := 0; start < len(addresses); start += addressChunk {
		end := start + addressChunk
		if end > len(addresses) {
			end = len(addresses)
		}

		var chunk []models.User
		err := r.db.WithContext(ctx).
			Where("address IN ?", addresses[start:end]).
			Find(&chunk).Error
		if err != nil {
			return nil, err
		}
		users = append(users, chunk...)
	}
	return users, nil
}

func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Count(&count).Error
	return count, err
}
