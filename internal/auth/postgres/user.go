package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mooses23/gemachhub/internal"
	"github.com/mooses23/gemachhub/internal/auth"
	userDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/user"
	"gorm.io/gorm"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*auth.UserInfo, error) {
	var row userDatamodel.User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&row).Error
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("user %s not found", email))
	}
	return toUserInfo(&row), nil
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (*auth.UserInfo, error) {
	var row userDatamodel.User
	err := r.db.WithContext(ctx).First(&row, id).Error
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("user %d not found", id))
	}
	return toUserInfo(&row), nil
}

func (r *UserRepository) TouchLastLogin(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&userDatamodel.User{}).
		Where("id = ?", id).
		Update("last_login_at", time.Now().UTC()).Error
}

// Create inserts an account; used by the seeder.
func (r *UserRepository) Create(ctx context.Context, user *userDatamodel.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

func toUserInfo(row *userDatamodel.User) *auth.UserInfo {
	return &auth.UserInfo{
		ID:           row.ID,
		Email:        row.Email,
		Name:         row.Name,
		PasswordHash: row.PasswordHash,
		Role:         auth.Role(row.Role),
		LocationID:   row.LocationID,
		IsActive:     row.IsActive,
		LastLoginAt:  row.LastLoginAt,
	}
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return internal.NewNotFoundError(msg, internal.ErrCodeUserNotFound)
	}
	return err
}
