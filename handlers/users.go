package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"transitserver/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ErrInvalidCredentials はメールアドレスまたはパスワードが一致しない場合に返されます。
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserDirectory はログイン時のユーザー照合を行います。
type UserDirectory interface {
	Authenticate(ctx context.Context, email, password string) (*models.User, error)
}

// GormUserDirectory は users テーブルとbcryptのハッシュで照合します。
type GormUserDirectory struct {
	db *gorm.DB
}

func NewGormUserDirectory(db *gorm.DB) *GormUserDirectory {
	return &GormUserDirectory{db: db}
}

func (d *GormUserDirectory) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	var user models.User
	err := d.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// CreateUser はパスワードをハッシュ化してユーザーを登録します。
func (d *GormUserDirectory) CreateUser(ctx context.Context, name, email, password string, role models.Role) (*models.User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("パスワードのハッシュ化に失敗しました: %w", err)
	}
	user := models.User{
		Name:         name,
		Email:        normalizeEmail(email),
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := d.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("ユーザーの登録に失敗しました: %w", err)
	}
	return &user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
