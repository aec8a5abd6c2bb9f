package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"transitserver/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTokenConflict   = errors.New("session token already exists")
	ErrStoreFailure    = errors.New("session store unavailable")
	ErrInvalidSession  = errors.New("invalid session record")
)

// SessionStore はユーザーごとのアクティブなセッションを管理します。
// 全ての操作は並行呼び出しに対してアトミックです。
type SessionStore interface {
	// Create はトークンの一意性をストア側で保証して保存します。
	Create(ctx context.Context, s *models.Session) error
	// ListByUser は失効していないセッションを CreatedAt の新しい順に返します。
	ListByUser(ctx context.Context, userID uint) ([]models.Session, error)
	Lookup(ctx context.Context, token string) (*models.Session, error)
	Touch(ctx context.Context, token string, at time.Time) error
	Invalidate(ctx context.Context, token string) error
	// InvalidateAllForUser は全件削除か、失敗時は一件も削除しないかのどちらかです。
	InvalidateAllForUser(ctx context.Context, userID uint) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

func validateNewSession(s *models.Session) error {
	if s == nil || s.Token == "" {
		return ErrInvalidSession
	}
	if !s.Role.Valid() {
		return ErrInvalidSession
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return ErrInvalidSession
	}
	return nil
}

// userLocks はプロセス内でユーザー単位の更新を直列化します。
type userLocks struct {
	stripes [64]sync.Mutex
}

func (l *userLocks) lock(userID *uint) func() {
	if userID == nil {
		return func() {}
	}
	m := &l.stripes[*userID%uint(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
