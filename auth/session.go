package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"transitserver/database"
	"transitserver/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnauthorized はセッションが無い、または無効な場合に返されます。
var ErrUnauthorized = errors.New("unauthorized")

const maxCreateAttempts = 3

// Identity は新しいセッションに結び付けるユーザー情報です。
type Identity struct {
	UserID *uint
	Name   string
	Email  string
	Role   models.Role
}

// DemoIdentity は実ユーザーに紐付かない匿名のIDを作成します。
func DemoIdentity(role models.Role) Identity {
	return Identity{
		Name:  "Demo " + strings.ToUpper(string(role[:1])) + string(role[1:]),
		Email: "demo+" + string(role) + "@transit.local",
		Role:  role,
	}
}

// Subject はトークンのsubクレームとして使う値を返します。
func (i Identity) Subject() string {
	if i.UserID != nil {
		return strconv.FormatUint(uint64(*i.UserID), 10)
	}
	return "demo-" + uuid.NewString()
}

// Verified は検証済みのトークンとそのセッションの組です。
type Verified struct {
	Token   string
	Claims  Claims
	Session *models.Session
}

// SessionManager はトークンの発行とストアへの登録をまとめて行います。
type SessionManager struct {
	codec  *Codec
	store  database.SessionStore
	logger *zap.Logger
	now    func() time.Time
}

func NewSessionManager(codec *Codec, store database.SessionStore, logger *zap.Logger) *SessionManager {
	return &SessionManager{codec: codec, store: store, logger: logger, now: time.Now}
}

func (m *SessionManager) Store() database.SessionStore { return m.store }

func (m *SessionManager) TTL() time.Duration { return m.codec.TTL() }

// CreateSession は一意なトークンを発行してセッションを保存します。
func (m *SessionManager) CreateSession(ctx context.Context, identity Identity) (*models.Session, error) {
	if !identity.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", identity.Role)
	}
	subject := identity.Subject()

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		now := m.now().Truncate(time.Second)
		token, err := m.codec.Encode(Claims{
			Subject:  subject,
			Name:     identity.Name,
			Email:    identity.Email,
			Role:     identity.Role,
			IssuedAt: now,
		})
		if err != nil {
			return nil, fmt.Errorf("トークン生成中にエラー発生: %w", err)
		}

		sess := &models.Session{
			UserID:       identity.UserID,
			Token:        token,
			Role:         identity.Role,
			Subject:      subject,
			Name:         identity.Name,
			Email:        identity.Email,
			CreatedAt:    now,
			ExpiresAt:    now.Add(m.codec.TTL()),
			LastActivity: now,
		}
		err = m.store.Create(ctx, sess)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, database.ErrTokenConflict) {
			return nil, err
		}
		m.logger.Warn("トークンが衝突したため再生成", zap.Int("attempt", attempt))
	}
	return nil, database.ErrTokenConflict
}

// Verify はトークンの署名と有効期限を確認し、ストアにセッションが残っているかを調べます。
// デコードの失敗は auth のエラー、無効化済みのセッションは ErrSessionNotFound を返します。
func (m *SessionManager) Verify(ctx context.Context, token string) (*Verified, error) {
	claims, err := m.codec.Decode(token)
	if err != nil {
		return nil, err
	}
	sess, err := m.store.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	return &Verified{Token: token, Claims: claims, Session: sess}, nil
}

// IsCredentialFailure はリクエスト側の資格情報に起因する失敗かどうかを返します。
// ストア障害の場合は false です。
func IsCredentialFailure(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrSignatureMismatch) ||
		errors.Is(err, database.ErrSessionNotFound)
}

// TokenPrefix はログやレスポンス用にトークンの先頭だけを返します。
func TokenPrefix(token string) string {
	n := 10
	if len(token) <= 2*n {
		n = len(token) / 2
	}
	return token[:n] + "..."
}
