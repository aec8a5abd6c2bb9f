package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transitserver/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// pg_advisory_xact_lock のクラスID（sessions テーブル専用）
const sessionLockClass = 4201

// GormSessionStore はリレーショナルDB上の sessions テーブルを使うストアです。
type GormSessionStore struct {
	db     *gorm.DB
	logger *zap.Logger
	locks  userLocks
}

func NewGormSessionStore(db *gorm.DB, logger *zap.Logger) *GormSessionStore {
	return &GormSessionStore{db: db, logger: logger}
}

// lockUser はPostgreSQLの場合、トランザクション終了までユーザー単位のロックを取得します。
func (s *GormSessionStore) lockUser(tx *gorm.DB, userID *uint) error {
	if userID == nil || tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(?, ?)", sessionLockClass, int32(*userID)).Error
}

func (s *GormSessionStore) Create(ctx context.Context, sess *models.Session) error {
	if err := validateNewSession(sess); err != nil {
		return err
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.CreatedAt
	}
	sess.LastActivity = sess.LastActivity.UTC()

	unlock := s.locks.lock(sess.UserID)
	defer unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockUser(tx, sess.UserID); err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&models.Session{}).Where("token = ?", sess.Token).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrTokenConflict
		}
		return tx.Create(sess).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTokenConflict), errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrTokenConflict
	default:
		s.logger.Error("セッションの作成に失敗", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
}

func (s *GormSessionStore) ListByUser(ctx context.Context, userID uint) ([]models.Session, error) {
	sessions := []models.Session{}
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND expires_at > ?", userID, time.Now().UTC()).
		Order("created_at DESC, id DESC").
		Find(&sessions).Error
	if err != nil {
		s.logger.Error("セッション一覧の取得に失敗", zap.Uint("userID", userID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return sessions, nil
}

func (s *GormSessionStore) Lookup(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).
		Where("token = ? AND expires_at > ?", token, time.Now().UTC()).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return &sess, nil
}

func (s *GormSessionStore) Touch(ctx context.Context, token string, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("token = ?", token).
		Update("last_activity", at.UTC())
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *GormSessionStore) Invalidate(ctx context.Context, token string) error {
	if err := s.db.WithContext(ctx).Where("token = ?", token).Delete(&models.Session{}).Error; err != nil {
		s.logger.Error("セッションの無効化に失敗", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return nil
}

func (s *GormSessionStore) InvalidateAllForUser(ctx context.Context, userID uint) error {
	unlock := s.locks.lock(&userID)
	defer unlock()

	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockUser(tx, &userID); err != nil {
			return err
		}
		result := tx.Where("user_id = ?", userID).Delete(&models.Session{})
		deleted = result.RowsAffected
		return result.Error
	})
	if err != nil {
		s.logger.Error("全セッションの無効化に失敗", zap.Uint("userID", userID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	s.logger.Info("全セッションを無効化", zap.Uint("userID", userID), zap.Int64("deleted", deleted))
	return nil
}

func (s *GormSessionStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreFailure, result.Error)
	}
	return result.RowsAffected, nil
}
