package utils

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SessionPurger は失効したセッションをストアから削除します。
type SessionPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// CronCleaner は失効済みセッションの削除ジョブを登録して開始します。
// 戻り値の cron.Cron は終了時に Stop してください。
func CronCleaner(store SessionPurger, schedule string, logger *zap.Logger) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		logger.Info("失効したセッションを削除する処理を開始")
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := store.PurgeExpired(ctx, time.Now())
		if err != nil {
			logger.Error("失効したセッションの削除に失敗しました", zap.Error(err))
			return
		}
		logger.Info("失効したセッションの削除完了", zap.Int64("sessions_deleted", n))
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	return c, nil
}
