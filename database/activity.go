package database

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type activityUpdate struct {
	token string
	at    time.Time
}

// ActivityTracker は lastActivity の更新を認可判定から切り離して非同期に書き込みます。
// キューが一杯の場合、更新は破棄されます。
type ActivityTracker struct {
	store   SessionStore
	logger  *zap.Logger
	timeout time.Duration
	updates chan activityUpdate

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewActivityTracker(store SessionStore, logger *zap.Logger, queueSize int) *ActivityTracker {
	if queueSize <= 0 {
		queueSize = 1024
	}
	t := &ActivityTracker{
		store:   store,
		logger:  logger,
		timeout: 2 * time.Second,
		updates: make(chan activityUpdate, queueSize),
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

// Track はブロックせずに更新をキューに積みます。積めた場合は true を返します。
func (t *ActivityTracker) Track(token string, at time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false
	}
	select {
	case t.updates <- activityUpdate{token: token, at: at}:
		return true
	default:
		t.logger.Debug("activity queue full, dropping update")
		return false
	}
}

func (t *ActivityTracker) run() {
	defer close(t.done)
	for u := range t.updates {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		if err := t.store.Touch(ctx, u.token, u.at); err != nil {
			t.logger.Debug("lastActivityの更新に失敗", zap.Error(err))
		}
		cancel()
	}
}

// Close はキューに残った更新を書き込んでからワーカーを停止します。
func (t *ActivityTracker) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.updates)
	}
	t.mu.Unlock()
	<-t.done
}
