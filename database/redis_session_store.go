package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"transitserver/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KEYS[1]=セッションキー KEYS[2]=ユーザー索引キー
// ARGV[1]=レコードJSON ARGV[2]=最終アクティビティ ARGV[3]=TTL(ms) ARGV[4]=スコア ARGV[5]=トークン ARGV[6]=索引の有無
var createSessionLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "record", ARGV[1], "last_activity", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
if ARGV[6] == "1" then
  redis.call("ZADD", KEYS[2], ARGV[4], ARGV[5])
end
return 1
`)

var touchSessionLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "last_activity", ARGV[1])
return 1
`)

// 索引に載っている全セッションと索引自体を一度に削除する
// セッションキーを ARGV から組み立てるため、Redis Cluster では使えない（単一ノード構成のみ）
var invalidateUserLua = redis.NewScript(`
local tokens = redis.call("ZRANGE", KEYS[1], 0, -1)
for _, token in ipairs(tokens) do
  redis.call("DEL", ARGV[1] .. token)
end
redis.call("DEL", KEYS[1])
return #tokens
`)

// RedisSessionStore はRedisのハッシュとユーザー毎のソート済みセットでセッションを管理します。
type RedisSessionStore struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisSessionStore(rdb *redis.Client, prefix string, logger *zap.Logger) *RedisSessionStore {
	if prefix == "" {
		prefix = "transit"
	}
	return &RedisSessionStore{rdb: rdb, prefix: prefix, logger: logger}
}

func (s *RedisSessionStore) sessionPrefix() string {
	return s.prefix + ":session:"
}

func (s *RedisSessionStore) key(token string) string {
	return s.sessionPrefix() + token
}

func (s *RedisSessionStore) userKey(userID uint) string {
	return s.prefix + ":user_sessions:" + strconv.FormatUint(uint64(userID), 10)
}

func (s *RedisSessionStore) seqKey() string {
	return s.prefix + ":session_seq"
}

func (s *RedisSessionStore) Create(ctx context.Context, sess *models.Session) error {
	if err := validateNewSession(sess); err != nil {
		return err
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return ErrInvalidSession
	}

	id, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	sess.ID = uint(id)
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.CreatedAt
	}
	sess.LastActivity = sess.LastActivity.UTC()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal: %v", ErrStoreFailure, err)
	}

	userKey, indexed := "", "0"
	if sess.UserID != nil {
		userKey, indexed = s.userKey(*sess.UserID), "1"
	}

	created, err := createSessionLua.Run(ctx, s.rdb,
		[]string{s.key(sess.Token), userKey},
		string(data),
		sess.LastActivity.Format(time.RFC3339Nano),
		ttl.Milliseconds(),
		sess.CreatedAt.UnixMicro(),
		sess.Token,
		indexed,
	).Int()
	if err != nil {
		s.logger.Error("Error storing session in Redis", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	if created == 0 {
		return ErrTokenConflict
	}
	return nil
}

func (s *RedisSessionStore) decode(token string, fields map[string]string) (*models.Session, error) {
	raw, ok := fields["record"]
	if !ok {
		return nil, ErrSessionNotFound
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal: %v", ErrStoreFailure, err)
	}
	sess.Token = token
	if la, ok := fields["last_activity"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, la); err == nil {
			sess.LastActivity = t
		}
	}
	return &sess, nil
}

func (s *RedisSessionStore) ListByUser(ctx context.Context, userID uint) ([]models.Session, error) {
	userKey := s.userKey(userID)
	tokens, err := s.rdb.ZRevRange(ctx, userKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	if len(tokens) == 0 {
		return []models.Session{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(tokens))
	for i, token := range tokens {
		cmds[i] = pipe.HGetAll(ctx, s.key(token))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	now := time.Now()
	sessions := make([]models.Session, 0, len(tokens))
	var stale []interface{}
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
		}
		sess, err := s.decode(tokens[i], fields)
		if errors.Is(err, ErrSessionNotFound) {
			stale = append(stale, tokens[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.Expired(now) {
			continue
		}
		sessions = append(sessions, *sess)
	}

	// TTLで消えたセッションを索引から取り除く
	if len(stale) > 0 {
		if err := s.rdb.ZRem(ctx, userKey, stale...).Err(); err != nil {
			s.logger.Warn("Failed to prune session index", zap.Uint("userID", userID), zap.Error(err))
		}
	}
	return sessions, nil
}

func (s *RedisSessionStore) Lookup(ctx context.Context, token string) (*models.Session, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	sess, err := s.decode(token, fields)
	if err != nil {
		return nil, err
	}
	if sess.Expired(time.Now()) {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *RedisSessionStore) Touch(ctx context.Context, token string, at time.Time) error {
	updated, err := touchSessionLua.Run(ctx, s.rdb, []string{s.key(token)}, at.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	if updated == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *RedisSessionStore) Invalidate(ctx context.Context, token string) error {
	raw, err := s.rdb.HGet(ctx, s.key(token), "record").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return fmt.Errorf("%w: failed to unmarshal: %v", ErrStoreFailure, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(token))
		if sess.UserID != nil {
			pipe.ZRem(ctx, s.userKey(*sess.UserID), token)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return nil
}

func (s *RedisSessionStore) InvalidateAllForUser(ctx context.Context, userID uint) error {
	deleted, err := invalidateUserLua.Run(ctx, s.rdb, []string{s.userKey(userID)}, s.sessionPrefix()).Int()
	if err != nil {
		s.logger.Error("Failed to invalidate user sessions", zap.Uint("userID", userID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	s.logger.Info("Invalidated user sessions", zap.Uint("userID", userID), zap.Int("deleted", deleted))
	return nil
}

// PurgeExpired はTTLで既に消えたセッションを索引から取り除き、その件数を返します。
func (s *RedisSessionStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var pruned int64
	iter := s.rdb.Scan(ctx, 0, s.prefix+":user_sessions:*", 100).Iterator()
	for iter.Next(ctx) {
		userKey := iter.Val()
		tokens, err := s.rdb.ZRange(ctx, userKey, 0, -1).Result()
		if err != nil {
			return pruned, fmt.Errorf("%w: %v", ErrStoreFailure, err)
		}
		pipe := s.rdb.Pipeline()
		exists := make([]*redis.IntCmd, len(tokens))
		for i, token := range tokens {
			exists[i] = pipe.Exists(ctx, s.key(token))
		}
		if len(tokens) > 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return pruned, fmt.Errorf("%w: %v", ErrStoreFailure, err)
			}
		}
		var gone []interface{}
		for i, cmd := range exists {
			if cmd.Val() == 0 {
				gone = append(gone, tokens[i])
			}
		}
		if len(gone) > 0 {
			n, err := s.rdb.ZRem(ctx, userKey, gone...).Result()
			if err != nil {
				return pruned, fmt.Errorf("%w: %v", ErrStoreFailure, err)
			}
			pruned += n
		}
	}
	if err := iter.Err(); err != nil {
		return pruned, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return pruned, nil
}
