package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"transitserver/models"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// 開発環境でのみ許可される署名鍵
const DevJWTSecret = "dev-insecure-secret"

// LoadConfig は config.json（任意）、.env、環境変数の順に設定を読み込みます。
func LoadConfig(ctx context.Context, filename string) (models.Config, error) {
	var config models.Config

	if filename != "" {
		configFile, err := os.Open(filename)
		switch {
		case err == nil:
			defer configFile.Close()
			if err := json.NewDecoder(configFile).Decode(&config); err != nil {
				return config, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
			// 設定ファイルが無い場合は環境変数のみ
		default:
			return config, err
		}
	}

	_ = godotenv.Load()

	if err := envconfig.Process(ctx, &config); err != nil {
		return config, fmt.Errorf("環境変数の読み込みに失敗しました: %w", err)
	}

	if config.JWTSecret == "" {
		if config.IsProduction() {
			return config, errors.New("JWT_SECRET must be set in production")
		}
		config.JWTSecret = DevJWTSecret
	}
	if config.IsProduction() && config.JWTSecret == DevJWTSecret {
		return config, errors.New("the development JWT secret cannot be used in production")
	}
	if config.SessionTTL <= 0 {
		return config, fmt.Errorf("invalid session ttl: %s", config.SessionTTL.Std())
	}
	switch config.SessionBackend {
	case "gorm", "redis":
	default:
		return config, fmt.Errorf("unknown session backend %q", config.SessionBackend)
	}
	return config, nil
}

func InitPostgreSQL(config models.Config, logger *zap.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s dbname=%s password=%s sslmode=%s",
		config.DBHost, config.DBUser, config.DBName, config.DBPassword, config.DBSSLMode)

	const maxRetries = 3
	const retryInterval = 5 * time.Second
	var err error
	for i := 0; i <= maxRetries; i++ {
		var gormDB *gorm.DB
		gormDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
			TranslateError: true,
		})
		if err == nil {
			sqlDB, dbErr := gormDB.DB()
			if dbErr != nil {
				return nil, dbErr
			}
			sqlDB.SetConnMaxLifetime(30 * time.Minute)
			sqlDB.SetMaxOpenConns(25)
			sqlDB.SetMaxIdleConns(5)
			return gormDB, nil
		}
		logger.Error("データベース接続のリトライ", zap.Int("retry", i), zap.Error(err))
		if i < maxRetries {
			time.Sleep(retryInterval)
		}
	}
	return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
}

// Migrate はセッション管理に必要なテーブルを作成します。
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&models.User{}, &models.Session{})
}

func InitRedis(config models.Config, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		return nil, err
	}

	logger.Info("Connected to Redis", zap.String("addr", config.RedisAddr))
	return rdb, nil
}

// Backends は起動時に開いた接続をまとめたものです。
type Backends struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Sessions SessionStore
}

// Close は開いている接続を全て閉じます。
func (b *Backends) Close() error {
	var errs []error
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	if b.DB != nil {
		if sqlDB, err := b.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// Open はPostgreSQLとRedisを並行して初期化し、設定に応じたセッションストアを選びます。
func Open(config models.Config, logger *zap.Logger) (*Backends, error) {
	type result struct {
		db    *gorm.DB
		redis *redis.Client
		err   error
	}
	pgDone := make(chan result, 1)
	redisDone := make(chan result, 1)

	go func() {
		db, err := InitPostgreSQL(config, logger)
		pgDone <- result{db: db, err: err}
	}()
	go func() {
		if config.SessionBackend != "redis" {
			redisDone <- result{}
			return
		}
		rdb, err := InitRedis(config, logger)
		redisDone <- result{redis: rdb, err: err}
	}()

	pg, rd := <-pgDone, <-redisDone
	backends := &Backends{DB: pg.db, Redis: rd.redis}
	if err := errors.Join(pg.err, rd.err); err != nil {
		_ = backends.Close()
		return nil, err
	}

	if config.SessionBackend == "redis" {
		backends.Sessions = NewRedisSessionStore(backends.Redis, "transit", logger)
	} else {
		backends.Sessions = NewGormSessionStore(backends.DB, logger)
	}
	return backends, nil
}
