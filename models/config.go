package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration は "72h" のような文字列で指定できる期間です。
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

// EnvDecode は go-envconfig から呼ばれます。
func (d *Duration) EnvDecode(val string) error {
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", val, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.EnvDecode(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config 構造体はサーバー全体の設定情報を保持します。
// config.json の値を環境変数で上書きできます。
type Config struct {
	Environment string `json:"environment" env:"APP_ENV,overwrite,default=development"`
	Addr        string `json:"addr" env:"ADDR,overwrite,default=:8080"`

	DBHost     string `json:"db_host" env:"DB_HOST,overwrite,default=localhost"`
	DBUser     string `json:"db_user" env:"DB_USER,overwrite"`
	DBPassword string `json:"db_password" env:"DB_PASSWORD,overwrite"`
	DBName     string `json:"db_name" env:"DB_NAME,overwrite"`
	DBSSLMode  string `json:"db_sslmode" env:"DB_SSLMODE,overwrite,default=disable"`

	RedisAddr     string `json:"redis_addr" env:"REDIS_ADDR,overwrite,default=localhost:6379"`
	RedisPassword string `json:"redis_password" env:"REDIS_PASSWORD,overwrite"`
	RedisDB       int    `json:"redis_db" env:"REDIS_DB,overwrite"`

	// "gorm" または "redis"
	SessionBackend string   `json:"session_backend" env:"SESSION_BACKEND,overwrite,default=gorm"`
	JWTSecret      string   `json:"jwt_secret" env:"JWT_SECRET,overwrite"`
	SessionTTL     Duration `json:"session_ttl" env:"SESSION_TTL,overwrite,default=72h"`
	// true の場合のみ、トークンが無いリクエストにデモ用セッションを自動発行する（既定は無効）
	DemoMode       bool     `json:"demo_mode" env:"DEMO_MODE,overwrite"`

	AllowedOrigins []string `json:"allowed_origins" env:"CORS_ALLOWED_ORIGINS,overwrite,default=http://localhost:3000"`
	PurgeSchedule  string   `json:"purge_schedule" env:"PURGE_SCHEDULE,overwrite,default=@hourly"`
	RateLimit      int      `json:"rate_limit" env:"RATE_LIMIT_PER_MINUTE,overwrite,default=60"`
	OTLPEndpoint   string   `json:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT,overwrite"`
}

// IsProduction は本番環境で動作しているかを返します。
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}
