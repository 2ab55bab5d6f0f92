package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// クライアント（client）とリファレンスバックエンド（serve）の設定を併せ持つ。
type Config struct {
	// Logging
	LogLevel string

	// Client: 接続先
	BackendURL          string
	IdentityProviderURL string
	CallbackAddr        string

	// Client: ローカル状態
	StatePath string
	APIPort   string

	// Client: ポーリング間隔
	ChatListInterval   time.Duration
	ActiveChatInterval time.Duration
	ReminderInterval   time.Duration

	RPCTimeout    time.Duration
	SessionMaxTTL time.Duration

	// Client: SMTPブリッジ（SMTPAddrが空なら無効）
	SMTPAddr   string
	SMTPDomain string

	// Backend: Database
	DatabaseURL string

	// Backend: Server
	ServerPort     string
	MaxIngressSkew time.Duration

	// Backend: Rate Limit（1分あたり、プリンシパルごと）
	RateLimitGeneral int

	// Backend: 発火済みリマインダーの保持日数
	ReminderRetentionDays int

	// Backend: 開発用IDプロバイダーのseed（空なら無効）
	DevIdentitySeed string

	// CORS（空なら無効）
	CORSAllowedOrigin string
}

// LoadDotEnv は.envファイルを読み込む。既に設定されている環境変数は上書きしない。
// 存在しないファイルは無視する。
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to stat %s: %w", f, err)
		}
		existing = append(existing, f)
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 値の形式が不正な設定はデフォルト値にフォールバックする。
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		BackendURL:          getEnvString("TUAMAIL_BACKEND_URL", "http://127.0.0.1:4943"),
		IdentityProviderURL: getEnvString("TUAMAIL_IDENTITY_PROVIDER_URL", "http://127.0.0.1:4943/authorize"),
		CallbackAddr:        getEnvString("TUAMAIL_CALLBACK_ADDR", "127.0.0.1:0"),
		StatePath:           getEnvString("TUAMAIL_STATE_PATH", "tuamail.db"),
		APIPort:             getEnvString("TUAMAIL_API_PORT", "3030"),

		ChatListInterval:   getEnvDuration("TUAMAIL_CHAT_LIST_INTERVAL", 10*time.Second),
		ActiveChatInterval: getEnvDuration("TUAMAIL_ACTIVE_CHAT_INTERVAL", 5*time.Second),
		ReminderInterval:   getEnvDuration("TUAMAIL_REMINDER_INTERVAL", 30*time.Second),
		RPCTimeout:         getEnvDuration("TUAMAIL_RPC_TIMEOUT", 15*time.Second),
		SessionMaxTTL:      getEnvDuration("TUAMAIL_SESSION_MAX_TTL", 7*24*time.Hour),

		SMTPAddr:   getEnvString("TUAMAIL_SMTP_ADDR", ""),
		SMTPDomain: getEnvString("TUAMAIL_SMTP_DOMAIN", "tuamail.local"),

		DatabaseURL:           os.Getenv("DATABASE_URL"),
		ServerPort:            getEnvString("SERVER_PORT", "4943"),
		MaxIngressSkew:        getEnvDuration("MAX_INGRESS_SKEW", 5*time.Minute),
		RateLimitGeneral:      getEnvInt("RATE_LIMIT_GENERAL", 600),
		ReminderRetentionDays: getEnvInt("REMINDER_RETENTION_DAYS", 30),
		DevIdentitySeed:       os.Getenv("DEV_IDENTITY_SEED"),

		CORSAllowedOrigin: getEnvString("CORS_ALLOWED_ORIGIN", ""),
	}

	if cfg.SessionMaxTTL > 7*24*time.Hour {
		return nil, fmt.Errorf("TUAMAIL_SESSION_MAX_TTL must not exceed 168h: %s", cfg.SessionMaxTTL)
	}
	return cfg, nil
}

// RequireDatabase はバックエンド系のコマンドに必須の設定を検証する。
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("required environment variables are not set: %v", []string{"DATABASE_URL"})
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
