// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// StoreBackendMemory はプロセス内メモリのジョブストアです。
	StoreBackendMemory = "memory"
	// StoreBackendRedis は Redis を使うジョブストアです。
	StoreBackendRedis = "redis"

	// EngineModeLocal はプロセス内の変換エンジンを使います。
	EngineModeLocal = "local"
	// EngineModeRemote は HTTP 経由で外部の変換エンジンを呼び出します。
	EngineModeRemote = "remote"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port                   string // APIサーバーのポート番号
	GinMode                string // Ginの実行モード (debug, release, test)
	LogLevel               string // zerolog のログレベル
	ShutdownTimeoutSeconds int    // グレースフルシャットダウンの猶予（秒）

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	UploadDir   string // 一時ファイルの保存先
	MaxFileSize int64  // 単一ファイルの最大サイズ（バイト）

	// ジョブ/キュー設定
	WorkerCount             int    // 変換ワーカー数
	MaxQueueDepth           int    // キューの最大長（0 は無制限）
	JobRetentionMinutes     int    // 終了済みジョブの保持期間（分）
	JobSweepIntervalMinutes int    // バックグラウンド掃除の間隔（分、0 は無効）
	JobStoreBackend         string // memory または redis
	JobRedisURL             string // Redis ストア用の接続URL

	// 変換エンジン設定
	EngineMode           string // local または remote
	EngineURL            string // remote モードのエンドポイント
	EngineTimeoutSeconds int    // remote モードの HTTP タイムアウト（秒）

	// レート制限
	SubmitRateLimit float64 // 非同期投入の毎秒許可数（0 は無効）
	SubmitRateBurst int     // バースト許容量
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:                   getEnv("PORT", "8000"),
		GinMode:                getEnv("GIN_MODE", "debug"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		ShutdownTimeoutSeconds: getEnvAsInt("SHUTDOWN_TIMEOUT_SECONDS", 10),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000"),

		// ファイル制限
		UploadDir:   getEnv("UPLOAD_DIR", filepath.Join("static", "uploads")),
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 52428800), // 50MB

		// ジョブ/キュー設定
		WorkerCount:             getEnvAsInt("WORKER_COUNT", 4),
		MaxQueueDepth:           getEnvAsInt("MAX_QUEUE_DEPTH", 0),
		JobRetentionMinutes:     getEnvAsInt("JOB_RETENTION_MINUTES", 60),
		JobSweepIntervalMinutes: getEnvAsInt("JOB_SWEEP_INTERVAL_MINUTES", 0),
		JobStoreBackend:         strings.ToLower(getEnv("JOB_STORE_BACKEND", StoreBackendMemory)),
		JobRedisURL:             getEnv("JOB_REDIS_URL", "redis://127.0.0.1:6379/0"),

		// 変換エンジン設定
		EngineMode:           strings.ToLower(getEnv("ENGINE_MODE", EngineModeLocal)),
		EngineURL:            getEnv("ENGINE_URL", ""),
		EngineTimeoutSeconds: getEnvAsInt("ENGINE_TIMEOUT_SECONDS", 120),

		// レート制限
		SubmitRateLimit: getEnvAsFloat("SUBMIT_RATE_LIMIT", 0),
		SubmitRateBurst: getEnvAsInt("SUBMIT_RATE_BURST", 10),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.MaxQueueDepth < 0 {
		return fmt.Errorf("MAX_QUEUE_DEPTH must not be negative")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.JobRetentionMinutes <= 0 {
		return fmt.Errorf("JOB_RETENTION_MINUTES must be positive")
	}
	if c.JobSweepIntervalMinutes < 0 {
		return fmt.Errorf("JOB_SWEEP_INTERVAL_MINUTES must not be negative")
	}
	if c.SubmitRateLimit < 0 {
		return fmt.Errorf("SUBMIT_RATE_LIMIT must not be negative")
	}

	switch c.JobStoreBackend {
	case StoreBackendMemory:
	case StoreBackendRedis:
		if c.JobRedisURL == "" {
			return fmt.Errorf("JOB_REDIS_URL is required when JOB_STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown JOB_STORE_BACKEND: %q", c.JobStoreBackend)
	}

	switch c.EngineMode {
	case EngineModeLocal:
	case EngineModeRemote:
		if c.EngineURL == "" {
			return fmt.Errorf("ENGINE_URL is required when ENGINE_MODE=remote")
		}
	default:
		return fmt.Errorf("unknown ENGINE_MODE: %q", c.EngineMode)
	}

	return nil
}

// AllowedOrigins は CORS 許可オリジンを配列で返します。
func (c *Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// Retention は終了済みジョブの保持期間です。
func (c *Config) Retention() time.Duration {
	return time.Duration(c.JobRetentionMinutes) * time.Minute
}

// SweepInterval はバックグラウンド掃除の間隔です。0 のときは無効です。
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.JobSweepIntervalMinutes) * time.Minute
}

func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.EngineTimeoutSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
