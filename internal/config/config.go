package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration
// アプリケーション設定を保持
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database configuration
// データベース設定を保持
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// APIConfig holds API server configuration
// APIサーバー設定を保持
type APIConfig struct {
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	EnableCORS    bool          `yaml:"enable_cors"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

// LedgerConfig holds ledger-specific configuration
// 台帳固有の設定を保持
type LedgerConfig struct {
	LowStockPercent      int64         `yaml:"low_stock_percent"`
	AutoApproveThreshold int64         `yaml:"auto_approve_threshold"`
	ReservationTTL       time.Duration `yaml:"reservation_ttl"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	MaxRetries           int           `yaml:"max_retries"`
}

// LoggingConfig holds logging configuration
// ログ設定を保持
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, file
}

// Load loads configuration from an optional YAML file (CONFIG_FILE) and
// environment variables. Environment variables take precedence.
// 任意のYAMLファイル（CONFIG_FILE）と環境変数から設定を読み込み。
// 環境変数が優先される
func Load() (*Config, error) {
	cfg := defaults()

	// YAMLファイルがあれば先に適用
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイル読み込みに失敗しました: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイル解析に失敗しました: %w", err)
		}
	}

	// 環境変数で上書き
	cfg.Database = DatabaseConfig{
		Host:     getEnv("DB_HOST", cfg.Database.Host),
		Port:     getEnvAsInt("DB_PORT", cfg.Database.Port),
		User:     getEnv("DB_USER", cfg.Database.User),
		Password: getEnv("DB_PASSWORD", cfg.Database.Password),
		DBName:   getEnv("DB_NAME", cfg.Database.DBName),
		SSLMode:  getEnv("DB_SSLMODE", cfg.Database.SSLMode),
	}
	cfg.API = APIConfig{
		Port:          getEnvAsInt("API_PORT", cfg.API.Port),
		ReadTimeout:   getEnvAsDuration("API_READ_TIMEOUT", cfg.API.ReadTimeout),
		WriteTimeout:  getEnvAsDuration("API_WRITE_TIMEOUT", cfg.API.WriteTimeout),
		IdleTimeout:   getEnvAsDuration("API_IDLE_TIMEOUT", cfg.API.IdleTimeout),
		EnableCORS:    getEnvAsBool("API_ENABLE_CORS", cfg.API.EnableCORS),
		EnableMetrics: getEnvAsBool("API_ENABLE_METRICS", cfg.API.EnableMetrics),
	}
	cfg.Ledger = LedgerConfig{
		LowStockPercent:      getEnvAsInt64("LEDGER_LOW_STOCK_PERCENT", cfg.Ledger.LowStockPercent),
		AutoApproveThreshold: getEnvAsInt64("LEDGER_AUTO_APPROVE_THRESHOLD", cfg.Ledger.AutoApproveThreshold),
		ReservationTTL:       getEnvAsDuration("LEDGER_RESERVATION_TTL", cfg.Ledger.ReservationTTL),
		SweepInterval:        getEnvAsDuration("LEDGER_SWEEP_INTERVAL", cfg.Ledger.SweepInterval),
		MaxRetries:           getEnvAsInt("LEDGER_MAX_RETRIES", cfg.Ledger.MaxRetries),
	}
	cfg.Logging = LoggingConfig{
		Level:  getEnv("LOG_LEVEL", cfg.Logging.Level),
		Format: getEnv("LOG_FORMAT", cfg.Logging.Format),
		Output: getEnv("LOG_OUTPUT", cfg.Logging.Output),
	}

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}

	return cfg, nil
}

// defaults returns the built-in configuration
// 組み込みのデフォルト設定を返す
func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "daicho",
			Password: "password",
			DBName:   "daicho_db",
			SSLMode:  "disable",
		},
		API: APIConfig{
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   60 * time.Second,
			EnableCORS:    true,
			EnableMetrics: true,
		},
		Ledger: LedgerConfig{
			LowStockPercent:      120,
			AutoApproveThreshold: 100,
			ReservationTTL:       30 * time.Minute,
			SweepInterval:        time.Minute,
			MaxRetries:           3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Validate validates the configuration
// 設定をバリデーション
func (c *Config) Validate() error {
	// データベース設定チェック
	if c.Database.Host == "" {
		return fmt.Errorf("データベースホストが指定されていません")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("無効なデータベースポート: %d", c.Database.Port)
	}
	if c.Database.User == "" {
		return fmt.Errorf("データベースユーザーが指定されていません")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("データベース名が指定されていません")
	}

	// API設定チェック
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("無効なAPIポート: %d", c.API.Port)
	}

	// 台帳設定チェック
	if c.Ledger.LowStockPercent < 0 {
		return fmt.Errorf("低在庫割合は0以上である必要があります")
	}
	if c.Ledger.AutoApproveThreshold < 0 {
		return fmt.Errorf("自動承認閾値は0以上である必要があります")
	}
	if c.Ledger.ReservationTTL <= 0 {
		return fmt.Errorf("予約TTLは正の値である必要があります")
	}
	if c.Ledger.SweepInterval <= 0 {
		return fmt.Errorf("失効スイープ間隔は正の値である必要があります")
	}
	if c.Ledger.MaxRetries < 1 {
		return fmt.Errorf("最大リトライ回数は1以上である必要があります")
	}

	// ログ設定チェック
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("無効なログフォーマット: %s", c.Logging.Format)
	}

	return nil
}

// DSN generates PostgreSQL Data Source Name
// PostgreSQLデータソース名を生成
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// ヘルパー関数

// getEnv gets environment variable with default value
// デフォルト値付きで環境変数を取得
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets environment variable as integer with default value
// デフォルト値付きで環境変数を整数として取得
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsInt64 gets environment variable as int64 with default value
// デフォルト値付きで環境変数をint64として取得
func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if int64Value, err := strconv.ParseInt(value, 10, 64); err == nil {
			return int64Value
		}
	}
	return defaultValue
}

// getEnvAsBool gets environment variable as boolean with default value
// デフォルト値付きで環境変数をbooleanとして取得
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets environment variable as duration with default value
// デフォルト値付きで環境変数をdurationとして取得
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
