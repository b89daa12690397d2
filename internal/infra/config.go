package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server    ServerConfig           `mapstructure:"server"`
	Database  DatabaseConfig         `mapstructure:"database"`
	Redis     RedisConfig            `mapstructure:"redis"`
	Auth      AuthConfig             `mapstructure:"auth"`
	Ledger    LedgerConfig           `mapstructure:"ledger"`
	Policy    PolicyConfig           `mapstructure:"policy"`
	Execution domain.ExecutionConfig `mapstructure:"execution"`
	Sanitizer SanitizerConfig        `mapstructure:"sanitizer"`
	Decision  DecisionConfig         `mapstructure:"decision"`
	Provider  ProviderConfig         `mapstructure:"provider"`
	Logger    LoggerConfig           `mapstructure:"logger"`
	Telemetry TelemetryConfig        `mapstructure:"telemetry"`
}

// ServerConfig описывает HTTP и gRPC (health) листенеры.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL. С пустым URL работаем без БД.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub, статусы, ledger stream). С пустым Addr работаем без Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig — публичный ключ RS256 для проверки токенов аппруверов.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// LedgerConfig выбирает хранилище фактов.
type LedgerConfig struct {
	Backend    string `mapstructure:"backend"` // file, sqlite, postgres, redis
	Dir        string `mapstructure:"dir"`
	DSN        string `mapstructure:"dsn"`
	Fsync      bool   `mapstructure:"fsync"`
	BufferSize int    `mapstructure:"buffer_size"`
	BatchSize  int    `mapstructure:"batch_size"`
	StreamMax  int64  `mapstructure:"stream_max_len"`
}

// PolicyConfig — источник версионированных политик.
type PolicyConfig struct {
	Source       string `mapstructure:"source"` // file, postgres
	Dir          string `mapstructure:"dir"`
	CacheEnabled bool   `mapstructure:"cache_enabled"`
}

type SanitizerConfig struct {
	DefaultPIIMode string `mapstructure:"default_pii_mode"`
}

// DecisionConfig — откуда брать ожидаемый хеш политики для верификатора.
type DecisionConfig struct {
	ExpectedPolicyHash  string `mapstructure:"expected_policy_hash"`
	UseActivePolicyHash bool   `mapstructure:"use_active_policy_hash"`
	StrictChecksum      bool   `mapstructure:"strict_checksum"`
}

// ProviderConfig — настройки обертки надежности вокруг провайдера.
type ProviderConfig struct {
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
	Attempts      uint          `mapstructure:"attempts"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBMaxFailures uint32        `mapstructure:"cb_max_failures"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name"`
}

// LoadConfig объединяет значения из файла, ENV и дефолтов.
// paths — дополнительные каталоги поиска config.yaml.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: LEDGER_BACKEND=redis перекроет ledger.backend
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		// Файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	// 6. Ключ из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := domain.DefaultExecutionConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("ledger.backend", "file")
	v.SetDefault("ledger.dir", "./data/ledger")
	v.SetDefault("ledger.buffer_size", 1024)
	v.SetDefault("ledger.batch_size", 100)
	v.SetDefault("ledger.stream_max_len", 0)

	v.SetDefault("policy.source", "file")
	v.SetDefault("policy.dir", "./policies")
	v.SetDefault("policy.cache_enabled", false)

	v.SetDefault("execution.warn_factor", def.WarnFactor)
	v.SetDefault("execution.abort_factor", def.AbortFactor)
	v.SetDefault("execution.latency_warn_ms", def.LatencyWarnMs)
	v.SetDefault("execution.latency_abort_ms", def.LatencyAbortMs)
	v.SetDefault("execution.tool_intent_fail_closed", def.ToolIntentFailClosed)

	v.SetDefault("sanitizer.default_pii_mode", string(domain.PIIRedact))

	v.SetDefault("decision.use_active_policy_hash", false)
	v.SetDefault("decision.strict_checksum", false)

	v.SetDefault("provider.rate_limit", 100)
	v.SetDefault("provider.rate_burst", 20)
	v.SetDefault("provider.attempts", 3)
	v.SetDefault("provider.call_timeout", 10*time.Second)
	v.SetDefault("provider.cb_max_requests", 3)
	v.SetDefault("provider.cb_interval", 5*time.Second)
	v.SetDefault("provider.cb_timeout", 30*time.Second)
	v.SetDefault("provider.cb_max_failures", 5)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "uag-runtime-guard")
}

// loadKeyResource: PEM из ENV имеет приоритет над файлом.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
