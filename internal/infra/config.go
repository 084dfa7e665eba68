package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Calls    CallsConfig    `mapstructure:"calls"`
	Geo      GeoConfig      `mapstructure:"geo"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP/WS-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (shared store + Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// CallsConfig — дефолты жизненного цикла звонка. Per-org значения из БД
// (RNA timeout и пр.) перекрывают дефолты, остальное — константы платформы.
type CallsConfig struct {
	DefaultRNATimeout time.Duration `mapstructure:"default_rna_timeout"` // Ожидание ответа агента
	DisconnectGrace   time.Duration `mapstructure:"disconnect_grace"`    // Grace после дисконнекта агента
	ReconnectBudget   time.Duration `mapstructure:"reconnect_budget"`    // Бюджет rendezvous
	DispatchDelay     time.Duration `mapstructure:"dispatch_delay"`      // Пауза перед следующим звонком агенту
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`     // Idle без heartbeat => away

	// Интервалы sweeper'ов
	RNASweep        time.Duration `mapstructure:"rna_sweep"`
	DisconnectSweep time.Duration `mapstructure:"disconnect_sweep"`
	ReconnectSweep  time.Duration `mapstructure:"reconnect_sweep"`
	StaleSweep      time.Duration `mapstructure:"stale_sweep"`
}

// GeoConfig — внешний сервис геолокации (fail-open).
type GeoConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи из файла ИЛИ напрямую из ENV (для Docker/K8s)
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("calls.default_rna_timeout", 30*time.Second)
	v.SetDefault("calls.disconnect_grace", 10*time.Second)
	v.SetDefault("calls.reconnect_budget", 30*time.Second)
	v.SetDefault("calls.dispatch_delay", 2*time.Second)
	v.SetDefault("calls.stale_threshold", 5*time.Minute)
	v.SetDefault("calls.rna_sweep", 5*time.Second)
	v.SetDefault("calls.disconnect_sweep", 2*time.Second)
	v.SetDefault("calls.reconnect_sweep", 5*time.Second)
	v.SetDefault("calls.stale_sweep", 60*time.Second)

	v.SetDefault("geo.timeout", 2*time.Second)
}

// loadKeyResource — универсальный хелпер: сначала ENV, потом файл.
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
