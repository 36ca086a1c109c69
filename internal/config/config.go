package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config holds the full application configuration.
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

// AppConfig covers server and worker settings.
type AppConfig struct {
	Env            string        `json:"env"`             // local / prod
	LogLevel       string        `json:"log_level"`       // debug / info / warn / error
	HTTPAddr       string        `json:"http_addr"`       // API listen address
	MailWorkers    int           `json:"mail_workers"`    // mail dispatch worker pool size
	MailQueueSize  int           `json:"mail_queue_size"` // mail dispatch queue capacity
	ResendCooldown time.Duration `json:"resend_cooldown"` // min interval between resend requests per account
	RateLimit      float64       `json:"rate_limit"`      // auth endpoint limit (tokens/s per client IP)
	RateBurst      float64       `json:"rate_burst"`      // auth endpoint burst

	CleanupInterval      time.Duration `json:"cleanup_interval"`       // account maintenance sweep interval
	PurgeUnverifiedAfter time.Duration `json:"purge_unverified_after"` // drop unverified accounts older than this
}

// MySQLConfig holds the database connection settings.
type MySQLConfig struct {
	DSN string `json:"dsn"`
}

// RedisConfig holds cache/rate-limit backend settings.
type RedisConfig struct {
	Addr     string `json:"addr"` // host:port
	Password string `json:"password"`
}

// EmailConfig holds SMTP settings for verification mail.
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// SecurityConfig holds secrets.
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"` // session token signing key
}

// Load reads configuration from a JSON file, applies defaults for unset
// fields, and lets environment variables override everything.
//
// If the file does not exist the defaults (plus env overrides) are used.
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// getDefaultConfig returns the built-in defaults.
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			HTTPAddr:       ":5000",
			MailWorkers:    4,
			MailQueueSize:  256,
			ResendCooldown: 60 * time.Second,
			RateLimit:      3,
			RateBurst:      5,

			CleanupInterval:      time.Hour,
			PurgeUnverifiedAfter: 7 * 24 * time.Hour,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/farmconnect?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Email: EmailConfig{
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
		},
	}
}

// applyDefaults fills unset fields with default values.
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MailWorkers == 0 {
		cfg.App.MailWorkers = defaults.App.MailWorkers
	}
	if cfg.App.MailQueueSize == 0 {
		cfg.App.MailQueueSize = defaults.App.MailQueueSize
	}
	if cfg.App.ResendCooldown == 0 {
		cfg.App.ResendCooldown = defaults.App.ResendCooldown
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = defaults.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.App.CleanupInterval == 0 {
		cfg.App.CleanupInterval = defaults.App.CleanupInterval
	}
	if cfg.App.PurgeUnverifiedAfter == 0 {
		cfg.App.PurgeUnverifiedAfter = defaults.App.PurgeUnverifiedAfter
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Email.SMTPHost == "" {
		cfg.Email.SMTPHost = defaults.Email.SMTPHost
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	} else if v := os.Getenv("PORT"); v != "" {
		cfg.App.HTTPAddr = ":" + v
	}
	if v := os.Getenv("APP_MAIL_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.MailWorkers = i
		}
	}
	if v := os.Getenv("APP_MAIL_QUEUE_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.MailQueueSize = i
		}
	}
	if v := os.Getenv("APP_RESEND_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.ResendCooldown = d
		}
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("APP_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.CleanupInterval = d
		}
	}
	if v := os.Getenv("APP_PURGE_UNVERIFIED_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.PurgeUnverifiedAfter = d
		}
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "farmconnect",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON accepts duration fields as Go duration strings ("60s").
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ResendCooldown       string `json:"resend_cooldown"`
		CleanupInterval      string `json:"cleanup_interval"`
		PurgeUnverifiedAfter string `json:"purge_unverified_after"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.ResendCooldown != "" {
		duration, err := time.ParseDuration(aux.ResendCooldown)
		if err != nil {
			return fmt.Errorf("invalid resend_cooldown format: %w", err)
		}
		a.ResendCooldown = duration
	}
	if aux.CleanupInterval != "" {
		duration, err := time.ParseDuration(aux.CleanupInterval)
		if err != nil {
			return fmt.Errorf("invalid cleanup_interval format: %w", err)
		}
		a.CleanupInterval = duration
	}
	if aux.PurgeUnverifiedAfter != "" {
		duration, err := time.ParseDuration(aux.PurgeUnverifiedAfter)
		if err != nil {
			return fmt.Errorf("invalid purge_unverified_after format: %w", err)
		}
		a.PurgeUnverifiedAfter = duration
	}

	return nil
}

// MarshalJSON renders duration fields as strings.
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		ResendCooldown       string `json:"resend_cooldown"`
		CleanupInterval      string `json:"cleanup_interval"`
		PurgeUnverifiedAfter string `json:"purge_unverified_after"`
		*Alias
	}{
		ResendCooldown:       a.ResendCooldown.String(),
		CleanupInterval:      a.CleanupInterval.String(),
		PurgeUnverifiedAfter: a.PurgeUnverifiedAfter.String(),
		Alias:                (*Alias)(&a),
	})
}
