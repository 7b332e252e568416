package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Server is everything the signaling server process reads from the environment.
type Server struct {
	App   AppConfig
	Store StoreConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

type StoreConfig struct {
	Driver     string
	SQLitePath string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	// disable, require, verify-ca or verify-full
	SSLMode string
}

type RedisConfig struct {
	// Addr is optional; presence is not mirrored when empty.
	Addr string
}

type AuthConfig struct {
	// JWTSecret is optional; register and the call API are unauthenticated when empty.
	JWTSecret string
	JWTIssuer string
}

// Client is the configuration of a calling participant.
type Client struct {
	Env           string
	LogLevel      string
	SignalURL     string
	StoreURL      string
	UserID        string
	DisplayName   string
	AuthToken     string
	RingTimeout   time.Duration
	CoolDown      time.Duration
	STUNURLs      []string
	MaxReconnects int
}

func LoadServer() (Server, error) {
	c := Server{}
	var parseErrs []error

	c.App.Env = envOr("APP_ENV", "local")
	c.App.Port, parseErrs = intOr(parseErrs, "APP_PORT", 5000)
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))

	c.Store.Driver = envOr("STORE_DRIVER", StoreMemory)
	c.Store.SQLitePath = envOr("SQLITE_PATH", "yacall.db")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = intOr(parseErrs, "DB_PORT", 5432)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))

	if err := joinErrors(parseErrs); err != nil {
		return Server{}, err
	}
	if c.DB.SSLMode == "" && !c.IsProduction() {
		c.DB.SSLMode = "disable"
	}
	if err := c.Validate(); err != nil {
		return Server{}, err
	}
	return c, nil
}

func (c Server) Validate() error {
	var errs []error

	if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.App.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %v", err))
		}
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	case StorePostgres:
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required for the postgres store"))
		}
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required for the postgres store"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required for the postgres store"))
		}
		if c.DB.SSLMode == "" {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else if !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of memory, sqlite, postgres, got %q", c.Store.Driver))
	}

	if c.IsProduction() && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}

	return joinErrors(errs)
}

func (c Server) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Server) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Server) PostgresDSN() string {
	// Contains the password; never log it.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func LoadClient() (Client, error) {
	c := Client{}
	var parseErrs []error

	c.Env = envOr("APP_ENV", "local")
	c.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	c.SignalURL = envOr("SIGNAL_URL", "ws://localhost:5000/ws")
	c.StoreURL = strings.TrimSpace(os.Getenv("STORE_URL"))
	c.UserID = strings.TrimSpace(os.Getenv("USER_ID"))
	c.DisplayName = strings.TrimSpace(os.Getenv("DISPLAY_NAME"))
	c.AuthToken = os.Getenv("AUTH_TOKEN")
	c.RingTimeout, parseErrs = durationOr(parseErrs, "RING_TIMEOUT", 45*time.Second)
	c.CoolDown, parseErrs = durationOr(parseErrs, "COOL_DOWN", 2*time.Second)
	c.MaxReconnects, parseErrs = intOr(parseErrs, "MAX_RECONNECTS", 5)
	c.STUNURLs = splitList(envOr("STUN_URLS", "stun:stun.l.google.com:19302"))

	if err := joinErrors(parseErrs); err != nil {
		return Client{}, err
	}
	if c.DisplayName == "" {
		c.DisplayName = c.UserID
	}
	if err := c.Validate(); err != nil {
		return Client{}, err
	}
	return c, nil
}

func (c Client) Validate() error {
	var errs []error

	if !isValidEnv(c.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.Env))
	}
	if c.UserID == "" {
		errs = append(errs, errors.New("USER_ID is required"))
	}
	if !strings.HasPrefix(c.SignalURL, "ws://") && !strings.HasPrefix(c.SignalURL, "wss://") {
		errs = append(errs, fmt.Errorf("SIGNAL_URL must be a ws:// or wss:// url, got %q", c.SignalURL))
	}
	if c.StoreURL != "" && !strings.HasPrefix(c.StoreURL, "http://") && !strings.HasPrefix(c.StoreURL, "https://") {
		errs = append(errs, fmt.Errorf("STORE_URL must be an http(s) url, got %q", c.StoreURL))
	}
	if c.RingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RING_TIMEOUT must be positive, got %s", c.RingTimeout))
	}
	if c.CoolDown < 0 {
		errs = append(errs, fmt.Errorf("COOL_DOWN must not be negative, got %s", c.CoolDown))
	}
	if c.MaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("MAX_RECONNECTS must not be negative, got %d", c.MaxReconnects))
	}

	return joinErrors(errs)
}

// LogLevel resolves the configured level: LOG_LEVEL if set, debug in local/dev, info otherwise.
func LogLevel(env, level string) zerolog.Level {
	if l, err := zerolog.ParseLevel(level); err == nil && level != "" {
		return l
	}
	if IsDevEnv(env) {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// IsDevEnv reports whether env wants human-readable console logs.
func IsDevEnv(env string) bool {
	return env == "local" || env == "dev"
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intOr(errs []error, key string, def int) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func durationOr(errs []error, key string, def time.Duration) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
