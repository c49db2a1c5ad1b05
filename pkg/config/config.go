package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	// Zone names resolve even on hosts without system tzdata.
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	CORS         CORSConfig
	Log          LogConfig
	Auth         AuthConfig
	Permissions  PermissionsConfig
	Verification VerificationConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
	Issuer     string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AuthConfig governs federated sign-in and first-login provisioning.
type AuthConfig struct {
	AllowedDomain          string
	StaffMarker            string
	StaffDefaultDepartment string
	StaffDefaultYear       string
	StaffDefaultSection    string
}

// PermissionsConfig tunes the request lifecycle.
type PermissionsConfig struct {
	Expiry        time.Duration
	PurgeInterval time.Duration
	CacheTTL      time.Duration
	Timezone      string
}

// VerificationConfig configures the letter verification oracle.
type VerificationConfig struct {
	Enabled bool
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Location resolves the configured timezone. An empty value means the
// process local zone; an unknown zone is an error.
func (c PermissionsConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 12*time.Hour),
		Issuer:     v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Auth = AuthConfig{
		AllowedDomain:          strings.ToLower(strings.TrimPrefix(v.GetString("AUTH_ALLOWED_DOMAIN"), "@")),
		StaffMarker:            strings.ToLower(v.GetString("AUTH_STAFF_MARKER")),
		StaffDefaultDepartment: v.GetString("AUTH_STAFF_DEFAULT_DEPARTMENT"),
		StaffDefaultYear:       v.GetString("AUTH_STAFF_DEFAULT_YEAR"),
		StaffDefaultSection:    v.GetString("AUTH_STAFF_DEFAULT_SECTION"),
	}

	cfg.Permissions = PermissionsConfig{
		Expiry:        parseDuration(v.GetString("PERMISSION_EXPIRY"), 24*time.Hour),
		PurgeInterval: parseDuration(v.GetString("PERMISSION_PURGE_INTERVAL"), 10*time.Minute),
		CacheTTL:      parseDuration(v.GetString("PERMISSION_CACHE_TTL"), 30*time.Minute),
		Timezone:      strings.TrimSpace(v.GetString("TIMEZONE")),
	}
	if _, err := cfg.Permissions.Location(); err != nil {
		return nil, err
	}

	cfg.Verification = VerificationConfig{
		Enabled: v.GetBool("VERIFICATION_ENABLED"),
		APIKey:  v.GetString("VERIFICATION_API_KEY"),
		Model:   v.GetString("VERIFICATION_MODEL"),
		Timeout: parseDuration(v.GetString("VERIFICATION_TIMEOUT"), 20*time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 3001)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "unipermit")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("ENABLE_REDIS", true)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "12h")
	v.SetDefault("JWT_ISSUER", "unipermit")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("AUTH_ALLOWED_DOMAIN", "mits.ac.in")
	v.SetDefault("AUTH_STAFF_MARKER", "staff")
	v.SetDefault("AUTH_STAFF_DEFAULT_DEPARTMENT", "CAI")
	v.SetDefault("AUTH_STAFF_DEFAULT_YEAR", "3")
	v.SetDefault("AUTH_STAFF_DEFAULT_SECTION", "A")

	v.SetDefault("PERMISSION_EXPIRY", "24h")
	v.SetDefault("PERMISSION_PURGE_INTERVAL", "10m")
	v.SetDefault("PERMISSION_CACHE_TTL", "30m")
	v.SetDefault("TIMEZONE", "Asia/Kolkata")

	v.SetDefault("VERIFICATION_ENABLED", true)
	v.SetDefault("VERIFICATION_API_KEY", "")
	v.SetDefault("VERIFICATION_MODEL", "gemini-2.5-flash")
	v.SetDefault("VERIFICATION_TIMEOUT", "20s")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
