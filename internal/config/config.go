package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "NOTESYNC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "notesync.db"
	defaultLogLevel           = "info"
	defaultLogMaxSizeMB       = 100
	defaultLogMaxBackups      = 5
	defaultTokenIssuer        = "notesync-api"
	defaultTokenAudience      = "notesync-clients"
	defaultTokenTTLMinutes    = 60 * 24 * 30
	defaultCookieName         = "app_session"
	defaultSessionIssuer      = "tauth"
	defaultServerURL          = "http://localhost:8080"
	defaultStatePath          = "notesync-state.db"
	defaultConflictRetries    = 3
	defaultTransportRetries   = 4
	defaultTransportBaseDelay = 500
)

// LogConfig describes log level and optional file rotation.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	AllowedOrigins  []string
	SigningSecret   string
	TokenIssuer     string
	TokenAudience   string
	TokenTTL        time.Duration
	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string
	Log             LogConfig
}

// ClientConfig captures runtime configuration for the sync client CLI.
type ClientConfig struct {
	ServerURL          string
	Token              string
	StatePath          string
	MaxConflictRetries int
	TransportRetries   int
	TransportBaseDelay time.Duration
	Log                LogConfig
}

// LoadDotEnv reads a .env file from the working directory when one exists.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("tauth.signing_secret", "")
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("client.server_url", defaultServerURL)
	configViper.SetDefault("client.token", "")
	configViper.SetDefault("client.state_path", defaultStatePath)
	configViper.SetDefault("client.max_conflict_retries", defaultConflictRetries)
	configViper.SetDefault("client.transport_retries", defaultTransportRetries)
	configViper.SetDefault("client.transport_base_delay_ms", defaultTransportBaseDelay)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		AllowedOrigins:  splitList(configViper.GetString("http.allowed_origins")),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenIssuer:     configViper.GetString("auth.issuer"),
		TokenAudience:   configViper.GetString("auth.audience"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		Log:             loadLog(configViper),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:          configViper.GetString("client.server_url"),
		Token:              configViper.GetString("client.token"),
		StatePath:          configViper.GetString("client.state_path"),
		MaxConflictRetries: configViper.GetInt("client.max_conflict_retries"),
		TransportRetries:   configViper.GetInt("client.transport_retries"),
		TransportBaseDelay: time.Duration(configViper.GetInt("client.transport_base_delay_ms")) * time.Millisecond,
		Log:                loadLog(configViper),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func loadLog(configViper *viper.Viper) LogConfig {
	return LogConfig{
		Level:      configViper.GetString("log.level"),
		File:       configViper.GetString("log.file"),
		MaxSizeMB:  configViper.GetInt("log.max_size_mb"),
		MaxBackups: configViper.GetInt("log.max_backups"),
	}
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" && strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret or tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.SigningSecret) != "" {
		if strings.TrimSpace(c.TokenIssuer) == "" || strings.TrimSpace(c.TokenAudience) == "" {
			return fmt.Errorf("auth.issuer and auth.audience are required")
		}
		if c.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl_minutes must be positive")
		}
	}
	if strings.TrimSpace(c.TAuthSigningKey) != "" && strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	return nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("client.server_url is required")
	}
	if strings.TrimSpace(c.StatePath) == "" {
		return fmt.Errorf("client.state_path is required")
	}
	if c.MaxConflictRetries < 0 || c.TransportRetries < 0 {
		return fmt.Errorf("client retry counts must not be negative")
	}
	if c.TransportBaseDelay <= 0 {
		return fmt.Errorf("client.transport_base_delay_ms must be positive")
	}
	return nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
