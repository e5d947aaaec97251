package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "RELATIONS"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabase      = DatabaseDriverSQLite
	defaultDatabasePath  = "relations.db"
	defaultLogLevel      = "info"
	defaultCookieName    = "app_session"
	defaultIssuer        = "relations-auth"
	defaultKeepalive     = 15
	defaultBacklogLimit  = 100
	defaultNotifyChannel = "activity_events"
	defaultAllowedOrigin = "*"
)

const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	LogLevel       string
	SigningSecret  string
	SessionIssuer  string
	CookieName     string
	Keepalive      time.Duration
	BacklogLimit   int
	NotifyChannel  string
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
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigin)
	configViper.SetDefault("database.driver", defaultDatabase)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("stream.keepalive_seconds", defaultKeepalive)
	configViper.SetDefault("stream.backlog_limit", defaultBacklogLimit)
	configViper.SetDefault("notify.channel", defaultNotifyChannel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		SessionIssuer:  configViper.GetString("auth.issuer"),
		CookieName:     configViper.GetString("auth.cookie_name"),
		Keepalive:      time.Duration(configViper.GetInt("stream.keepalive_seconds")) * time.Second,
		BacklogLimit:   configViper.GetInt("stream.backlog_limit"),
		NotifyChannel:  configViper.GetString("notify.channel"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.Keepalive <= 0 {
		return fmt.Errorf("stream.keepalive_seconds must be positive")
	}
	if c.BacklogLimit <= 0 {
		return fmt.Errorf("stream.backlog_limit must be positive")
	}
	if strings.TrimSpace(c.NotifyChannel) == "" {
		return fmt.Errorf("notify.channel is required")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
