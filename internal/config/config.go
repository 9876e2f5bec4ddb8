package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/conflict"
)

const (
	envPrefix                 = "GRAVITY"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultServerDatabasePath = "gravity.db"
	defaultClientDatabasePath = "gravity-client.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "app_session"
	defaultSessionTTL         = 12 * time.Hour
	defaultSessionClockSkew   = 30 * time.Second
	defaultRoomMemberBuffer   = 64
	defaultRoomCompactEvery   = 200
	defaultServerURL          = "http://localhost:8080"
	defaultMaxRetries         = 5
	defaultSyncDebounce       = 2 * time.Second
	defaultOperationTimeout   = 15 * time.Second
	defaultSyncConcurrency    = 4
	defaultAwarenessTimeout   = 30 * time.Second
	defaultBackoffInitial     = 500 * time.Millisecond
	defaultBackoffMax         = 30 * time.Second
	defaultMaxAttempts        = 0
)

// ServerConfig captures runtime configuration for the collaboration server.
type ServerConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SessionSigningSecret string
	SessionCookieName    string
	SessionTTL           time.Duration
	SessionClockSkew     time.Duration
	AllowedOrigins       []string
	RoomMemberBuffer     int
	RoomCompactEvery     int
}

// ClientConfig captures runtime configuration for a syncing device.
type ClientConfig struct {
	ServerURL        string
	SessionToken     string
	DatabasePath     string
	LogLevel         string
	UserID           string
	MaxRetries       int
	SyncDebounce     time.Duration
	OperationTimeout time.Duration
	SyncConcurrency  int
	ConflictPolicy   conflict.Strategy
	AwarenessTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	MaxAttempts      int
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

	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultServerDatabasePath)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("session.clock_skew", defaultSessionClockSkew)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
	configViper.SetDefault("rooms.member_buffer", defaultRoomMemberBuffer)
	configViper.SetDefault("rooms.compact_every", defaultRoomCompactEvery)

	configViper.SetDefault("client.server_url", defaultServerURL)
	configViper.SetDefault("client.database_path", defaultClientDatabasePath)
	configViper.SetDefault("sync.max_retries", defaultMaxRetries)
	configViper.SetDefault("sync.debounce", defaultSyncDebounce)
	configViper.SetDefault("sync.operation_timeout", defaultOperationTimeout)
	configViper.SetDefault("sync.concurrency", defaultSyncConcurrency)
	configViper.SetDefault("sync.conflict_policy", "")
	configViper.SetDefault("collab.awareness_timeout", defaultAwarenessTimeout)
	configViper.SetDefault("collab.backoff_initial", defaultBackoffInitial)
	configViper.SetDefault("collab.backoff_max", defaultBackoffMax)
	configViper.SetDefault("collab.max_attempts", defaultMaxAttempts)
}

// LoadServer parses the server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionTTL:           configViper.GetDuration("session.ttl"),
		SessionClockSkew:     configViper.GetDuration("session.clock_skew"),
		AllowedOrigins:       splitList(configViper.GetStringSlice("cors.allowed_origins")),
		RoomMemberBuffer:     configViper.GetInt("rooms.member_buffer"),
		RoomCompactEvery:     configViper.GetInt("rooms.compact_every"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses the device configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	policy := conflict.StrategyNone
	if raw := strings.TrimSpace(configViper.GetString("sync.conflict_policy")); raw != "" {
		parsed, err := conflict.ParseStrategy(raw)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("sync.conflict_policy: %w", err)
		}
		policy = parsed
	}
	cfg := ClientConfig{
		ServerURL:        configViper.GetString("client.server_url"),
		SessionToken:     configViper.GetString("client.token"),
		DatabasePath:     configViper.GetString("client.database_path"),
		LogLevel:         configViper.GetString("log.level"),
		UserID:           configViper.GetString("client.user_id"),
		MaxRetries:       configViper.GetInt("sync.max_retries"),
		SyncDebounce:     configViper.GetDuration("sync.debounce"),
		OperationTimeout: configViper.GetDuration("sync.operation_timeout"),
		SyncConcurrency:  configViper.GetInt("sync.concurrency"),
		ConflictPolicy:   policy,
		AwarenessTimeout: configViper.GetDuration("collab.awareness_timeout"),
		BackoffInitial:   configViper.GetDuration("collab.backoff_initial"),
		BackoffMax:       configViper.GetDuration("collab.backoff_max"),
		MaxAttempts:      configViper.GetInt("collab.max_attempts"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.SessionClockSkew < 0 {
		return fmt.Errorf("session.clock_skew must not be negative")
	}
	return nil
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(strings.TrimSpace(c.ServerURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("client.server_url must be an http(s) url")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("client.database_path is required")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive")
	}
	if c.ConflictPolicy == conflict.StrategyManualMerge {
		return fmt.Errorf("sync.conflict_policy: manual-merge cannot settle conflicts automatically")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("collab.backoff_initial must be positive and not exceed collab.backoff_max")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var items []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}
