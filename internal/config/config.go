package config

import "time"

// Config is the root configuration for a twitchkit session.
type Config struct {
	Client     ClientConfig     `yaml:"client"`
	API        APIConfig        `yaml:"api"`
	Chat       ChatConfig       `yaml:"chat"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	Connection ConnectionConfig `yaml:"connection"`
	Store      StoreConfig      `yaml:"store"`
	Watch      WatchConfig      `yaml:"watch"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Health     HealthConfig     `yaml:"health"`
	Log        LogConfig        `yaml:"log"`
}

// ClientConfig holds the OAuth application registration.
type ClientConfig struct {
	ID           string   `yaml:"id"`
	Secret       string   `yaml:"secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	OwnerKey     string   `yaml:"owner_key"`     // Credential Store key for the user credential
	Flow         string   `yaml:"flow"`          // "refresh", "interactive", or "client_credentials"
	RefreshToken string   `yaml:"refresh_token"` // Seed for the refresh flow when the store is empty
}

// APIConfig holds REST and OAuth endpoint settings.
type APIConfig struct {
	HelixURL string        `yaml:"helix_url"`
	OAuthURL string        `yaml:"oauth_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ChatConfig holds the line protocol settings.
type ChatConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Address   string   `yaml:"address"` // host:port of the TLS chat endpoint
	Nick      string   `yaml:"nick"`    // Empty = use the validated login, or anonymous
	Channels  []string `yaml:"channels"`
	RateLimit int      `yaml:"rate_limit"` // Messages per RateWindow
	RateBurst int      `yaml:"rate_burst"`
	// RateWindow is the window RateLimit applies to.
	RateWindow time.Duration `yaml:"rate_window"`
}

// PubSubConfig holds the WebSocket pub/sub settings.
type PubSubConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	Topics          []string      `yaml:"topics"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// ConnectionConfig holds keepalive and reconnect settings shared by both push channels.
type ConnectionConfig struct {
	AutoReconnect     *bool         `yaml:"auto_reconnect"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepaliveJitter   time.Duration `yaml:"keepalive_jitter"`
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReconnectUnit     time.Duration `yaml:"reconnect_unit"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"` // 0 = uncapped
	MaxAttempts       int           `yaml:"max_attempts"`        // 0 = retry forever
}

// StoreConfig selects and configures the Credential Store.
type StoreConfig struct {
	Driver   string       `yaml:"driver"` // "memory", "postgres", or "sealed"
	Postgres DBConfig     `yaml:"postgres"`
	Sealed   SealedConfig `yaml:"sealed"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`

	// ConnectTimeout bounds establishing a connection; zero leaves the
	// server default.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SealedConfig configures the age-encrypted credential file.
type SealedConfig struct {
	Path         string `yaml:"path"`
	IdentityFile string `yaml:"identity_file"` // age X25519 identity (AGE-SECRET-KEY-1...)
}

// WatchConfig lists channels polled for live status over REST.
type WatchConfig struct {
	Logins      []string      `yaml:"logins"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// ArchiveConfig controls writing message events to Postgres. The archive
// shares the store.postgres database.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"` // 0 disables the endpoint
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// AutoReconnectEnabled reports the effective auto-reconnect setting.
func (c ConnectionConfig) AutoReconnectEnabled() bool {
	return c.AutoReconnect == nil || *c.AutoReconnect
}
