package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHelixURL          = "https://api.twitch.tv/helix"
	DefaultOAuthURL          = "https://id.twitch.tv/oauth2"
	DefaultAPITimeout        = 30 * time.Second
	DefaultChatAddress       = "irc.chat.twitch.tv:6697"
	DefaultChatRateLimit     = 20
	DefaultChatRateWindow    = 30 * time.Second
	DefaultChatRateBurst     = 1
	DefaultPubSubURL         = "wss://pubsub-edge.twitch.tv"
	DefaultResponseTimeout   = 10 * time.Second
	DefaultKeepaliveInterval = 4 * time.Minute
	DefaultKeepaliveJitter   = 30 * time.Second
	DefaultKeepaliveTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultReconnectUnit     = 1 * time.Second
	DefaultOwnerKey          = "default"
	DefaultFlow              = FlowRefresh
	DefaultStoreDriver       = DriverMemory
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultWatchInterval     = 1 * time.Minute
	DefaultWatchConcurrency  = 4
	DefaultArchiveBatchSize  = 500
	DefaultArchiveFlush      = 5 * time.Second
	DefaultLogLevel          = "info"
)

// Credential flows.
const (
	FlowRefresh           = "refresh"
	FlowInteractive       = "interactive"
	FlowClientCredentials = "client_credentials"
)

// Credential Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSealed   = "sealed"
)

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Client.OwnerKey == "" {
		c.Client.OwnerKey = DefaultOwnerKey
	}
	if c.Client.Flow == "" {
		c.Client.Flow = DefaultFlow
	}

	if c.API.HelixURL == "" {
		c.API.HelixURL = DefaultHelixURL
	}
	if c.API.OAuthURL == "" {
		c.API.OAuthURL = DefaultOAuthURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}

	if c.Chat.Address == "" {
		c.Chat.Address = DefaultChatAddress
	}
	if c.Chat.RateLimit == 0 {
		c.Chat.RateLimit = DefaultChatRateLimit
	}
	if c.Chat.RateWindow == 0 {
		c.Chat.RateWindow = DefaultChatRateWindow
	}
	if c.Chat.RateBurst == 0 {
		c.Chat.RateBurst = DefaultChatRateBurst
	}

	if c.PubSub.URL == "" {
		c.PubSub.URL = DefaultPubSubURL
	}
	if c.PubSub.ResponseTimeout == 0 {
		c.PubSub.ResponseTimeout = DefaultResponseTimeout
	}

	if c.Connection.KeepaliveInterval == 0 {
		c.Connection.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.Connection.KeepaliveJitter == 0 {
		c.Connection.KeepaliveJitter = DefaultKeepaliveJitter
	}
	if c.Connection.KeepaliveTimeout == 0 {
		c.Connection.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.DialTimeout == 0 {
		c.Connection.DialTimeout = DefaultDialTimeout
	}
	if c.Connection.ReconnectUnit == 0 {
		c.Connection.ReconnectUnit = DefaultReconnectUnit
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DefaultStoreDriver
	}
	applyDBDefaults(&c.Store.Postgres)

	if c.Watch.Interval == 0 {
		c.Watch.Interval = DefaultWatchInterval
	}
	if c.Watch.Concurrency == 0 {
		c.Watch.Concurrency = DefaultWatchConcurrency
	}
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultArchiveBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultArchiveFlush
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
