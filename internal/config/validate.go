package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Client.ID == "" {
		return errors.New("client.id is required")
	}

	switch c.Client.Flow {
	case FlowRefresh:
		if c.Client.Secret == "" {
			return errors.New("client.secret is required for the refresh flow")
		}
	case FlowInteractive:
		if c.Client.RedirectURL == "" {
			return errors.New("client.redirect_url is required for the interactive flow")
		}
	case FlowClientCredentials:
		if c.Client.Secret == "" {
			return errors.New("client.secret is required for the client_credentials flow")
		}
	default:
		return fmt.Errorf("client.flow must be one of refresh, interactive, client_credentials, got %q", c.Client.Flow)
	}

	if c.Chat.Enabled && c.Chat.Address == "" {
		return errors.New("chat.address is required")
	}
	if c.Chat.RateLimit < 1 {
		return errors.New("chat.rate_limit must be >= 1")
	}
	if c.PubSub.Enabled && c.PubSub.URL == "" {
		return errors.New("pubsub.url is required")
	}

	if c.Connection.KeepaliveTimeout >= c.Connection.KeepaliveInterval {
		return fmt.Errorf("connection.keepalive_timeout (%s) must be shorter than keepalive_interval (%s)",
			c.Connection.KeepaliveTimeout, c.Connection.KeepaliveInterval)
	}
	if c.Connection.MaxAttempts < 0 {
		return errors.New("connection.max_attempts must be >= 0")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if err := c.Store.Postgres.validate("store.postgres"); err != nil {
			return err
		}
	case DriverSealed:
		if c.Store.Sealed.Path == "" {
			return errors.New("store.sealed.path is required")
		}
		if c.Store.Sealed.IdentityFile == "" {
			return errors.New("store.sealed.identity_file is required")
		}
	default:
		return fmt.Errorf("store.driver must be one of memory, postgres, sealed, got %q", c.Store.Driver)
	}

	if len(c.Watch.Logins) > 0 && c.Watch.Interval < time.Second {
		return fmt.Errorf("watch.interval must be at least 1s, got %s", c.Watch.Interval)
	}
	if c.Watch.Concurrency < 1 {
		return errors.New("watch.concurrency must be >= 1")
	}
	if c.Archive.Enabled {
		if c.Store.Driver != DriverPostgres {
			return fmt.Errorf("archive requires store.driver %q, got %q", DriverPostgres, c.Store.Driver)
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
	}

	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 0 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
