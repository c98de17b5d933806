package config

import (
	"errors"
	"fmt"

	"github.com/taifexlab/fubon-ingest/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *IngestorConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.Feed.URL == "" {
		return errors.New("feed.url is required")
	}
	if len(c.Accounts) == 0 {
		return errors.New("at least one account is required")
	}

	accounts := make(map[string]bool, len(c.Accounts))
	for i, acct := range c.Accounts {
		if acct.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		if acct.APIKey == "" {
			return fmt.Errorf("accounts[%d].api_key is required", i)
		}
		if accounts[acct.ID] {
			return fmt.Errorf("duplicate account id %q", acct.ID)
		}
		accounts[acct.ID] = true
	}

	for i, sub := range c.Subscriptions {
		if !accounts[sub.Account] {
			return fmt.Errorf("subscriptions[%d] references unknown account %q", i, sub.Account)
		}
		if len(sub.Symbols) == 0 {
			return fmt.Errorf("subscriptions[%d].symbols must not be empty", i)
		}
		for _, ch := range sub.Channels {
			if !model.Channel(ch).Valid() {
				return fmt.Errorf("subscriptions[%d]: unknown channel %q", i, ch)
			}
			if c.Feed.SpeedMode && model.Channel(ch) == model.ChannelQuotes {
				return fmt.Errorf("subscriptions[%d]: quotes channel is unavailable in speed mode", i)
			}
		}
	}

	if err := c.Database.validate("database"); err != nil {
		return err
	}

	if c.Writers.BatchSize < 1 {
		return errors.New("writers.batch_size must be >= 1")
	}
	if c.Writers.RawFlushInterval > c.Writers.FlushInterval {
		return errors.New("writers.raw_flush_interval must not exceed writers.flush_interval")
	}

	if c.Buffers.Raw < 1 || c.Buffers.Trade < 1 || c.Buffers.Book < 1 || c.Buffers.Quote < 1 {
		return errors.New("buffers must all be >= 1")
	}

	if c.Reconcile.MaxRetries < 1 {
		return errors.New("reconcile.max_retries must be >= 1")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
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
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
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
