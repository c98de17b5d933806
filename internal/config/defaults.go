package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultSubscribeTimeout    = 10 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultFrameBufferSize     = 4096
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultBatchSize           = 500
	DefaultFlushInterval       = 5 * time.Second
	DefaultRawFlushInterval    = 1 * time.Second
	DefaultRawBuffer           = 8192
	DefaultTradeBuffer         = 4096
	DefaultBookBuffer          = 8192
	DefaultQuoteBuffer         = 2048
	DefaultBufferMaxMultiple   = 8
	DefaultQuoteStaleTolerance = 30 * time.Second
	DefaultSweepInterval       = 1 * time.Minute
	DefaultMaxRetries          = 5
	DefaultReconcileTimeout    = 30 * time.Second
	DefaultHealthPort          = 8080
	DefaultHealthPath          = "/healthz"
)

func (c *IngestorConfig) applyDefaults() {
	if c.Feed.HeartbeatInterval == 0 {
		c.Feed.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Feed.HandshakeTimeout == 0 {
		c.Feed.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Feed.SubscribeTimeout == 0 {
		c.Feed.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Feed.WriteTimeout == 0 {
		c.Feed.WriteTimeout = DefaultWriteTimeout
	}
	if c.Feed.FrameBufferSize == 0 {
		c.Feed.FrameBufferSize = DefaultFrameBufferSize
	}

	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.RawFlushInterval == 0 {
		c.Writers.RawFlushInterval = DefaultRawFlushInterval
	}

	if c.Buffers.Raw == 0 {
		c.Buffers.Raw = DefaultRawBuffer
	}
	if c.Buffers.Trade == 0 {
		c.Buffers.Trade = DefaultTradeBuffer
	}
	if c.Buffers.Book == 0 {
		c.Buffers.Book = DefaultBookBuffer
	}
	if c.Buffers.Quote == 0 {
		c.Buffers.Quote = DefaultQuoteBuffer
	}
	if c.Buffers.MaxMultiple == 0 {
		c.Buffers.MaxMultiple = DefaultBufferMaxMultiple
	}

	if c.Gaps.QuoteStaleTolerance == 0 {
		c.Gaps.QuoteStaleTolerance = DefaultQuoteStaleTolerance
	}

	if c.Reconcile.SweepInterval == 0 {
		c.Reconcile.SweepInterval = DefaultSweepInterval
	}
	if c.Reconcile.MaxRetries == 0 {
		c.Reconcile.MaxRetries = DefaultMaxRetries
	}
	if c.Reconcile.Timeout == 0 {
		c.Reconcile.Timeout = DefaultReconcileTimeout
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}
