package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taifexlab/fubon-ingest/internal/feed"
	"github.com/taifexlab/fubon-ingest/internal/model"
)

// Manager maintains exactly one logical feed connection per account.
type Manager interface {
	// Start connects, authenticates, and begins streaming.
	Start(ctx context.Context) error

	// Stop closes the connection and shuts the session down.
	Stop(ctx context.Context) error

	// Subscribe activates the given (symbol, channel) pairs. Idempotent:
	// already-active pairs are skipped.
	Subscribe(symbols []string, channels []model.Channel) error

	// Unsubscribe deactivates one (symbol, channel) pair.
	Unsubscribe(symbol string, channel model.Channel) error

	// Frames returns the stream of data frames for the pipeline.
	Frames() <-chan DataFrame

	// Fatal delivers terminal errors (bad credentials and the like).
	Fatal() <-chan error

	// State returns the current lifecycle state.
	State() State

	// Stats returns a point-in-time health snapshot.
	Stats() Stats
}

// ClientFactory builds feed connections; swapped out in tests.
type ClientFactory func(cfg feed.Config, logger *slog.Logger) feed.Client

type subResult struct {
	id  string
	err error
}

type manager struct {
	cfg        Config
	watermarks WatermarkSource
	newClient  ClientFactory
	logger     *slog.Logger

	frames chan DataFrame
	fatal  chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	client  feed.Client
	subs    map[SubKey]*Subscription
	pending map[SubKey]chan subResult
	authCh  chan error

	reconnects    atomic.Int64
	framesRouted  atomic.Int64
	framesDropped atomic.Int64
}

// NewManager creates a session manager. watermarks may be nil when no
// sequence-aware replay is wanted.
func NewManager(cfg Config, watermarks WatermarkSource, newClient ClientFactory, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if newClient == nil {
		newClient = func(fc feed.Config, l *slog.Logger) feed.Client {
			return feed.NewClient(fc, l)
		}
	}
	return &manager{
		cfg:        cfg,
		watermarks: watermarks,
		newClient:  newClient,
		logger:     logger.With("account", cfg.Account),
		frames:     make(chan DataFrame, cfg.FrameBufferSize),
		fatal:      make(chan error, 1),
		state:      StateDisconnected,
		subs:       make(map[SubKey]*Subscription),
		pending:    make(map[SubKey]chan subResult),
	}
}

// Start connects and authenticates. Terminal handshake failures are
// returned directly; the caller decides whether a retriable connection
// error warrants its own retry loop.
func (m *manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	client, err := m.connect()
	if err != nil {
		m.setState(StateDisconnected)
		return err
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(client)

	m.logger.Info("session started", "url", m.cfg.URL)
	return nil
}

// Stop shuts the session down from any state.
func (m *manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping session")
	m.setState(StateShutDown)

	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client != nil {
		client.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("session shutdown timed out")
	}

	close(m.frames)
	m.logger.Info("session stopped")
	return nil
}

func (m *manager) Frames() <-chan DataFrame { return m.frames }
func (m *manager) Fatal() <-chan error      { return m.fatal }

func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *manager) Stats() Stats {
	m.mu.Lock()
	state := m.state
	subs := len(m.subs)
	m.mu.Unlock()
	return Stats{
		State:         state,
		ActiveSubs:    subs,
		Reconnects:    m.reconnects.Load(),
		FramesRouted:  m.framesRouted.Load(),
		FramesDropped: m.framesDropped.Load(),
	}
}

func (m *manager) setState(s State) {
	m.mu.Lock()
	if m.state != StateShutDown {
		m.state = s
	}
	m.mu.Unlock()
}

// connect dials and authenticates a fresh feed connection. The returned
// error is terminal when wrapped around ErrAuthFailed.
func (m *manager) connect() (feed.Client, error) {
	m.setState(StateConnecting)

	client := m.newClient(feed.Config{
		URL:               m.cfg.URL,
		APIKey:            m.cfg.APIKey,
		APISecret:         m.cfg.APISecret,
		HandshakeTimeout:  m.cfg.HandshakeTimeout,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
		WriteTimeout:      m.cfg.WriteTimeout,
		BufferSize:        m.cfg.FrameBufferSize,
	}, m.logger)

	if err := client.Connect(m.ctx); err != nil {
		return nil, fmt.Errorf("connect feed: %w", err)
	}

	if err := m.authenticate(client); err != nil {
		client.Close()
		return nil, err
	}

	m.setState(StateAuthenticated)
	return client, nil
}

// authenticate performs the auth handshake on a freshly dialed
// connection. It reads control frames directly: the shared read loop is
// not attached until the handshake completes.
func (m *manager) authenticate(client feed.Client) error {
	cmd := feed.Command{
		Event: "auth",
		Data:  feed.AuthData{APIKey: m.cfg.APIKey, APISecret: m.cfg.APISecret},
	}
	if err := client.SendCommand(cmd); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	deadline := time.NewTimer(m.cfg.HandshakeTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("auth handshake: %w", ErrTimeout)
		case err := <-client.Errors():
			return fmt.Errorf("auth handshake: %w", err)
		case frame, ok := <-client.Frames():
			if !ok {
				return fmt.Errorf("auth handshake: connection closed")
			}
			switch frame.Event {
			case "authenticated":
				return nil
			case "error":
				var env feed.Envelope
				var errData feed.ErrorData
				json.Unmarshal(frame.Data, &env)
				json.Unmarshal(env.Data, &errData)
				if isTerminalCode(errData.Code) {
					return fmt.Errorf("%w: %s: %s", ErrAuthFailed, errData.Code, errData.Message)
				}
				return fmt.Errorf("auth handshake: %s: %s", errData.Code, errData.Message)
			default:
				// Data frames arriving before the ack are impossible on a
				// fresh connection; skip anything unexpected.
			}
		}
	}
}

// Subscribe activates the cartesian product of symbols and channels,
// skipping pairs already active. Terminal per-pair failures are joined
// into the returned error; the remaining pairs still subscribe.
func (m *manager) Subscribe(symbols []string, channels []model.Channel) error {
	if m.State() == StateShutDown {
		return ErrShutDown
	}
	m.setState(StateSubscribing)
	defer m.setState(StateStreaming)

	var errs []error
	for _, symbol := range symbols {
		for _, channel := range channels {
			key := SubKey{Symbol: symbol, Channel: channel}

			m.mu.Lock()
			_, active := m.subs[key]
			m.mu.Unlock()
			if active {
				continue
			}

			if channel == model.ChannelQuotes && !m.cfg.Capabilities.AggregatedQuotes {
				errs = append(errs, fmt.Errorf("%s/%s: %w", symbol, channel, ErrChannelUnavailable))
				continue
			}

			if err := m.subscribeKey(key); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", symbol, channel, err))
			}
		}
	}
	return errors.Join(errs...)
}

// subscribeKey sends one subscribe command and waits for the ack. The
// ack is correlated by (symbol, channel) since the feed does not echo
// command IDs.
func (m *manager) subscribeKey(key SubKey) error {
	respCh := make(chan subResult, 1)

	m.mu.Lock()
	client := m.client
	m.pending[key] = respCh
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
	}()

	if client == nil {
		return feed.ErrNotConnected
	}

	data := feed.SubscribeData{
		Channel:    string(key.Channel),
		Symbol:     key.Symbol,
		AfterHours: m.cfg.AfterHours,
	}
	// Seed sequence-aware replay for channels that support it.
	if m.watermarks != nil && key.Channel != model.ChannelQuotes {
		if wm, ok := m.watermarks.Watermark(key.Symbol, key.Channel); ok && wm.Seq > 0 {
			data.AfterSeq = wm.Seq
		}
	}

	if err := client.SendCommand(feed.Command{Event: "subscribe", Data: data}); err != nil {
		return err
	}

	select {
	case <-m.ctx.Done():
		return m.ctx.Err()
	case <-time.After(m.cfg.SubscribeTimeout):
		return ErrTimeout
	case res := <-respCh:
		if res.err != nil {
			return res.err
		}
		m.mu.Lock()
		m.subs[key] = &Subscription{Key: key, ID: res.id, AfterHours: m.cfg.AfterHours}
		m.mu.Unlock()
		m.logger.Debug("subscribed", "symbol", key.Symbol, "channel", key.Channel, "id", res.id)
		return nil
	}
}

// Unsubscribe deactivates one pair. Unknown pairs are a no-op.
func (m *manager) Unsubscribe(symbol string, channel model.Channel) error {
	if m.State() == StateShutDown {
		return ErrShutDown
	}
	key := SubKey{Symbol: symbol, Channel: channel}

	m.mu.Lock()
	sub, ok := m.subs[key]
	client := m.client
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if client == nil {
		return feed.ErrNotConnected
	}

	respCh := make(chan subResult, 1)
	m.mu.Lock()
	m.pending[key] = respCh
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
	}()

	cmd := feed.Command{Event: "unsubscribe", Data: feed.UnsubscribeData{ID: sub.ID}}
	if err := client.SendCommand(cmd); err != nil {
		return err
	}

	select {
	case <-m.ctx.Done():
		return m.ctx.Err()
	case <-time.After(m.cfg.SubscribeTimeout):
		return ErrTimeout
	case res := <-respCh:
		if res.err != nil {
			return res.err
		}
		m.mu.Lock()
		delete(m.subs, key)
		m.mu.Unlock()
		return nil
	}
}

// readLoop consumes frames from one connection until it errors or the
// session shuts down. Connection errors trigger the reconnect loop.
func (m *manager) readLoop(client feed.Client) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case err := <-client.Errors():
			m.logger.Warn("connection error", "error", err)
			m.wg.Add(1)
			go m.reconnect()
			return

		case frame, ok := <-client.Frames():
			if !ok {
				return
			}
			m.handleFrame(frame)
		}
	}
}

// handleFrame routes one frame: control acks resolve pending commands,
// data frames flow to the pipeline.
func (m *manager) handleFrame(frame feed.Frame) {
	var env feed.Envelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		m.logger.Warn("undecodable frame", "error", err)
		return
	}

	switch env.Event {
	case "subscribed", "unsubscribed":
		var ack feed.SubscribedData
		json.Unmarshal(env.Data, &ack)
		m.resolvePending(SubKey{Symbol: ack.Symbol, Channel: model.Channel(ack.Channel)}, subResult{id: ack.ID})

	case "error":
		var errData feed.ErrorData
		var ack feed.SubscribedData
		json.Unmarshal(env.Data, &errData)
		json.Unmarshal(env.Data, &ack)

		err := fmt.Errorf("%s: %s", errData.Code, errData.Message)
		if isTerminalCode(errData.Code) {
			err = fmt.Errorf("%w: %s: %s", ErrSubscriptionRejected, errData.Code, errData.Message)
		}
		key := SubKey{Symbol: ack.Symbol, Channel: model.Channel(ack.Channel)}
		if !m.resolvePending(key, subResult{err: err}) {
			m.logger.Warn("feed error", "code", errData.Code, "message", errData.Message)
		}

	case "data":
		m.framesRouted.Add(1)
		df := DataFrame{
			Channel:    model.Channel(env.Channel),
			ID:         env.ID,
			Payload:    env.Data,
			ReceivedAt: frame.ReceivedAt,
		}
		select {
		case m.frames <- df:
		case <-m.ctx.Done():
			// Shutdown raced the delivery; the frame is lost to this run.
			m.framesDropped.Add(1)
		}

	default:
		m.logger.Debug("skipping frame", "event", env.Event)
	}
}

// resolvePending delivers a command result; reports whether anyone was
// waiting.
func (m *manager) resolvePending(key SubKey, res subResult) bool {
	m.mu.Lock()
	ch, ok := m.pending[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- res:
	default:
	}
	return true
}

// reconnect walks the backoff ladder until a fresh connection streams
// again, then resubscribes the full active set exactly once per pair.
// Terminal errors abort the loop and surface on Fatal.
func (m *manager) reconnect() {
	defer m.wg.Done()

	m.setState(StateReconnecting)
	m.reconnects.Add(1)

	for attempt := 0; ; attempt++ {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.backoff(attempt)):
		}

		m.logger.Info("attempting reconnect", "attempt", attempt+1)

		m.mu.Lock()
		old := m.client
		m.mu.Unlock()
		if old != nil {
			old.Close()
		}

		client, err := m.connect()
		if err != nil {
			if errors.Is(err, ErrAuthFailed) {
				m.logger.Error("terminal error during reconnect", "error", err)
				m.setState(StateShutDown)
				select {
				case m.fatal <- err:
				default:
				}
				return
			}
			m.logger.Warn("reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}

		m.mu.Lock()
		m.client = client
		m.mu.Unlock()

		m.wg.Add(1)
		go m.readLoop(client)

		m.resubscribe()
		m.setState(StateStreaming)
		m.logger.Info("reconnected", "attempt", attempt+1)
		return
	}
}

// resubscribe re-issues the subscribe command for every active pair,
// seeding each with its current watermark.
func (m *manager) resubscribe() {
	m.setState(StateSubscribing)

	m.mu.Lock()
	keys := make([]SubKey, 0, len(m.subs))
	for key := range m.subs {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		if err := m.subscribeKey(key); err != nil {
			m.logger.Warn("resubscribe failed",
				"symbol", key.Symbol,
				"channel", key.Channel,
				"error", err,
			)
		}
	}
}

// backoff returns the delay for the given attempt: the configured
// ladder, capped at its last step, with up to 20% jitter.
func (m *manager) backoff(attempt int) time.Duration {
	delays := m.cfg.BackoffDelays
	if len(delays) == 0 {
		delays = DefaultConfig().BackoffDelays
	}
	if attempt >= len(delays) {
		attempt = len(delays) - 1
	}
	base := delays[attempt]
	jitter := time.Duration(rand.Int63n(int64(base)/5 + 1))
	return base + jitter
}
