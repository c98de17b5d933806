package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/taifexlab/fubon-ingest/internal/model"
)

// Router fans subscriptions out across one session per account and
// merges their data frames into a single stream. Each account keeps its
// own connection, credentials, and reconnect loop.
type Router struct {
	managers map[string]Manager
	order    []string
	logger   *slog.Logger

	frames chan DataFrame
	fatal  chan error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter builds a router over one session per config. Watermarks and
// the client factory are shared across accounts.
func NewRouter(configs []Config, watermarks WatermarkSource, newClient ClientFactory, logger *slog.Logger) (*Router, error) {
	if len(configs) == 0 {
		return nil, errors.New("session: no accounts configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		managers: make(map[string]Manager, len(configs)),
		logger:   logger,
		frames:   make(chan DataFrame, configs[0].FrameBufferSize),
		fatal:    make(chan error, len(configs)),
	}
	for _, cfg := range configs {
		if cfg.Account == "" {
			return nil, errors.New("session: account identifier required")
		}
		if _, dup := r.managers[cfg.Account]; dup {
			return nil, fmt.Errorf("session: duplicate account %q", cfg.Account)
		}
		r.managers[cfg.Account] = NewManager(cfg, watermarks, newClient, logger)
		r.order = append(r.order, cfg.Account)
	}
	return r, nil
}

// Start brings every session up and begins merging their frames. A
// single failed account fails the whole start.
func (r *Router) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	for _, account := range r.order {
		mgr := r.managers[account]
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("start session %s: %w", account, err)
		}

		r.wg.Add(2)
		go r.forwardFrames(ctx, mgr)
		go r.forwardFatal(ctx, account, mgr)
	}
	r.logger.Info("session router started", "accounts", len(r.order))
	return nil
}

// Stop shuts every session down and closes the merged stream.
func (r *Router) Stop(ctx context.Context) error {
	var errs []error
	for _, account := range r.order {
		if err := r.managers[account].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop session %s: %w", account, err))
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	close(r.frames)
	return errors.Join(errs...)
}

// Subscribe activates the pairs on the named account.
func (r *Router) Subscribe(account string, symbols []string, channels []model.Channel) error {
	mgr, ok := r.managers[account]
	if !ok {
		return fmt.Errorf("session: unknown account %q", account)
	}
	return mgr.Subscribe(symbols, channels)
}

// Frames returns the merged data frame stream across all accounts.
func (r *Router) Frames() <-chan DataFrame { return r.frames }

// Fatal delivers terminal errors from any account.
func (r *Router) Fatal() <-chan error { return r.fatal }

// Stats returns per-account health snapshots.
func (r *Router) Stats() map[string]Stats {
	out := make(map[string]Stats, len(r.managers))
	for account, mgr := range r.managers {
		out[account] = mgr.Stats()
	}
	return out
}

func (r *Router) forwardFrames(ctx context.Context, mgr Manager) {
	defer r.wg.Done()
	for frame := range mgr.Frames() {
		select {
		case r.frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) forwardFatal(ctx context.Context, account string, mgr Manager) {
	defer r.wg.Done()
	select {
	case err := <-mgr.Fatal():
		select {
		case r.fatal <- fmt.Errorf("session %s: %w", account, err):
		default:
		}
	case <-ctx.Done():
	}
}
