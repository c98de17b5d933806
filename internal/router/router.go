package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/taifexlab/fubon-ingest/internal/model"
	"github.com/taifexlab/fubon-ingest/internal/normalize"
	"github.com/taifexlab/fubon-ingest/internal/session"
)

// Router normalizes raw data frames and fans them out to the typed
// writer buffers. The raw envelope is always routed, even when the
// channel-specific normalization fails, so the raw capture stays
// complete.
type Router interface {
	// Start begins consuming frames from the session stream.
	Start(ctx context.Context) error

	// Stop drains in-flight work and closes the output buffers.
	Stop(ctx context.Context) error

	// Buffers returns the output buffers for the writers.
	Buffers() Buffers

	// Stats returns current pipeline statistics.
	Stats() Stats
}

type pipeline struct {
	cfg        Config
	logger     *slog.Logger
	normalizer *normalize.Normalizer

	input <-chan session.DataFrame

	rawBuf   *Buffer[model.RawEnvelope]
	tradeBuf *Buffer[model.Trade]
	bookBuf  *Buffer[model.BookUpdate]
	quoteBuf *Buffer[model.Quote]

	observer  Observer
	publisher Publisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	received    int64
	routed      int64
	parseErrors int64
}

// NewRouter creates the normalization pipeline. observer and publisher
// may be nil.
func NewRouter(cfg Config, input <-chan session.DataFrame, observer Observer, publisher Publisher, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &pipeline{
		cfg:        cfg,
		logger:     logger,
		normalizer: normalize.New(),
		input:      input,
		rawBuf:     NewBuffer[model.RawEnvelope](cfg.RawBufferSize, cfg.maxFor(cfg.RawBufferSize)),
		tradeBuf:   NewBuffer[model.Trade](cfg.TradeBufferSize, cfg.maxFor(cfg.TradeBufferSize)),
		bookBuf:    NewBuffer[model.BookUpdate](cfg.BookBufferSize, cfg.maxFor(cfg.BookBufferSize)),
		quoteBuf:   NewBuffer[model.Quote](cfg.QuoteBufferSize, cfg.maxFor(cfg.QuoteBufferSize)),
		observer:   observer,
		publisher:  publisher,
	}
}

// Start begins routing frames.
func (p *pipeline) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.routeLoop()

	p.logger.Info("pipeline started",
		"raw_buffer", p.cfg.RawBufferSize,
		"trade_buffer", p.cfg.TradeBufferSize,
		"book_buffer", p.cfg.BookBufferSize,
		"quote_buffer", p.cfg.QuoteBufferSize,
	)
	return nil
}

// Stop shuts the pipeline down and closes the output buffers.
func (p *pipeline) Stop(ctx context.Context) error {
	p.logger.Info("stopping pipeline")

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pipeline stopped")
	case <-ctx.Done():
		p.logger.Warn("pipeline stop timed out")
	}

	p.rawBuf.Close()
	p.tradeBuf.Close()
	p.bookBuf.Close()
	p.quoteBuf.Close()
	return nil
}

// Buffers returns the output buffers for the writers.
func (p *pipeline) Buffers() Buffers {
	return Buffers{
		Raw:   p.rawBuf,
		Trade: p.tradeBuf,
		Book:  p.bookBuf,
		Quote: p.quoteBuf,
	}
}

// Stats returns current statistics.
func (p *pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		FramesReceived: p.received,
		FramesRouted:   p.routed,
		ParseErrors:    p.parseErrors,
		RawBuffer:      p.rawBuf.Stats(),
		TradeBuffer:    p.tradeBuf.Stats(),
		BookBuffer:     p.bookBuf.Stats(),
		QuoteBuffer:    p.quoteBuf.Stats(),
	}
}

func (p *pipeline) routeLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case frame, ok := <-p.input:
			if !ok {
				p.logger.Info("input stream closed")
				return
			}
			p.route(frame)
		}
	}
}

// route normalizes one frame and fans it out.
func (p *pipeline) route(frame session.DataFrame) {
	p.mu.Lock()
	p.received++
	p.mu.Unlock()

	var payload map[string]any
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		p.logger.Warn("undecodable payload", "channel", frame.Channel, "error", err)
		p.countParseError()
		return
	}

	env, err := p.normalizer.Envelope(payload, frame.Channel, frame.ReceivedAt)
	if err != nil {
		p.logger.Warn("envelope rejected",
			"channel", frame.Channel,
			"error", err,
		)
		p.countParseError()
		return
	}

	if p.observer != nil {
		p.observer.Observe(env)
	}

	// Raw first. A failed typed parse never loses the raw record.
	p.rawBuf.Send(env)

	switch env.Channel {
	case model.ChannelTrades:
		trade, err := p.normalizer.Trade(env)
		if err != nil {
			p.logger.Warn("trade rejected", "symbol", env.Symbol, "error", err)
			p.countParseError()
			return
		}
		p.tradeBuf.Send(trade)
		if p.publisher != nil {
			p.publisher.PublishTrade(trade)
		}

	case model.ChannelOrderbook:
		book, err := p.normalizer.Book(env)
		if err != nil {
			p.logger.Warn("book update rejected", "symbol", env.Symbol, "error", err)
			p.countParseError()
			return
		}
		p.bookBuf.Send(book)
		if p.publisher != nil {
			p.publisher.PublishBook(book)
		}

	case model.ChannelQuotes:
		quote, err := p.normalizer.Quote(env)
		if err != nil {
			p.logger.Warn("quote rejected", "symbol", env.Symbol, "error", err)
			p.countParseError()
			return
		}
		p.quoteBuf.Send(quote)
		if p.publisher != nil {
			p.publisher.PublishQuote(quote)
		}

	default:
		p.logger.Debug("skipping channel", "channel", env.Channel)
		return
	}

	p.mu.Lock()
	p.routed++
	p.mu.Unlock()
}

func (p *pipeline) countParseError() {
	p.mu.Lock()
	p.parseErrors++
	p.mu.Unlock()
}
