package router

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/taifexlab/fubon-ingest/internal/model"
	"github.com/taifexlab/fubon-ingest/internal/session"
)

type recordingObserver struct {
	mu   sync.Mutex
	envs []model.RawEnvelope
}

func (o *recordingObserver) Observe(env model.RawEnvelope) {
	o.mu.Lock()
	o.envs = append(o.envs, env)
	o.mu.Unlock()
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.envs)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startPipeline(t *testing.T, obs Observer) (Router, chan session.DataFrame) {
	t.Helper()
	input := make(chan session.DataFrame, 16)
	r := NewRouter(DefaultConfig(), input, obs, nil, testLogger())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r, input
}

func frame(channel model.Channel, payload string) session.DataFrame {
	return session.DataFrame{
		Channel:    channel,
		Payload:    []byte(payload),
		ReceivedAt: time.Now(),
	}
}

func waitStats(t *testing.T, r Router, cond func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(r.Stats()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stats condition not met: %+v", r.Stats())
}

func TestRouterRoutesTrade(t *testing.T) {
	obs := &recordingObserver{}
	r, input := startPipeline(t, obs)

	input <- frame(model.ChannelTrades,
		`{"symbol":"TXFA4","matchTime":1702359886936000,"matchPrice":"17460","matchQty":1,"matchNo":"T0001","seq":101}`)

	waitStats(t, r, func(s Stats) bool { return s.FramesRouted == 1 })

	trade, ok := r.Buffers().Trade.TryReceive()
	if !ok {
		t.Fatal("no trade in buffer")
	}
	if trade.Symbol != "TXFA4" {
		t.Errorf("symbol = %s", trade.Symbol)
	}
	if trade.Price.String() != "17460" {
		t.Errorf("price = %s", trade.Price)
	}
	if trade.EventSeq != 101 {
		t.Errorf("seq = %d", trade.EventSeq)
	}

	env, ok := r.Buffers().Raw.TryReceive()
	if !ok {
		t.Fatal("no raw envelope in buffer")
	}
	if env.Channel != model.ChannelTrades {
		t.Errorf("raw channel = %s", env.Channel)
	}
	if obs.count() != 1 {
		t.Errorf("observer saw %d envelopes, want 1", obs.count())
	}
}

func TestRouterRoutesBookUpdate(t *testing.T) {
	r, input := startPipeline(t, nil)

	input <- frame(model.ChannelOrderbook,
		`{"symbol":"TXFA4","updateTime":1702359886936000,"bookSeq":55,"bids":[["17459",10],["17458",7]],"asks":[["17461",8]]}`)

	waitStats(t, r, func(s Stats) bool { return s.FramesRouted == 1 })

	book, ok := r.Buffers().Book.TryReceive()
	if !ok {
		t.Fatal("no book update in buffer")
	}
	if book.BookSeq != 55 {
		t.Errorf("bookSeq = %d", book.BookSeq)
	}
	if len(book.Levels) != 2 {
		t.Fatalf("levels = %d, want 2", len(book.Levels))
	}
	if book.Levels[0].BidPrice.String() != "17459" {
		t.Errorf("level 1 bid = %s", book.Levels[0].BidPrice)
	}
}

func TestRouterKeepsRawWhenTypedParseFails(t *testing.T) {
	r, input := startPipeline(t, nil)

	// Valid envelope (symbol + timestamp), but no trade fields.
	input <- frame(model.ChannelTrades,
		`{"symbol":"TXFA4","matchTime":1702359886936000}`)

	waitStats(t, r, func(s Stats) bool { return s.ParseErrors == 1 })

	if _, ok := r.Buffers().Raw.TryReceive(); !ok {
		t.Error("raw envelope lost on typed parse failure")
	}
	if _, ok := r.Buffers().Trade.TryReceive(); ok {
		t.Error("unexpected trade record")
	}
	if got := r.Stats().FramesRouted; got != 0 {
		t.Errorf("framesRouted = %d, want 0", got)
	}
}

func TestRouterRejectsEnvelopeWithoutSymbol(t *testing.T) {
	r, input := startPipeline(t, nil)

	input <- frame(model.ChannelTrades, `{"matchTime":1702359886936000,"matchPrice":"17460"}`)

	waitStats(t, r, func(s Stats) bool { return s.ParseErrors == 1 })

	if _, ok := r.Buffers().Raw.TryReceive(); ok {
		t.Error("rejected envelope must not reach the raw buffer")
	}
}

func TestRouterRoutesQuote(t *testing.T) {
	r, input := startPipeline(t, nil)

	input <- frame(model.ChannelQuotes,
		`{"symbol":"TXFA4","updateTime":1702359886936000,"lastPrice":"17460","bidPrice":"17459","askPrice":"17461","totalVolume":12034}`)

	waitStats(t, r, func(s Stats) bool { return s.FramesRouted == 1 })

	quote, ok := r.Buffers().Quote.TryReceive()
	if !ok {
		t.Fatal("no quote in buffer")
	}
	if quote.Symbol != "TXFA4" {
		t.Errorf("symbol = %s", quote.Symbol)
	}
	if quote.LastPrice.String() != "17460" {
		t.Errorf("lastPrice = %s", quote.LastPrice)
	}
}
