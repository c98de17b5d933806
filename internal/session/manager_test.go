package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/taifexlab/fubon-ingest/internal/feed"
	"github.com/taifexlab/fubon-ingest/internal/model"
)

// fakeClient scripts the feed side of the handshake: auth and subscribe
// commands are acked immediately on the frames channel.
type fakeClient struct {
	mu        sync.Mutex
	commands  []feed.Command
	connected bool

	frames chan feed.Frame
	errs   chan error

	authError *feed.ErrorData // when set, auth is rejected with this error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		frames: make(chan feed.Frame, 64),
		errs:   make(chan error, 1),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Send(data []byte) error { return nil }

func (f *fakeClient) SendCommand(cmd feed.Command) error {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	switch cmd.Event {
	case "auth":
		if f.authError != nil {
			f.push("error", f.authError)
			return nil
		}
		f.push("authenticated", nil)
	case "subscribe":
		data := cmd.Data.(feed.SubscribeData)
		f.push("subscribed", feed.SubscribedData{
			ID:      "ch-" + data.Symbol + "-" + data.Channel,
			Channel: data.Channel,
			Symbol:  data.Symbol,
		})
	case "unsubscribe":
		// The real feed echoes the pair in the ack; mirror that here so
		// the pending map resolves.
	}
	return nil
}

func (f *fakeClient) Frames() <-chan feed.Frame { return f.frames }
func (f *fakeClient) Errors() <-chan error      { return f.errs }
func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) push(event string, data any) {
	env := map[string]any{"event": event}
	if data != nil {
		env["data"] = data
	}
	b, _ := json.Marshal(env)
	f.frames <- feed.Frame{Event: event, Data: b, ReceivedAt: time.Now()}
}

func (f *fakeClient) pushData(channel, payload string) {
	b, _ := json.Marshal(map[string]any{
		"event":   "data",
		"channel": channel,
		"data":    json.RawMessage(payload),
	})
	f.frames <- feed.Frame{Event: "data", Data: b, ReceivedAt: time.Now()}
}

func (f *fakeClient) commandsByEvent(event string) []feed.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []feed.Command
	for _, cmd := range f.commands {
		if cmd.Event == event {
			out = append(out, cmd)
		}
	}
	return out
}

// fakeWatermarks serves fixed watermarks for resubscription tests.
type fakeWatermarks struct {
	seqs map[SubKey]int64
}

func (w *fakeWatermarks) Watermark(symbol string, channel model.Channel) (model.Watermark, bool) {
	seq, ok := w.seqs[SubKey{Symbol: symbol, Channel: channel}]
	if !ok {
		return model.Watermark{}, false
	}
	return model.Watermark{Symbol: symbol, Channel: channel, Seq: seq}, true
}

// clientHarness hands out fake clients in order and remembers them.
type clientHarness struct {
	mu      sync.Mutex
	clients []*fakeClient
}

func (h *clientHarness) factory(cfg feed.Config, logger *slog.Logger) feed.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := newFakeClient()
	h.clients = append(h.clients, c)
	return c
}

func (h *clientHarness) client(i int) *fakeClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.clients) {
		return nil
	}
	return h.clients[i]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Account = "acct-1"
	cfg.URL = "wss://feed.test/stream"
	cfg.APIKey = "key"
	cfg.SubscribeTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.BackoffDelays = []time.Duration{time.Millisecond}
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestManagerStartAndSubscribe(t *testing.T) {
	harness := &clientHarness{}
	mgr := NewManager(testConfig(), nil, harness.factory, quietLogger())

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop(ctx)

	if err := mgr.Subscribe([]string{"TXFA4"}, []model.Channel{model.ChannelTrades, model.ChannelOrderbook}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := mgr.State(); got != StateStreaming {
		t.Errorf("state = %s, want %s", got, StateStreaming)
	}
	if got := mgr.Stats().ActiveSubs; got != 2 {
		t.Errorf("active subs = %d, want 2", got)
	}

	// Repeating the same request must not send more commands.
	before := len(harness.client(0).commandsByEvent("subscribe"))
	if err := mgr.Subscribe([]string{"TXFA4"}, []model.Channel{model.ChannelTrades}); err != nil {
		t.Fatalf("repeat Subscribe: %v", err)
	}
	after := len(harness.client(0).commandsByEvent("subscribe"))
	if before != after {
		t.Errorf("idempotent subscribe sent %d extra commands", after-before)
	}
}

func TestManagerRoutesDataFrames(t *testing.T) {
	harness := &clientHarness{}
	mgr := NewManager(testConfig(), nil, harness.factory, quietLogger())

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop(ctx)

	harness.client(0).pushData("trades", `{"symbol":"TXFA4","price":"17460"}`)

	select {
	case frame := <-mgr.Frames():
		if frame.Channel != model.ChannelTrades {
			t.Errorf("channel = %s, want trades", frame.Channel)
		}
		if len(frame.Payload) == 0 {
			t.Error("empty payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame routed")
	}
}

func TestManagerReconnectResubscribesOnce(t *testing.T) {
	harness := &clientHarness{}
	watermarks := &fakeWatermarks{seqs: map[SubKey]int64{
		{Symbol: "TXFA4", Channel: model.ChannelTrades}: 1041,
	}}
	mgr := NewManager(testConfig(), watermarks, harness.factory, quietLogger())

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop(ctx)

	if err := mgr.Subscribe([]string{"TXFA4"}, []model.Channel{model.ChannelTrades}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	harness.client(0).errs <- feed.ErrStaleConnection

	waitFor(t, 3*time.Second, func() bool {
		stats := mgr.Stats()
		return stats.State == StateStreaming && stats.Reconnects == 1
	})

	second := harness.client(1)
	if second == nil {
		t.Fatal("no second connection dialed")
	}
	subs := second.commandsByEvent("subscribe")
	if len(subs) != 1 {
		t.Fatalf("resubscribe sent %d commands, want 1", len(subs))
	}
	data := subs[0].Data.(feed.SubscribeData)
	if data.Symbol != "TXFA4" || data.Channel != string(model.ChannelTrades) {
		t.Errorf("resubscribed to %s/%s", data.Symbol, data.Channel)
	}
	if data.AfterSeq != 1041 {
		t.Errorf("afterSeq = %d, want watermark 1041", data.AfterSeq)
	}
	if len(second.commandsByEvent("auth")) != 1 {
		t.Error("reconnect did not reauthenticate")
	}
}

func TestManagerAuthFailureIsTerminal(t *testing.T) {
	harness := &clientHarness{}
	factory := func(cfg feed.Config, logger *slog.Logger) feed.Client {
		c := newFakeClient()
		c.authError = &feed.ErrorData{Code: "invalid-credentials", Message: "bad key"}
		harness.mu.Lock()
		harness.clients = append(harness.clients, c)
		harness.mu.Unlock()
		return c
	}
	mgr := NewManager(testConfig(), nil, factory, quietLogger())

	err := mgr.Start(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Start error = %v, want ErrAuthFailed", err)
	}
	if got := mgr.State(); got != StateDisconnected {
		t.Errorf("state = %s, want %s", got, StateDisconnected)
	}
}

func TestManagerQuotesRequireCapability(t *testing.T) {
	cfg := testConfig()
	cfg.Capabilities.AggregatedQuotes = false

	harness := &clientHarness{}
	mgr := NewManager(cfg, nil, harness.factory, quietLogger())

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop(ctx)

	err := mgr.Subscribe([]string{"TXFA4"}, []model.Channel{model.ChannelQuotes, model.ChannelTrades})
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("Subscribe error = %v, want ErrChannelUnavailable", err)
	}
	// The trades subscription must still have gone through.
	if got := mgr.Stats().ActiveSubs; got != 1 {
		t.Errorf("active subs = %d, want 1", got)
	}
}

func TestManagerRejectsCommandsAfterStop(t *testing.T) {
	harness := &clientHarness{}
	mgr := NewManager(testConfig(), nil, harness.factory, quietLogger())

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := mgr.Subscribe([]string{"TXFA4"}, []model.Channel{model.ChannelTrades}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := mgr.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := mgr.Subscribe([]string{"MXFA4"}, []model.Channel{model.ChannelTrades}); !errors.Is(err, ErrShutDown) {
		t.Errorf("Subscribe after Stop = %v, want ErrShutDown", err)
	}
	if err := mgr.Unsubscribe("TXFA4", model.ChannelTrades); !errors.Is(err, ErrShutDown) {
		t.Errorf("Unsubscribe after Stop = %v, want ErrShutDown", err)
	}
}

func TestRouterMergesAccounts(t *testing.T) {
	harness := &clientHarness{}

	cfgA := testConfig()
	cfgA.Account = "acct-a"
	cfgB := testConfig()
	cfgB.Account = "acct-b"

	router, err := NewRouter([]Config{cfgA, cfgB}, nil, harness.factory, quietLogger())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	ctx := context.Background()
	if err := router.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := router.Subscribe("acct-a", []string{"TXFA4"}, []model.Channel{model.ChannelTrades}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := router.Subscribe("acct-c", []string{"TXFA4"}, []model.Channel{model.ChannelTrades}); err == nil {
		t.Error("expected error for unknown account")
	}

	harness.client(0).pushData("trades", `{"symbol":"TXFA4"}`)
	harness.client(1).pushData("orderbook", `{"symbol":"MXFA4"}`)

	got := map[model.Channel]bool{}
	for i := 0; i < 2; i++ {
		select {
		case frame := <-router.Frames():
			got[frame.Channel] = true
		case <-time.After(2 * time.Second):
			t.Fatal("merged stream starved")
		}
	}
	if !got[model.ChannelTrades] || !got[model.ChannelOrderbook] {
		t.Errorf("merged frames = %v, want both channels", got)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := router.Stop(stopCtx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
