package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

// startFeedServer runs a websocket endpoint; handler drives one upgraded
// connection.
func startFeedServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testClientConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.BufferSize = 16
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestClientDeclaresStaleWithoutHeartbeats(t *testing.T) {
	// The server swallows every ping and never answers.
	url := startFeedServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient(testClientConfig(url), quietLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case err := <-c.Errors():
		if !errors.Is(err, ErrStaleConnection) {
			t.Fatalf("error = %v, want ErrStaleConnection", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("silent connection never declared stale")
	}
}

func TestClientHeartbeatsRefreshLiveness(t *testing.T) {
	url := startFeedServer(t, func(conn *websocket.Conn) {
		hb, _ := json.Marshal(Envelope{Event: "heartbeat"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, hb); err != nil {
				return
			}
		}
	})

	cfg := testClientConfig(url)
	c := NewClient(cfg, quietLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	// Several staleness windows pass without the watchdog firing.
	select {
	case err := <-c.Errors():
		t.Fatalf("unexpected error with live heartbeats: %v", err)
	case <-time.After(6 * cfg.HeartbeatInterval):
	}
	if !c.IsConnected() {
		t.Error("client no longer connected")
	}

	// Heartbeats never reach the frame stream.
	select {
	case frame := <-c.Frames():
		t.Errorf("unexpected %q frame on the data stream", frame.Event)
	default:
	}
}

func TestClientRoutesDataFrames(t *testing.T) {
	url := startFeedServer(t, func(conn *websocket.Conn) {
		hb, _ := json.Marshal(Envelope{Event: "heartbeat"})
		conn.WriteMessage(websocket.TextMessage, hb)
		data, _ := json.Marshal(Envelope{
			Event:   "data",
			Channel: "trades",
			Data:    json.RawMessage(`{"symbol":"TXFA4","matchPrice":"17460"}`),
		})
		conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient(testClientConfig(url), quietLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case frame := <-c.Frames():
		if frame.Event != "data" {
			t.Errorf("frame event = %q, want data", frame.Event)
		}
		if frame.ReceivedAt.IsZero() {
			t.Error("frame missing receive timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("data frame never delivered")
	}
}

func TestClientSendAfterCloseFails(t *testing.T) {
	url := startFeedServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient(testClientConfig(url), quietLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Close()

	if err := c.Send([]byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after close = %v, want ErrNotConnected", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect after close = %v, want ErrAlreadyClosed", err)
	}
}
