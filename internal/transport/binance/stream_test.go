package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type fakeListenKeyer struct {
	created atomic.Int64
	closed  atomic.Int64
}

func (f *fakeListenKeyer) CreateListenKey(context.Context) (string, error) {
	f.created.Add(1)
	return "test-listen-key", nil
}

func (f *fakeListenKeyer) KeepAliveListenKey(context.Context) error { return nil }

func (f *fakeListenKeyer) CloseListenKey(context.Context) error {
	f.closed.Add(1)
	return nil
}

func TestUserDataStreamDeliversFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/ws/test-listen-key") {
			t.Errorf("dial path %s missing listen key", r.URL.Path)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"e":"frame-1"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"e":"frame-2"}`))
		// Hold the connection open until the client goes away.
		_, _, _ = conn.Read(ctx)
	}))
	defer server.Close()

	keys := &fakeListenKeyer{}
	stream := NewUserDataStream(StreamConfig{
		BaseURL: "ws" + strings.TrimPrefix(server.URL, "http"),
	}, keys)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var frames []string
	reconnects := 0
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = stream.Run(ctx,
			func(frame []byte, _ time.Time) {
				mu.Lock()
				frames = append(frames, string(frame))
				if len(frames) == 2 {
					cancel()
				}
				mu.Unlock()
			},
			func() {
				mu.Lock()
				reconnects++
				mu.Unlock()
			})
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frames) < 2 || frames[0] != `{"e":"frame-1"}` || frames[1] != `{"e":"frame-2"}` {
		t.Fatalf("frames: %v", frames)
	}
	if reconnects < 1 {
		t.Fatal("onReconnect must fire before the first frame")
	}
	if keys.created.Load() < 1 {
		t.Fatal("listen key never requested")
	}
	if keys.closed.Load() != 1 {
		t.Fatal("listen key not closed on shutdown")
	}
}
