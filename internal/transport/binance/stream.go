package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/keelworks/keel/internal/observability"
)

const listenKeyKeepAliveInterval = 30 * time.Minute

// ListenKeyer manages the user data listen key lifecycle. Implemented by the
// REST client.
type ListenKeyer interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
	CloseListenKey(ctx context.Context) error
}

// StreamConfig carries the user data stream settings.
type StreamConfig struct {
	// BaseURL is the stream endpoint, e.g. wss://fstream.binance.com.
	BaseURL string
	// KeepAliveInterval overrides the listen key refresh cadence. Zero
	// means 30 minutes; the key expires after 60 without a refresh.
	KeepAliveInterval time.Duration
}

func (c StreamConfig) normalize() StreamConfig {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = listenKeyKeepAliveInterval
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// UserDataStream maintains the authenticated websocket connection. Each
// (re)connection first invokes onReconnect so the consumer can mark the old
// sequence space dead before new frames flow.
type UserDataStream struct {
	cfg  StreamConfig
	keys ListenKeyer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewUserDataStream constructs the stream manager.
func NewUserDataStream(cfg StreamConfig, keys ListenKeyer) *UserDataStream {
	return &UserDataStream{cfg: cfg.normalize(), keys: keys}
}

// Run connects and pumps frames until the context is cancelled. handle is
// called for every data frame; onReconnect before frames of each connection,
// including the first.
func (s *UserDataStream) Run(ctx context.Context, handle func(frame []byte, receivedAt time.Time), onReconnect func()) error {
	defer s.closeListenKey()

	backoffCfg := backoff.NewExponentialBackOff()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		listenKey, err := s.keys.CreateListenKey(ctx)
		if err != nil {
			observability.Log().Error("listen key request failed",
				observability.F("error", err))
			if err := s.sleep(ctx, backoffCfg.NextBackOff()); err != nil {
				return err
			}
			continue
		}

		conn, _, err := websocket.Dial(ctx, s.cfg.BaseURL+"/ws/"+listenKey, nil)
		if err != nil {
			observability.Log().Error("user data stream dial failed",
				observability.F("error", err))
			if err := s.sleep(ctx, backoffCfg.NextBackOff()); err != nil {
				return err
			}
			continue
		}
		conn.SetReadLimit(1 << 20)
		s.setConn(conn)
		backoffCfg.Reset()

		if onReconnect != nil {
			onReconnect()
		}
		observability.Log().Info("user data stream connected")

		err = s.pump(ctx, conn, handle)
		s.setConn(nil)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return context.Canceled
		}
		observability.Log().Warn("user data stream disconnected",
			observability.F("error", err))
		if err := s.sleep(ctx, backoffCfg.NextBackOff()); err != nil {
			return err
		}
	}
}

// pump reads frames and refreshes the listen key until the connection dies.
func (s *UserDataStream) pump(ctx context.Context, conn *websocket.Conn, handle func(frame []byte, receivedAt time.Time)) error {
	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval)
	defer keepAlive.Stop()

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			select {
			case <-pumpCtx.Done():
				return
			case <-keepAlive.C:
				if err := s.keys.KeepAliveListenKey(pumpCtx); err != nil {
					observability.Log().Warn("listen key keepalive failed",
						observability.F("error", err))
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		if handle != nil {
			handle(data, time.Now().UTC())
		}
	}
}

// Close severs the current connection; Run's reconnect loop exits via its
// context.
func (s *UserDataStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
}

func (s *UserDataStream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
		return
	}
	s.conn = conn
}

func (s *UserDataStream) closeListenKey() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.keys.CloseListenKey(ctx); err != nil {
		observability.Log().Debug("listen key close failed",
			observability.F("error", err))
	}
}

func (s *UserDataStream) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
