package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/orchestrator-io/change-orchestrator/internal/realtime"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to configured origins once the ops console ships
		return true
	},
}

// wsSubscriber adapts a websocket connection to realtime.EventSubscriber so
// it can subscribe directly to the realtime event bus rather than keeping
// its own broadcast channel. Neither the dispatcher nor the engine publishes
// to that bus, so the stream only carries events some other caller publishes.
type wsSubscriber struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newWSSubscriber(conn *websocket.Conn, logger *slog.Logger) *wsSubscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSubscriber{
		id:     uuid.New().String(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

func (s *wsSubscriber) ID() string { return s.id }

func (s *wsSubscriber) Context() context.Context { return s.ctx }

func (s *wsSubscriber) Send(event realtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(event)
}

func (s *wsSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return s.conn.Close()
}

// RunStreamHandler upgrades GET /api/v1/stream/runs to a websocket connection
// and forwards every run/step/validation/queue/reactivation event published
// to bus for the lifetime of the connection. It carries no filtering or
// business logic of its own.
func RunStreamHandler(bus *realtime.DefaultEventBus, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := streamUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("stream: websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
			return
		}

		sub := newWSSubscriber(conn, logger)
		if err := bus.Subscribe(sub); err != nil {
			logger.Error("stream: subscribe failed", "error", err)
			conn.Close()
			return
		}
		logger.Info("stream: client connected", "subscriber_id", sub.ID(), "remote_addr", r.RemoteAddr)

		go readPump(sub, bus, logger)
	}
}

// readPump keeps the connection alive with pings and unsubscribes on any
// read error or client disconnect. Clients aren't expected to send data.
func readPump(sub *wsSubscriber, bus *realtime.DefaultEventBus, logger *slog.Logger) {
	defer func() {
		bus.Unsubscribe(sub)
		logger.Info("stream: client disconnected", "subscriber_id", sub.ID())
	}()

	sub.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-sub.ctx.Done():
				return
			case <-ticker.C:
				sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					sub.Close()
					return
				}
			}
		}
	}()

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("stream: read error", "subscriber_id", sub.ID(), "error", err)
			}
			sub.Close()
			return
		}
	}
}
