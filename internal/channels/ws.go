package channels

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gateinfra/toolgate/internal/types"
)

const wsWriteTimeout = 10 * time.Second

// WSSurface serves remote approvers over WebSocket. Every connected
// client receives each prompt; the first valid decision wins and later
// ones are no-ops at the broker. The HTTP handler is mounted behind the
// security middleware, so connections arriving here are authenticated.
type WSSurface struct {
	arbiter Arbiter
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWSSurface creates a WSSurface ready to accept connections.
func NewWSSurface(arbiter Arbiter, logger *slog.Logger) *WSSurface {
	return &WSSurface{
		arbiter: arbiter,
		logger:  logger.With("surface", "websocket"),
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

func (s *WSSurface) Name() string { return "websocket" }

// Start records the lifecycle context; connections are accepted
// directly by the HTTP handler.
func (s *WSSurface) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("websocket surface started")
	return nil
}

// Stop closes every live connection.
func (s *WSSurface) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close(websocket.StatusGoingAway, "surface shutting down")
		delete(s.conns, c)
	}
	s.logger.Info("websocket surface stopped")
	return nil
}

// Prompt broadcasts the event to every connected approver.
func (s *WSSurface) Prompt(ctx context.Context, ev types.PromptEvent) error {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err := wsjson.Write(wctx, c, ev)
		cancel()
		if err != nil {
			s.logger.Warn("prompt write failed, dropping connection", "error", err)
			s.drop(c)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and pumps decision events until the
// client disconnects.
func (s *WSSurface) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("approver connected", "remote", r.RemoteAddr)

	go s.readLoop(c)
}

func (s *WSSurface) readLoop(c *websocket.Conn) {
	defer s.drop(c)
	for {
		var ev types.DecisionEvent
		if err := wsjson.Read(s.ctx, c, &ev); err != nil {
			return
		}
		if !s.arbiter.Resolve(ev) {
			s.logger.Debug("stale decision ignored", "request", ev.RequestID)
		}
	}
}

func (s *WSSurface) drop(c *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		c.Close(websocket.StatusNormalClosure, "")
	}
}
