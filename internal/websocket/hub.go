package websocket

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aussielabs/aussie/internal/logging"
	"github.com/aussielabs/aussie/internal/session"
)

// relayConn owns the two TCP legs of one relayed connection. closeWith
// is safe to call from any goroutine and idempotent; whichever caller
// wins writes the close frame.
type relayConn struct {
	client  net.Conn
	backend net.Conn
	closed  atomic.Bool
}

func (c *relayConn) closeWith(code uint16, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.client.SetWriteDeadline(time.Now().Add(time.Second))
	if err := writeClose(c.client, code, reason); err != nil {
		logging.Debug("close frame not delivered", zap.Error(err))
	}
	c.client.Close()
	c.backend.Close()
}

// closeQuiet tears both legs down without a close frame, for the normal
// end of a relay where the peers already exchanged their own.
func (c *relayConn) closeQuiet() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.client.Close()
	c.backend.Close()
}

// Hub indexes live relays by session id so an invalidation event can
// close every WebSocket bound to that session.
type Hub struct {
	mu        sync.Mutex
	bySession map[string]map[*relayConn]struct{}
}

func NewHub() *Hub {
	return &Hub{bySession: make(map[string]map[*relayConn]struct{})}
}

func (h *Hub) add(sessionID string, c *relayConn) {
	if sessionID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.bySession[sessionID]
	if !ok {
		set = make(map[*relayConn]struct{})
		h.bySession[sessionID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(sessionID string, c *relayConn) {
	if sessionID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.bySession[sessionID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.bySession, sessionID)
	}
}

// CloseSession closes every connection bound to the session with code
// 4401 and returns how many were closed.
func (h *Hub) CloseSession(sessionID string) int {
	h.mu.Lock()
	set := h.bySession[sessionID]
	delete(h.bySession, sessionID)
	conns := make([]*relayConn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith(CloseSessionInvalid, "session invalidated")
	}
	return len(conns)
}

// Len returns the number of sessions with at least one live connection.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bySession)
}

// Watch consumes session invalidations until ctx is done. onClose, if
// set, observes each invalidation that closed at least one connection.
func (h *Hub) Watch(ctx context.Context, store session.Store, onClose func(sessionID string, n int)) error {
	ch, err := store.WatchInvalidations(ctx)
	if err != nil {
		return err
	}
	go func() {
		for id := range ch {
			if n := h.CloseSession(id); n > 0 && onClose != nil {
				onClose(id, n)
			}
		}
	}()
	return nil
}
