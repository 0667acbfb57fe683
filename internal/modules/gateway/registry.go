package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	redisc "github.com/streamgate/core/internal/pkg/redis"
	"go.uber.org/zap"
)

type registryEntry struct {
	conn   Conn
	cancel context.CancelFunc
}

// Registry is the per-process map of active viewer connections. Each
// registered connection owns exactly one terminate-channel subscription;
// cancelling either side deterministically stops the other, so subscriptions
// never outlive their connection.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]*registryEntry
	rc     *redisc.Client
	logger *zap.Logger
}

func NewRegistry(rc *redisc.Client, logger *zap.Logger) *Registry {
	return &Registry{conns: make(map[string]*registryEntry), rc: rc, logger: logger}
}

// Register stores the connection for a session and starts its terminate
// subscription. A prior connection for the same session is superseded: torn
// down first, never leaked.
func (r *Registry) Register(ctx context.Context, sessionID string, conn Conn) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	r.mu.Lock()
	if old, ok := r.conns[sessionID]; ok {
		old.cancel()
		_ = old.conn.Close()
	}
	r.conns[sessionID] = &registryEntry{conn: conn, cancel: cancel}
	r.mu.Unlock()

	go r.listen(subCtx, sessionID, conn)
}

// Unregister removes the connection only if the stored handle matches the one
// passed. A stale connection's cleanup path must not evict a handle
// registered by a newer connection for the same session.
func (r *Registry) Unregister(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[sessionID]
	if !ok || entry.conn != conn {
		return
	}
	entry.cancel()
	delete(r.conns, sessionID)
}

// Get returns the live connection for a session, if this process holds one.
func (r *Registry) Get(sessionID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[sessionID]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// Count returns the number of live connections held by this process.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// listen polls the session's terminate channel with a bounded timeout until
// a message arrives or the subscription is cancelled.
func (r *Registry) listen(ctx context.Context, sessionID string, conn Conn) {
	pubsub := r.rc.Subscribe(ctx, terminateChannel(sessionID))
	defer pubsub.Close()

	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := pubsub.ReceiveTimeout(ctx, terminatePollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			r.logger.Debug("terminate listener receive failed",
				zap.String("session_id", sessionID), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		if m, ok := msg.(*redis.Message); ok {
			reason := m.Payload
			if reason == "" {
				reason = DefaultTerminateReason
			}
			r.terminate(sessionID, conn, reason)
			return
		}
	}
}

// terminate sends the notice, closes the connection, then evicts the handle.
// Eviction happens even when the send fails.
func (r *Registry) terminate(sessionID string, conn Conn, reason string) {
	if err := conn.SendNotice(TerminateNotice{Type: "terminate", Reason: reason}); err != nil {
		r.logger.Debug("terminate notice send failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := conn.Close(); err != nil {
		r.logger.Debug("terminate close failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	r.mu.Lock()
	if entry, ok := r.conns[sessionID]; ok && entry.conn == conn {
		entry.cancel()
		delete(r.conns, sessionID)
	}
	r.mu.Unlock()
}
