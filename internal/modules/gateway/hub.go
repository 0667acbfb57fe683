package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	redisc "github.com/streamgate/core/internal/pkg/redis"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"
)

// Hub is the admin-facing notification sink: a socket.io namespace for
// dashboard clients plus Redis fan-out so broadcasts reach admins connected
// to other process instances. Broadcasting is fire-and-forget; a full queue
// drops the message rather than blocking the caller.
type Hub struct {
	broadcast chan Message

	rc                  *redisc.Client
	logger              *zap.Logger
	sio                 *socketio.Server
	adminTokenValidator func(string) bool
}

func NewHub(rc *redisc.Client, logger *zap.Logger, adminTokenValidator func(string) bool) *Hub {
	sio := socketio.NewServer(nil, nil)
	h := &Hub{
		broadcast:           make(chan Message, 256),
		rc:                  rc,
		logger:              logger,
		sio:                 sio,
		adminTokenValidator: adminTokenValidator,
	}
	h.registerNamespace()
	return h
}

// Run starts the hub loop and the Redis subscriber.
func (h *Hub) Run(ctx context.Context) {
	go h.subscribeRedis(ctx)

	for {
		select {
		case <-ctx.Done():
			h.sio.Close(nil)
			return

		case msg := <-h.broadcast:
			h.deliver(msg)
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := h.rc.Publish(ctx, redisChanAdmin, string(data)); err != nil {
				h.logger.Warn("hub publish failed", zap.Error(err))
			}
		}
	}
}

// BroadcastAdmin queues an event for every connected admin dashboard across
// all processes. Never blocks and never fails the caller.
func (h *Hub) BroadcastAdmin(event string, payload interface{}) {
	select {
	case h.broadcast <- Message{Event: event, Payload: payload}:
	default:
		h.logger.Warn("hub broadcast queue full, dropping", zap.String("event", event))
	}
}

// Handler returns the socket.io HTTP handler mounted at /socket.io.
func (h *Hub) Handler() http.Handler {
	return h.sio.ServeHandler(nil)
}

func (h *Hub) deliver(msg Message) {
	h.sio.Of(namespaceAdmin, nil).Emit("message", map[string]interface{}{
		"type": msg.Event,
		"data": msg.Payload,
	})
}

func (h *Hub) subscribeRedis(ctx context.Context) {
	pubsub := h.rc.Subscribe(ctx, redisChanAdmin)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return

		case redisMsg, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				continue
			}
			h.deliver(msg)
		}
	}
}

func (h *Hub) registerNamespace() {
	adminNS := h.sio.Of(namespaceAdmin, nil)
	_ = adminNS.On("connection", func(args ...any) {
		client, ok := args[0].(*socketio.Socket)
		if !ok {
			return
		}

		token := extractHandshakeToken(client)
		if token == "" || h.adminTokenValidator == nil || !h.adminTokenValidator(token) {
			_ = client.Emit("message", map[string]interface{}{"type": "AUTH_FAILED", "data": "auth failed"})
			client.Disconnect(true)
			return
		}

		_ = client.Emit("message", map[string]interface{}{"type": "GATEWAY_CONNECT", "data": "connected"})
	})
}

func extractHandshakeToken(client *socketio.Socket) string {
	handshake := client.Handshake()
	if handshake == nil {
		return ""
	}
	if vals, ok := handshake.Query.Gets("token"); ok && len(vals) > 0 {
		return normalizeToken(vals[0])
	}
	if vals, ok := handshake.Headers.Gets("authorization"); ok && len(vals) > 0 {
		return normalizeToken(vals[0])
	}
	return ""
}

func normalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if l := strings.ToLower(token); strings.HasPrefix(l, "bearer ") {
		token = strings.TrimSpace(token[len("bearer "):])
	}
	return token
}
