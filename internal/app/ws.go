package app

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/streamgate/core/internal/middleware"
	"github.com/streamgate/core/internal/modules/gateway"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 75 * time.Second
	wsPingPeriod = 30 * time.Second
	wsMaxMsgSize = 4 << 10
)

// viewerConn adapts a gorilla websocket to the registry's Conn interface.
// Writes are serialized: SendNotice comes from the terminate listener
// goroutine while pings come from the keep-alive loop.
type viewerConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (v *viewerConn) SendNotice(notice gateway.TerminateNotice) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_ = v.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return v.ws.WriteJSON(notice)
}

func (v *viewerConn) Close() error {
	return v.ws.Close()
}

func (v *viewerConn) ping() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// statsFrame is the periodic counters frame a player pushes over the socket.
// Watch seconds accrue through heartbeats; the socket only contributes the
// byte counters the player alone can observe.
type statsFrame struct {
	Type     string `json:"type"`
	BytesOut int64  `json:"bytes_out"`
}

// viewerWS upgrades a viewer to the push channel that delivers terminate
// notices. Auth rides the query string because browsers cannot set headers
// on websocket upgrades.
func (a *App) viewerWS(c *gin.Context) {
	claims, err := middleware.ValidateViewerToken(a.db, c.Query("token"))
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	ws, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sid := claims.SessionID
	conn := &viewerConn{ws: ws}
	a.registry.Register(c.Request.Context(), sid, conn)

	ws.SetReadLimit(wsMaxMsgSize)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var frame statsFrame
		if json.Unmarshal(data, &frame) != nil || frame.Type != "stats" {
			continue
		}
		if frame.BytesOut <= 0 {
			continue
		}
		if err := a.admission.RecordWatchStats(c.Request.Context(), sid, 0, frame.BytesOut); err != nil {
			a.logger.Warn("record watch stats failed", zap.String("session_id", sid), zap.Error(err))
		}
	}

	close(done)
	a.registry.Unregister(sid, conn)
	_ = ws.Close()
}
