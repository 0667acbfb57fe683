package gateway

import (
	"context"
	"time"

	redisc "github.com/streamgate/core/internal/pkg/redis"
	"go.uber.org/zap"
)

// Terminator publishes force-disconnect signals on per-session Redis
// channels. Server instances are horizontally scaled: the process deciding to
// terminate a session is frequently not the process holding its socket, so
// the signal travels through pub/sub rather than an in-process callback.
type Terminator struct {
	rc     *redisc.Client
	logger *zap.Logger
}

func NewTerminator(rc *redisc.Client, logger *zap.Logger) *Terminator {
	return &Terminator{rc: rc, logger: logger}
}

func terminateChannel(sessionID string) string { return terminateChanPrefix + sessionID }

// PublishTerminate is fire-and-forget: publish failures are logged and never
// surfaced to the caller, because the durable state transition that motivated
// the terminate has already committed.
func (t *Terminator) PublishTerminate(ctx context.Context, sessionID, reason string) {
	if reason == "" {
		reason = DefaultTerminateReason
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := t.rc.Publish(pubCtx, terminateChannel(sessionID), reason); err != nil {
		t.logger.Warn("publish terminate failed",
			zap.String("session_id", sessionID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}
