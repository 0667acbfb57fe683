package admission

import (
	"context"
	"errors"

	"github.com/streamgate/core/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HeartbeatResult is returned on a successful heartbeat.
type HeartbeatResult struct {
	EventOnline int   `json:"event_online"`
	WindowSec   int64 `json:"window_sec"`
}

// Heartbeat keeps a viewing session alive for one presence window. It
// re-validates session activeness and the expected jti on every call: an
// in-flight heartbeat from a just-evicted session must observe the eviction,
// never trust cached state. expectedJTI == "" skips the staleness check
// (callers without an event token in hand).
func (s *Service) Heartbeat(ctx context.Context, sessionID, eventID, expectedJTI string) (*HeartbeatResult, error) {
	var sess models.SessionModel
	if err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, err
	}
	if !sess.Active {
		return nil, ErrSessionInvalid
	}
	if expectedJTI != "" && expectedJTI != sess.TokenJTI {
		return nil, ErrSessionInvalid
	}

	var code models.AccessCodeModel
	if err := s.db.WithContext(ctx).Where("id = ?", sess.CodeID).First(&code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCodeGone
		}
		return nil, err
	}
	if !code.Usable(s.now()) {
		return nil, ErrNotAllowed
	}

	onlineTTL := s.OnlineTTL(ctx)
	window := int64(onlineTTL.Seconds())

	// Accrue watch time since the previous heartbeat, capped at one window
	// so a returning client doesn't book its whole absence as watch time.
	// The event binding is sticky: set once, on the first heartbeat that
	// carries an event.
	now := s.now().UTC()
	delta := window
	if sess.LastSeen != nil {
		seen := int64(now.Sub(*sess.LastSeen).Seconds())
		if seen < 0 {
			seen = 0
		}
		if seen < delta {
			delta = seen
		}
	} else {
		delta = 0
	}

	updates := map[string]interface{}{
		"watch_seconds": gorm.Expr("watch_seconds + ?", delta),
		"last_seen":     &now,
	}
	if sess.EventID == nil && eventID != "" {
		updates["event_id"] = eventID
	}
	if err := s.db.WithContext(ctx).Model(&models.SessionModel{}).
		Where("id = ?", sessionID).
		Updates(updates).Error; err != nil {
		return nil, err
	}

	// Presence is advisory: bump failures degrade the CCU estimate, not the
	// heartbeat.
	if err := s.presence.MarkOnline(ctx, sessionID, onlineTTL); err != nil {
		s.logger.Warn("presence mark online failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	eventOnline := 0
	if eventID != "" {
		n, err := s.presence.MarkEventOnline(ctx, sessionID, eventID, onlineTTL)
		if err != nil {
			s.logger.Warn("presence mark event online failed",
				zap.String("session_id", sessionID), zap.String("event_id", eventID), zap.Error(err))
		} else {
			eventOnline = n
		}
	}

	return &HeartbeatResult{EventOnline: eventOnline, WindowSec: window}, nil
}
