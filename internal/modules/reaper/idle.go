// Package reaper hosts the background jobs that release abandoned sessions
// and purge expired rows.
package reaper

import (
	"context"
	"time"

	"github.com/streamgate/core/internal/models"
	"github.com/streamgate/core/internal/modules/gateway"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// PolicyIdleMinutes holds the idle threshold; 0 disables the reaper.
	PolicyIdleMinutes = "auto_release_idle_minutes"

	idleCandidateBatch = 500
)

type Presence interface {
	FilterOffline(ctx context.Context, sessionIDs []string) ([]string, error)
	MarkOffline(ctx context.Context, sessionID string) error
}

type Terminator interface {
	PublishTerminate(ctx context.Context, sessionID, reason string)
}

type Broadcaster interface {
	BroadcastAdmin(event string, payload interface{})
}

type PolicyValues interface {
	Int(ctx context.Context, name string, def int) int
}

// IdleReaper releases sessions whose clients went away without logging out,
// freeing their slot under the code's concurrency cap.
type IdleReaper struct {
	db          *gorm.DB
	presence    Presence
	terminator  Terminator
	broadcaster Broadcaster
	policy      PolicyValues
	logger      *zap.Logger
	now         func() time.Time
}

func NewIdleReaper(db *gorm.DB, presence Presence, terminator Terminator, broadcaster Broadcaster, policy PolicyValues, logger *zap.Logger) *IdleReaper {
	return &IdleReaper{
		db:          db,
		presence:    presence,
		terminator:  terminator,
		broadcaster: broadcaster,
		policy:      policy,
		logger:      logger,
		now:         time.Now,
	}
}

// Run executes one reap pass and returns how many sessions were released.
//
// The database's last_seen is only a pre-filter: the presence store is the
// authority on liveness, so a session whose heartbeat landed in redis after
// its row went stale survives the pass.
func (r *IdleReaper) Run(ctx context.Context) (int, error) {
	idleMinutes := r.policy.Int(ctx, PolicyIdleMinutes, 0)
	if idleMinutes <= 0 {
		return 0, nil
	}
	threshold := r.now().UTC().Add(-time.Duration(idleMinutes) * time.Minute)

	var candidates []models.SessionModel
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Where("(last_seen IS NOT NULL AND last_seen < ?) OR (last_seen IS NULL AND created_at < ?)", threshold, threshold).
		Limit(idleCandidateBatch).
		Find(&candidates).Error
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	ids := make([]string, len(candidates))
	for i, s := range candidates {
		ids[i] = s.ID
	}
	offline, err := r.presence.FilterOffline(ctx, ids)
	if err != nil {
		// Without presence we cannot tell idle from alive; do nothing
		// rather than kill sessions that may still be watching.
		r.logger.Warn("idle reaper: presence unavailable, skipping pass", zap.Error(err))
		return 0, nil
	}
	if len(offline) == 0 {
		return 0, nil
	}

	killed := 0
	for _, sid := range offline {
		if err := r.reapOne(ctx, sid); err != nil {
			r.logger.Warn("idle reaper: release failed",
				zap.String("session_id", sid), zap.Error(err))
			continue
		}
		killed++
	}
	if killed > 0 {
		r.logger.Info("idle sessions released", zap.Int("count", killed))
		r.broadcaster.BroadcastAdmin("session_revoked", map[string]interface{}{
			"reason": gateway.ReasonIdleTimeout,
			"count":  killed,
		})
	}
	return killed, nil
}

func (r *IdleReaper) reapOne(ctx context.Context, sessionID string) error {
	now := r.now().UTC()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SessionModel{}).
			Where("id = ? AND active = ?", sessionID, true).
			Updates(map[string]interface{}{"active": false, "connected": false})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Raced with a logout or an eviction.
			return nil
		}
		if err := tx.Model(&models.RefreshTokenModel{}).
			Where("session_id = ? AND revoked_at IS NULL", sessionID).
			Update("revoked_at", &now).Error; err != nil {
			return err
		}
		return tx.Create(&models.SessionEventModel{
			SessionID: sessionID,
			Event:     models.SessionEventIdleKill,
		}).Error
	})
	if err != nil {
		return err
	}
	if err := r.presence.MarkOffline(ctx, sessionID); err != nil {
		r.logger.Warn("idle reaper: mark offline failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	r.terminator.PublishTerminate(ctx, sessionID, gateway.ReasonIdleTimeout)
	return nil
}
