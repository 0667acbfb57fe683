package reaper

import (
	"context"
	"time"

	"github.com/streamgate/core/internal/models"
	"github.com/streamgate/core/internal/pkg/lock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Retention policy names, in days. Tunable at runtime like the rest of the
// policy hash.
const (
	PolicyRefreshRetentionDays = "refresh_retention_days"
	PolicyAuditRetentionDays   = "audit_retention_days"
	PolicySessionRetentionDays = "session_retention_days"

	DefaultRefreshRetentionDays = 7
	DefaultAuditRetentionDays   = 30
	DefaultSessionRetentionDays = 30

	sweepLockKey   = "gate:session_gc"
	sweepBatchSize = 1000
)

// Sweeper hard-deletes rows past their retention window. Deletes run in
// capped batches until exhaustion so a backlog never produces one giant
// statement.
type Sweeper struct {
	db     *gorm.DB
	locker lock.Locker
	policy PolicyValues
	logger *zap.Logger
	now    func() time.Time
}

func NewSweeper(db *gorm.DB, locker lock.Locker, policy PolicyValues, logger *zap.Logger) *Sweeper {
	return &Sweeper{db: db, locker: locker, policy: policy, logger: logger, now: time.Now}
}

// SweepResult counts deletions per table from one pass.
type SweepResult struct {
	RefreshTokens int64
	AuditEvents   int64
	Sessions      int64
}

// Run performs one sweep behind an advisory lock so only one instance does
// the work. A pass that loses the lock race is not an error.
func (s *Sweeper) Run(ctx context.Context) (*SweepResult, error) {
	var result *SweepResult
	acquired, err := s.locker.TryWithLock(ctx, sweepLockKey, func() error {
		var err error
		result, err = s.sweep(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return &SweepResult{}, nil
	}
	return result, nil
}

func (s *Sweeper) sweep(ctx context.Context) (*SweepResult, error) {
	now := s.now().UTC()
	refreshCutoff := now.AddDate(0, 0, -s.policy.Int(ctx, PolicyRefreshRetentionDays, DefaultRefreshRetentionDays))
	auditCutoff := now.AddDate(0, 0, -s.policy.Int(ctx, PolicyAuditRetentionDays, DefaultAuditRetentionDays))
	sessionCutoff := now.AddDate(0, 0, -s.policy.Int(ctx, PolicySessionRetentionDays, DefaultSessionRetentionDays))

	res := &SweepResult{}
	var err error

	// Revoked refresh tokens only. An unrevoked token belongs to a live
	// rotation chain no matter how old it is; deleting it would strand an
	// active session at its next refresh.
	res.RefreshTokens, err = deleteBatched[string](ctx, s.db, &models.RefreshTokenModel{}, "jti",
		"revoked_at IS NOT NULL AND revoked_at < ?", refreshCutoff)
	if err != nil {
		return res, err
	}

	res.AuditEvents, err = deleteBatched[uint](ctx, s.db, &models.SessionEventModel{}, "id",
		"at < ?", auditCutoff)
	if err != nil {
		return res, err
	}

	// Only inactive sessions age out, and the clock is last activity: a
	// session is kept for the retention window after it was last seen, not
	// after it was created. Never-seen sessions fall back to created_at.
	res.Sessions, err = deleteBatched[string](ctx, s.db, &models.SessionModel{}, "id",
		"active = ? AND ((last_seen IS NOT NULL AND last_seen < ?) OR (last_seen IS NULL AND created_at < ?))",
		false, sessionCutoff, sessionCutoff)
	if err != nil {
		return res, err
	}

	if total := res.RefreshTokens + res.AuditEvents + res.Sessions; total > 0 {
		s.logger.Info("retention sweep finished",
			zap.Int64("refresh_tokens", res.RefreshTokens),
			zap.Int64("audit_events", res.AuditEvents),
			zap.Int64("sessions", res.Sessions))
	}
	return res, nil
}

// deleteBatched repeatedly deletes up to sweepBatchSize matching rows until
// none remain. Primary keys are selected first because MySQL rejects LIMIT
// on some DELETE forms and sqlite lacks DELETE ... LIMIT by default.
func deleteBatched[K string | uint](ctx context.Context, db *gorm.DB, model interface{}, pk string, cond string, args ...interface{}) (int64, error) {
	var total int64
	for {
		var keys []K
		err := db.WithContext(ctx).Model(model).
			Where(cond, args...).
			Limit(sweepBatchSize).
			Pluck(pk, &keys).Error
		if err != nil {
			return total, err
		}
		if len(keys) == 0 {
			return total, nil
		}
		res := db.WithContext(ctx).Where(pk+" IN ?", keys).Delete(model)
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
		if len(keys) < sweepBatchSize {
			return total, nil
		}
	}
}
