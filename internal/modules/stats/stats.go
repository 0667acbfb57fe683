// Package stats persists periodic snapshots of the live viewer estimate.
package stats

import (
	"context"
	"time"

	"github.com/streamgate/core/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Presence interface {
	CCUEstimate(ctx context.Context) (int, error)
}

// Recorder writes one ccu_minutely row per minute. Rows are keyed by the
// truncated minute, so concurrent instances upsert the same row instead of
// fighting over duplicates.
type Recorder struct {
	db       *gorm.DB
	presence Presence
	logger   *zap.Logger
	now      func() time.Time
}

func NewRecorder(db *gorm.DB, presence Presence, logger *zap.Logger) *Recorder {
	return &Recorder{db: db, presence: presence, logger: logger, now: time.Now}
}

// Snapshot records the current estimate under the current minute.
func (r *Recorder) Snapshot(ctx context.Context) error {
	ccu, err := r.presence.CCUEstimate(ctx)
	if err != nil {
		return err
	}
	minute := r.now().UTC().Truncate(time.Minute)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ts"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"ccu": ccu}),
	}).Create(&models.CCUMinutelyModel{TS: minute, CCU: ccu}).Error
}

// Series returns snapshots in [from, to), oldest first. Used by the admin
// dashboard chart.
func (r *Recorder) Series(ctx context.Context, from, to time.Time) ([]models.CCUMinutelyModel, error) {
	var rows []models.CCUMinutelyModel
	err := r.db.WithContext(ctx).
		Where("ts >= ? AND ts < ?", from.UTC(), to.UTC()).
		Order("ts ASC").
		Find(&rows).Error
	return rows, err
}
