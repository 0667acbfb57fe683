// Package bruteforce slows down access-code guessing with per-IP
// exponential backoff backed by a database row, so the penalty survives
// restarts and applies across instances.
package bruteforce

import (
	"context"
	"errors"
	"time"

	"github.com/streamgate/core/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// FreeAttempts failures are tolerated before any delay applies.
	FreeAttempts = 5
	baseDelay    = 2 * time.Second
	maxDelay     = 15 * time.Minute
)

type Guard struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGuard(db *gorm.DB) *Guard {
	return &Guard{db: db, now: time.Now}
}

// delayFor returns the hold-off after the given failure count.
func delayFor(attempts int) time.Duration {
	over := attempts - FreeAttempts
	if over <= 0 {
		return 0
	}
	d := baseDelay
	for i := 1; i < over; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// Check reports how long the IP must still wait before another attempt.
// Zero means the attempt may proceed.
func (g *Guard) Check(ctx context.Context, ip string) (time.Duration, error) {
	var row models.FailedLoginModel
	err := g.db.WithContext(ctx).Where("ip = ?", ip).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	hold := delayFor(row.Attempts)
	if hold == 0 {
		return 0, nil
	}
	remaining := hold - g.now().Sub(row.LastTry)
	if remaining <= 0 {
		return 0, nil
	}
	return remaining, nil
}

// RegisterFailure bumps the IP's failure counter. codeTry keeps the last
// guessed code for the ops audit trail, truncated to the column size.
func (g *Guard) RegisterFailure(ctx context.Context, ip, codeTry string) error {
	if len(codeTry) > 64 {
		codeTry = codeTry[:64]
	}
	now := g.now().UTC()
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "ip"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"attempts": gorm.Expr("attempts + 1"),
			"code_try": codeTry,
			"last_try": now,
		}),
	}).Create(&models.FailedLoginModel{
		IP:       ip,
		CodeTry:  codeTry,
		Attempts: 1,
		LastTry:  now,
	}).Error
}

// Clear forgets the IP's failures after a successful login.
func (g *Guard) Clear(ctx context.Context, ip string) error {
	return g.db.WithContext(ctx).Where("ip = ?", ip).
		Delete(&models.FailedLoginModel{}).Error
}
