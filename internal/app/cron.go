package app

import (
	"context"
	"time"

	"github.com/streamgate/core/internal/modules/gateway"
	"github.com/streamgate/core/internal/modules/reaper"
	"github.com/streamgate/core/internal/modules/stats"
	pkgcron "github.com/streamgate/core/internal/pkg/cron"
	"github.com/streamgate/core/internal/pkg/lock"
)

func (a *App) registerCronJobs() {
	idle := reaper.NewIdleReaper(a.db, a.presence, gateway.NewTerminator(a.rc, a.logger), a.hub, a.policy, a.logger)
	sweeper := reaper.NewSweeper(a.db, lock.NewMySQLLocker(a.db, 0), a.policy, a.logger)
	recorder := stats.NewRecorder(a.db, a.presence, a.logger)

	a.sched.Register(pkgcron.Job{
		Name:        "idle_reaper",
		Description: "Release sessions whose clients stopped heartbeating",
		Interval:    30 * time.Second,
		Fn: func(ctx context.Context) error {
			_, err := idle.Run(ctx)
			return err
		},
	})
	a.sched.Register(pkgcron.Job{
		Name:        "retention_sweeper",
		Description: "Purge refresh tokens, audit events and sessions past retention",
		Interval:    time.Hour,
		// A restart should not defer the purge by another hour; the
		// advisory lock keeps concurrent instances from doubling up.
		RunOnStart: true,
		Fn: func(ctx context.Context) error {
			_, err := sweeper.Run(ctx)
			return err
		},
	})
	a.sched.Register(pkgcron.Job{
		Name:        "ccu_recorder",
		Description: "Snapshot the live viewer estimate once a minute",
		Interval:    time.Minute,
		Fn:          recorder.Snapshot,
	})
}
