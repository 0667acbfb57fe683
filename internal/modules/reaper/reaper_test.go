package reaper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/streamgate/core/internal/models"
	"github.com/streamgate/core/internal/pkg/lock"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakePresence struct {
	mu      sync.Mutex
	online  map[string]bool
	offline []string
	err     error
}

func (f *fakePresence) FilterOffline(ctx context.Context, ids []string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range ids {
		if !f.online[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakePresence) MarkOffline(ctx context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.online, sid)
	f.offline = append(f.offline, sid)
	return nil
}

type fakeTerminator struct {
	mu    sync.Mutex
	calls map[string]string
}

func (f *fakeTerminator) PublishTerminate(ctx context.Context, sid, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]string)
	}
	f.calls[sid] = reason
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBroadcaster) BroadcastAdmin(event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

type mapPolicy map[string]int

func (m mapPolicy) Int(ctx context.Context, name string, def int) int {
	if v, ok := m[name]; ok {
		return v
	}
	return def
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.SessionModel{},
		&models.RefreshTokenModel{},
		&models.SessionEventModel{},
	))
	return db
}

func seedSession(t *testing.T, db *gorm.DB, id string, active bool, lastSeen *time.Time) {
	t.Helper()
	sess := &models.SessionModel{
		ID:       id,
		CodeID:   "code-1",
		TokenJTI: "jti-" + id,
		Active:   active,
		LastSeen: lastSeen,
	}
	require.NoError(t, db.Create(sess).Error)
	require.NoError(t, db.Create(&models.RefreshTokenModel{JTI: "rt-" + id, SessionID: id}).Error)
}

func TestIdleReaperDisabledByDefault(t *testing.T) {
	db := newTestDB(t)
	stale := time.Now().UTC().Add(-2 * time.Hour)
	seedSession(t, db, "s1", true, &stale)

	r := NewIdleReaper(db, &fakePresence{online: map[string]bool{}}, &fakeTerminator{}, &fakeBroadcaster{}, mapPolicy{}, zap.NewNop())
	n, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	var sess models.SessionModel
	require.NoError(t, db.First(&sess, "id = ?", "s1").Error)
	assert.True(t, sess.Active)
}

func TestIdleReaperReleasesStaleOfflineSessions(t *testing.T) {
	db := newTestDB(t)
	stale := time.Now().UTC().Add(-30 * time.Minute)
	fresh := time.Now().UTC().Add(-1 * time.Minute)
	seedSession(t, db, "stale-offline", true, &stale)
	seedSession(t, db, "fresh", true, &fresh)

	presence := &fakePresence{online: map[string]bool{}}
	term := &fakeTerminator{}
	bc := &fakeBroadcaster{}
	r := NewIdleReaper(db, presence, term, bc, mapPolicy{PolicyIdleMinutes: 10}, zap.NewNop())

	n, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var sess models.SessionModel
	require.NoError(t, db.First(&sess, "id = ?", "stale-offline").Error)
	assert.False(t, sess.Active)

	var rt models.RefreshTokenModel
	require.NoError(t, db.First(&rt, "jti = ?", "rt-stale-offline").Error)
	assert.NotNil(t, rt.RevokedAt)

	var events []models.SessionEventModel
	require.NoError(t, db.Where("session_id = ?", "stale-offline").Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, models.SessionEventIdleKill, events[0].Event)

	assert.Equal(t, "idle_timeout", term.calls["stale-offline"])
	assert.Contains(t, bc.events, "session_revoked")

	require.NoError(t, db.First(&sess, "id = ?", "fresh").Error)
	assert.True(t, sess.Active)
}

func TestIdleReaperTrustsPresenceOverDatabase(t *testing.T) {
	db := newTestDB(t)
	stale := time.Now().UTC().Add(-30 * time.Minute)
	seedSession(t, db, "stale-but-online", true, &stale)

	// Heartbeats landed in redis while the row's last_seen lagged.
	presence := &fakePresence{online: map[string]bool{"stale-but-online": true}}
	r := NewIdleReaper(db, presence, &fakeTerminator{}, &fakeBroadcaster{}, mapPolicy{PolicyIdleMinutes: 10}, zap.NewNop())

	n, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	var sess models.SessionModel
	require.NoError(t, db.First(&sess, "id = ?", "stale-but-online").Error)
	assert.True(t, sess.Active)
}

func TestIdleReaperSkipsPassWhenPresenceDown(t *testing.T) {
	db := newTestDB(t)
	stale := time.Now().UTC().Add(-30 * time.Minute)
	seedSession(t, db, "s1", true, &stale)

	presence := &fakePresence{err: fmt.Errorf("redis down")}
	r := NewIdleReaper(db, presence, &fakeTerminator{}, &fakeBroadcaster{}, mapPolicy{PolicyIdleMinutes: 10}, zap.NewNop())

	n, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	var sess models.SessionModel
	require.NoError(t, db.First(&sess, "id = ?", "s1").Error)
	assert.True(t, sess.Active)
}

func TestIdleReaperNeverSeenSessions(t *testing.T) {
	db := newTestDB(t)
	seedSession(t, db, "ghost", true, nil)
	require.NoError(t, db.Model(&models.SessionModel{}).Where("id = ?", "ghost").
		Update("created_at", time.Now().UTC().Add(-time.Hour)).Error)

	r := NewIdleReaper(db, &fakePresence{online: map[string]bool{}}, &fakeTerminator{}, &fakeBroadcaster{}, mapPolicy{PolicyIdleMinutes: 10}, zap.NewNop())
	n, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a session that never heartbeated ages out by created_at")
}

func TestSweeperPurgesExpiredRows(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -40)
	revokedOld := now.AddDate(0, 0, -10)

	// Inactive old session: swept. Active old session: kept.
	require.NoError(t, db.Create(&models.SessionModel{ID: "dead", CodeID: "c", TokenJTI: "j1", Active: false}).Error)
	require.NoError(t, db.Create(&models.SessionModel{ID: "alive", CodeID: "c", TokenJTI: "j2", Active: true}).Error)
	require.NoError(t, db.Model(&models.SessionModel{}).Where("id IN ?", []string{"dead", "alive"}).
		Update("created_at", old).Error)

	require.NoError(t, db.Create(&models.RefreshTokenModel{JTI: "rt-old-revoked", SessionID: "dead", RevokedAt: &revokedOld}).Error)
	require.NoError(t, db.Create(&models.RefreshTokenModel{JTI: "rt-live", SessionID: "alive"}).Error)

	require.NoError(t, db.Create(&models.SessionEventModel{SessionID: "dead", Event: models.SessionEventLogin}).Error)
	require.NoError(t, db.Model(&models.SessionEventModel{}).Where("session_id = ?", "dead").
		Update("at", old).Error)
	require.NoError(t, db.Create(&models.SessionEventModel{SessionID: "alive", Event: models.SessionEventLogin}).Error)

	sw := NewSweeper(db, lock.NewKeyedMutex(), mapPolicy{}, zap.NewNop())
	res, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.RefreshTokens)
	assert.EqualValues(t, 1, res.AuditEvents)
	assert.EqualValues(t, 1, res.Sessions)

	var sessions []models.SessionModel
	require.NoError(t, db.Find(&sessions).Error)
	require.Len(t, sessions, 1)
	assert.Equal(t, "alive", sessions[0].ID)

	var tokens []models.RefreshTokenModel
	require.NoError(t, db.Find(&tokens).Error)
	require.Len(t, tokens, 1)
	assert.Equal(t, "rt-live", tokens[0].JTI)
}

func TestSweeperKeepsValidRefreshTokens(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	// An old but unrevoked token is the live end of a rotation chain: the
	// session would be stranded at its next refresh if age alone swept it.
	require.NoError(t, db.Create(&models.SessionModel{ID: "s1", CodeID: "c", TokenJTI: "j1", Active: true}).Error)
	require.NoError(t, db.Create(&models.RefreshTokenModel{JTI: "rt-aged-valid", SessionID: "s1"}).Error)
	require.NoError(t, db.Model(&models.RefreshTokenModel{}).Where("jti = ?", "rt-aged-valid").
		Update("issued_at", now.AddDate(0, 0, -10)).Error)

	sw := NewSweeper(db, lock.NewKeyedMutex(), mapPolicy{}, zap.NewNop())
	res, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.RefreshTokens)

	var n int64
	require.NoError(t, db.Model(&models.RefreshTokenModel{}).
		Where("jti = ?", "rt-aged-valid").Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestSweeperRetainsSessionsByLastActivity(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -40)
	recent := now.AddDate(0, 0, -1)

	// Created long ago but active until yesterday: the retention window
	// starts at last_seen, so the row and its history stay.
	require.NoError(t, db.Create(&models.SessionModel{ID: "long-lived", CodeID: "c", TokenJTI: "j1", Active: false, LastSeen: &recent}).Error)
	require.NoError(t, db.Create(&models.SessionModel{ID: "long-dead", CodeID: "c", TokenJTI: "j2", Active: false, LastSeen: &old}).Error)
	require.NoError(t, db.Model(&models.SessionModel{}).Where("id IN ?", []string{"long-lived", "long-dead"}).
		Update("created_at", old).Error)

	sw := NewSweeper(db, lock.NewKeyedMutex(), mapPolicy{}, zap.NewNop())
	res, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Sessions)

	var sessions []models.SessionModel
	require.NoError(t, db.Find(&sessions).Error)
	require.Len(t, sessions, 1)
	assert.Equal(t, "long-lived", sessions[0].ID)
}

func TestSweeperIdempotent(t *testing.T) {
	db := newTestDB(t)
	sw := NewSweeper(db, lock.NewKeyedMutex(), mapPolicy{}, zap.NewNop())

	res, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.RefreshTokens+res.AuditEvents+res.Sessions)

	res, err = sw.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.RefreshTokens+res.AuditEvents+res.Sessions)
}
