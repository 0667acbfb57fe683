package authz

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/streamgate/core/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.AccessCodeModel{}, &models.CodeAllowedEventModel{}))
	return NewService(db), db
}

func TestDenyByDefault(t *testing.T) {
	svc, db := newTestService(t)
	code := &models.AccessCodeModel{CodePlain: "DENY0001", CodeHash: "h", AllowedSessions: 1}
	require.NoError(t, db.Create(code).Error)

	ok, err := svc.CodeAllowsEvent(context.Background(), code, "event-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNoEventScopeAlwaysAllowed(t *testing.T) {
	svc, db := newTestService(t)
	code := &models.AccessCodeModel{CodePlain: "FREE0001", CodeHash: "h", AllowedSessions: 1}
	require.NoError(t, db.Create(code).Error)

	ok, err := svc.CodeAllowsEvent(context.Background(), code, "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowAllEvents(t *testing.T) {
	svc, db := newTestService(t)
	code := &models.AccessCodeModel{CodePlain: "ALL00001", CodeHash: "h", AllowedSessions: 1, AllowAllEvents: true}
	require.NoError(t, db.Create(code).Error)

	ok, err := svc.CodeAllowsEvent(context.Background(), code, "anything")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDirectEventBinding(t *testing.T) {
	svc, db := newTestService(t)
	eid := "event-1"
	code := &models.AccessCodeModel{CodePlain: "BOUND001", CodeHash: "h", AllowedSessions: 1, EventID: &eid}
	require.NoError(t, db.Create(code).Error)
	ctx := context.Background()

	ok, err := svc.CodeAllowsEvent(ctx, code, "event-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.CodeAllowsEvent(ctx, code, "event-2")
	require.NoError(t, err)
	assert.False(t, ok, "a direct binding shadows the allow-list")
}

func TestAllowListGrantAndRevoke(t *testing.T) {
	svc, db := newTestService(t)
	code := &models.AccessCodeModel{CodePlain: "LIST0001", CodeHash: "h", AllowedSessions: 1}
	require.NoError(t, db.Create(code).Error)
	ctx := context.Background()

	require.NoError(t, svc.Grant(ctx, code.ID, "event-1"))
	require.NoError(t, svc.Grant(ctx, code.ID, "event-1"), "grant is idempotent")

	ok, err := svc.CodeAllowsEvent(ctx, code, "event-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.CodeAllowsEvent(ctx, code, "event-2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.Revoke(ctx, code.ID, "event-1"))
	ok, err = svc.CodeAllowsEvent(ctx, code, "event-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
