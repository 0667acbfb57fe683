package codes

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/streamgate/core/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
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
	require.NoError(t, db.AutoMigrate(
		&models.CodeBatchModel{},
		&models.AccessCodeModel{},
		&models.CodeAllowedEventModel{},
		&models.SessionModel{},
		&models.RefreshTokenModel{},
		&models.SessionEventModel{},
	))
	return NewService(db, zap.NewNop()), db
}

func TestGenerateOneUsesAlphabet(t *testing.T) {
	for i := 0; i < 50; i++ {
		c, err := generateOne(CodeLength)
		require.NoError(t, err)
		require.Len(t, c, CodeLength)
		for _, r := range c {
			assert.True(t, strings.ContainsRune(Alphabet, r), "unexpected rune %q", r)
		}
	}
}

func TestCreateBatchUniqueAndHashed(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	res, err := svc.CreateBatch(ctx, BatchRequest{Count: 25, Label: "premiere", GeneratedBy: "ops"})
	require.NoError(t, err)
	require.Len(t, res.Codes, 25)
	assert.NotEmpty(t, res.Batch.ID)

	seen := make(map[string]struct{})
	for _, c := range res.Codes {
		_, dup := seen[c.CodePlain]
		assert.False(t, dup, "duplicate code %s", c.CodePlain)
		seen[c.CodePlain] = struct{}{}
		assert.Len(t, c.CodePlain, CodeLength)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(c.CodeHash), []byte(c.CodePlain)))
		assert.Equal(t, 1, c.AllowedSessions)
		require.NotNil(t, c.BatchID)
		assert.Equal(t, res.Batch.ID, *c.BatchID)
	}

	var n int64
	require.NoError(t, db.Model(&models.AccessCodeModel{}).Count(&n).Error)
	assert.EqualValues(t, 25, n)
}

func TestCreateBatchAvoidsExistingCodes(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateBatch(ctx, BatchRequest{Count: 10})
	require.NoError(t, err)
	second, err := svc.CreateBatch(ctx, BatchRequest{Count: 10})
	require.NoError(t, err)

	existing := make(map[string]struct{})
	for _, c := range first.Codes {
		existing[c.CodePlain] = struct{}{}
	}
	for _, c := range second.Codes {
		_, dup := existing[c.CodePlain]
		assert.False(t, dup)
	}

	var n int64
	require.NoError(t, db.Model(&models.AccessCodeModel{}).Count(&n).Error)
	assert.EqualValues(t, 20, n)
}

func TestReissueReplacesPlain(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	res, err := svc.CreateBatch(ctx, BatchRequest{Count: 1, AllowedSessions: 3})
	require.NoError(t, err)
	old := res.Codes[0]

	updated, err := svc.Reissue(ctx, old.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.CodePlain, updated.CodePlain)
	assert.Equal(t, 3, updated.AllowedSessions)

	var row models.AccessCodeModel
	require.NoError(t, db.First(&row, "id = ?", old.ID).Error)
	assert.Equal(t, updated.CodePlain, row.CodePlain)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(row.CodeHash), []byte(updated.CodePlain)))

	_, err = svc.Reissue(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.CreateBatch(ctx, BatchRequest{Count: 1})
	require.NoError(t, err)
	id := res.Codes[0].ID

	five := 5
	yes := true
	exp := time.Now().Add(24 * time.Hour).UTC()
	code, err := svc.Patch(ctx, id, Patch{AllowedSessions: &five, Revoked: &yes, ExpiresAt: &exp})
	require.NoError(t, err)
	assert.Equal(t, 5, code.AllowedSessions)
	assert.True(t, code.Revoked)
	require.NotNil(t, code.ExpiresAt)

	code, err = svc.Patch(ctx, id, Patch{ClearExpiry: true})
	require.NoError(t, err)
	assert.Nil(t, code.ExpiresAt)

	_, err = svc.Patch(ctx, "missing", Patch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeAndDelete(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	res, err := svc.CreateBatch(ctx, BatchRequest{Count: 1})
	require.NoError(t, err)
	id := res.Codes[0].ID

	require.NoError(t, svc.Revoke(ctx, id))
	var row models.AccessCodeModel
	require.NoError(t, db.First(&row, "id = ?", id).Error)
	assert.True(t, row.Revoked)
	assert.ErrorIs(t, svc.Revoke(ctx, "missing"), ErrNotFound)

	require.NoError(t, db.Create(&models.CodeAllowedEventModel{CodeID: id, EventID: "e1"}).Error)
	require.NoError(t, svc.Delete(ctx, id))
	assert.ErrorIs(t, db.First(&row, "id = ?", id).Error, gorm.ErrRecordNotFound)
	var grants int64
	require.NoError(t, db.Model(&models.CodeAllowedEventModel{}).Where("code_id = ?", id).Count(&grants).Error)
	assert.Zero(t, grants)
	assert.ErrorIs(t, svc.Delete(ctx, "missing"), ErrNotFound)
}

func TestDeleteCascadesToSessions(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	res, err := svc.CreateBatch(ctx, BatchRequest{Count: 1})
	require.NoError(t, err)
	id := res.Codes[0].ID

	sess := &models.SessionModel{CodeID: id, TokenJTI: "jti-cascade", Active: true}
	require.NoError(t, db.Create(sess).Error)
	require.NoError(t, db.Create(&models.RefreshTokenModel{JTI: "rt-cascade", SessionID: sess.ID}).Error)
	require.NoError(t, db.Create(&models.SessionEventModel{SessionID: sess.ID, Event: models.SessionEventLogin}).Error)

	require.NoError(t, svc.Delete(ctx, id))

	// A surviving session would keep its rotation chain alive with no code
	// backing it, so everything downstream goes with the code.
	var n int64
	require.NoError(t, db.Model(&models.SessionModel{}).Where("code_id = ?", id).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, db.Model(&models.RefreshTokenModel{}).Where("session_id = ?", sess.ID).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, db.Model(&models.SessionEventModel{}).Where("session_id = ?", sess.ID).Count(&n).Error)
	assert.Zero(t, n)
}

func TestListWithUsage(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	res, err := svc.CreateBatch(ctx, BatchRequest{Count: 3})
	require.NoError(t, err)
	busy := res.Codes[0]
	for i := 0; i < 2; i++ {
		sess := &models.SessionModel{CodeID: busy.ID, TokenJTI: fmt.Sprintf("jti-live-%d", i), Active: true}
		require.NoError(t, db.Create(sess).Error)
	}
	require.NoError(t, db.Create(&models.SessionModel{CodeID: busy.ID, TokenJTI: "jti-dead", Active: false}).Error)

	rows, total, err := svc.List(ctx, res.Batch.ID, 50, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, rows, 3)

	byID := make(map[string]CodeWithUsage)
	for _, r := range rows {
		byID[r.ID] = r
	}
	assert.Equal(t, 2, byID[busy.ID].ActiveSessions, "inactive sessions don't count")
	for _, c := range res.Codes[1:] {
		assert.Equal(t, 0, byID[c.ID].ActiveSessions)
	}
}
