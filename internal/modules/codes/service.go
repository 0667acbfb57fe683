// Package codes manages access code issuance and lifecycle.
package codes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/streamgate/core/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("code not found")

// isDuplicateKeyErr recognizes unique constraint violations across the
// MySQL driver and gorm's translated error.
func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}

type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	length int
}

func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger, length: CodeLength}
}

// BatchRequest describes one generation run.
type BatchRequest struct {
	Count           int        `json:"count" binding:"required,min=1,max=5000"`
	Label           string     `json:"label"`
	GeneratedBy     string     `json:"generated_by"`
	EventID         *string    `json:"event_id"`
	AllowAllEvents  bool       `json:"allow_all_events"`
	AllowedSessions int        `json:"allowed_sessions"`
	ExpiresAt       *time.Time `json:"expires_at"`
}

// BatchResult carries the batch row and the plaintext codes. The plaintext
// is only returned here; afterwards only the bcrypt hash leaves the admin API.
type BatchResult struct {
	Batch *models.CodeBatchModel   `json:"batch"`
	Codes []*models.AccessCodeModel `json:"codes"`
}

// CreateBatch generates req.Count unique codes in one transaction.
// Candidates are drawn with headroom and checked against existing rows with
// a single IN query per round, so a large table costs one round trip, not
// one per code. A concurrent batch can still win the race between the
// uniqueness check and the insert, so duplicate-key failures retry the
// whole batch with a fresh draw.
func (s *Service) CreateBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if req.AllowedSessions <= 0 {
		req.AllowedSessions = 1
	}

	var result *BatchResult
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		result, err = s.createBatchOnce(ctx, req)
		if err == nil || !isDuplicateKeyErr(err) {
			return result, err
		}
		s.logger.Warn("code batch collided with concurrent insert, retrying",
			zap.Int("attempt", attempt+1))
	}
	return nil, err
}

func (s *Service) createBatchOnce(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	plains, err := s.pickUnique(ctx, req.Count)
	if err != nil {
		return nil, err
	}

	batch := &models.CodeBatchModel{
		EventID:     req.EventID,
		Label:       req.Label,
		GeneratedBy: req.GeneratedBy,
	}
	rows := make([]*models.AccessCodeModel, 0, len(plains))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		for _, plain := range plains {
			hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash code: %w", err)
			}
			row := &models.AccessCodeModel{
				CodePlain:       plain,
				CodeHash:        string(hash),
				AllowedSessions: req.AllowedSessions,
				AllowAllEvents:  req.AllowAllEvents,
				ExpiresAt:       req.ExpiresAt,
				EventID:         req.EventID,
				BatchID:         &batch.ID,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("code batch created",
		zap.String("batch_id", batch.ID), zap.Int("count", len(rows)))
	return &BatchResult{Batch: batch, Codes: rows}, nil
}

// pickUnique returns count codes absent from the table. Each round draws an
// oversized candidate set and removes collisions with one IN query.
func (s *Service) pickUnique(ctx context.Context, count int) ([]string, error) {
	out := make([]string, 0, count)
	for len(out) < count {
		candidates, err := generateCandidates(count-len(out), s.length)
		if err != nil {
			return nil, err
		}
		var taken []string
		if err := s.db.WithContext(ctx).Model(&models.AccessCodeModel{}).
			Where("code_plain IN ?", candidates).
			Pluck("code_plain", &taken).Error; err != nil {
			return nil, err
		}
		takenSet := make(map[string]struct{}, len(taken))
		for _, c := range taken {
			takenSet[c] = struct{}{}
		}
		for _, c := range candidates {
			if _, dup := takenSet[c]; dup {
				continue
			}
			out = append(out, c)
			if len(out) == count {
				break
			}
		}
	}
	return out, nil
}

// Reissue replaces the plaintext of an existing code, keeping its limits and
// bindings. The old plaintext stops working immediately.
func (s *Service) Reissue(ctx context.Context, codeID string) (*models.AccessCodeModel, error) {
	plains, err := s.pickUnique(ctx, 1)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plains[0]), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash code: %w", err)
	}

	var code models.AccessCodeModel
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", codeID).First(&code).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		return tx.Model(&code).Updates(map[string]interface{}{
			"code_plain": plains[0],
			"code_hash":  string(hash),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	code.CodePlain = plains[0]
	return &code, nil
}

// Patch applies partial updates to a code. Nil fields are left untouched.
type Patch struct {
	AllowedSessions *int       `json:"allowed_sessions"`
	AllowAllEvents  *bool      `json:"allow_all_events"`
	Revoked         *bool      `json:"revoked"`
	ExpiresAt       *time.Time `json:"expires_at"`
	ClearExpiry     bool       `json:"clear_expiry"`
	EventID         *string    `json:"event_id"`
}

func (s *Service) Patch(ctx context.Context, codeID string, p Patch) (*models.AccessCodeModel, error) {
	updates := map[string]interface{}{}
	if p.AllowedSessions != nil {
		updates["allowed_sessions"] = *p.AllowedSessions
	}
	if p.AllowAllEvents != nil {
		updates["allow_all_events"] = *p.AllowAllEvents
	}
	if p.Revoked != nil {
		updates["revoked"] = *p.Revoked
	}
	if p.ExpiresAt != nil {
		updates["expires_at"] = p.ExpiresAt
	} else if p.ClearExpiry {
		updates["expires_at"] = nil
	}
	if p.EventID != nil {
		updates["event_id"] = p.EventID
	}

	var code models.AccessCodeModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", codeID).First(&code).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&code).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Where("id = ?", codeID).First(&code).Error; err != nil {
		return nil, err
	}
	return &code, nil
}

// Revoke marks the code unusable. Live sessions are handled separately by
// the admission layer's force logout.
func (s *Service) Revoke(ctx context.Context, codeID string) error {
	res := s.db.WithContext(ctx).Model(&models.AccessCodeModel{}).
		Where("id = ?", codeID).Update("revoked", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the code with everything hanging off it: allow-list rows,
// sessions, and the sessions' refresh tokens and audit events. Orphaned
// sessions must not survive the code, or their refresh chains would keep
// admitting a viewer whose code no longer exists.
func (s *Service) Delete(ctx context.Context, codeID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sessionIDs []string
		if err := tx.Model(&models.SessionModel{}).
			Where("code_id = ?", codeID).
			Pluck("id", &sessionIDs).Error; err != nil {
			return err
		}
		if len(sessionIDs) > 0 {
			if err := tx.Where("session_id IN ?", sessionIDs).
				Delete(&models.RefreshTokenModel{}).Error; err != nil {
				return err
			}
			if err := tx.Where("session_id IN ?", sessionIDs).
				Delete(&models.SessionEventModel{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", sessionIDs).
				Delete(&models.SessionModel{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("code_id = ?", codeID).
			Delete(&models.CodeAllowedEventModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", codeID).Delete(&models.AccessCodeModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CodeWithUsage is a code row joined with its live session count.
type CodeWithUsage struct {
	models.AccessCodeModel
	ActiveSessions int `json:"active_sessions"`
}

// List returns codes, optionally filtered to one batch, newest first, with
// active session counts resolved in one grouped query.
func (s *Service) List(ctx context.Context, batchID string, limit, offset int) ([]CodeWithUsage, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&models.AccessCodeModel{})
	if batchID != "" {
		q = q.Where("batch_id = ?", batchID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.AccessCodeModel
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return []CodeWithUsage{}, total, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	type usage struct {
		CodeID string
		N      int
	}
	var usages []usage
	if err := s.db.WithContext(ctx).Model(&models.SessionModel{}).
		Select("code_id, COUNT(*) AS n").
		Where("code_id IN ? AND active = ?", ids, true).
		Group("code_id").
		Scan(&usages).Error; err != nil {
		return nil, 0, err
	}
	byCode := make(map[string]int, len(usages))
	for _, u := range usages {
		byCode[u.CodeID] = u.N
	}

	out := make([]CodeWithUsage, len(rows))
	for i, r := range rows {
		out[i] = CodeWithUsage{AccessCodeModel: r, ActiveSessions: byCode[r.ID]}
	}
	return out, total, nil
}
