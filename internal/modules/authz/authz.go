// Package authz decides which events an access code may watch.
package authz

import (
	"context"

	"github.com/streamgate/core/internal/models"
	"gorm.io/gorm"
)

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// CodeAllowsEvent reports whether code may enter eventID. Deny by default:
// a code with no grants watches nothing. Precedence is AllowAllEvents, then
// the direct event binding, then the allow-list rows.
func (s *Service) CodeAllowsEvent(ctx context.Context, code *models.AccessCodeModel, eventID string) (bool, error) {
	if eventID == "" {
		// Not scoped to an event (e.g. a plain session heartbeat).
		return true, nil
	}
	if code.AllowAllEvents {
		return true, nil
	}
	if code.EventID != nil {
		return *code.EventID == eventID, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&models.CodeAllowedEventModel{}).
		Where("code_id = ? AND event_id = ?", code.ID, eventID).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Grant adds eventID to the code's allow-list. Idempotent.
func (s *Service) Grant(ctx context.Context, codeID, eventID string) error {
	row := models.CodeAllowedEventModel{CodeID: codeID, EventID: eventID}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil && s.exists(ctx, codeID, eventID) {
		return nil
	}
	return err
}

// Revoke removes eventID from the code's allow-list.
func (s *Service) Revoke(ctx context.Context, codeID, eventID string) error {
	return s.db.WithContext(ctx).
		Where("code_id = ? AND event_id = ?", codeID, eventID).
		Delete(&models.CodeAllowedEventModel{}).Error
}

func (s *Service) exists(ctx context.Context, codeID, eventID string) bool {
	var n int64
	s.db.WithContext(ctx).Model(&models.CodeAllowedEventModel{}).
		Where("code_id = ? AND event_id = ?", codeID, eventID).
		Count(&n)
	return n > 0
}
