package admission

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/streamgate/core/internal/models"
	jwtpkg "github.com/streamgate/core/internal/pkg/jwt"
	"gorm.io/gorm"
)

// TokenPair is returned by a successful rotation.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Rotate exchanges a single-use refresh token for a fresh access token and
// the next refresh token in the chain. The old token is revoked (not
// deleted) with ReplacedBy pointing at its successor, and the session's
// stored jti is updated, which invalidates every access and event token
// issued before this rotation, expired or not.
//
// Presenting an already-revoked token is a replay and fails hard: silently
// re-issuing would hand a fresh credential to whichever of the two parties
// holding the token asks last.
func (s *Service) Rotate(ctx context.Context, sessionID, refreshJTI string) (*TokenPair, error) {
	refreshJTI = strings.TrimSpace(refreshJTI)
	if refreshJTI == "" {
		return nil, ErrMissingRefresh
	}

	var pair *TokenPair
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rt models.RefreshTokenModel
		if err := tx.Where("jti = ?", refreshJTI).First(&rt).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidRefresh
			}
			return err
		}
		if rt.SessionID != sessionID || rt.RevokedAt != nil {
			return ErrInvalidRefresh
		}

		var sess models.SessionModel
		if err := tx.Where("id = ?", sessionID).First(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionInactive
			}
			return err
		}
		if !sess.Active {
			return ErrSessionInactive
		}

		newRefresh := uuid.New().String()
		now := s.now().UTC()
		if err := tx.Model(&models.RefreshTokenModel{}).
			Where("jti = ?", rt.JTI).
			Updates(map[string]interface{}{"revoked_at": &now, "replaced_by": newRefresh}).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.RefreshTokenModel{JTI: newRefresh, SessionID: sessionID}).Error; err != nil {
			return err
		}

		access, jti, err := jwtpkg.SignAccess(sessionID, s.AccessTTL(ctx))
		if err != nil {
			return err
		}
		if err := tx.Model(&models.SessionModel{}).
			Where("id = ?", sessionID).
			Update("token_jti", jti).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.SessionEventModel{SessionID: sessionID, Event: models.SessionEventRefresh}).Error; err != nil {
			return err
		}

		pair = &TokenPair{Access: access, Refresh: newRefresh}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}
