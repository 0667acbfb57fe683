package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/streamgate/core/internal/models"
	jwtpkg "github.com/streamgate/core/internal/pkg/jwt"
	"github.com/streamgate/core/internal/pkg/lock"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Default policy values, overridable through the runtime policy store.
const (
	DefaultAccessTTLMinutes = 15
	DefaultOnlineTTLSeconds = 60

	PolicyAccessTTLMinutes = "access_ttl_minutes"
	PolicyOnlineTTLSeconds = "online_ttl_seconds"
)

// Presence is the advisory online store consulted and updated best-effort.
type Presence interface {
	MarkOnline(ctx context.Context, sessionID string, ttl time.Duration) error
	MarkOffline(ctx context.Context, sessionID string) error
	MarkEventOnline(ctx context.Context, sessionID, eventID string, ttl time.Duration) (int, error)
}

// Terminator signals the process holding a session's live connection.
type Terminator interface {
	PublishTerminate(ctx context.Context, sessionID, reason string)
}

// Broadcaster is the admin-facing notification sink (fire-and-forget).
type Broadcaster interface {
	BroadcastAdmin(event string, payload interface{})
}

// PolicyValues resolves runtime-tunable policy numbers.
type PolicyValues interface {
	Int(ctx context.Context, name string, def int) int
}

// Service is the session admission controller: login-by-code with
// concurrency-cap enforcement, token issuance, rotation, heartbeats, and
// centralized logout. The durable store is the single source of truth; the
// per-code lock is the sole serialization point for the cap invariant.
type Service struct {
	db          *gorm.DB
	locker      lock.Locker
	presence    Presence
	terminator  Terminator
	broadcaster Broadcaster
	policy      PolicyValues
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(db *gorm.DB, locker lock.Locker, presence Presence, terminator Terminator, broadcaster Broadcaster, policy PolicyValues, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		db:          db,
		locker:      locker,
		presence:    presence,
		terminator:  terminator,
		broadcaster: broadcaster,
		policy:      policy,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoginResult is returned on successful admission.
type LoginResult struct {
	Access    string `json:"access"`
	Refresh   string `json:"refresh"`
	SessionID string `json:"session_id"`
}

func admissionLockKey(codeID string) string { return "gate:admit:" + codeID }

// AccessTTL resolves the current access-token lifetime.
func (s *Service) AccessTTL(ctx context.Context) time.Duration {
	return time.Duration(s.policy.Int(ctx, PolicyAccessTTLMinutes, DefaultAccessTTLMinutes)) * time.Minute
}

// OnlineTTL resolves the presence window used by heartbeats.
func (s *Service) OnlineTTL(ctx context.Context) time.Duration {
	return time.Duration(s.policy.Int(ctx, PolicyOnlineTTLSeconds, DefaultOnlineTTLSeconds)) * time.Second
}

// Login admits a viewer under an access code. The whole sequence of
// count, eviction, session creation, token issuance and audit runs inside one
// transaction under the per-code lock; everything after commit is
// best-effort.
func (s *Service) Login(ctx context.Context, codePlain, ip, ua string) (*LoginResult, error) {
	var code models.AccessCodeModel
	err := s.db.WithContext(ctx).
		Where("code_plain = ?", strings.TrimSpace(codePlain)).
		First(&code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCodeInvalid
		}
		return nil, fmt.Errorf("lookup code: %w", err)
	}
	if !code.Usable(s.now()) {
		return nil, ErrCodeForbidden
	}

	var (
		result  *LoginResult
		evicted []models.SessionModel
	)
	err = s.locker.WithLock(ctx, admissionLockKey(code.ID), func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var active int64
			if err := tx.Model(&models.SessionModel{}).
				Where("code_id = ? AND active = ?", code.ID, true).
				Count(&active).Error; err != nil {
				return err
			}

			if int(active) >= code.AllowedSessions {
				// Free exactly enough room for the new session, never more.
				overflow := int(active) - code.AllowedSessions + 1
				victims, err := s.selectEvictionVictims(tx, code.ID, overflow)
				if err != nil {
					return err
				}
				for i := range victims {
					if err := s.evictLocked(tx, &victims[i]); err != nil {
						return err
					}
				}
				evicted = victims
			}

			sess := &models.SessionModel{
				ID:        uuid.New().String(),
				CodeID:    code.ID,
				IP:        strings.TrimSpace(ip),
				UserAgent: strings.TrimSpace(ua),
				Active:    true,
			}
			access, jti, err := jwtpkg.SignAccess(sess.ID, s.AccessTTL(ctx))
			if err != nil {
				return err
			}
			sess.TokenJTI = jti
			if err := tx.Create(sess).Error; err != nil {
				return err
			}

			refreshJTI := uuid.New().String()
			if err := tx.Create(&models.RefreshTokenModel{JTI: refreshJTI, SessionID: sess.ID}).Error; err != nil {
				return err
			}
			if err := tx.Create(&models.SessionEventModel{SessionID: sess.ID, Event: models.SessionEventLogin}).Error; err != nil {
				return err
			}

			result = &LoginResult{Access: access, Refresh: refreshJTI, SessionID: sess.ID}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	for i := range evicted {
		s.cleanupTerminated(ctx, evicted[i].ID, "limit_exceeded")
	}
	if len(evicted) > 0 {
		s.broadcaster.BroadcastAdmin("session_revoked_bulk", map[string]interface{}{"code_id": code.ID})
	}
	return result, nil
}

// selectEvictionVictims picks the oldest active sessions for a code,
// oldest-first (FIFO fairness, not LRU). On MySQL the rows are locked with
// SKIP LOCKED so concurrent admissions never fight over the same victim.
func (s *Service) selectEvictionVictims(tx *gorm.DB, codeID string, n int) ([]models.SessionModel, error) {
	q := tx.Where("code_id = ? AND active = ?", codeID, true).
		Order("created_at ASC").
		Limit(n)
	if tx.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var victims []models.SessionModel
	if err := q.Find(&victims).Error; err != nil {
		return nil, err
	}
	return victims, nil
}

// evictLocked deactivates one victim inside the admission transaction:
// session inactive, refresh tokens revoked, audit row appended.
func (s *Service) evictLocked(tx *gorm.DB, victim *models.SessionModel) error {
	if !victim.Active {
		return nil
	}
	if err := tx.Model(&models.SessionModel{}).
		Where("id = ?", victim.ID).
		Updates(map[string]interface{}{"active": false, "connected": false}).Error; err != nil {
		return err
	}
	if err := s.revokeRefreshTokens(tx, victim.ID); err != nil {
		return err
	}
	return tx.Create(&models.SessionEventModel{SessionID: victim.ID, Event: models.SessionEventRevoked}).Error
}

func (s *Service) revokeRefreshTokens(tx *gorm.DB, sessionID string) error {
	now := s.now().UTC()
	return tx.Model(&models.RefreshTokenModel{}).
		Where("session_id = ? AND revoked_at IS NULL", sessionID).
		Update("revoked_at", &now).Error
}

// cleanupTerminated performs the post-commit best-effort side effects shared
// by every termination path. Failures are logged, never propagated: the
// durable transition already committed.
func (s *Service) cleanupTerminated(ctx context.Context, sessionID, reason string) {
	if err := s.presence.MarkOffline(ctx, sessionID); err != nil {
		s.logger.Warn("mark offline failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	s.terminator.PublishTerminate(ctx, sessionID, reason)
}

// Logout deactivates a session, revokes its refresh tokens, and records the
// audit event. Idempotent: calling it on an already-inactive session is a
// no-op on the durable mutation, but the best-effort cleanup still fires so
// lingering connections and presence entries are cleared.
func (s *Service) Logout(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = "logout"
	}

	found := true
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess models.SessionModel
		if err := tx.Where("id = ?", sessionID).First(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				found = false
				return nil
			}
			return err
		}
		if err := tx.Model(&models.SessionModel{}).
			Where("id = ?", sessionID).
			Updates(map[string]interface{}{"active": false, "connected": false}).Error; err != nil {
			return err
		}
		if err := s.revokeRefreshTokens(tx, sessionID); err != nil {
			return err
		}
		return tx.Create(&models.SessionEventModel{SessionID: sessionID, Event: models.SessionEventLogout}).Error
	})
	if err != nil {
		return err
	}

	s.cleanupTerminated(ctx, sessionID, reason)
	if found {
		s.broadcaster.BroadcastAdmin("session_logout", map[string]interface{}{"id": sessionID})
	}
	return nil
}

// ForceLogoutResult reports how bulk revocation went.
type ForceLogoutResult struct {
	Found      int `json:"found"`
	Terminated int `json:"terminated"`
}

// ForceLogoutByCode logs out every currently-active session under a code.
// Partial failures are tolerated: remaining sessions are still attempted and
// the counts reflect what actually happened.
func (s *Service) ForceLogoutByCode(ctx context.Context, codeID string) (*ForceLogoutResult, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.SessionModel{}).
		Where("code_id = ? AND active = ?", codeID, true).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	res := &ForceLogoutResult{Found: len(ids)}
	for _, sid := range ids {
		if err := s.Logout(ctx, sid, "admin_revoke"); err != nil {
			s.logger.Warn("force logout failed",
				zap.String("code_id", codeID), zap.String("session_id", sid), zap.Error(err))
			continue
		}
		res.Terminated++
	}
	return res, nil
}

// RecordWatchStats atomically accrues viewing counters on disconnect.
func (s *Service) RecordWatchStats(ctx context.Context, sessionID string, seconds, bytesOut int64) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Model(&models.SessionModel{}).
		Where("id = ?", sessionID).
		Updates(map[string]interface{}{
			"watch_seconds": gorm.Expr("watch_seconds + ?", seconds),
			"bytes_out":     gorm.Expr("bytes_out + ?", bytesOut),
			"last_seen":     &now,
		}).Error
}
