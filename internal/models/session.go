package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionModel is one logged-in viewer under an access code.
//
// The Connected flag is legacy; real-time online state comes from the
// presence store.
type SessionModel struct {
	ID           string     `json:"id"            gorm:"type:char(36);primaryKey"`
	CodeID       string     `json:"code_id"       gorm:"type:char(36);index:ix_sessions_code_active;not null"`
	EventID      *string    `json:"event_id"      gorm:"type:char(36);index"`
	TokenJTI     string     `json:"token_jti"     gorm:"type:char(36);uniqueIndex"`
	IP           string     `json:"ip"            gorm:"size:64"`
	UserAgent    string     `json:"user_agent"    gorm:"type:text"`
	Active       bool       `json:"active"        gorm:"not null;default:true;index:ix_sessions_code_active;index:ix_sessions_active_last_seen"`
	Connected    bool       `json:"connected"     gorm:"not null;default:false"`
	CreatedAt    time.Time  `json:"created_at"    gorm:"index"`
	LastSeen     *time.Time `json:"last_seen"     gorm:"index:ix_sessions_active_last_seen"`
	WatchSeconds int64      `json:"watch_seconds" gorm:"not null;default:0"`
	BytesOut     int64      `json:"bytes_out"     gorm:"not null;default:0"`
}

func (SessionModel) TableName() string { return "sessions" }

func (s *SessionModel) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// RefreshTokenModel is a single-use rotation unit. Rotation revokes the row
// and records its successor in ReplacedBy; rows are hard-deleted only by the
// retention sweeper.
type RefreshTokenModel struct {
	JTI        string     `json:"jti"         gorm:"type:char(36);primaryKey"`
	SessionID  string     `json:"session_id"  gorm:"type:char(36);index;not null"`
	IssuedAt   time.Time  `json:"issued_at"   gorm:"autoCreateTime"`
	RevokedAt  *time.Time `json:"revoked_at"  gorm:"index"`
	ReplacedBy *string    `json:"replaced_by" gorm:"type:char(36)"`
}

func (RefreshTokenModel) TableName() string { return "refresh_tokens" }

// Session audit event kinds.
const (
	SessionEventLogin    = "login"
	SessionEventRefresh  = "refresh"
	SessionEventLogout   = "logout"
	SessionEventRevoked  = "revoked"
	SessionEventIdleKill = "auto_idle_kill"
)

// SessionEventModel is the append-only audit trail for a session.
type SessionEventModel struct {
	ID        uint      `json:"id"         gorm:"primaryKey;autoIncrement"`
	SessionID string    `json:"session_id" gorm:"type:char(36);index;not null"`
	Event     string    `json:"event"      gorm:"size:32;not null"`
	At        time.Time `json:"at"         gorm:"autoCreateTime;index"`
	Details   string    `json:"details"    gorm:"type:text"`
}

func (SessionEventModel) TableName() string { return "session_events" }
