package models

import "time"

// AccessCodeModel is a shared secret granting entry, bounded to
// AllowedSessions concurrent viewer sessions.
type AccessCodeModel struct {
	Base
	CodePlain       string     `json:"code_plain"        gorm:"size:32;uniqueIndex;not null"`
	CodeHash        string     `json:"-"                 gorm:"size:60;not null"`
	AllowedSessions int        `json:"allowed_sessions"  gorm:"not null;default:1"`
	AllowAllEvents  bool       `json:"allow_all_events"  gorm:"not null;default:false"`
	Revoked         bool       `json:"revoked"           gorm:"not null;default:false;index:ix_access_codes_event_active"`
	ExpiresAt       *time.Time `json:"expires_at"`
	EventID         *string    `json:"event_id"          gorm:"type:char(36);index:ix_access_codes_event_active"`
	BatchID         *string    `json:"batch_id"          gorm:"type:char(36);index"`
}

func (AccessCodeModel) TableName() string { return "access_codes" }

// Usable reports whether the code may admit new sessions: not revoked and not
// past its expiry. Naive timestamps from the driver are treated as UTC.
func (c *AccessCodeModel) Usable(now time.Time) bool {
	if c.Revoked {
		return false
	}
	if c.ExpiresAt == nil {
		return true
	}
	exp := *c.ExpiresAt
	if exp.Location() == time.Local {
		exp = time.Date(exp.Year(), exp.Month(), exp.Day(), exp.Hour(), exp.Minute(), exp.Second(), exp.Nanosecond(), time.UTC)
	}
	return exp.After(now.UTC())
}

// CodeBatchModel groups codes generated together, for labeling and analytics.
type CodeBatchModel struct {
	Base
	EventID     *string `json:"event_id" gorm:"type:char(36);index"`
	Label       string  `json:"label"    gorm:"size:64"`
	GeneratedBy string  `json:"generated_by" gorm:"size:64"`
}

func (CodeBatchModel) TableName() string { return "code_batches" }

// CodeAllowedEventModel is the many-to-many allow-list between codes and
// events, consulted when a code has neither AllowAllEvents nor a direct
// EventID binding.
type CodeAllowedEventModel struct {
	CodeID  string `gorm:"type:char(36);primaryKey"`
	EventID string `gorm:"type:char(36);primaryKey"`
}

func (CodeAllowedEventModel) TableName() string { return "code_allowed_events" }
