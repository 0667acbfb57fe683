package models

import "time"

const (
	EventStatusDraft     = "draft"
	EventStatusPublished = "published"
)

// EventModel is one live stream / VOD event. Page content, player manifests
// and theming live outside the access core; only what code scoping and
// heartbeats need is modeled here.
type EventModel struct {
	Base
	Title    string     `json:"title"  gorm:"size:128;not null"`
	Slug     string     `json:"slug"   gorm:"size:128;uniqueIndex"`
	Status   string     `json:"status" gorm:"size:16;not null;default:draft"`
	StartsAt *time.Time `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at"`
}

func (EventModel) TableName() string { return "events" }
