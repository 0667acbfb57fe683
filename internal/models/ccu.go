package models

import "time"

// CCUMinutelyModel is a one-row-per-minute snapshot of the presence-store
// concurrent-viewer estimate.
type CCUMinutelyModel struct {
	TS  time.Time `json:"ts"  gorm:"primaryKey"`
	CCU int       `json:"ccu" gorm:"not null"`
}

func (CCUMinutelyModel) TableName() string { return "ccu_minutely" }
