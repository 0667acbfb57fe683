package models

import "time"

// FailedLoginModel tracks failed code attempts per client IP for the
// exponential-backoff brute-force guard.
type FailedLoginModel struct {
	IP       string    `json:"ip"       gorm:"size:64;primaryKey"`
	CodeTry  string    `json:"code_try" gorm:"size:64"`
	Attempts int       `json:"attempts" gorm:"not null;default:1"`
	LastTry  time.Time `json:"last_try"`
}

func (FailedLoginModel) TableName() string { return "failed_logins" }
