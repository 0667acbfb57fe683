package models

// AdminUserModel is a dashboard operator account.
type AdminUserModel struct {
	Base
	Email          string `json:"email" gorm:"size:128;uniqueIndex"`
	HashedPassword string `json:"-"`
	Role           string `json:"role"  gorm:"size:32;default:viewer"`
}

func (AdminUserModel) TableName() string { return "admin_users" }
