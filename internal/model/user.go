package model

import (
	"strconv"
	"time"
)

// User is a tenant account. Everything a user uploads is scoped by TenantID().
type User struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Username          string    `gorm:"size:64;not null;uniqueIndex" json:"username"`
	Email             string    `gorm:"size:128;not null;uniqueIndex" json:"email"`
	PasswordHash      string    `gorm:"size:255;not null" json:"-"`
	DriveFolderID     string    `gorm:"size:128" json:"drive_folder_id,omitempty"`
	DriveRefreshToken string    `gorm:"size:512" json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (u *User) TenantID() string {
	return strconv.FormatUint(uint64(u.ID), 10)
}

func (u *User) DriveConnected() bool {
	return u.DriveRefreshToken != ""
}
