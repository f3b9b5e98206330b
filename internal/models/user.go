package models

import "time"

// User is created on first Kakao login and owns durable chat sessions.
type User struct {
	ID                string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	KakaoID           string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"-"`
	Nickname          string    `gorm:"type:varchar(64);not null" json:"nickname"`
	KakaoAccessToken  *string   `gorm:"type:text" json:"-"`
	KakaoRefreshToken *string   `gorm:"type:text" json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }
