package models

import (
	"time"
)

// Session モデルの定義
// UserID が nil になるのはデモ用に自動発行された匿名IDのみ
type Session struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	UserID       *uint     `gorm:"index" json:"userId"`
	Token        string    `gorm:"uniqueIndex;not null" json:"-"`
	Role         Role      `gorm:"type:varchar(16);not null" json:"role"`
	Subject      string    `gorm:"not null" json:"subject"` // トークンのsubクレーム
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	CreatedAt    time.Time `gorm:"not null" json:"createdAt"`
	ExpiresAt    time.Time `gorm:"index;not null" json:"expiresAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Expired は指定時刻の時点でセッションが失効しているかを返します。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
