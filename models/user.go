package models

import (
	"gorm.io/gorm"
)

// User モデルの定義（ログイン時の照合にのみ使用）
type User struct {
	gorm.Model
	Name         string `gorm:"not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         Role   `gorm:"type:varchar(16);not null"`
}
