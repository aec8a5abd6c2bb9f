package models

// LoginRequest はクライアントからのログインリクエストを表します。
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}
