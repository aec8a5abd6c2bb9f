package handlers

import (
	"errors"
	"net/http"

	"transitserver/auth"
	"transitserver/middlewares"
	"transitserver/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Login はメールアドレスとパスワードを照合し、新しいセッションを発行します。
// 同じユーザーの既存のセッションはそのまま残ります。
func (h *Handlers) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	user, err := h.Users.Authenticate(c.Request.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		h.Logger.Info("ログイン失敗", zap.String("email", req.Email))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	if err != nil {
		h.Logger.Error("ユーザーの照合に失敗", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	uid := user.ID
	sess, err := h.Sessions.CreateSession(c.Request.Context(), auth.Identity{
		UserID: &uid,
		Name:   user.Name,
		Email:  user.Email,
		Role:   user.Role,
	})
	if err != nil {
		h.Logger.Error("セッションの作成に失敗", zap.Uint("userID", uid), zap.Error(err))
		h.Metrics.StoreFailure("create")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	middlewares.SetSessionCookie(c, sess.Token, sess.ExpiresAt, h.Cookie)
	h.Metrics.SessionCreated("login")

	redirect, _ := h.Resolver.Landing(user.Role)
	h.Logger.Info("ログイン成功", zap.Uint("userID", uid), zap.String("token", auth.TokenPrefix(sess.Token)))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user": gin.H{
			"id":    uid,
			"name":  user.Name,
			"email": user.Email,
			"role":  user.Role,
		},
		"redirect": redirect,
	})
}

// Landing は各ロールのトップページです。ゲートを通過したIDをそのまま返します。
func (h *Handlers) Landing(c *gin.Context) {
	v, ok := middlewares.CurrentSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"page": c.Request.URL.Path,
		"user": userBody(v),
	})
}
