package handlers

import (
	"errors"
	"net/http"
	"time"

	"transitserver/auth"
	"transitserver/middlewares"
	"transitserver/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrInvalidAction は DELETE /sessions の action が不明な場合のエラーです。
var ErrInvalidAction = errors.New("InvalidAction")

const (
	actionLogoutCurrent = "logout-current"
	actionLogoutAll     = "logout-all"
)

// sessionItem はセッション一覧の1件分です。トークンは先頭のみ返します。
type sessionItem struct {
	ID          uint      `json:"id"`
	TokenPrefix string    `json:"tokenPrefix"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	IsCurrent   bool      `json:"isCurrent"`
}

// CheckSession はログイン状態を返します。未ログインでも401にはしません。
func (h *Handlers) CheckSession(c *gin.Context) {
	v, ok := middlewares.CurrentSession(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"user":          userBody(v),
	})
}

// ListSessions は現在のセッションと、同じユーザーの有効なセッション一覧を返します。
func (h *Handlers) ListSessions(c *gin.Context) {
	v, ok := middlewares.CurrentSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	// デモ用IDは自分のセッションのみ
	sessions := []models.Session{*v.Session}
	if v.Session.UserID != nil {
		var err error
		sessions, err = h.Sessions.Store().ListByUser(c.Request.Context(), *v.Session.UserID)
		if err != nil {
			h.Logger.Error("セッション一覧の取得に失敗", zap.Uintp("userID", v.Session.UserID), zap.Error(err))
			h.Metrics.StoreFailure("list")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
	}

	items := make([]sessionItem, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, sessionItem{
			ID:          s.ID,
			TokenPrefix: auth.TokenPrefix(s.Token),
			CreatedAt:   s.CreatedAt,
			ExpiresAt:   s.ExpiresAt,
			IsCurrent:   s.Token == v.Token,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"currentSession": gin.H{
			"id":           v.Session.ID,
			"role":         v.Session.Role,
			"email":        v.Session.Email,
			"lastActivity": v.Session.LastActivity,
		},
		"allSessions": items,
	})
}

// TerminateSessions は action に応じて現在のセッション、または全端末のセッションを無効化します。
func (h *Handlers) TerminateSessions(c *gin.Context) {
	v, ok := middlewares.CurrentSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	action := c.Query("action")
	ctx := c.Request.Context()
	var err error
	switch action {
	case actionLogoutCurrent:
		err = h.Sessions.Store().Invalidate(ctx, v.Token)
	case actionLogoutAll:
		if v.Session.UserID == nil {
			err = h.Sessions.Store().Invalidate(ctx, v.Token)
		} else {
			err = h.Sessions.Store().InvalidateAllForUser(ctx, *v.Session.UserID)
		}
	default:
		h.Logger.Info("不明なaction", zap.String("action", action))
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidAction.Error()})
		return
	}
	if err != nil {
		h.Logger.Error("セッションの無効化に失敗", zap.String("action", action), zap.Error(err))
		h.Metrics.StoreFailure("invalidate")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	middlewares.ClearSessionCookie(c, h.Cookie)
	h.Metrics.SessionTerminated(action)
	h.Logger.Info("ログアウト",
		zap.String("action", action),
		zap.String("subject", v.Session.Subject),
		zap.String("token", auth.TokenPrefix(v.Token)),
	)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
