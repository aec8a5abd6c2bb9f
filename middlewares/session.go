package middlewares

import (
	"net/http"

	"transitserver/auth"
	"transitserver/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const sessionContextKey = "session"

func setSession(c *gin.Context, v *auth.Verified) {
	c.Set(sessionContextKey, v)
}

// CurrentSession はゲートまたは RequireSession が検証したセッションを返します。
func CurrentSession(c *gin.Context) (*auth.Verified, bool) {
	v, ok := c.Get(sessionContextKey)
	if !ok {
		return nil, false
	}
	verified, ok := v.(*auth.Verified)
	return verified, ok && verified != nil
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
}

func abortStoreFailure(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// RequireSession は有効なセッションが無いリクエストを401で拒否します。
// アクセスゲートと違い、新しいセッションの自動発行は行いません。
func RequireSession(sessions *auth.SessionManager, m *metrics.Metrics, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c)
		if token == "" {
			abortUnauthorized(c)
			return
		}
		verified, err := sessions.Verify(c.Request.Context(), token)
		if err != nil {
			if auth.IsCredentialFailure(err) {
				logger.Info("認証失敗", zap.String("token", auth.TokenPrefix(token)), zap.Error(err))
				abortUnauthorized(c)
				return
			}
			logger.Error("セッションの確認に失敗", zap.Error(err))
			m.StoreFailure("lookup")
			abortStoreFailure(c)
			return
		}
		setSession(c, verified)
		c.Next()
	}
}

// OptionalSession は有効なセッションがあればコンテキストに設定し、無くても処理を続けます。
func OptionalSession(sessions *auth.SessionManager, m *metrics.Metrics, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c)
		if token == "" {
			c.Next()
			return
		}
		verified, err := sessions.Verify(c.Request.Context(), token)
		switch {
		case err == nil:
			setSession(c, verified)
		case auth.IsCredentialFailure(err):
		default:
			logger.Error("セッションの確認に失敗", zap.Error(err))
			m.StoreFailure("lookup")
			abortStoreFailure(c)
			return
		}
		c.Next()
	}
}
