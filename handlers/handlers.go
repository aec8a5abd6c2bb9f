package handlers

import (
	"transitserver/auth"
	"transitserver/metrics"
	"transitserver/middlewares"

	"go.uber.org/zap"
)

// Handlers は各HTTPハンドラが共有する依存関係です。
type Handlers struct {
	Sessions *auth.SessionManager
	Resolver *middlewares.PartitionResolver
	Users    UserDirectory
	Metrics  *metrics.Metrics
	Cookie   middlewares.CookieOptions
	Logger   *zap.Logger
}

// userBody はレスポンスに含めるユーザー情報です。
// デモ用IDの場合、id はトークンのsubクレームになります。
func userBody(v *auth.Verified) map[string]interface{} {
	var id interface{} = v.Session.Subject
	if v.Session.UserID != nil {
		id = *v.Session.UserID
	}
	return map[string]interface{}{
		"id":    id,
		"name":  v.Session.Name,
		"email": v.Session.Email,
		"role":  v.Session.Role,
	}
}
