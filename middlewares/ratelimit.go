package middlewares

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/httprate"
)

// RateLimit はIPアドレスごとのリクエスト数を制限します。
// net/http 用の httprate をGinのミドルウェアとして実行します。
func RateLimit(requestLimit int, window time.Duration) gin.HandlerFunc {
	limiter := httprate.Limit(requestLimit, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"Too many requests"}`))
		}),
	)

	return func(c *gin.Context) {
		passed := false
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			passed = true
			c.Request = r
			c.Next()
		})

		limiter(next).ServeHTTP(c.Writer, c.Request)

		// 制限に掛かった場合は後続のハンドラを実行しない
		if !passed {
			c.Abort()
		}
	}
}
