package handlers

import (
	"net/http"
	"time"

	"transitserver/middlewares"
	"transitserver/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions はルーター全体に関わる設定です。
type RouterOptions struct {
	AllowedOrigins []string
	// 1分あたりのリクエスト上限。0以下なら制限しない
	RateLimit int
	DemoMode  bool
	Activity  middlewares.ActivityRecorder
	Gatherer  prometheus.Gatherer
}

// SetupRouter はゲートと各エンドポイントを登録したルーターを作成します。
func SetupRouter(h *Handlers, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), utils.RequestLogger(h.Logger))

	//CORS（Cross-Origin Resource Sharing）ポリシーを設定
	if len(opts.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     opts.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	// ゲートは全てのハンドラより前に実行する
	gate := middlewares.NewAccessGate(h.Sessions, h.Resolver, opts.Activity, h.Metrics, h.Logger, middlewares.GateConfig{
		DemoMode: opts.DemoMode,
		Cookie:   h.Cookie,
	})
	router.Use(gate.Handler())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	limited := router.Group("/")
	if opts.RateLimit > 0 {
		limited.Use(middlewares.RateLimit(opts.RateLimit, time.Minute))
	}
	limited.POST("/login", h.Login)

	strict := middlewares.RequireSession(h.Sessions, h.Metrics, h.Logger)
	router.GET("/check-session", middlewares.OptionalSession(h.Sessions, h.Metrics, h.Logger), h.CheckSession)
	limited.GET("/sessions", strict, h.ListSessions)
	limited.DELETE("/sessions", strict, h.TerminateSessions)

	router.GET("/dashboard/rider", h.Landing)
	router.GET("/dashboard/owner", h.Landing)
	router.GET("/driver/dashboard", h.Landing)

	return router
}
