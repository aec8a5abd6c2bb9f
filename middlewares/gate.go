package middlewares

import (
	"errors"
	"net/http"
	"time"

	"transitserver/auth"
	"transitserver/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ActivityRecorder は lastActivity の更新を受け付けます。ブロックしてはいけません。
type ActivityRecorder interface {
	Track(token string, at time.Time) bool
}

var errNoLanding = errors.New("no landing route for role")

// credentialState はリクエストごとの資格情報の分類です。
type credentialState int

const (
	noToken credentialState = iota
	validToken
	invalidToken
)

// GateConfig はアクセスゲートの動作設定です。
type GateConfig struct {
	// true の場合、トークンが無いまたは無効なリクエストにデモ用IDを発行して通過させる
	DemoMode bool
	Cookie   CookieOptions
}

// AccessGate はロールで分割されたルートへのリクエストを、
// 通過・リダイレクト・ID再発行のいずれかに振り分けます。
type AccessGate struct {
	sessions *auth.SessionManager
	resolver *PartitionResolver
	activity ActivityRecorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	config   GateConfig
}

func NewAccessGate(
	sessions *auth.SessionManager,
	resolver *PartitionResolver,
	activity ActivityRecorder,
	m *metrics.Metrics,
	logger *zap.Logger,
	config GateConfig,
) *AccessGate {
	return &AccessGate{
		sessions: sessions,
		resolver: resolver,
		activity: activity,
		metrics:  m,
		logger:   logger,
		config:   config,
	}
}

func (g *AccessGate) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		partition, gated := g.resolver.Resolve(path)
		if !gated {
			c.Next()
			return
		}

		state := noToken
		var verified *auth.Verified
		token := TokenFromRequest(c)
		if token != "" {
			v, err := g.sessions.Verify(c.Request.Context(), token)
			switch {
			case err == nil:
				state, verified = validToken, v
			case auth.IsCredentialFailure(err):
				state = invalidToken
				g.logger.Info("無効なトークン", zap.String("path", path), zap.String("token", auth.TokenPrefix(token)), zap.Error(err))
			default:
				g.logger.Error("セッションの確認に失敗", zap.String("path", path), zap.Error(err))
				g.metrics.StoreFailure("lookup")
				g.metrics.GateDecision(metrics.OutcomeError)
				abortStoreFailure(c)
				return
			}
		}

		if state == validToken {
			g.admitOrRedirect(c, partition, verified)
			return
		}
		g.provision(c, partition, state)
	}
}

func (g *AccessGate) admitOrRedirect(c *gin.Context, partition Partition, verified *auth.Verified) {
	role := verified.Session.Role
	if !partition.Allows(role) {
		landing, ok := g.resolver.Landing(role)
		if !ok {
			g.logger.Error("リダイレクト先が未設定", zap.String("role", string(role)), zap.Error(errNoLanding))
			g.metrics.GateDecision(metrics.OutcomeError)
			abortStoreFailure(c)
			return
		}
		g.logger.Info("別パーティションへのアクセスをリダイレクト",
			zap.String("path", c.Request.URL.Path),
			zap.String("role", string(role)),
			zap.String("location", landing),
		)
		g.metrics.GateDecision(metrics.OutcomeRedirected)
		c.Redirect(http.StatusFound, landing)
		c.Abort()
		return
	}

	if g.activity != nil {
		g.activity.Track(verified.Token, time.Now())
	}
	setSession(c, verified)
	g.metrics.GateDecision(metrics.OutcomeAdmitted)
	c.Next()
}

// provision はトークンが無いまたは無効な場合の処理です。
// デモモードでない場合は401を返します。
func (g *AccessGate) provision(c *gin.Context, partition Partition, state credentialState) {
	if !g.config.DemoMode {
		if state == invalidToken {
			ClearSessionCookie(c, g.config.Cookie)
		}
		g.metrics.GateDecision(metrics.OutcomeRejected)
		abortUnauthorized(c)
		return
	}

	sess, err := g.sessions.CreateSession(c.Request.Context(), auth.DemoIdentity(partition.ProvisionRole))
	if err != nil {
		g.logger.Error("デモセッションの発行に失敗", zap.Error(err))
		g.metrics.StoreFailure("create")
		g.metrics.GateDecision(metrics.OutcomeError)
		abortStoreFailure(c)
		return
	}
	SetSessionCookie(c, sess.Token, sess.ExpiresAt, g.config.Cookie)

	g.logger.Info("デモセッションを自動発行",
		zap.String("path", c.Request.URL.Path),
		zap.String("role", string(sess.Role)),
		zap.String("token", auth.TokenPrefix(sess.Token)),
	)
	g.metrics.SessionCreated("provisioned")
	g.metrics.GateDecision(metrics.OutcomeProvisioned)
	setSession(c, &auth.Verified{
		Token: sess.Token,
		Claims: auth.Claims{
			Subject:   sess.Subject,
			Name:      sess.Name,
			Email:     sess.Email,
			Role:      sess.Role,
			IssuedAt:  sess.CreatedAt,
			ExpiresAt: sess.ExpiresAt,
		},
		Session: sess,
	})
	c.Next()
}
