package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"transitserver/auth"
	"transitserver/database"
	"transitserver/metrics"
	"transitserver/middlewares"
	"transitserver/models"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testPassword = "correct horse battery staple"

type serverFixture struct {
	router *gin.Engine
	store  database.SessionStore
	users  *GormUserDirectory
}

func newServerFixture(t *testing.T, demoMode bool) *serverFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := zap.NewNop()
	store := database.NewGormSessionStore(db, logger)
	codec, err := auth.NewCodec("handler-secret", time.Hour)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	resolver, err := middlewares.NewPartitionResolver(middlewares.DefaultPartitions(), middlewares.DefaultLandingRoutes())
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	registry := prometheus.NewRegistry()
	users := NewGormUserDirectory(db)

	h := &Handlers{
		Sessions: auth.NewSessionManager(codec, store, logger),
		Resolver: resolver,
		Users:    users,
		Metrics:  metrics.New(registry),
		Logger:   logger,
	}
	router := SetupRouter(h, RouterOptions{DemoMode: demoMode, Gatherer: registry})
	return &serverFixture{router: router, store: store, users: users}
}

func (f *serverFixture) addUser(t *testing.T, email string, role models.Role) *models.User {
	t.Helper()
	user, err := f.users.CreateUser(context.Background(), "Test "+string(role), email, testPassword, role)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func (f *serverFixture) do(t *testing.T, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: middlewares.SessionCookieName, Value: token})
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *serverFixture) login(t *testing.T, email string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/login", "", `{"email":"`+email+`","password":"`+testPassword+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	c := responseCookie(w)
	if c == nil || c.Value == "" {
		t.Fatal("login did not set a session cookie")
	}
	return c.Value
}

func responseCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == middlewares.SessionCookieName {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
}

type listResponse struct {
	CurrentSession struct {
		ID    uint        `json:"id"`
		Role  models.Role `json:"role"`
		Email string      `json:"email"`
	} `json:"currentSession"`
	AllSessions []sessionItem `json:"allSessions"`
}

func TestLogin(t *testing.T) {
	f := newServerFixture(t, false)
	f.addUser(t, "driver@example.com", models.RoleDriver)

	w := f.do(t, http.MethodPost, "/login", "", `{"email":"Driver@Example.com","password":"`+testPassword+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Success  bool   `json:"success"`
		Redirect string `json:"redirect"`
		User     struct {
			Email string      `json:"email"`
			Role  models.Role `json:"role"`
		} `json:"user"`
	}
	decodeBody(t, w, &resp)
	if !resp.Success || resp.Redirect != "/driver/dashboard" || resp.User.Role != models.RoleDriver {
		t.Fatalf("unexpected response %+v", resp)
	}
	if strings.Contains(w.Body.String(), responseCookie(w).Value) {
		t.Fatal("response body must not contain the token")
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "wrong password", body: `{"email":"driver@example.com","password":"nope"}`, want: http.StatusUnauthorized},
		{name: "unknown user", body: `{"email":"ghost@example.com","password":"nope"}`, want: http.StatusUnauthorized},
		{name: "missing password", body: `{"email":"driver@example.com"}`, want: http.StatusBadRequest},
		{name: "not json", body: `email=driver`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/login", "", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if responseCookie(w) != nil {
				t.Fatal("failed login must not set a cookie")
			}
		})
	}
}

func TestLogoutAllInvalidatesEveryDevice(t *testing.T) {
	f := newServerFixture(t, false)
	rider := f.addUser(t, "rider@example.com", models.RoleRider)
	other := f.addUser(t, "other@example.com", models.RoleRider)

	tokens := []string{
		f.login(t, "rider@example.com"),
		f.login(t, "rider@example.com"),
		f.login(t, "rider@example.com"),
	}
	otherToken := f.login(t, "other@example.com")

	w := f.do(t, http.MethodDelete, "/sessions?action=logout-all", tokens[1], "")
	if w.Code != http.StatusOK || w.Body.String() != `{"success":true}` {
		t.Fatalf("logout-all: status = %d, body %s", w.Code, w.Body.String())
	}
	if c := responseCookie(w); c == nil || c.MaxAge >= 0 {
		t.Fatal("expected the cookie to be cleared")
	}

	remaining, err := f.store.ListByUser(context.Background(), rider.ID)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("got %d sessions after logout-all, want 0", len(remaining))
	}
	for i, token := range tokens {
		if w := f.do(t, http.MethodGet, "/dashboard/rider", token, ""); w.Code != http.StatusUnauthorized {
			t.Fatalf("token %d: gated status = %d, want 401", i, w.Code)
		}
		if w := f.do(t, http.MethodGet, "/sessions", token, ""); w.Code != http.StatusUnauthorized {
			t.Fatalf("token %d: /sessions status = %d, want 401", i, w.Code)
		}
	}

	left, err := f.store.ListByUser(context.Background(), other.ID)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(left) != 1 {
		t.Fatalf("other user has %d sessions, want 1", len(left))
	}
	if w := f.do(t, http.MethodGet, "/dashboard/rider", otherToken, ""); w.Code != http.StatusOK {
		t.Fatalf("other user gated status = %d, want 200", w.Code)
	}
}

func TestLogoutCurrent(t *testing.T) {
	f := newServerFixture(t, false)
	owner := f.addUser(t, "owner@example.com", models.RoleOwner)
	first := f.login(t, "owner@example.com")
	second := f.login(t, "owner@example.com")

	if w := f.do(t, http.MethodDelete, "/sessions?action=logout-current", first, ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	remaining, err := f.store.ListByUser(context.Background(), owner.ID)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Token != second {
		t.Fatalf("unexpected remaining sessions %+v", remaining)
	}
	if w := f.do(t, http.MethodGet, "/dashboard/owner", second, ""); w.Code != http.StatusOK {
		t.Fatalf("second device status = %d, want 200", w.Code)
	}
}

func TestTerminateSessionsRejectsUnknownAction(t *testing.T) {
	f := newServerFixture(t, false)
	rider := f.addUser(t, "rider@example.com", models.RoleRider)
	token := f.login(t, "rider@example.com")
	f.login(t, "rider@example.com")

	for _, path := range []string{"/sessions?action=bogus", "/sessions"} {
		w := f.do(t, http.MethodDelete, path, token, "")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", path, w.Code)
		}
		if w.Body.String() != `{"error":"InvalidAction"}` {
			t.Fatalf("%s: body %s", path, w.Body.String())
		}
		if responseCookie(w) != nil {
			t.Fatalf("%s: cookie must be left alone", path)
		}
	}

	remaining, err := f.store.ListByUser(context.Background(), rider.ID)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("got %d sessions, want 2", len(remaining))
	}
}

func TestSessionEndpointsRequireCredential(t *testing.T) {
	f := newServerFixture(t, true)

	tests := []struct {
		method string
		path   string
		token  string
	}{
		{method: http.MethodGet, path: "/sessions"},
		{method: http.MethodGet, path: "/sessions", token: "garbage"},
		{method: http.MethodDelete, path: "/sessions?action=logout-all"},
		{method: http.MethodDelete, path: "/sessions?action=bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path+" "+tt.token, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.token, "")
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if w.Body.String() != `{"error":"Unauthorized"}` {
				t.Fatalf("body %s", w.Body.String())
			}
			if responseCookie(w) != nil {
				t.Fatal("strict endpoints must not provision a session")
			}
		})
	}
}

func TestListSessions(t *testing.T) {
	f := newServerFixture(t, false)
	f.addUser(t, "rider@example.com", models.RoleRider)
	first := f.login(t, "rider@example.com")
	second := f.login(t, "rider@example.com")

	w := f.do(t, http.MethodGet, "/sessions", second, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	for _, token := range []string{first, second} {
		if strings.Contains(w.Body.String(), token) {
			t.Fatal("listing must not disclose full tokens")
		}
	}

	var resp listResponse
	decodeBody(t, w, &resp)
	if resp.CurrentSession.Role != models.RoleRider || resp.CurrentSession.Email != "rider@example.com" {
		t.Fatalf("unexpected current session %+v", resp.CurrentSession)
	}
	if len(resp.AllSessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(resp.AllSessions))
	}
	current := 0
	for _, s := range resp.AllSessions {
		if !strings.HasSuffix(s.TokenPrefix, "...") {
			t.Fatalf("token prefix %q", s.TokenPrefix)
		}
		if !s.ExpiresAt.After(s.CreatedAt) {
			t.Fatalf("expiresAt %v not after createdAt %v", s.ExpiresAt, s.CreatedAt)
		}
		if s.IsCurrent {
			current++
			if s.ID != resp.CurrentSession.ID || s.TokenPrefix != auth.TokenPrefix(second) {
				t.Fatalf("wrong session marked current %+v", s)
			}
		}
	}
	if current != 1 {
		t.Fatalf("%d sessions marked current, want 1", current)
	}
}

func TestCheckSession(t *testing.T) {
	f := newServerFixture(t, false)
	user := f.addUser(t, "driver@example.com", models.RoleDriver)
	token := f.login(t, "driver@example.com")

	for _, bad := range []string{"", "garbage"} {
		w := f.do(t, http.MethodGet, "/check-session", bad, "")
		if w.Code != http.StatusOK || w.Body.String() != `{"authenticated":false}` {
			t.Fatalf("%q: status = %d, body %s", bad, w.Code, w.Body.String())
		}
	}

	w := f.do(t, http.MethodGet, "/check-session", token, "")
	var resp struct {
		Authenticated bool `json:"authenticated"`
		User          struct {
			ID    uint        `json:"id"`
			Name  string      `json:"name"`
			Email string      `json:"email"`
			Role  models.Role `json:"role"`
		} `json:"user"`
	}
	decodeBody(t, w, &resp)
	if !resp.Authenticated || resp.User.ID != user.ID || resp.User.Role != models.RoleDriver || resp.User.Name != user.Name {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestDemoProvisioningEndToEnd(t *testing.T) {
	f := newServerFixture(t, true)

	w := f.do(t, http.MethodGet, "/dashboard/rider", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	cookie := responseCookie(w)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("expected a provisioned session cookie")
	}

	w = f.do(t, http.MethodGet, "/sessions", cookie.Value, "")
	if w.Code != http.StatusOK {
		t.Fatalf("/sessions status = %d, want 200", w.Code)
	}
	var resp listResponse
	decodeBody(t, w, &resp)
	if len(resp.AllSessions) != 1 || !resp.AllSessions[0].IsCurrent || resp.CurrentSession.Role != models.RoleRider {
		t.Fatalf("unexpected demo listing %+v", resp)
	}

	// 別のデモIDには影響しない
	other := responseCookie(f.do(t, http.MethodGet, "/dashboard/rider", "", ""))
	if w := f.do(t, http.MethodDelete, "/sessions?action=logout-all", cookie.Value, ""); w.Code != http.StatusOK {
		t.Fatalf("logout-all status = %d, want 200", w.Code)
	}
	if _, err := f.store.Lookup(context.Background(), cookie.Value); err == nil {
		t.Fatal("demo session still present after logout-all")
	}
	if _, err := f.store.Lookup(context.Background(), other.Value); err != nil {
		t.Fatalf("other demo session was removed: %v", err)
	}
}

func TestPartitionRedirectEndToEnd(t *testing.T) {
	f := newServerFixture(t, true)
	f.addUser(t, "rider@example.com", models.RoleRider)
	token := f.login(t, "rider@example.com")

	w := f.do(t, http.MethodGet, "/driver/dashboard", token, "")
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/dashboard/rider" {
		t.Fatalf("status = %d, location %q", w.Code, w.Header().Get("Location"))
	}
	if w := f.do(t, http.MethodGet, "/dashboard/rider", token, ""); w.Code != http.StatusOK {
		t.Fatalf("landing status = %d, want 200", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newServerFixture(t, true)
	f.do(t, http.MethodGet, "/dashboard/rider", "", "")

	if w := f.do(t, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
	w := f.do(t, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	for _, want := range []string{
		`transit_gate_decisions_total{outcome="provisioned"} 1`,
		`transit_sessions_created_total{origin="provisioned"} 1`,
	} {
		if !strings.Contains(w.Body.String(), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
