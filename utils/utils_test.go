package utils

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type purgerFunc func(ctx context.Context, now time.Time) (int64, error)

func (f purgerFunc) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return f(ctx, now)
}

func TestCronCleanerRejectsBadSchedule(t *testing.T) {
	purger := purgerFunc(func(context.Context, time.Time) (int64, error) { return 0, nil })
	if _, err := CronCleaner(purger, "not a schedule", zap.NewNop()); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
}

func TestCronCleanerRunsPurge(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ran := make(chan struct{}, 1)
	purger := purgerFunc(func(ctx context.Context, now time.Time) (int64, error) {
		if _, ok := ctx.Deadline(); !ok {
			return 0, errors.New("purge called without a deadline")
		}
		select {
		case ran <- struct{}{}:
		default:
		}
		return 2, nil
	})

	c, err := CronCleaner(purger, "@every 1s", zap.New(core))
	if err != nil {
		t.Fatalf("CronCleaner: %v", err)
	}
	defer c.Stop()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("purge job did not run")
	}
	deadline := time.Now().Add(time.Second)
	for logs.FilterField(zap.Int64("sessions_deleted", 2)).Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("purge result was not logged")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)

	router := gin.New()
	router.Use(RequestLogger(zap.New(core)))
	router.GET("/status/:code", func(c *gin.Context) {
		switch c.Param("code") {
		case "500":
			c.Status(http.StatusInternalServerError)
		case "401":
			c.Status(http.StatusUnauthorized)
		default:
			c.Status(http.StatusOK)
		}
	})

	tests := []struct {
		path  string
		level zapcore.Level
	}{
		{path: "/status/200", level: zapcore.InfoLevel},
		{path: "/status/401", level: zapcore.WarnLevel},
		{path: "/status/500", level: zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path+"?token=secret", nil)
			router.ServeHTTP(httptest.NewRecorder(), req)

			entries := logs.TakeAll()
			if len(entries) != 1 {
				t.Fatalf("got %d log entries, want 1", len(entries))
			}
			if entries[0].Level != tt.level {
				t.Fatalf("level = %s, want %s", entries[0].Level, tt.level)
			}
			fields := entries[0].ContextMap()
			if fields["path"] != tt.path || fields["method"] != http.MethodGet {
				t.Fatalf("unexpected fields %v", fields)
			}
			for _, v := range fields {
				if s, ok := v.(string); ok && strings.Contains(s, "secret") {
					t.Fatalf("query string leaked into %v", fields)
				}
			}
		})
	}
}

func TestInitTracingDisabled(t *testing.T) {
	handler := http.NewServeMux()
	got, shutdown, err := InitTracing(context.Background(), "test", "", handler, zap.NewNop())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if got != http.Handler(handler) {
		t.Fatal("expected the handler to be returned unchanged")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsBadEndpoint(t *testing.T) {
	if _, _, err := InitTracing(context.Background(), "test", "http://", http.NewServeMux(), zap.NewNop()); err == nil {
		t.Fatal("expected an error for an endpoint without a host")
	}
}
