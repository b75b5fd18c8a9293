// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// 監査ログの結果。
const (
	AuditSuccess = "SUCCESS"
	AuditFailed  = "FAILED"
)

// AuditEntry は監査ログの1行分。シークレットは含めない。
type AuditEntry struct {
	Operation string
	TenantID  string
	DeviceID  string
	AuthID    string
	Type      string
	Result    string
	Reason    string
}

// WriteAuditLog は監査ログを出力する。
func WriteAuditLog(ctx context.Context, e AuditEntry) {
	attrs := []any{
		"operation", e.Operation,
		"tenant_id", e.TenantID,
		"result", e.Result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	}
	if e.DeviceID != "" {
		attrs = append(attrs, "device_id", e.DeviceID)
	}
	if e.AuthID != "" {
		attrs = append(attrs, "auth_id", e.AuthID, "type", e.Type)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	if id := chimiddleware.GetReqID(ctx); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	slog.InfoContext(ctx, "credential operation completed", attrs...)
}

// RequestLogger はリクエストごとにアクセスログを出力する。
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}
