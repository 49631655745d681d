// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"vehicle-loan-ledger/internal/domain"
)

// OperationResult は台帳操作ログの結果欄。
type OperationResult string

const (
	ResultSuccess OperationResult = "SUCCESS"
	ResultFailed  OperationResult = "FAILED"
)

// WriteOperationLog は台帳操作の結果を1行出力する。金額などの平文は渡さないこと。
func WriteOperationLog(ctx context.Context, operation string, entityID uint64, result OperationResult) {
	principal, _ := domain.PrincipalFrom(ctx)
	level := slog.LevelInfo
	if result == ResultFailed {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "ledger operation",
		"operation", operation,
		"principal", principal,
		"entity_id", entityID,
		"result", string(result),
		"request_id", chimiddleware.GetReqID(ctx),
	)
}

// AccessLog はリクエストごとにステータスと所要時間をJSONログに出す。
// RequestID より後に登録すること。
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}
