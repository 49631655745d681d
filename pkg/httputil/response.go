// Package httputil は台帳APIのJSON入出力を扱う。
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// MaxBodyBytes は受け付けるリクエストボディの上限。
const MaxBodyBytes = 64 << 10

// ErrorResponse はエラー時のボディ。
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON は data をJSONで書き出す。data が nil ならボディなし。
func JSON(w http.ResponseWriter, status int, data any) {
	if data == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err, "status", status)
	}
}

func Error(w http.ResponseWriter, status int, code string, message string) {
	JSON(w, status, ErrorResponse{Code: code, Message: message})
}

// DecodeJSON はボディを v に読み込む。失敗時はエラーレスポンスを書いて false を返す。
// 未知のフィールド、複数のJSON値、MaxBodyBytes 超過は拒否する。
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()

	err := dec.Decode(v)
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errors.New("request body must contain a single JSON object")
	}
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "request body is too large")
		return false
	}
	Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
	return false
}
