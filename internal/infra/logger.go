package infra

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"vehicle-loan-ledger/config"
)

// redactedKeys は値をログに残してはならない属性キー。平文金額と鍵素材を含む。
var redactedKeys = map[string]struct{}{
	"amount":        {},
	"plaintext":     {},
	"private_key":   {},
	"wrapped_key":   {},
	"secret":        {},
	"token":         {},
	"authorization": {},
}

const redacted = "[REDACTED]"

// redactAttr は slog.HandlerOptions.ReplaceAttr として秘匿属性を伏せる。
func redactAttr(groups []string, a slog.Attr) slog.Attr {
	if _, ok := redactedKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}

// LedgerLogHandler はスパン情報を付与し、Cloud Logging のトレース連携フィールドを出力する。
type LedgerLogHandler struct {
	next      slog.Handler
	projectID string
	traced    bool
}

func NewLedgerLogHandler(next slog.Handler, cfg *config.Config) *LedgerLogHandler {
	return &LedgerLogHandler{
		next:      next,
		projectID: cfg.GoogleCloudProject,
		traced:    cfg.OtelEnabled,
	}
}

func (h *LedgerLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *LedgerLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.traced {
		return h.next.Handle(ctx, r)
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return h.next.Handle(ctx, r)
	}

	traceID, spanID := sc.TraceID().String(), sc.SpanID().String()
	r.AddAttrs(
		slog.String("trace", traceID),
		slog.String("spanId", spanID),
		slog.Bool("traceSampled", sc.IsSampled()),
	)
	if h.projectID != "" {
		r.AddAttrs(
			slog.String("logging.googleapis.com/trace", "projects/"+h.projectID+"/traces/"+traceID),
			slog.String("logging.googleapis.com/spanId", spanID),
			slog.Bool("logging.googleapis.com/trace_sampled", sc.IsSampled()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h *LedgerLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	return &clone
}

func (h *LedgerLogHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.next = h.next.WithGroup(name)
	return &clone
}

// SetupLogger は標準出力へのJSONロガーをデフォルトに設定する。
func SetupLogger(cfg *config.Config) {
	slog.SetDefault(NewLogger(os.Stdout, cfg))
}

// NewLogger は w にJSONで出力するロガーを生成する。
// すべてのレコードにサービス名と実行環境が付く。
func NewLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       cfg.SlogLevel(),
		ReplaceAttr: redactAttr,
	})
	return slog.New(NewLedgerLogHandler(jsonHandler, cfg)).With(
		slog.String("service", cfg.OtelServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
