// Package telemetry records notable pipeline events: a structured slog line,
// a per-code health counter and, for errors, a deduplicated operator alert.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"ObituaryScanner/internal/ports"
)

// Level is the event severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

const maxValueLength = 300

var queryExpr = regexp.MustCompile(`([A-Za-z][A-Za-z0-9+.-]*://[^\s?#"'<>]+)[?#][^\s"'<>]*`)

var secretKeys = []string{"api_key", "apikey", "token", "authorization", "password", "secret", "dsn"}

// Event is one telemetry record. Context may carry obit_id, source, run_id, url.
type Event struct {
	Level     Level
	Subsystem string
	Code      string
	Message   string
	Context   map[string]any
	// Alert forces an operator alert regardless of level.
	Alert bool
}

// Sink fans events out to the logger, the counter store and the notifier.
type Sink struct {
	logger      *slog.Logger
	counters    ports.CounterStore
	notifier    ports.Notifier
	dedupWindow time.Duration
}

// NewSink builds a sink. counters and notifier may be nil.
func NewSink(logger *slog.Logger, counters ports.CounterStore, notifier ports.Notifier, dedupWindow time.Duration) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if dedupWindow <= 0 {
		dedupWindow = time.Hour
	}
	return &Sink{
		logger:      logger.With("component", "telemetry"),
		counters:    counters,
		notifier:    notifier,
		dedupWindow: dedupWindow,
	}
}

// Log records ev. It never fails; backend errors are logged and dropped.
func (s *Sink) Log(ctx context.Context, ev Event) {
	if s == nil {
		return
	}
	attrs := append([]any{"subsystem", ev.Subsystem, "code", ev.Code}, Redact(ev.Context)...)
	s.logger.Log(ctx, slogLevel(ev.Level), ev.Message, attrs...)

	if s.counters != nil && ev.Code != "" {
		if err := s.counters.Incr(ctx, ev.Code); err != nil {
			s.logger.WarnContext(ctx, "increment health counter", "code", ev.Code, "err", err)
		}
	}

	if ev.Level == LevelError || ev.Alert {
		s.alert(ctx, ev)
	}
}

// Health returns the counters of the current window.
func (s *Sink) Health(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.counters == nil {
		return map[string]int64{}, nil
	}
	return s.counters.Snapshot(ctx)
}

func (s *Sink) alert(ctx context.Context, ev Event) {
	if s.notifier == nil {
		return
	}
	if s.counters != nil {
		first, err := s.counters.FirstInWindow(ctx, "alert:"+ev.Subsystem+":"+ev.Code, s.dedupWindow)
		if err != nil {
			s.logger.WarnContext(ctx, "alert dedup check", "code", ev.Code, "err", err)
		}
		if !first {
			return
		}
	}
	if err := s.notifier.PublishAlert(ctx, formatAlert(ev)); err != nil {
		s.logger.WarnContext(ctx, "publish alert", "code", ev.Code, "err", err)
	}
}

func formatAlert(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s/%s: %s", strings.ToUpper(string(ev.Level)), ev.Subsystem, ev.Code, truncate(ev.Message))
	attrs := Redact(ev.Context)
	for i := 0; i+1 < len(attrs); i += 2 {
		fmt.Fprintf(&b, "\n%v=%v", attrs[i], attrs[i+1])
	}
	return b.String()
}

// Redact turns an event context into sorted slog key/value pairs, dropping
// secret-looking keys, stripping URL query strings and truncating values.
func Redact(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if isSecretKey(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, redactValue(fields[k]))
	}
	return out
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if k == s || strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}

func redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return truncate(stripQuery(val))
	case error:
		return truncate(stripQuery(val.Error()))
	case fmt.Stringer:
		return truncate(stripQuery(val.String()))
	default:
		return v
	}
}

// stripQuery removes query strings and fragments from every URL in s.
func stripQuery(s string) string {
	if !strings.Contains(s, "://") {
		return s
	}
	return queryExpr.ReplaceAllString(s, "$1")
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxValueLength {
		return s
	}
	r := []rune(s)
	return string(r[:maxValueLength]) + "…"
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	case LevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
