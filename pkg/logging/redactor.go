// Package logging keeps credentials out of log output. RedactorHandler
// wraps an slog.Handler and rewrites records before they reach it:
// attributes with sensitive-looking keys and any registered literal
// strings are replaced with a placeholder.
package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// RedactedValue replaces sensitive data in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are matched case-insensitively as substrings of
// attribute keys.
var sensitiveKeys = []string{
	"password", "passwd", "pwd",
	"token", "auth_token",
	"key", "api_key", "secret_key", "private_key",
	"username", "user", "login",
	"secret", "credential", "auth",
}

// RedactorHandler is an slog.Handler that redacts before delegating.
type RedactorHandler struct {
	handler         slog.Handler
	explicitStrings []string
	mutex           sync.RWMutex
}

// NewRedactorHandler wraps handler with key-pattern redaction only.
// Literal strings can be registered later with UpdateSecrets.
func NewRedactorHandler(handler slog.Handler) *RedactorHandler {
	return &RedactorHandler{handler: handler, explicitStrings: []string{}}
}

// NewRedactorHandlerWithStrings wraps handler and additionally redacts
// every occurrence of the given strings.
func NewRedactorHandlerWithStrings(handler slog.Handler, sensitiveStrings []string) *RedactorHandler {
	return &RedactorHandler{
		handler:         handler,
		explicitStrings: sensitiveStrings,
	}
}

func (h *RedactorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *RedactorHandler) Handle(ctx context.Context, record slog.Record) error {
	newRecord := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)

	record.Attrs(func(attr slog.Attr) bool {
		newRecord.AddAttrs(h.redactAttr(attr))
		return true
	})

	return h.handler.Handle(ctx, newRecord)
}

func (h *RedactorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redactedAttrs := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		redactedAttrs[i] = h.redactAttr(attr)
	}
	return &RedactorHandler{handler: h.handler.WithAttrs(redactedAttrs), explicitStrings: h.explicitStrings}
}

func (h *RedactorHandler) WithGroup(name string) slog.Handler {
	return &RedactorHandler{handler: h.handler.WithGroup(name), explicitStrings: h.explicitStrings}
}

func (h *RedactorHandler) isSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitiveKey := range sensitiveKeys {
		if keyLower == sensitiveKey || strings.Contains(keyLower, sensitiveKey) {
			return true
		}
	}
	return false
}

// redactAttr blanks the value of any sensitive key and scrubs registered
// strings from the rest, descending into groups.
func (h *RedactorHandler) redactAttr(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		if h.isSensitiveKey(attr.Key) {
			return slog.String(attr.Key, RedactedValue)
		}
		return slog.String(attr.Key, h.redactString(attr.Value.String()))
	case slog.KindGroup:
		groupAttrs := attr.Value.Group()
		redactedGroupAttrs := make([]any, 0, len(groupAttrs)*2)
		for _, groupAttr := range groupAttrs {
			redactedAttr := h.redactAttr(groupAttr)
			redactedGroupAttrs = append(redactedGroupAttrs, redactedAttr.Key, redactedAttr.Value)
		}
		return slog.Group(attr.Key, redactedGroupAttrs...)
	case slog.KindInt64, slog.KindUint64, slog.KindFloat64, slog.KindBool:
		// Numeric and bool values cannot embed a credential; key match
		// only.
		if h.isSensitiveKey(attr.Key) {
			return slog.String(attr.Key, RedactedValue)
		}
		return attr
	default:
		if h.isSensitiveKey(attr.Key) {
			return slog.String(attr.Key, RedactedValue)
		}
		return slog.String(attr.Key, h.redactString(attr.Value.String()))
	}
}

func (h *RedactorHandler) redactString(s string) string {
	result := s

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, sensitiveStr := range h.explicitStrings {
		if sensitiveStr != "" && strings.Contains(result, sensitiveStr) {
			result = strings.ReplaceAll(result, sensitiveStr, RedactedValue)
		}
	}

	return result
}

// UpdateSecrets replaces the set of literal strings to redact.
func (h *RedactorHandler) UpdateSecrets(sensitiveStrings []string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.explicitStrings = make([]string, len(sensitiveStrings))
	copy(h.explicitStrings, sensitiveStrings)
}

// NewSecureLogger returns a logger with key-pattern redaction applied.
func NewSecureLogger(handler slog.Handler) *slog.Logger {
	return slog.New(NewRedactorHandler(handler))
}
