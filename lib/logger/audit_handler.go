// Package logger provides structured logging helpers: slog-in-context
// accessors and an audit handler that mirrors lifecycle records to a
// machine-local audit file.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// AuditHandler wraps an slog.Handler and additionally appends records that
// carry an "event" attribute to an audit log file. The lifecycle event
// reporter tags every record it emits that way, so the audit file becomes a
// plain-text history of the machine's run-state activity.
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type AuditHandler struct {
	slog.Handler
	path     string
	preAttrs []slog.Attr // attrs added via WithAttrs (needed to find "event")
}

// NewAuditHandler creates a handler that wraps the given handler and mirrors
// lifecycle event records to the audit file at path.
func NewAuditHandler(wrapped slog.Handler, path string) *AuditHandler {
	return &AuditHandler{
		Handler: wrapped,
		path:    path,
	}
}

// Handle passes the record to the wrapped handler, then appends it to the
// audit file when it names a lifecycle event.
func (h *AuditHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var event string
	for _, a := range h.preAttrs {
		if a.Key == "event" {
			event = a.Value.String()
			break
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "event" {
			event = a.Value.String()
			return false
		}
		return true
	})

	if event != "" {
		h.appendAuditLine(r)
	}
	return nil
}

// appendAuditLine writes one record to the audit file. The file is opened
// and closed per write so there is no handle to leak or rotate around.
func (h *AuditHandler) appendAuditLine(r slog.Record) {
	line := fmt.Sprintf("%s %s %s", r.Time.Format(time.RFC3339), r.Level.String(), r.Message)
	for _, a := range h.preAttrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	line += "\n"

	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		// Package-level slog here, not our handler, to avoid recursion.
		slog.Warn("failed to create audit log directory", "path", filepath.Dir(h.path), "error", err)
		return
	}

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("failed to open audit log file", "path", h.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		slog.Warn("failed to write to audit log file", "path", h.path, "error", err)
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *AuditHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

// WithAttrs returns a new handler with the given attributes. Attrs are
// tracked locally so "event" is found even when bound via With().
func (h *AuditHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newPreAttrs := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(newPreAttrs, h.preAttrs)
	newPreAttrs = append(newPreAttrs, attrs...)

	return &AuditHandler{
		Handler:  h.Handler.WithAttrs(attrs),
		path:     h.path,
		preAttrs: newPreAttrs,
	}
}

// WithGroup returns a new handler with the given group name. Event attrs are
// expected at the top level, never inside groups.
func (h *AuditHandler) WithGroup(name string) slog.Handler {
	return &AuditHandler{
		Handler:  h.Handler.WithGroup(name),
		path:     h.path,
		preAttrs: h.preAttrs,
	}
}
