package updater

import (
	"log/slog"
	"strings"

	"github.com/aschaap/picosnitch-go/internal/audit"
)

// AuditNotifier delivers a notification through a logger, the same as
// LogNotifier, and additionally records it in a tamper-evident audit.Logger
// so every raised notification (new executable, new digest, first
// connection, suspicious verdict) has a durable, hash-chained record
// independent of the persisted knowledge base.
type AuditNotifier struct {
	Logger *slog.Logger
	Audit  *audit.Logger
}

// Notify implements Notifier. It classifies message against the fixed set
// of templates the state-update algorithm (§4.4) raises and records the
// result as a typed audit.Notification, rather than the raw string, so a
// chain reader can filter by Kind without parsing English text.
func (n AuditNotifier) Notify(message string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("picosnitch notification", slog.String("message", message))

	if n.Audit == nil {
		return
	}
	if _, err := n.Audit.AppendNotification(classifyNotification(message)); err != nil {
		logger.Warn("audit: failed to append notification", slog.Any("error", err))
	}
}

// classifyNotification maps one of the fixed notification strings the
// state-update algorithm emits (stateupdate.go) onto a typed
// audit.Notification. Messages that don't match any known template (e.g. a
// future notifier addition) still round-trip as KindGeneric.
func classifyNotification(message string) audit.Notification {
	n := audit.Notification{Kind: audit.KindGeneric, Message: message}

	switch {
	case splitAfter(message, "New executable detected for ", &n.Name, &n.Executable):
		n.Kind = audit.KindNewExecutable
	case splitAfter(message, "New sha256 detected for ", &n.Name, &n.Executable):
		n.Kind = audit.KindNewDigest
	case strings.HasPrefix(message, "First network connection detected for "):
		n.Kind = audit.KindFirstConnection
		n.Name = strings.TrimPrefix(message, "First network connection detected for ")
	case strings.HasPrefix(message, "Suspicious results for "):
		n.Kind = audit.KindSuspicious
		n.Name = strings.TrimPrefix(message, "Suspicious results for ")
	}
	return n
}

// splitAfter reports whether message has the form "prefix<name>: <exe>",
// filling *name and *exe and returning true on match.
func splitAfter(message, prefix string, name, exe *string) bool {
	if !strings.HasPrefix(message, prefix) {
		return false
	}
	rest := strings.TrimPrefix(message, prefix)
	idx := strings.Index(rest, ": ")
	if idx < 0 {
		return false
	}
	*name = rest[:idx]
	*exe = rest[idx+len(": "):]
	return true
}
