// Package notify delivers operator alerts to chat channels. Alerts are
// filtered by event type and rate limited per key so a persistent problem
// does not page on every reconcile tick.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Alert event types.
const (
	EventReconcileMismatch  = "reconcile.mismatch"
	EventReconcileFailed    = "reconcile.failed"
	EventReconcileRecovered = "reconcile.recovered"
	EventSnapshotFailed     = "snapshot.failed"
)

// Severity orders alerts for rendering.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// Alert is one notification.
type Alert struct {
	Event    string
	Severity Severity
	Title    string
	// Key groups repeats of the same condition, e.g. event plus asset.
	// Empty uses Event.
	Key    string
	Fields map[string]string
}

// Body renders the fields as sorted "name: value" lines.
func (a Alert) Body() string {
	names := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(a.Fields[k])
	}
	return b.String()
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	Name() string
}

// Notifier fans alerts out to every sender.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	now      func() time.Time

	mu     sync.Mutex
	last   map[string]time.Time
	logger *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event; a
// zero cooldown sends every alert.
func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cooldown,
		now:      time.Now,
		last:     make(map[string]time.Time),
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends a to every sender unless its event is filtered out or the same
// key fired within the cooldown. Sender failures are joined.
func (n *Notifier) Notify(ctx context.Context, a Alert) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[a.Event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", a.Event))
		return nil
	}
	if !n.admit(a) {
		n.logger.DebugContext(ctx, "alert suppressed by cooldown", slog.String("event", a.Event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, a); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", a.Event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Reset clears the cooldown of key so the next alert for it is sent.
func (n *Notifier) Reset(key string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	delete(n.last, key)
	n.mu.Unlock()
}

func (n *Notifier) admit(a Alert) bool {
	if n.cooldown <= 0 {
		return true
	}
	key := a.Key
	if key == "" {
		key = a.Event
	}
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if at, ok := n.last[key]; ok && now.Sub(at) < n.cooldown {
		return false
	}
	n.last[key] = now
	return true
}
