package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/polyield/internal/domain"
)

var _ domain.AuditStore = (*AuditLog)(nil)

// AuditLog is an append-only audit log held in memory.
type AuditLog struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	now     func() time.Time
}

// NewAuditLog returns an empty AuditLog.
func NewAuditLog() *AuditLog {
	return &AuditLog{now: time.Now}
}

// Log appends an entry.
func (a *AuditLog) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: a.now().UTC(),
	})
	return nil
}

// List returns entries matching f, newest first.
func (a *AuditLog) List(_ context.Context, f domain.AuditFilter, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]domain.AuditEntry, 0, len(a.entries))
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if !f.Match(e) {
			continue
		}
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}
