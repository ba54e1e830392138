package audit

import (
	"context"
	"time"

	"docgate.org/internal/ids"
	"docgate.org/internal/obs"
)

// Recorder writes entries on a best-effort basis: a failed append is logged
// and counted, never returned, so it cannot abort the operation being audited.
type Recorder struct {
	store Store
	now   func() time.Time
	sinks []func(Entry)
}

// RecorderOption configures Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source used for CreatedAt.
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithSink registers a callback invoked after each successful append.
func WithSink(fn func(Entry)) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.sinks = append(r.sinks, fn)
		}
	}
}

func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record fills ID and CreatedAt when missing and appends the entry.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.store == nil {
		return
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if err := r.store.Append(ctx, &e); err != nil {
		obs.AuditWriteFailed()
		fields := map[string]any{
			"grant_id":    e.GrantID,
			"document_id": e.DocumentID,
			"action":      string(e.Action),
			"error":       err.Error(),
		}
		if rid := requestIDFromContext(ctx); rid != "" {
			fields["request_id"] = rid
		}
		obs.Warn("audit append failed", fields)
		return
	}
	for _, sink := range r.sinks {
		sink(e)
	}
}
