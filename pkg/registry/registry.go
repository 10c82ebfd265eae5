package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"instream-live-server/pkg/broadcast"
)

var ErrDuplicateKey = errors.New("session key already registered")

// Observer receives lifecycle events. The zero Registry uses a no-op observer.
type Observer interface {
	RecordCreated()
	RecordRemoved(age time.Duration)
	RecordStopFailure()
	RecordReclaimed(count int)
	SetRecords(total, active int)
}

type record struct {
	handle    broadcast.Handle
	createdAt time.Time
	active    bool
	// stopping is set by the one Remove that owns the stop; the record stays
	// visible until the stop returns.
	stopping bool
}

// RecordInfo is a read-only view of a record for introspection.
type RecordInfo struct {
	Key       string    `json:"key"`
	Active    bool      `json:"active"`
	Stopping  bool      `json:"stopping,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry maps session keys to broadcast handles. A handle is owned by exactly
// one record and is stopped by Remove only, so it is stopped at most once.
type Registry struct {
	mu          sync.Mutex
	records     map[string]*record
	logger      logrus.FieldLogger
	observer    Observer
	stopTimeout time.Duration
	now         func() time.Time
}

func New(logger logrus.FieldLogger, observer Observer, stopTimeout time.Duration) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Registry{
		records:     make(map[string]*record),
		logger:      logger,
		observer:    observer,
		stopTimeout: stopTimeout,
		now:         time.Now,
	}
}

func (r *Registry) Create(key string, h broadcast.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[key]; ok {
		return ErrDuplicateKey
	}
	r.records[key] = &record{handle: h, createdAt: r.now(), active: true}
	r.observer.RecordCreated()
	r.publishCountsLocked()
	return nil
}

// Get returns the handle owned by key. Callers must not keep the handle beyond
// the current request.
func (r *Registry) Get(key string) (broadcast.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return nil, false
	}
	return rec.handle, true
}

func (r *Registry) IsActive(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	return ok && rec.active
}

// SetInactive marks the record as no longer running without stopping its handle.
func (r *Registry) SetInactive(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok || !rec.active {
		return
	}
	rec.active = false
	r.publishCountsLocked()
}

// Remove stops the record's handle, then deletes the record. Until the stop
// returns the record keeps its active flag, and further Remove calls report
// false. Stop failures are logged and never keep the record around. It
// reports whether this call removed it.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	rec, ok := r.records[key]
	if !ok || rec.stopping {
		r.mu.Unlock()
		return false
	}
	rec.stopping = true
	r.mu.Unlock()

	r.finishRemove(key, rec)
	return true
}

func (r *Registry) finishRemove(key string, rec *record) {
	r.stopHandle(key, rec.handle)

	r.mu.Lock()
	if r.records[key] == rec {
		delete(r.records, key)
		r.publishCountsLocked()
	}
	r.mu.Unlock()
	r.observer.RecordRemoved(r.now().Sub(rec.createdAt))
}

// ReclaimStale removes inactive records older than maxAge. Active records are
// never reclaimed regardless of age. An age equal to maxAge is kept.
func (r *Registry) ReclaimStale(maxAge time.Duration) []string {
	now := r.now()
	r.mu.Lock()
	var candidates []string
	for key, rec := range r.records {
		if !rec.active && !rec.stopping && now.Sub(rec.createdAt) > maxAge {
			candidates = append(candidates, key)
		}
	}
	r.mu.Unlock()

	removed := make([]string, 0, len(candidates))
	for _, key := range candidates {
		if r.removeIfStale(key, now, maxAge) {
			removed = append(removed, key)
		}
	}
	if len(removed) > 0 {
		r.observer.RecordReclaimed(len(removed))
		r.logger.WithField("count", len(removed)).Info("reclaimed stale sessions")
	}
	return removed
}

// removeIfStale re-checks eligibility under the lock, so a record that was
// reactivated or replaced after the snapshot survives.
func (r *Registry) removeIfStale(key string, now time.Time, maxAge time.Duration) bool {
	r.mu.Lock()
	rec, ok := r.records[key]
	if !ok || rec.active || rec.stopping || now.Sub(rec.createdAt) <= maxAge {
		r.mu.Unlock()
		return false
	}
	rec.stopping = true
	r.mu.Unlock()

	r.finishRemove(key, rec)
	return true
}

// Run sweeps stale records every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.WithFields(logrus.Fields{"interval": interval, "max_age": maxAge}).Info("session reclaim loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReclaimStale(maxAge)
		}
	}
}

// Close stops every handle and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.records))
	for key := range r.records {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	for _, key := range keys {
		r.Remove(key)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Snapshot lists all records ordered by creation time.
func (r *Registry) Snapshot() []RecordInfo {
	r.mu.Lock()
	out := make([]RecordInfo, 0, len(r.records))
	for key, rec := range r.records {
		out = append(out, RecordInfo{Key: key, Active: rec.active, Stopping: rec.stopping, CreatedAt: rec.createdAt})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) stopHandle(key string, h broadcast.Handle) {
	if h == nil {
		return
	}
	ctx := context.Background()
	if r.stopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.stopTimeout)
		defer cancel()
	}
	if err := h.Stop(ctx); err != nil {
		r.observer.RecordStopFailure()
		r.logger.WithFields(logrus.Fields{"session_hash": MaskKey(key), "err": err}).Warn("stop live handle failed")
	}
}

func (r *Registry) publishCountsLocked() {
	active := 0
	for _, rec := range r.records {
		if rec.active {
			active++
		}
	}
	r.observer.SetRecords(len(r.records), active)
}

type nopObserver struct{}

func (nopObserver) RecordCreated()              {}
func (nopObserver) RecordRemoved(time.Duration) {}
func (nopObserver) RecordStopFailure()          {}
func (nopObserver) RecordReclaimed(int)         {}
func (nopObserver) SetRecords(int, int)         {}
