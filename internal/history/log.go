// Package history keeps a bounded log of recent payload states so an
// overwritten clipboard can be recovered. Entries hold the state as it was
// BEFORE each detected change, most recent first.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tccl/tabsync/internal/infrastructure/logging"
	"github.com/tccl/tabsync/internal/infrastructure/monitoring"
	"github.com/tccl/tabsync/internal/shared/id"
	"github.com/tccl/tabsync/internal/shared/types"
	"github.com/tccl/tabsync/internal/syncer"
)

// DefaultCapacity bounds the log at the ten most recent snapshots.
const DefaultCapacity = 10

// Propagator is the slice of the orchestrator a restore needs.
type Propagator interface {
	Propagate(ctx context.Context, payload types.Payload, opts syncer.Options) types.SyncResult
}

// Entry is one recorded snapshot.
type Entry struct {
	ID         string        `json:"id"`
	Label      string        `json:"label"`
	RecordedAt time.Time     `json:"recorded_at"`
	Payload    types.Payload `json:"payload"`
}

// Log is a bounded most-recent-first snapshot log. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// New creates a log. capacity <= 0 falls back to DefaultCapacity.
func New(capacity int, logger *logging.Logger, metrics *monitoring.Metrics) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Log{
		capacity: capacity,
		logger:   logger,
		metrics:  metrics,
	}
}

// Record prepends a deep copy of previous, evicting the oldest entry when
// the log is full. The copy keeps later edits to the live payload from
// rewriting history.
func (l *Log) Record(previous types.Payload) Entry {
	entry := Entry{
		ID:         id.NewOpID().String(),
		Label:      previous.Label(),
		RecordedAt: time.Now().UTC(),
		Payload:    previous.Clone(),
	}

	l.mu.Lock()
	l.entries = append([]Entry{entry}, l.entries...)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[:l.capacity]
	}
	size := len(l.entries)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.HistoryEntries.Set(float64(size))
	}
	l.logger.Debug("recorded history entry",
		zap.String("entry_id", entry.ID),
		zap.String("label", entry.Label),
	)
	return entry
}

// List returns the entries most recent first. The slice is a copy; payloads
// are shared snapshots and must not be mutated by callers.
func (l *Log) List() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the current entry count.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Get looks up an entry by ID.
func (l *Log) Get(entryID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.ID == entryID {
			return e, true
		}
	}
	return Entry{}, false
}

// KV is the slice of the persistent store a restore needs to put the
// snapshot back as the authoritative payload.
type KV interface {
	Set(key, value string) error
	Delete(key string) error
}

// Restorer replays history entries back out to the tabs.
type Restorer struct {
	log     *Log
	kv      KV
	prop    Propagator
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewRestorer wires a log to the store and a propagator.
func NewRestorer(log *Log, kv KV, prop Propagator, logger *logging.Logger, metrics *monitoring.Metrics) *Restorer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Restorer{log: log, kv: kv, prop: prop, logger: logger, metrics: metrics}
}

// Restore makes the identified snapshot the authoritative payload again and
// propagates it to every trusted tab. The store write comes first, so the
// post-batch re-baseline reads the restored state rather than the one it
// replaced. No origin tab is excluded: a restore has no originating tab, so
// everything that matches gets the write.
func (r *Restorer) Restore(ctx context.Context, entryID string) (types.SyncResult, error) {
	entry, ok := r.log.Get(entryID)
	if !ok {
		return types.SyncResult{}, fmt.Errorf("history entry %q not found", entryID)
	}

	r.logger.Info("restoring history entry",
		zap.String("entry_id", entry.ID),
		zap.String("label", entry.Label),
	)
	if err := r.persist(entry.Payload); err != nil {
		return types.SyncResult{}, fmt.Errorf("persist restored payload: %w", err)
	}
	result := r.prop.Propagate(ctx, entry.Payload.Clone(), syncer.Options{})
	if r.metrics != nil {
		r.metrics.RestoresTotal.Inc()
	}
	return result, nil
}

// persist writes the snapshot back to the store in normalized form, removing
// any metadata the replaced payload left behind.
func (r *Restorer) persist(p types.Payload) error {
	records, err := p.RecordsJSON()
	if err != nil {
		return err
	}
	if err := r.kv.Set(types.RecordStorageKey, records); err != nil {
		return err
	}
	meta, err := p.MetadataJSON()
	if err != nil {
		return err
	}
	if meta == "" {
		return r.kv.Delete(types.MetadataKey)
	}
	return r.kv.Set(types.MetadataKey, meta)
}
