// Package watcher detects payload changes and drives propagation. It is the
// loop-breaker of the whole system: a three-state machine (idle, sync in
// flight, disabled) decides whether an observed change is user activity
// worth propagating or just the echo of the agent's own writes.
package watcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tccl/tabsync/internal/history"
	"github.com/tccl/tabsync/internal/infrastructure/logging"
	"github.com/tccl/tabsync/internal/infrastructure/monitoring"
	"github.com/tccl/tabsync/internal/shared/types"
	"github.com/tccl/tabsync/internal/store"
	"github.com/tccl/tabsync/internal/syncer"
)

// State is the watcher's reaction mode.
type State int

const (
	// StateIdle reacts to changes: polling compares, pushes propagate.
	StateIdle State = iota
	// StateSyncInFlight suspends reaction while a batch is being written,
	// so the agent's own writes are never mistaken for user activity.
	StateSyncInFlight
	// StateDisabled ignores everything until Enable.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncInFlight:
		return "sync_in_flight"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Propagator is the slice of the orchestrator the watcher needs.
type Propagator interface {
	Propagate(ctx context.Context, payload types.Payload, opts syncer.Options) types.SyncResult
}

// Notify is invoked after every accepted change, before propagation settles.
// The API layer uses it to broadcast poll/push notifications to clients.
type Notify func(source string, payload types.Payload)

// Config holds watcher tuning.
type Config struct {
	PollInterval time.Duration
}

// Watcher polls the store for payload changes and routes pushed changes
// through the same detection gate.
type Watcher struct {
	config  Config
	store   *store.Store
	log     *history.Log
	prop    Propagator
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	state    State
	lastSeen types.Payload
	notify   Notify

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a watcher. The baseline payload is read from the store on
// Start, not here, so construction order stays flexible.
func New(config Config, st *store.Store, log *history.Log, prop Propagator, logger *logging.Logger, metrics *monitoring.Metrics) *Watcher {
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Watcher{
		config:   config,
		store:    st,
		log:      log,
		prop:     prop,
		logger:   logger,
		metrics:  metrics,
		lastSeen: types.EmptyPayload(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SyncStarted suspends change detection for the duration of a batch.
func (w *Watcher) SyncStarted() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateIdle {
		w.state = StateSyncInFlight
	}
}

// SyncFinished resumes detection and re-baselines from the store, so the
// state the batch just distributed is never re-detected as a fresh change.
func (w *Watcher) SyncFinished() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if current, err := w.readStore(); err == nil {
		w.lastSeen = current
	}
	if w.state == StateSyncInFlight {
		w.state = StateIdle
	}
}

// State returns the current reaction mode.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Disable stops all reaction until Enable. In-flight batches still settle.
func (w *Watcher) Disable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateDisabled
	w.logger.Info("watcher disabled")
}

// Enable re-baselines from the store and resumes reaction. Changes that
// happened while disabled are deliberately not replayed.
func (w *Watcher) Enable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if current, err := w.readStore(); err == nil {
		w.lastSeen = current
	}
	w.state = StateIdle
	w.logger.Info("watcher enabled")
}

// SetNotify installs the change-notification callback.
func (w *Watcher) SetNotify(fn Notify) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notify = fn
}

// Start baselines from the store and runs the poll loop until Stop or ctx
// cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	baseline, err := w.readStore()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.lastSeen = baseline
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop terminates the poll loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()
	w.logger.Info("watcher started", zap.Duration("poll_interval", w.config.PollInterval))
	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one poll cycle. Anything but idle skips comparison entirely.
// The store read and the baseline comparison happen under the same lock as
// a push's baseline update, so a tick can never compare a pre-push store
// value against a post-push baseline (or vice versa).
func (w *Watcher) tick(ctx context.Context) {
	if w.metrics != nil {
		w.metrics.PollTicks.Inc()
	}
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return
	}
	current, err := w.readStore()
	if err != nil {
		w.mu.Unlock()
		w.logger.Warn("poll read failed", zap.Error(err))
		return
	}
	changed := !current.Equal(w.lastSeen)
	previous := w.lastSeen
	if changed {
		w.lastSeen = current.Clone()
	}
	notify := w.notify
	w.mu.Unlock()

	if !changed {
		return
	}
	w.accept(ctx, "poll", previous, current, notify, syncer.Options{})
}

// HandlePush routes a client-reported payload through the same change gate
// as polling. Unchanged or gated pushes are discarded, reported by the
// second return value.
func (w *Watcher) HandlePush(ctx context.Context, originTabID, recordsRaw, metadataRaw string) (types.SyncResult, bool, error) {
	current, err := types.ParsePayload(recordsRaw, metadataRaw)
	if err != nil {
		return types.SyncResult{}, false, err
	}

	w.mu.Lock()
	if w.state != StateIdle {
		state := w.state
		w.mu.Unlock()
		w.discardPush(state)
		return types.SyncResult{}, false, nil
	}
	changed := !current.Equal(w.lastSeen)
	previous := w.lastSeen
	if changed {
		w.lastSeen = current.Clone()
		// The store holds the authoritative payload; a push replaces it
		// under the same lock as the baseline update, so a concurrent
		// tick can never see the old store value against the new baseline
		// and re-propagate the stale state.
		if err := w.persist(current); err != nil {
			w.logger.Warn("failed to persist pushed payload", zap.Error(err))
		}
	}
	notify := w.notify
	w.mu.Unlock()

	if !changed {
		w.discardPush(StateIdle)
		return types.SyncResult{}, false, nil
	}

	result := w.accept(ctx, "push", previous, current, notify, syncer.Options{OriginTabID: originTabID})
	return result, true, nil
}

// accept records history, notifies, and propagates one accepted change.
func (w *Watcher) accept(ctx context.Context, source string, previous, current types.Payload, notify Notify, opts syncer.Options) types.SyncResult {
	if w.metrics != nil {
		w.metrics.ChangesTotal.WithLabelValues(source).Inc()
	}
	if w.log != nil {
		w.log.Record(previous)
	}
	w.logger.Info("payload change detected",
		zap.String("source", source),
		zap.String("label", current.Label()),
	)
	if notify != nil {
		notify(source, current)
	}
	return w.prop.Propagate(ctx, current, opts)
}

func (w *Watcher) discardPush(state State) {
	if w.metrics != nil {
		w.metrics.PushesDiscarded.Inc()
	}
	w.logger.Debug("push discarded", zap.String("state", state.String()))
}

// persist writes the payload back to the store in normalized form. The
// leading-space discriminator never survives parsing, so it is never stored.
func (w *Watcher) persist(p types.Payload) error {
	records, err := p.RecordsJSON()
	if err != nil {
		return err
	}
	if err := w.store.Set(types.RecordStorageKey, records); err != nil {
		return err
	}
	meta, err := p.MetadataJSON()
	if err != nil {
		return err
	}
	if meta == "" {
		return w.store.Delete(types.MetadataKey)
	}
	return w.store.Set(types.MetadataKey, meta)
}

// readStore reads and parses the payload currently held by the store.
func (w *Watcher) readStore() (types.Payload, error) {
	recordsRaw, _ := w.store.Get(types.RecordStorageKey)
	metadataRaw, _ := w.store.Get(types.MetadataKey)
	return types.ParsePayload(recordsRaw, metadataRaw)
}
