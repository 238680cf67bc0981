// Package syncer fans a changed payload out to every trusted tab. It owns
// batch lifecycle: candidate selection, per-tab delivery, the counting join,
// and the aggregate result. One batch runs at a time; the watcher's poll loop
// is gated for the whole propagate-and-settle window so the agent never
// reacts to its own writes.
package syncer

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tccl/tabsync/internal/bridge"
	"github.com/tccl/tabsync/internal/infrastructure/logging"
	"github.com/tccl/tabsync/internal/infrastructure/monitoring"
	"github.com/tccl/tabsync/internal/shared/id"
	"github.com/tccl/tabsync/internal/shared/types"
	"github.com/tccl/tabsync/internal/tabs"
)

// Gate is notified around the full propagate-and-settle window. The watcher
// implements it to suspend its own change detection while the agent writes.
type Gate interface {
	SyncStarted()
	SyncFinished()
}

// TrustSet is the slice of the trust store the orchestrator needs.
type TrustSet interface {
	Empty() bool
}

// Options tunes one propagate call.
type Options struct {
	// OriginTabID is the tab the change came from; it is excluded from the
	// fan-out to prevent an immediate echo.
	OriginTabID string
	// Strategy overrides the default delivery strategy when non-empty.
	Strategy types.Strategy
}

// Config holds orchestrator tuning.
type Config struct {
	DefaultStrategy   types.Strategy
	WriteTimeout      time.Duration
	BackgroundTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:   types.StrategyDirect,
		WriteTimeout:      5 * time.Second,
		BackgroundTimeout: 10 * time.Second,
	}
}

// Orchestrator coordinates payload fan-out to trusted tabs.
type Orchestrator struct {
	config  Config
	locator *tabs.Locator
	trust   TrustSet
	bridge  *bridge.Bridge
	host    tabs.Host
	logger  *logging.Logger
	metrics *monitoring.Metrics

	gateMu sync.RWMutex
	gate   Gate

	// batchMu serializes batches: the next one cannot start until the
	// previous aggregate has been emitted.
	batchMu sync.Mutex
}

// New creates an orchestrator.
func New(config Config, locator *tabs.Locator, trust TrustSet, br *bridge.Bridge, host tabs.Host, logger *logging.Logger, metrics *monitoring.Metrics) *Orchestrator {
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = types.StrategyDirect
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.BackgroundTimeout <= 0 {
		config.BackgroundTimeout = DefaultConfig().BackgroundTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		config:  config,
		locator: locator,
		trust:   trust,
		bridge:  br,
		host:    host,
		logger:  logger,
		metrics: metrics,
	}
}

// SetGate attaches the watcher gate. Done after construction because the
// watcher needs the orchestrator first.
func (o *Orchestrator) SetGate(gate Gate) {
	o.gateMu.Lock()
	defer o.gateMu.Unlock()
	o.gate = gate
}

// Propagate delivers payload to every trusted tab except the origin.
// The result is always produced; per-tab failures are counted, never raised.
// Success means at least one tab took the write, or there was trivially
// nothing to do.
func (o *Orchestrator) Propagate(ctx context.Context, payload types.Payload, opts Options) types.SyncResult {
	o.batchMu.Lock()
	defer o.batchMu.Unlock()

	o.notifyStarted()
	defer o.notifyFinished()

	batchID := id.NewBatchID().String()
	start := time.Now()

	if o.trust.Empty() {
		o.recordBatch("noop", start)
		return types.SyncResult{
			BatchID: batchID,
			Success: true,
			Message: "no trusted domains",
			Details: []types.TabOutcome{},
		}
	}

	candidates, err := o.locator.ListCandidates(ctx, opts.OriginTabID)
	if err != nil {
		o.logger.Error("tab enumeration failed", zap.String("batch_id", batchID), zap.Error(err))
		o.recordBatch("degraded", start)
		return types.SyncResult{
			BatchID: batchID,
			Success: false,
			Message: fmt.Sprintf("tab enumeration failed: %v", err),
			Details: []types.TabOutcome{},
		}
	}
	if len(candidates) == 0 {
		o.recordBatch("noop", start)
		return types.SyncResult{
			BatchID: batchID,
			Success: true,
			Message: "no matching tabs",
			Details: []types.TabOutcome{},
		}
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = o.config.DefaultStrategy
	}

	o.logger.Info("dispatching sync batch",
		zap.String("batch_id", batchID),
		zap.Int("targets", len(candidates)),
		zap.String("strategy", string(strategy)),
	)

	b := newBatch(len(candidates))
	perDomain := make(map[string]int)
	for i, cand := range candidates {
		// Second and later tabs of the same trusted domain get the
		// one-space records prefix. The far end's watcher compares raw
		// strings; the prefix keeps back-to-back same-domain deliveries
		// distinguishable. Behavior preserved from the original system.
		nth := perDomain[cand.Domain]
		perDomain[cand.Domain] = nth + 1
		writeOpts := bridge.WriteOpts{AddMarkerSpace: nth > 0}

		go func(i int, cand tabs.Descriptor) {
			outcome := o.deliver(ctx, cand, payload, strategy, writeOpts)
			if o.metrics != nil {
				o.metrics.RecordOperation(string(strategy), string(outcome.Outcome))
			}
			b.settle(i, outcome)
		}(i, cand)
	}

	b.wait()

	_, succeeded := b.counts()
	result := types.SyncResult{
		BatchID: batchID,
		Success: succeeded > 0,
		Message: fmt.Sprintf("synced to %d/%d tabs", succeeded, len(candidates)),
		Total:   len(candidates),
		Synced:  succeeded,
		Details: b.outcomes,
	}
	if succeeded > 0 {
		o.recordBatch("success", start)
	} else {
		o.recordBatch("degraded", start)
	}
	o.logger.Info("sync batch settled",
		zap.String("batch_id", batchID),
		zap.Int("synced", succeeded),
		zap.Int("total", len(candidates)),
	)
	return result
}

// deliver performs one per-tab write using the selected strategy.
func (o *Orchestrator) deliver(ctx context.Context, cand tabs.Descriptor, payload types.Payload, strategy types.Strategy, opts bridge.WriteOpts) types.TabOutcome {
	var wo bridge.WriteOutcome
	switch strategy {
	case types.StrategyBackground:
		wo = o.deliverBackground(ctx, cand, payload, opts)
	default:
		wo = o.deliverDirect(ctx, cand.ID, payload, opts)
	}

	out := types.TabOutcome{
		TabID:    cand.ID,
		Hostname: cand.Hostname,
		Outcome:  types.OutcomeFailure,
		Error:    wo.Error,
	}
	if wo.Success {
		out.Outcome = types.OutcomeSuccess
		if wo.Hostname != "" {
			out.Hostname = wo.Hostname
		}
	}
	return out
}

func (o *Orchestrator) deliverDirect(ctx context.Context, tabID string, payload types.Payload, opts bridge.WriteOpts) bridge.WriteOutcome {
	writeCtx, cancel := context.WithTimeout(ctx, o.config.WriteTimeout)
	defer cancel()
	return o.bridge.WriteRecord(writeCtx, tabID, payload, opts)
}

// deliverBackground opens a disposable inactive tab at the candidate's
// origin, tagged with the sync marker so no later batch targets it. The
// injection runs once, on whichever fires first: navigation commit
// (preferred), load complete (fallback), or the timeout (forced last
// attempt). The tab is closed afterwards regardless of outcome.
func (o *Orchestrator) deliverBackground(ctx context.Context, cand tabs.Descriptor, payload types.Payload, opts bridge.WriteOpts) bridge.WriteOutcome {
	target, err := markerURL(cand.URL)
	if err != nil {
		return bridge.WriteOutcome{Error: err.Error()}
	}

	events, cancel := o.host.Subscribe()
	defer cancel()

	tabID, err := o.host.Create(ctx, target, false)
	if err != nil {
		return bridge.WriteOutcome{Error: fmt.Sprintf("create delivery tab: %v", err)}
	}
	defer o.closeTab(tabID)

	timer := time.NewTimer(o.config.BackgroundTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return o.deliverDirect(ctx, tabID, payload, opts)
			}
			if ev.TabID != tabID {
				continue
			}
			return o.deliverDirect(ctx, tabID, payload, opts)
		case <-timer.C:
			o.logger.Warn("delivery tab never settled, forcing injection",
				zap.String("tab_id", tabID),
				zap.String("hostname", cand.Hostname),
			)
			return o.deliverDirect(ctx, tabID, payload, opts)
		case <-ctx.Done():
			return bridge.WriteOutcome{Error: ctx.Err().Error()}
		}
	}
}

// closeTab removes a delivery tab on a fresh context so cleanup still runs
// when the batch context is already cancelled.
func (o *Orchestrator) closeTab(tabID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.host.Remove(ctx, tabID); err != nil {
		o.logger.Warn("failed to close delivery tab", zap.String("tab_id", tabID), zap.Error(err))
	}
}

func (o *Orchestrator) notifyStarted() {
	o.gateMu.RLock()
	gate := o.gate
	o.gateMu.RUnlock()
	if gate != nil {
		gate.SyncStarted()
	}
	if o.metrics != nil {
		o.metrics.BatchesInFlight.Inc()
	}
}

func (o *Orchestrator) notifyFinished() {
	if o.metrics != nil {
		o.metrics.BatchesInFlight.Dec()
	}
	o.gateMu.RLock()
	gate := o.gate
	o.gateMu.RUnlock()
	if gate != nil {
		gate.SyncFinished()
	}
}

func (o *Orchestrator) recordBatch(result string, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordBatch(result, time.Since(start))
	}
}

// markerURL builds the delivery-tab URL: the candidate's origin with the
// sync marker fragment appended.
func markerURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse candidate url: %w", err)
	}
	return u.Scheme + "://" + u.Host + "/" + types.SyncMarkerFragment, nil
}
