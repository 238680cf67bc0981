package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tccl/tabsync/internal/history"
	"github.com/tccl/tabsync/internal/infrastructure/logging"
	"github.com/tccl/tabsync/internal/shared/types"
	"github.com/tccl/tabsync/internal/store"
	"github.com/tccl/tabsync/internal/syncer"
)

type recordingPropagator struct {
	mu      sync.Mutex
	calls   int
	lastOpt syncer.Options
	last    types.Payload
}

func (r *recordingPropagator) Propagate(ctx context.Context, payload types.Payload, opts syncer.Options) types.SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = payload
	r.lastOpt = opts
	return types.SyncResult{Success: true, Total: 1, Synced: 1}
}

func (r *recordingPropagator) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *recordingPropagator) Last() (types.Payload, syncer.Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.lastOpt
}

func newTestWatcher(t *testing.T) (*Watcher, *store.Store, *recordingPropagator, *history.Log) {
	t.Helper()
	st, err := store.New("")
	require.NoError(t, err)
	log := history.New(10, logging.NewNop(), nil)
	prop := &recordingPropagator{}
	w := New(Config{PollInterval: 10 * time.Millisecond}, st, log, prop, logging.NewNop(), nil)
	return w, st, prop, log
}

func TestGateStateMachine(t *testing.T) {
	w, _, _, _ := newTestWatcher(t)
	assert.Equal(t, StateIdle, w.State())

	w.SyncStarted()
	assert.Equal(t, StateSyncInFlight, w.State())

	w.SyncFinished()
	assert.Equal(t, StateIdle, w.State())
}

func TestGateDoesNotOverrideDisabled(t *testing.T) {
	w, _, _, _ := newTestWatcher(t)
	w.Disable()

	w.SyncStarted()
	assert.Equal(t, StateDisabled, w.State(), "a batch must not re-arm a disabled watcher")
	w.SyncFinished()
	assert.Equal(t, StateDisabled, w.State())

	w.Enable()
	assert.Equal(t, StateIdle, w.State())
}

func TestTickDetectsStoreChange(t *testing.T) {
	w, st, prop, log := newTestWatcher(t)

	ctx := context.Background()
	w.tick(ctx)
	assert.Zero(t, prop.Calls(), "no change yet")

	require.NoError(t, st.Set(types.RecordStorageKey, `[{"cell":"A1"}]`))
	w.tick(ctx)

	require.Equal(t, 1, prop.Calls())
	last, lastOpt := prop.Last()
	assert.Empty(t, lastOpt.OriginTabID, "a store change has no origin tab")
	assert.Equal(t, "A1", last.Records[0]["cell"])

	// The overwritten (empty) state was snapshotted before propagation.
	require.Equal(t, 1, log.Len())
	assert.Equal(t, "empty", log.List()[0].Label)

	// Unchanged on the next tick.
	w.tick(ctx)
	assert.Equal(t, 1, prop.Calls())
}

func TestTickSuspendedWhileSyncInFlight(t *testing.T) {
	w, st, prop, _ := newTestWatcher(t)

	w.SyncStarted()
	require.NoError(t, st.Set(types.RecordStorageKey, `[{"k":"v"}]`))
	w.tick(context.Background())
	assert.Zero(t, prop.Calls(), "in-flight batches suspend polling")

	// Finishing re-baselines: the agent's own write is never re-detected.
	w.SyncFinished()
	w.tick(context.Background())
	assert.Zero(t, prop.Calls())
}

func TestHandlePushAccepted(t *testing.T) {
	w, st, prop, log := newTestWatcher(t)

	result, changed, err := w.HandlePush(context.Background(), "tab-7", `[{"cell":"B2"}]`, `{"m":1}`)
	require.NoError(t, err)
	require.True(t, changed)
	assert.True(t, result.Success)

	require.Equal(t, 1, prop.Calls())
	_, lastOpt := prop.Last()
	assert.Equal(t, "tab-7", lastOpt.OriginTabID)

	// Pushed state becomes the authoritative store value.
	records, ok := st.Get(types.RecordStorageKey)
	require.True(t, ok)
	assert.JSONEq(t, `[{"cell":"B2"}]`, records)

	assert.Equal(t, 1, log.Len())
}

func TestHandlePushConcurrentWithPollPropagatesOnce(t *testing.T) {
	// A tick racing the push must never compare a pre-push store value
	// against the post-push baseline: that would fan the stale previous
	// payload back out to every tab.
	for i := 0; i < 25; i++ {
		w, _, prop, _ := newTestWatcher(t)
		ctx := context.Background()

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					w.tick(ctx)
				}
			}
		}()

		_, changed, err := w.HandlePush(ctx, "tab-1", `[{"n":0}]`, "")
		close(stop)
		wg.Wait()
		require.NoError(t, err)
		require.True(t, changed)

		require.Equal(t, 1, prop.Calls(), "one accepted push must propagate exactly once")
		last, _ := prop.Last()
		require.Len(t, last.Records, 1, "the stale empty payload must never be fanned out")
	}
}

func TestHandlePushUnchangedDiscarded(t *testing.T) {
	w, _, prop, _ := newTestWatcher(t)

	_, changed, err := w.HandlePush(context.Background(), "tab-1", `[{"k":"v"}]`, "")
	require.NoError(t, err)
	require.True(t, changed)

	// Same value again, with and without the space discriminator.
	for _, records := range []string{`[{"k":"v"}]`, ` [{"k":"v"}]`} {
		_, changed, err = w.HandlePush(context.Background(), "tab-2", records, "")
		require.NoError(t, err)
		assert.False(t, changed, "identical payload must be discarded: %q", records)
	}
	assert.Equal(t, 1, prop.Calls())
}

func TestHandlePushGatedWhileSyncInFlight(t *testing.T) {
	w, _, prop, _ := newTestWatcher(t)

	w.SyncStarted()
	_, changed, err := w.HandlePush(context.Background(), "tab-1", `[{"k":"v"}]`, "")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Zero(t, prop.Calls())
}

func TestHandlePushMalformed(t *testing.T) {
	w, _, prop, _ := newTestWatcher(t)

	_, _, err := w.HandlePush(context.Background(), "tab-1", `{broken`, "")
	require.Error(t, err)
	assert.Zero(t, prop.Calls())
}

func TestStartStop(t *testing.T) {
	w, st, prop, _ := newTestWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, st.Set(types.RecordStorageKey, `[{"cell":"C3"}]`))

	deadline := time.After(time.Second)
	for prop.Calls() == 0 {
		select {
		case <-deadline:
			t.Fatal("poll loop never picked up the change")
		case <-time.After(5 * time.Millisecond):
		}
	}

	w.Stop()
}

func TestEnableSkipsChangesMadeWhileDisabled(t *testing.T) {
	w, st, prop, _ := newTestWatcher(t)

	w.Disable()
	require.NoError(t, st.Set(types.RecordStorageKey, `[{"k":"v"}]`))
	w.tick(context.Background())
	assert.Zero(t, prop.Calls())

	w.Enable()
	w.tick(context.Background())
	assert.Zero(t, prop.Calls(), "changes made while disabled are not replayed")
}
