package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tccl/tabsync/internal/bridge"
	"github.com/tccl/tabsync/internal/infrastructure/logging"
	"github.com/tccl/tabsync/internal/pagehost"
	"github.com/tccl/tabsync/internal/shared/types"
	"github.com/tccl/tabsync/internal/store"
	"github.com/tccl/tabsync/internal/tabs"
	"github.com/tccl/tabsync/internal/trust"
)

type fixture struct {
	host  *pagehost.Host
	trust *trust.Store
	orch  *Orchestrator
}

func newFixture(t *testing.T, domains ...string) *fixture {
	t.Helper()
	host := pagehost.New(pagehost.Config{
		ExecTimeout: time.Second,
		CommitDelay: 5 * time.Millisecond,
	})
	t.Cleanup(host.Close)

	st, err := store.New("")
	require.NoError(t, err)
	trustStore := trust.NewStore(st)
	for _, d := range domains {
		require.NoError(t, trustStore.Add(d))
	}

	br := bridge.New(host, logging.NewNop())
	locator := tabs.NewLocator(host, trustStore)
	orch := New(Config{
		DefaultStrategy:   types.StrategyDirect,
		WriteTimeout:      time.Second,
		BackgroundTimeout: 200 * time.Millisecond,
	}, locator, trustStore, br, host, logging.NewNop(), nil)

	return &fixture{host: host, trust: trustStore, orch: orch}
}

func mustPayload(t *testing.T, records string) types.Payload {
	t.Helper()
	p, err := types.ParsePayload(records, "")
	require.NoError(t, err)
	return p
}

type recordingGate struct {
	mu       sync.Mutex
	started  int
	finished int
}

func (g *recordingGate) SyncStarted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started++
}

func (g *recordingGate) SyncFinished() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finished++
}

func TestPropagateDirect(t *testing.T) {
	f := newFixture(t, "ifs.cloud")
	origin, _ := f.host.OpenTab("https://env-a.ifs.cloud/source")
	target, _ := f.host.OpenTab("https://env-b.ifs.cloud/sink")

	result := f.orch.Propagate(context.Background(), mustPayload(t, `[{"cell":"A1"}]`), Options{OriginTabID: origin})

	require.True(t, result.Success)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Synced)
	require.Len(t, result.Details, 1)
	assert.Equal(t, target, result.Details[0].TabID)
	assert.Equal(t, types.OutcomeSuccess, result.Details[0].Outcome)

	records, ok := f.host.Storage(target, types.RecordStorageKey)
	require.True(t, ok)
	assert.JSONEq(t, `[{"cell":"A1"}]`, records)

	// The origin tab must stay untouched.
	_, ok = f.host.Storage(origin, types.RecordStorageKey)
	assert.False(t, ok)
}

func TestPropagateOnlyTrustedTargets(t *testing.T) {
	f := newFixture(t, "env-a.ifs.cloud")
	origin, _ := f.host.OpenTab("https://env-a.ifs.cloud/source")
	f.host.OpenTab("https://other.com/page")
	target, _ := f.host.OpenTab("https://env-a.ifs.cloud/second")

	result := f.orch.Propagate(context.Background(), mustPayload(t, `[{"k":"v"}]`), Options{OriginTabID: origin})

	require.True(t, result.Success)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, target, result.Details[0].TabID)
}

func TestPropagateSameDomainSpacePrefix(t *testing.T) {
	f := newFixture(t, "ifs.cloud")
	first, _ := f.host.OpenTab("https://env-a.ifs.cloud/one")
	second, _ := f.host.OpenTab("https://env-a.ifs.cloud/two")

	result := f.orch.Propagate(context.Background(), mustPayload(t, `[{"k":"v"}]`), Options{})
	require.True(t, result.Success)
	require.Equal(t, 2, result.Synced)

	firstVal, ok := f.host.Storage(first, types.RecordStorageKey)
	require.True(t, ok)
	secondVal, ok := f.host.Storage(second, types.RecordStorageKey)
	require.True(t, ok)

	assert.NotEqual(t, byte(' '), firstVal[0], "first tab of a domain gets the plain value")
	assert.Equal(t, byte(' '), secondVal[0], "second tab of the same domain gets the space-prefixed value")
	assert.Equal(t, firstVal, secondVal[1:], "values differ only by the leading space")
}

func TestPropagateIdempotent(t *testing.T) {
	f := newFixture(t, "ifs.cloud")
	first, _ := f.host.OpenTab("https://env-a.ifs.cloud/one")
	second, _ := f.host.OpenTab("https://env-a.ifs.cloud/two")

	payload := mustPayload(t, `[{"cell":"A1"},{"cell":"B2"}]`)

	result := f.orch.Propagate(context.Background(), payload, Options{})
	require.True(t, result.Success)

	firstVal, ok := f.host.Storage(first, types.RecordStorageKey)
	require.True(t, ok)
	secondVal, ok := f.host.Storage(second, types.RecordStorageKey)
	require.True(t, ok)

	// A second batch with the same payload writes byte-identical content,
	// space discriminator included. The final page state equals one call.
	again := f.orch.Propagate(context.Background(), payload, Options{})
	require.True(t, again.Success)
	assert.Equal(t, result.Synced, again.Synced)

	firstAgain, ok := f.host.Storage(first, types.RecordStorageKey)
	require.True(t, ok)
	secondAgain, ok := f.host.Storage(second, types.RecordStorageKey)
	require.True(t, ok)
	assert.Equal(t, firstVal, firstAgain)
	assert.Equal(t, secondVal, secondAgain)
	assert.Equal(t, byte(' '), secondAgain[0], "the discriminator placement must not drift across batches")
}

func TestPropagatePartialFailureIsSuccess(t *testing.T) {
	f := newFixture(t, "ifs.cloud")
	good, _ := f.host.OpenTab("https://env-a.ifs.cloud/good")
	bad, _ := f.host.OpenTab("https://env-b.ifs.cloud/bad")
	f.host.Restrict(bad)

	result := f.orch.Propagate(context.Background(), mustPayload(t, `[{"k":"v"}]`), Options{})

	require.True(t, result.Success, "one delivered tab is enough for batch success")
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Synced)

	outcomes := map[string]types.Outcome{}
	for _, d := range result.Details {
		outcomes[d.TabID] = d.Outcome
	}
	assert.Equal(t, types.OutcomeSuccess, outcomes[good])
	assert.Equal(t, types.OutcomeFailure, outcomes[bad])
}

func TestPropagateAllFailures(t *testing.T) {
	f := newFixture(t, "ifs.cloud")
	bad, _ := f.host.OpenTab("https://env-a.ifs.cloud/bad")
	f.host.Restrict(bad)

	result := f.orch.Propagate(context.Background(), mustPayload(t, `[{"k":"v"}]`), Options{})
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 0, result.Synced)
}

func TestPropagateNoTrustedDomains(t *testing.T) {
	f := newFixture(t)
	f.host.OpenTab("https://env-a.ifs.cloud/page")

	result := f.orch.Propagate(context.Background(), mustPayload(t, `[{"k":"v"}]`), Options{})
	assert.True(t, result.Success, "nothing to do is not a failure")
	assert.Equal(t, 0, result.Total)
	assert.Equal(t, "no trusted domains", result.Message)
}

func TestPropagateNoMatchingTabs(t *testing.T) {
	f := newFixture(t, "ifs.cloud")
	f.host.OpenTab("https://unrelated.example.org/")

	result := f.orch.Propagate(context.Background(), mustPayload(t, `[{"k":"v"}]`), Options{})
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.Total)
	assert.Equal(t, "no matching tabs", result.Message)
}

type failingHost struct {
	tabs.Host
}

func (f *failingHost) Tabs(ctx context.Context) ([]tabs.Tab, error) {
	return nil, errors.New("browser gone")
}

func TestPropagateEnumerationFailure(t *testing.T) {
	f := newFixture(t, "ifs.cloud")
	broken := &failingHost{Host: f.host}

	st, err := store.New("")
	require.NoError(t, err)
	trustStore := trust.NewStore(st)
	require.NoError(t, trustStore.Add("ifs.cloud"))

	orch := New(DefaultConfig(), tabs.NewLocator(broken, trustStore), trustStore,
		bridge.New(broken, logging.NewNop()), broken, logging.NewNop(), nil)

	result := orch.Propagate(context.Background(), mustPayload(t, `[{"k":"v"}]`), Options{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "tab enumeration failed")
}

func TestPropagateGateBracketsBatch(t *testing.T) {
	f := newFixture(t, "ifs.cloud")
	f.host.OpenTab("https://env-a.ifs.cloud/page")

	gate := &recordingGate{}
	f.orch.SetGate(gate)

	f.orch.Propagate(context.Background(), mustPayload(t, `[{"k":"v"}]`), Options{})
	assert.Equal(t, 1, gate.started)
	assert.Equal(t, 1, gate.finished)

	// Trivial no-op batches still pass through the gate.
	empty := newFixture(t)
	empty.orch.SetGate(gate)
	empty.orch.Propagate(context.Background(), mustPayload(t, `[{"k":"v"}]`), Options{})
	assert.Equal(t, 2, gate.started)
	assert.Equal(t, 2, gate.finished)
}

func TestPropagateBackground(t *testing.T) {
	f := newFixture(t, "ifs.cloud")
	f.host.OpenTab("https://env-a.ifs.cloud/page")

	before, _ := f.host.Tabs(context.Background())
	result := f.orch.Propagate(context.Background(), mustPayload(t, `[{"k":"v"}]`),
		Options{Strategy: types.StrategyBackground})

	require.True(t, result.Success, "background delivery failed: %+v", result.Details)
	assert.Equal(t, 1, result.Synced)

	// The disposable delivery tab must be gone again.
	after, err := f.host.Tabs(context.Background())
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestMarkerURL(t *testing.T) {
	u, err := markerURL("https://env-a.ifs.cloud/some/deep/path?q=1")
	require.NoError(t, err)
	assert.Equal(t, "https://env-a.ifs.cloud/"+types.SyncMarkerFragment, u)
}
