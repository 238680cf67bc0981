package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tccl/tabsync/internal/infrastructure/logging"
	"github.com/tccl/tabsync/internal/pagehost"
	"github.com/tccl/tabsync/internal/shared/types"
)

func newTestBridge(t *testing.T) (*Bridge, *pagehost.Host) {
	t.Helper()
	host := pagehost.New(pagehost.DefaultConfig())
	t.Cleanup(host.Close)
	return New(host, logging.NewNop()), host
}

func mustPayload(t *testing.T, records, metadata string) types.Payload {
	t.Helper()
	p, err := types.ParsePayload(records, metadata)
	require.NoError(t, err)
	return p
}

func TestWriteRecord(t *testing.T) {
	b, host := newTestBridge(t)
	id, err := host.OpenTab("https://env-a.ifs.cloud/page")
	require.NoError(t, err)

	payload := mustPayload(t, `[{"cell":"A1","value":"42"}]`, `{"sourceApp":"aurena"}`)
	out := b.WriteRecord(context.Background(), id, payload, WriteOpts{})

	require.True(t, out.Success, "write failed: %s", out.Error)
	assert.Equal(t, "env-a.ifs.cloud", out.Hostname)

	records, ok := host.Storage(id, types.RecordStorageKey)
	require.True(t, ok)
	assert.JSONEq(t, `[{"cell":"A1","value":"42"}]`, records)

	meta, ok := host.Storage(id, types.MetadataKey)
	require.True(t, ok)
	assert.JSONEq(t, `{"sourceApp":"aurena"}`, meta)
}

func TestWriteRecordMarkerSpace(t *testing.T) {
	b, host := newTestBridge(t)
	id, err := host.OpenTab("https://env-a.ifs.cloud/page")
	require.NoError(t, err)

	payload := mustPayload(t, `[{"k":"v"}]`, "")
	out := b.WriteRecord(context.Background(), id, payload, WriteOpts{AddMarkerSpace: true})
	require.True(t, out.Success, out.Error)

	records, ok := host.Storage(id, types.RecordStorageKey)
	require.True(t, ok)
	require.NotEmpty(t, records)
	assert.Equal(t, byte(' '), records[0], "marker space must be the first byte of the stored value")

	// The stored value still parses back to the same structure.
	parsed, err := types.ParsePayload(records, "")
	require.NoError(t, err)
	assert.True(t, payload.Equal(parsed))
}

func TestWriteRecordNoMetadata(t *testing.T) {
	b, host := newTestBridge(t)
	id, err := host.OpenTab("https://a.example.com/")
	require.NoError(t, err)

	out := b.WriteRecord(context.Background(), id, mustPayload(t, `[{"k":"v"}]`, ""), WriteOpts{})
	require.True(t, out.Success, out.Error)

	_, ok := host.Storage(id, types.MetadataKey)
	assert.False(t, ok, "no metadata in the payload must leave the key untouched")
}

func TestWriteRecordEmptyPayload(t *testing.T) {
	b, host := newTestBridge(t)
	id, err := host.OpenTab("https://a.example.com/")
	require.NoError(t, err)

	out := b.WriteRecord(context.Background(), id, types.EmptyPayload(), WriteOpts{})
	require.True(t, out.Success, out.Error)

	records, ok := host.Storage(id, types.RecordStorageKey)
	require.True(t, ok)
	assert.Equal(t, "[]", records)
}

func TestWriteRecordRestrictedTab(t *testing.T) {
	b, host := newTestBridge(t)
	id, err := host.OpenTab("https://a.example.com/")
	require.NoError(t, err)
	host.Restrict(id)

	out := b.WriteRecord(context.Background(), id, mustPayload(t, `[{"k":"v"}]`, ""), WriteOpts{})
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Error)
}

func TestReadMetadata(t *testing.T) {
	b, host := newTestBridge(t)
	id, err := host.OpenTab("https://a.example.com/")
	require.NoError(t, err)
	host.SeedStorage(id, types.MetadataKey, `{"m":1}`)

	val := b.ReadMetadata(context.Background(), id)
	assert.Equal(t, `{"m":1}`, val)
}

func TestReadMetadataAbsent(t *testing.T) {
	b, host := newTestBridge(t)
	id, err := host.OpenTab("https://a.example.com/")
	require.NoError(t, err)

	assert.Nil(t, b.ReadMetadata(context.Background(), id))
	assert.Nil(t, b.ReadMetadata(context.Background(), "tab-404"), "a gone tab reads as no metadata")
}

func TestParseOutcome(t *testing.T) {
	out := parseOutcome(map[string]interface{}{"success": true, "hostname": "a.example.com"})
	assert.True(t, out.Success)
	assert.Equal(t, "a.example.com", out.Hostname)

	out = parseOutcome(map[string]interface{}{"success": false, "error": "write verification failed"})
	assert.False(t, out.Success)
	assert.Equal(t, "write verification failed", out.Error)

	out = parseOutcome("garbage")
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "unexpected injection result")
}
