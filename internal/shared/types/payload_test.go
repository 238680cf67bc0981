package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name        string
		records     string
		metadata    string
		wantRecords int
		wantErr     bool
	}{
		{
			name:        "empty strings yield empty payload",
			records:     "",
			metadata:    "",
			wantRecords: 0,
		},
		{
			name:        "single record",
			records:     `[{"cell":"A1","value":"42"}]`,
			wantRecords: 1,
		},
		{
			name:        "leading space discriminator is stripped",
			records:     ` [{"cell":"A1","value":"42"}]`,
			wantRecords: 1,
		},
		{
			name:    "malformed records error",
			records: `{not json`,
			wantErr: true,
		},
		{
			name:        "null records normalize to empty",
			records:     `null`,
			wantRecords: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePayload(tt.records, tt.metadata)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, p.Records)
			assert.Len(t, p.Records, tt.wantRecords)
		})
	}
}

func TestParsePayloadSpaceEquivalence(t *testing.T) {
	plain, err := ParsePayload(`[{"k":"v"}]`, "")
	require.NoError(t, err)
	spaced, err := ParsePayload(` [{"k":"v"}]`, "")
	require.NoError(t, err)

	assert.True(t, plain.Equal(spaced), "space-prefixed records must parse structurally equal")
}

func TestParsePayloadMetadata(t *testing.T) {
	p, err := ParsePayload("", `{"sourceApp":"aurena"}`)
	require.NoError(t, err)
	meta, ok := p.Metadata.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "aurena", meta["sourceApp"])

	// Unparseable metadata is carried as the raw string, not dropped.
	p, err = ParsePayload("", "not-json{{")
	require.NoError(t, err)
	assert.Equal(t, "not-json{{", p.Metadata)
}

func TestEqual(t *testing.T) {
	a, _ := ParsePayload(`[{"k":"v"},{"k":"w"}]`, `{"m":1}`)
	b, _ := ParsePayload(`[{"k":"v"},{"k":"w"}]`, `{"m":1}`)
	c, _ := ParsePayload(`[{"k":"v"}]`, `{"m":1}`)
	d, _ := ParsePayload(`[{"k":"v"},{"k":"w"}]`, `{"m":2}`)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c), "different record counts must differ")
	assert.False(t, a.Equal(d), "different metadata must differ")
	assert.True(t, EmptyPayload().Equal(EmptyPayload()))
}

func TestCloneIsDeep(t *testing.T) {
	p, err := ParsePayload(`[{"cell":"A1"}]`, `{"m":"x"}`)
	require.NoError(t, err)

	clone := p.Clone()
	require.True(t, p.Equal(clone))

	p.Records[0]["cell"] = "B2"
	assert.Equal(t, "A1", clone.Records[0]["cell"], "clone must not alias source records")
}

func TestRecordsJSON(t *testing.T) {
	out, err := EmptyPayload().RecordsJSON()
	require.NoError(t, err)
	assert.Equal(t, "[]", out)

	out, err = Payload{}.RecordsJSON()
	require.NoError(t, err)
	assert.Equal(t, "[]", out, "nil records still serialize as an empty array")
}

func TestMetadataJSON(t *testing.T) {
	out, err := EmptyPayload().MetadataJSON()
	require.NoError(t, err)
	assert.Equal(t, "", out)

	p, _ := ParsePayload("", `{"m":1}`)
	out, err = p.MetadataJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"m":1}`, out)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "empty", EmptyPayload().Label())

	one, _ := ParsePayload(`[{"a":1}]`, "")
	assert.Equal(t, "1 record", one.Label())

	three, _ := ParsePayload(`[{"a":1},{"a":2},{"a":3}]`, "")
	assert.Equal(t, "3 records", three.Label())
}
