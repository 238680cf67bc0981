package types

import (
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"
)

// Storage keys shared with the host pages. Page-side code reads these names
// verbatim, so they must never change.
const (
	RecordStorageKey  = "IFS-Aurena-CopyPasteRecordStorage"
	MetadataKey       = "TcclClipboardMetadata"
	AllowedDomainsKey = "allowedDomains"
)

// SyncMarkerFragment is appended to URLs of tabs opened purely for delivery.
// Tabs carrying it are never treated as further sync targets.
const SyncMarkerFragment = "#ifs-clipboard-sync"

// Payload is the unit of synchronized clipboard state: a schema-free array of
// row records plus optional opaque metadata. Records is never nil.
type Payload struct {
	Records  []map[string]interface{} `json:"records"`
	Metadata interface{}              `json:"metadata,omitempty"`
}

// EmptyPayload returns a payload with zero records and no metadata.
func EmptyPayload() Payload {
	return Payload{Records: []map[string]interface{}{}}
}

// Clone returns a deep copy of the payload. Snapshots handed to the history
// log must not alias live record maps.
func (p Payload) Clone() Payload {
	out := Payload{Records: []map[string]interface{}{}}
	if len(p.Records) > 0 {
		data, err := sonic.Marshal(p.Records)
		if err == nil {
			_ = sonic.Unmarshal(data, &out.Records)
		}
	}
	if p.Metadata != nil {
		data, err := sonic.Marshal(p.Metadata)
		if err == nil {
			var meta interface{}
			if sonic.Unmarshal(data, &meta) == nil {
				out.Metadata = meta
			}
		}
	}
	return out
}

// Equal reports structural equality of two payloads. Both sides are assumed
// to already be in parsed form, so the leading-space delivery discriminator
// never participates in the comparison.
func (p Payload) Equal(other Payload) bool {
	if len(p.Records) != len(other.Records) {
		return false
	}
	for i := range p.Records {
		if !reflect.DeepEqual(p.Records[i], other.Records[i]) {
			return false
		}
	}
	return reflect.DeepEqual(p.Metadata, other.Metadata)
}

// RecordsJSON serializes the records array. An empty payload serializes as "[]".
func (p Payload) RecordsJSON() (string, error) {
	records := p.Records
	if records == nil {
		records = []map[string]interface{}{}
	}
	data, err := sonic.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal records: %w", err)
	}
	return string(data), nil
}

// MetadataJSON serializes the metadata value, or returns ("", nil) when absent.
func (p Payload) MetadataJSON() (string, error) {
	if p.Metadata == nil {
		return "", nil
	}
	data, err := sonic.Marshal(p.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

// Label summarizes the payload for display: a row-count summary or "empty".
func (p Payload) Label() string {
	switch n := len(p.Records); n {
	case 0:
		return "empty"
	case 1:
		return "1 record"
	default:
		return fmt.Sprintf("%d records", n)
	}
}

// ParsePayload reconstructs a payload from raw page-store strings. A single
// leading space on the records value is the same-domain delivery discriminator
// and is stripped before parsing. Unparseable records yield an error; an
// unparseable metadata string is kept as the raw string.
func ParsePayload(recordsRaw, metadataRaw string) (Payload, error) {
	p := EmptyPayload()
	trimmed := recordsRaw
	if len(trimmed) > 0 && trimmed[0] == ' ' {
		trimmed = trimmed[1:]
	}
	if trimmed != "" {
		if err := sonic.Unmarshal([]byte(trimmed), &p.Records); err != nil {
			return p, fmt.Errorf("parse records: %w", err)
		}
		if p.Records == nil {
			p.Records = []map[string]interface{}{}
		}
	}
	if metadataRaw != "" {
		var meta interface{}
		if err := sonic.Unmarshal([]byte(metadataRaw), &meta); err != nil {
			p.Metadata = metadataRaw
		} else {
			p.Metadata = meta
		}
	}
	return p, nil
}
