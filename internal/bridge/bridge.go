// Package bridge executes small injected procedures inside a target tab's
// page context to read or write that page's local storage. It is the only
// component that crosses the page boundary; everything it does is a script
// handed to the host's injection capability.
package bridge

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/tccl/tabsync/internal/infrastructure/logging"
	"github.com/tccl/tabsync/internal/shared/types"
)

// Injector is the single host capability the bridge needs.
type Injector interface {
	Exec(ctx context.Context, tabID, script string) (interface{}, error)
}

// WriteOpts tunes one write.
type WriteOpts struct {
	// AddMarkerSpace prefixes the serialized records with a single space.
	// Historical de-duplication discriminator for the second tab of a
	// same-domain pair; preserved byte-for-byte for compatibility.
	AddMarkerSpace bool
}

// WriteOutcome reports one page-store write.
type WriteOutcome struct {
	Success  bool
	Hostname string
	Error    string
}

// Bridge builds and runs the injected procedures.
type Bridge struct {
	injector Injector
	logger   *logging.Logger
}

// New creates a bridge over the given injector.
func New(injector Injector, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bridge{injector: injector, logger: logger}
}

// ReadMetadata returns the tab's stored metadata value, or nil when the tab
// is gone, the page throws, or injection is disallowed. None of those are
// errors worth surfacing; a page without metadata is simply a page without
// metadata.
func (b *Bridge) ReadMetadata(ctx context.Context, tabID string) interface{} {
	script := fmt.Sprintf(`(function() {
	try {
		return localStorage.getItem(%s);
	} catch (e) {
		return null;
	}
})()`, jsString(types.MetadataKey))

	val, err := b.injector.Exec(ctx, tabID, script)
	if err != nil {
		b.logger.Debug("metadata read failed, treating as absent",
			zap.String("tab_id", tabID),
			zap.Error(err),
		)
		return nil
	}
	return val
}

// WriteRecord writes the payload into the tab's page store and verifies the
// records value by reading it back. Failures are reported in the outcome,
// never as a Go error: a single tab's failure must not disturb its batch.
func (b *Bridge) WriteRecord(ctx context.Context, tabID string, payload types.Payload, opts WriteOpts) WriteOutcome {
	records, err := payload.RecordsJSON()
	if err != nil {
		return WriteOutcome{Error: err.Error()}
	}
	if opts.AddMarkerSpace {
		records = " " + records
	}
	metadata, err := payload.MetadataJSON()
	if err != nil {
		return WriteOutcome{Error: err.Error()}
	}

	metaStmt := ""
	if metadata != "" {
		metaStmt = fmt.Sprintf("localStorage.setItem(%s, %s);", jsString(types.MetadataKey), jsString(metadata))
	}

	script := fmt.Sprintf(`(function() {
	try {
		var records = %s;
		localStorage.setItem(%s, records);
		%s
		var check = localStorage.getItem(%s);
		if (check !== records) {
			return { success: false, error: "write verification failed" };
		}
		return { success: true, hostname: location.hostname };
	} catch (e) {
		return { success: false, error: String(e) };
	}
})()`, jsString(records), jsString(types.RecordStorageKey), metaStmt, jsString(types.RecordStorageKey))

	val, err := b.injector.Exec(ctx, tabID, script)
	if err != nil {
		return WriteOutcome{Error: err.Error()}
	}
	return parseOutcome(val)
}

// parseOutcome decodes the object returned by the write procedure. Both the
// goja host and the HTTP bridge deliver it as a generic map.
func parseOutcome(val interface{}) WriteOutcome {
	obj, ok := val.(map[string]interface{})
	if !ok {
		return WriteOutcome{Error: fmt.Sprintf("unexpected injection result %T", val)}
	}
	out := WriteOutcome{}
	if s, ok := obj["success"].(bool); ok {
		out.Success = s
	}
	if h, ok := obj["hostname"].(string); ok {
		out.Hostname = h
	}
	if e, ok := obj["error"].(string); ok {
		out.Error = e
	}
	return out
}

// jsString renders a Go string as a JS string literal. JSON string encoding
// is valid JS.
func jsString(s string) string {
	data, err := sonic.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(data)
}
