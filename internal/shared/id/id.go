// Package id provides centralized ID generation for the tabsync agent.
//
// ULIDs are used everywhere: lexicographically sortable, prefixed per type
// for readable logs (batch_*, op_*, client_*), and safe for concurrent
// generation.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// BatchID identifies one propagate fan-out.
type BatchID string

// OpID identifies a single per-tab write operation within a batch.
type OpID string

// ClientID identifies a connected WebSocket client.
type ClientID string

const (
	BatchPrefix  = "batch"
	OpPrefix     = "op"
	ClientPrefix = "client"
	TracePrefix  = "trace"
	SpanPrefix   = "span"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for tests needing deterministic output.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewBatchID generates a new batch ID.
func NewBatchID() BatchID {
	return BatchID(Default().GenerateWithPrefix(BatchPrefix))
}

// NewOpID generates a new operation ID.
func NewOpID() OpID {
	return OpID(Default().GenerateWithPrefix(OpPrefix))
}

// NewClientID generates a new WebSocket client ID.
func NewClientID() ClientID {
	return ClientID(Default().GenerateWithPrefix(ClientPrefix))
}

// NewTraceID generates a trace ID.
func NewTraceID() string {
	return Default().GenerateWithPrefix(TracePrefix)
}

// NewSpanID generates a span ID.
func NewSpanID() string {
	return Default().GenerateWithPrefix(SpanPrefix)
}

func (id BatchID) String() string  { return string(id) }
func (id OpID) String() string     { return string(id) }
func (id ClientID) String() string { return string(id) }
