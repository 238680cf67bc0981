package id

import (
	"strings"
	"sync"
	"testing"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("generated IDs should be unique")
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	id := gen.GenerateWithPrefix("batch")
	if !strings.HasPrefix(id, "batch_") {
		t.Errorf("expected batch_ prefix, got %s", id)
	}
	// prefix + underscore + 26-char ULID
	if len(id) != len("batch_")+26 {
		t.Errorf("unexpected length %d for %s", len(id), id)
	}
}

func TestTypedConstructors(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		prefix string
	}{
		{"batch", NewBatchID().String(), "batch_"},
		{"op", NewOpID().String(), "op_"},
		{"client", NewClientID().String(), "client_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasPrefix(tt.id, tt.prefix) {
				t.Errorf("expected prefix %s, got %s", tt.prefix, tt.id)
			}
		})
	}
}

func TestGenerateConcurrent(t *testing.T) {
	gen := NewGenerator()

	const n = 100
	var wg sync.WaitGroup
	seen := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- gen.Generate().String()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[string]struct{}, n)
	for id := range seen {
		if _, dup := unique[id]; dup {
			t.Fatalf("duplicate ID %s", id)
		}
		unique[id] = struct{}{}
	}
}
