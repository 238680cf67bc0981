package pagehost

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// pageTab is one simulated page context: a goja runtime with a localStorage
// shim over a plain string map, plus a location object derived from the URL.
type pageTab struct {
	id         string
	url        string
	restricted bool

	mu      sync.Mutex
	vm      *goja.Runtime
	storage map[string]string
}

func newPageTab(id, rawURL string) (*pageTab, error) {
	t := &pageTab{
		id:      id,
		url:     rawURL,
		vm:      goja.New(),
		storage: make(map[string]string),
	}
	if err := t.setupGlobals(); err != nil {
		return nil, err
	}
	return t, nil
}

// setupGlobals wires the page-context API the injected procedures rely on:
// localStorage and location. Dangerous runtime hooks are removed the same way
// a sandboxed page context would not have them.
func (t *pageTab) setupGlobals() error {
	t.vm.Set("require", goja.Undefined())
	t.vm.Set("process", goja.Undefined())

	storage := t.vm.NewObject()
	storage.Set("getItem", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		key := call.Arguments[0].String()
		if v, ok := t.storage[key]; ok {
			return t.vm.ToValue(v)
		}
		return goja.Null()
	})
	storage.Set("setItem", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) >= 2 {
			t.storage[call.Arguments[0].String()] = call.Arguments[1].String()
		}
		return goja.Undefined()
	})
	storage.Set("removeItem", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) >= 1 {
			delete(t.storage, call.Arguments[0].String())
		}
		return goja.Undefined()
	})
	storage.Set("clear", func(call goja.FunctionCall) goja.Value {
		t.storage = make(map[string]string)
		return goja.Undefined()
	})
	t.vm.Set("localStorage", storage)

	location := t.vm.NewObject()
	location.Set("href", t.url)
	location.Set("hostname", hostnameOf(t.url))
	t.vm.Set("location", location)

	return nil
}

// exec runs script in the tab's runtime with an interrupt-based timeout.
func (t *pageTab) exec(ctx context.Context, script string, timeout time.Duration) (interface{}, error) {
	if t.restricted {
		return nil, fmt.Errorf("tab %s: script injection not allowed", t.id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	done := make(chan struct{})
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	go func() {
		select {
		case <-timer.C:
			t.vm.Interrupt("execution timeout exceeded")
		case <-ctx.Done():
			t.vm.Interrupt("context cancelled")
		case <-done:
		}
	}()

	val, err := t.vm.RunString(script)
	close(done)
	t.vm.ClearInterrupt()
	if err != nil {
		return nil, err
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

func hostnameOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
