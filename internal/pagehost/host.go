// Package pagehost provides an in-process tab host: every tab is a goja
// JavaScript runtime with a localStorage shim, so injected procedures run as
// real scripts against real page state. The simulator mode and the test
// suites use it in place of a live browser bridge.
package pagehost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tccl/tabsync/internal/tabs"
)

var ErrTabNotFound = errors.New("tab not found")

// Config tunes the simulated host.
type Config struct {
	// ExecTimeout bounds one script execution inside a tab runtime.
	ExecTimeout time.Duration
	// CommitDelay is the simulated latency between tab creation and its
	// first navigation commit.
	CommitDelay time.Duration
}

// DefaultConfig returns the host defaults.
func DefaultConfig() Config {
	return Config{
		ExecTimeout: 5 * time.Second,
		CommitDelay: 10 * time.Millisecond,
	}
}

// Host implements tabs.Host over in-process goja page runtimes.
type Host struct {
	config Config

	mu     sync.RWMutex
	seq    int
	tabs   map[string]*pageTab
	order  []string
	subID  int
	subs   map[int]chan tabs.NavEvent
	closed bool
}

// New creates an empty host.
func New(config Config) *Host {
	if config.ExecTimeout <= 0 {
		config.ExecTimeout = DefaultConfig().ExecTimeout
	}
	if config.CommitDelay <= 0 {
		config.CommitDelay = DefaultConfig().CommitDelay
	}
	return &Host{
		config: config,
		tabs:   make(map[string]*pageTab),
		subs:   make(map[int]chan tabs.NavEvent),
	}
}

// OpenTab adds an already-loaded tab, as if the user had it open before the
// agent started. Returns the tab ID.
func (h *Host) OpenTab(url string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addLocked(url)
}

// Restrict marks a tab as rejecting script injection, mimicking internal
// pages the browser refuses to inject into.
func (h *Host) Restrict(tabID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tabs[tabID]; ok {
		t.restricted = true
	}
}

// Storage reads a key from a tab's localStorage. Assertion helper.
func (h *Host) Storage(tabID, key string) (string, bool) {
	h.mu.RLock()
	t, ok := h.tabs[tabID]
	h.mu.RUnlock()
	if !ok {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.storage[key]
	return v, ok
}

// SeedStorage writes a key into a tab's localStorage directly, as if page
// code had stored it.
func (h *Host) SeedStorage(tabID, key, value string) {
	h.mu.RLock()
	t, ok := h.tabs[tabID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.storage[key] = value
	t.mu.Unlock()
}

// Tabs implements tabs.Host.
func (h *Host) Tabs(ctx context.Context) ([]tabs.Tab, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]tabs.Tab, 0, len(h.order))
	for _, id := range h.order {
		if t, ok := h.tabs[id]; ok {
			out = append(out, tabs.Tab{ID: t.id, URL: t.url})
		}
	}
	return out, nil
}

// Exec implements tabs.Host.
func (h *Host) Exec(ctx context.Context, tabID, script string) (interface{}, error) {
	h.mu.RLock()
	t, ok := h.tabs[tabID]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	return t.exec(ctx, script, h.config.ExecTimeout)
}

// Create implements tabs.Host: the new tab commits its navigation after the
// configured delay and completes right after, mirroring a fast page load.
func (h *Host) Create(ctx context.Context, url string, active bool) (string, error) {
	h.mu.Lock()
	id, err := h.addLocked(url)
	h.mu.Unlock()
	if err != nil {
		return "", err
	}

	go func() {
		time.Sleep(h.config.CommitDelay)
		h.emit(tabs.NavEvent{TabID: id, Type: tabs.NavCommitted})
		h.emit(tabs.NavEvent{TabID: id, Type: tabs.NavComplete})
	}()

	return id, nil
}

// Remove implements tabs.Host.
func (h *Host) Remove(ctx context.Context, tabID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.tabs[tabID]; !ok {
		return nil
	}
	delete(h.tabs, tabID)
	for i, id := range h.order {
		if id == tabID {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	return nil
}

// Subscribe implements tabs.Host.
func (h *Host) Subscribe() (<-chan tabs.NavEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subID++
	id := h.subID
	ch := make(chan tabs.NavEvent, 16)
	h.subs[id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Close tears the host down.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.tabs = make(map[string]*pageTab)
	h.order = nil
}

func (h *Host) addLocked(url string) (string, error) {
	if h.closed {
		return "", errors.New("host is closed")
	}
	h.seq++
	id := fmt.Sprintf("tab-%d", h.seq)
	t, err := newPageTab(id, url)
	if err != nil {
		return "", err
	}
	h.tabs[id] = t
	h.order = append(h.order, id)
	return id, nil
}

// emit fans a navigation event out to subscribers without blocking on a slow
// receiver.
func (h *Host) emit(ev tabs.NavEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
