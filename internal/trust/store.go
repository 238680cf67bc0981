// Package trust maintains the set of domains whose tabs may receive synced
// clipboard data.
package trust

import (
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/tccl/tabsync/internal/shared/types"
)

// KV is the slice of the persistent store the trust set needs.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// Store holds the ordered trusted-domain set. Insertion order is preserved
// for display only; membership is what matters.
type Store struct {
	mu      sync.RWMutex
	domains []string
	kv      KV
}

// NewStore creates a trust store backed by kv, loading any persisted set.
func NewStore(kv KV) *Store {
	s := &Store{kv: kv}
	if raw, ok := kv.Get(types.AllowedDomainsKey); ok && raw != "" {
		var domains []string
		if err := sonic.Unmarshal([]byte(raw), &domains); err == nil {
			s.domains = domains
		}
	}
	return s
}

// IsTrusted reports whether hostname matches any stored domain. Matching is
// bidirectional substring containment: "uat.ifs.cloud" matches a stored
// "ifs.cloud" and vice versa. This tolerates subdomain variants but is looser
// than a suffix check and can false-positive on unrelated hosts sharing a
// substring; the policy is load-bearing for compatibility and must not be
// tightened here.
func (s *Store) IsTrusted(hostname string) bool {
	if hostname == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.domains {
		if matches(hostname, d) {
			return true
		}
	}
	return false
}

// Match returns the first stored domain the hostname matches, for grouping
// same-domain tabs within a batch.
func (s *Store) Match(hostname string) (string, bool) {
	if hostname == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.domains {
		if matches(hostname, d) {
			return d, true
		}
	}
	return "", false
}

// Add appends a domain if not already present and persists the set.
func (s *Store) Add(domain string) error {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.domains {
		if d == domain {
			return nil
		}
	}
	s.domains = append(s.domains, domain)
	return s.persistLocked()
}

// Remove deletes a domain and persists the set. Removing an absent domain is
// a no-op.
func (s *Store) Remove(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.domains {
		if d == domain {
			s.domains = append(s.domains[:i], s.domains[i+1:]...)
			return s.persistLocked()
		}
	}
	return nil
}

// List returns the domains in insertion order.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.domains))
	copy(out, s.domains)
	return out
}

// Empty reports whether no domains are trusted.
func (s *Store) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.domains) == 0
}

func (s *Store) persistLocked() error {
	data, err := sonic.Marshal(s.domains)
	if err != nil {
		return err
	}
	return s.kv.Set(types.AllowedDomainsKey, string(data))
}

func matches(hostname, domain string) bool {
	if domain == "" {
		return false
	}
	return strings.Contains(hostname, domain) || strings.Contains(domain, hostname)
}
