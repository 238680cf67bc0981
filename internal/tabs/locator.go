package tabs

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tccl/tabsync/internal/shared/types"
)

// TrustChecker is the slice of the trust store the locator needs.
type TrustChecker interface {
	IsTrusted(hostname string) bool
	Match(hostname string) (string, bool)
}

// Descriptor classifies one open tab at the moment of an orchestration pass.
// Descriptors are transient; they are never persisted.
type Descriptor struct {
	ID         string
	URL        string
	Hostname   string
	Domain     string // the stored trusted domain this tab matched
	SyncMarked bool
}

// Locator enumerates open tabs and filters them down to sync candidates.
type Locator struct {
	host  Host
	trust TrustChecker
}

// NewLocator creates a locator over the given host and trust set.
func NewLocator(host Host, trust TrustChecker) *Locator {
	return &Locator{host: host, trust: trust}
}

// ListCandidates returns the trusted tabs eligible as sync targets, excluding
// the origin tab (the mutation source, to prevent an immediate echo) and any
// tab whose URL carries the sync marker fragment. Marker-tagged tabs were
// opened by the agent itself for delivery; treating them as targets would
// feed the loop the marker exists to break.
func (l *Locator) ListCandidates(ctx context.Context, excludeTabID string) ([]Descriptor, error) {
	open, err := l.host.Tabs(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate tabs: %w", err)
	}

	candidates := make([]Descriptor, 0, len(open))
	for _, t := range open {
		if t.ID == excludeTabID {
			continue
		}
		hostname, ok := hostnameOf(t.URL)
		if !ok {
			continue
		}
		desc := Descriptor{
			ID:         t.ID,
			URL:        t.URL,
			Hostname:   hostname,
			SyncMarked: strings.Contains(t.URL, types.SyncMarkerFragment),
		}
		if desc.SyncMarked {
			continue
		}
		domain, trusted := l.trust.Match(hostname)
		if !trusted {
			continue
		}
		desc.Domain = domain
		candidates = append(candidates, desc)
	}
	return candidates, nil
}

// hostnameOf extracts the hostname from an http(s) URL. Any other scheme is
// not a syncable page.
func hostnameOf(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	host := u.Hostname()
	if host == "" {
		return "", false
	}
	return host, true
}
