// Package tabs defines the browser-host capabilities the agent consumes and
// the locator that turns a raw tab inventory into eligible sync targets.
package tabs

import "context"

// Tab is one entry of the host's tab inventory.
type Tab struct {
	ID  string
	URL string
}

// NavEventType distinguishes navigation lifecycle notifications.
type NavEventType string

const (
	// NavCommitted fires on the first navigation commit of a tab.
	NavCommitted NavEventType = "committed"
	// NavComplete fires when a tab finishes loading.
	NavComplete NavEventType = "complete"
)

// NavEvent is a navigation notification for one tab.
type NavEvent struct {
	TabID string
	Type  NavEventType
}

// Host is the capability surface the browser side must provide. Every call
// crosses a process boundary and can fail or stall; callers bound each one
// with a context.
type Host interface {
	// Tabs enumerates currently open tabs.
	Tabs(ctx context.Context) ([]Tab, error)
	// Exec runs a script inside the tab's page context and returns its
	// result value. Restricted pages reject injection with an error.
	Exec(ctx context.Context, tabID, script string) (interface{}, error)
	// Create opens a new tab at url, inactive when active is false, and
	// returns its ID.
	Create(ctx context.Context, url string, active bool) (string, error)
	// Remove closes a tab. Removing an already-closed tab is not an error.
	Remove(ctx context.Context, tabID string) error
	// Subscribe registers for navigation events. The returned cancel func
	// must be called to release the subscription.
	Subscribe() (<-chan NavEvent, func())
}
