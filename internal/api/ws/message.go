package ws

// Action names are shared with page-side scripts and must stay verbatim.
const (
	ActionLocalStorageUpdated     = "localStorageUpdated"
	ActionLocalStoragePolled      = "localStoragePolled"
	ActionSyncClipboardData       = "syncClipboardData"
	ActionDomainPermissionGranted = "domainPermissionGranted"
	ActionCheckPermission         = "checkPermission"
)

// ActionClipboardDataChanged tags outbound change broadcasts. It is never
// accepted inbound, so a script can never mistake a broadcast for its own
// report shape.
const ActionClipboardDataChanged = "clipboardDataChanged"

// Envelope is the first-phase decode of every inbound message: the action
// tag plus the raw remainder, decoded per-action afterwards.
type Envelope struct {
	Action   string `json:"action"`
	TabID    string `json:"tabId,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Records  string `json:"records,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

// Reply is the uniform outbound response shape.
type Reply struct {
	Action  string      `json:"action"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Notification is broadcast to every connected client when the watcher
// accepts a change.
type Notification struct {
	Action  string      `json:"action"`
	Source  string      `json:"source"`
	Records string      `json:"records"`
	Label   string      `json:"label"`
	Data    interface{} `json:"data,omitempty"`
}
