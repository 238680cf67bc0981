package types

// Strategy selects how a payload is delivered to a target tab.
type Strategy string

const (
	// StrategyDirect injects the write procedure into the already-open tab.
	StrategyDirect Strategy = "direct"
	// StrategyBackground opens a disposable marker-tagged tab at the target
	// origin, injects once navigation settles, then closes it.
	StrategyBackground Strategy = "background"
)

// Outcome is the settled state of one per-tab write.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// TabOutcome reports how one tab in a batch fared.
type TabOutcome struct {
	TabID    string  `json:"tab_id"`
	Hostname string  `json:"hostname"`
	Outcome  Outcome `json:"outcome"`
	Error    string  `json:"error,omitempty"`
}

// SyncResult is the aggregate of one propagate batch. Success means at least
// one tab succeeded; a batch with no eligible targets is trivially successful.
type SyncResult struct {
	BatchID string       `json:"batch_id"`
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Total   int          `json:"total"`
	Synced  int          `json:"synced"`
	Details []TabOutcome `json:"details"`
}
