// Package types provides shared data structures for the tabsync agent.
//
// This package defines the core types crossing component boundaries,
// keeping wire-visible names stable for the host pages that consume them.
//
// Core Types:
//   - Payload: clipboard records plus optional metadata
//   - SyncResult, TabOutcome: aggregate and per-tab batch results
//   - Strategy: direct vs. background delivery
//
// Constants:
//   - RecordStorageKey, MetadataKey, AllowedDomainsKey: persistent store keys
//     shared with page-side code (bit-exact, never rename)
//   - SyncMarkerFragment: URL fragment marking disposable delivery tabs
package types
