package syncer

import (
	"sync"

	"github.com/tccl/tabsync/internal/shared/types"
)

// batch tracks the settlement of one fan-out. Per-tab writes settle in any
// order; the aggregate is emitted exactly once, exactly when the completion
// count reaches the total, failed writes included.
type batch struct {
	mu        sync.Mutex
	total     int
	completed int
	succeeded int
	outcomes  []types.TabOutcome
	done      chan struct{}
}

func newBatch(total int) *batch {
	return &batch{
		total:    total,
		outcomes: make([]types.TabOutcome, total),
		done:     make(chan struct{}),
	}
}

// settle records the outcome for slot i. Closing done fires the aggregate.
func (b *batch) settle(i int, outcome types.TabOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes[i] = outcome
	b.completed++
	if outcome.Outcome == types.OutcomeSuccess {
		b.succeeded++
	}
	if b.completed == b.total {
		close(b.done)
	}
}

func (b *batch) wait() {
	<-b.done
}

func (b *batch) counts() (completed, succeeded int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed, b.succeeded
}
