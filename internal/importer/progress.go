package importer

// progress.go holds the ephemeral progress signal for running imports.
//
// The tracker is a process-local cache updated after every batch, much more
// often than the ledger is persisted. An entry exists only while its job is
// running; status queries fall back to the durable ledger when the entry is
// gone (terminal state, or the process restarted).

import (
	"sync"

	"github.com/acmelabs/product-importer/internal/model"
)

// ProgressTracker maps task identities to their in-flight progress.
// Safe for concurrent use.
type ProgressTracker struct {
	mu   sync.RWMutex
	jobs map[string]model.Progress
}

// NewProgressTracker returns an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{jobs: make(map[string]model.Progress)}
}

// Publish records the latest progress for a task. Percentage is
// floor(current*100/total), 0 while total is unknown, and capped at 99:
// a 100% reading comes only from the completed ledger state.
func (t *ProgressTracker) Publish(taskID string, current, total int) {
	pct := 0
	if total > 0 {
		pct = current * 100 / total
		if pct > 99 {
			pct = 99
		}
	}

	t.mu.Lock()
	t.jobs[taskID] = model.Progress{Current: current, Total: total, Percentage: pct}
	t.mu.Unlock()
}

// Get returns the progress for a task, if the job is currently running.
func (t *ProgressTracker) Get(taskID string) (model.Progress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.jobs[taskID]
	return p, ok
}

// Drop removes a task's entry once its job reaches a terminal state.
func (t *ProgressTracker) Drop(taskID string) {
	t.mu.Lock()
	delete(t.jobs, taskID)
	t.mu.Unlock()
}
