// Package pipeline runs a claimed job through its stages and owns the
// progress and retry rules.
package pipeline

import (
	"sync"

	"github.com/clipforge/orchestrator/internal/domain"
)

// Bus routes progress snapshots to the worker holding the job. The callback
// endpoint and the poll fallback both publish here; the worker is the sole
// consumer per job.
type Bus struct {
	mu    sync.Mutex
	chans map[string]chan domain.ProgressSnapshot
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{chans: make(map[string]chan domain.ProgressSnapshot)}
}

// Register opens the progress channel for a job. One registration per job.
func (b *Bus) Register(jobID string) <-chan domain.ProgressSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.ProgressSnapshot, 16)
	b.chans[jobID] = ch
	return ch
}

// Unregister drops the channel. Publishes after this point are discarded.
func (b *Bus) Unregister(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.chans, jobID)
}

// Publish delivers a snapshot to the job's worker. When the buffer is full
// the oldest snapshot is dropped; progress is self-healing. Returns false
// when no worker is registered for the job.
func (b *Bus) Publish(snap domain.ProgressSnapshot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.chans[snap.JobID]
	if !ok {
		return false
	}
	select {
	case ch <- snap:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
	return true
}
