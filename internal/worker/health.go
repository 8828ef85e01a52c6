package worker

import (
	"sync"
	"time"
)

const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusFailed  = "failed"
)

// Health is the externally visible state of one worker. Failure details stay
// in the logs; the health surface only carries the status.
type Health struct {
	Status    string    `json:"status"`
	Since     time.Time `json:"since"`
	LastCheck time.Time `json:"last_check"`
}

// HealthTracker records per-worker status for the health endpoints. Safe for
// concurrent use.
type HealthTracker struct {
	mu      sync.RWMutex
	workers map[string]Health
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{workers: make(map[string]Health)}
}

func (t *HealthTracker) mark(name, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	health := t.workers[name]
	if health.Status != status {
		health.Since = time.Now()
	}
	health.Status = status
	health.LastCheck = time.Now()
	t.workers[name] = health
}

func (t *HealthTracker) MarkRunning(name string) { t.mark(name, StatusRunning) }
func (t *HealthTracker) MarkStopped(name string) { t.mark(name, StatusStopped) }
func (t *HealthTracker) MarkFailed(name string)  { t.mark(name, StatusFailed) }

// Healthy reports whether no worker has failed. Stopped workers do not count
// against health; they stop during graceful shutdown.
func (t *HealthTracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, health := range t.workers {
		if health.Status == StatusFailed {
			return false
		}
	}
	return true
}

// Snapshot copies the current per-worker state.
func (t *HealthTracker) Snapshot() map[string]Health {
	t.mu.RLock()
	defer t.mu.RUnlock()
	workers := make(map[string]Health, len(t.workers))
	for name, health := range t.workers {
		workers[name] = health
	}
	return workers
}
