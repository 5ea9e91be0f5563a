package domain

import (
	"time"

	"github.com/swarmguard/orchestrator/internal/ids"
)

// WorkerState tracks liveness and load, per spec.md §3/§4.3.
type WorkerState string

const (
	WorkerOnline  WorkerState = "Online"
	WorkerBusy    WorkerState = "Busy"
	WorkerOffline WorkerState = "Offline"
)

// ResourceSnapshot is the last reported resource usage from a worker's
// heartbeat.
type ResourceSnapshot struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// Max returns the highest of the three utilization figures, used by the
// scheduler's resource-headroom score and the 90%-exclusion rule.
func (r ResourceSnapshot) Max() float64 {
	m := r.CPUPercent
	if r.MemPercent > m {
		m = r.MemPercent
	}
	if r.DiskPercent > m {
		m = r.DiskPercent
	}
	return m
}

// Worker is a registered remote process capable of executing subtasks for
// one or more tools.
type Worker struct {
	ID            ids.ID
	MachineName   string
	Capabilities  []string // tool identifiers
	Resources     ResourceSnapshot
	Load          int // count of assigned non-terminal subtasks
	LastHeartbeat time.Time
	State         WorkerState
	LocalResident bool // true when the worker's residency satisfies privacy=sensitive
	RegisteredAt  time.Time
}

// Offers reports whether w can run the given tool.
func (w *Worker) Offers(tool string) bool {
	for _, c := range w.Capabilities {
		if c == tool {
			return true
		}
	}
	return false
}
