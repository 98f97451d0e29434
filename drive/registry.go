package drive

import (
	"fmt"
	"sync"
	"time"
)

// RunStatus is the lifecycle state of a batch run.
type RunStatus string

const (
	StatusStarting   RunStatus = "starting"
	StatusRunning    RunStatus = "running"
	StatusCancelling RunStatus = "cancelling"
	StatusCancelled  RunStatus = "cancelled"
	StatusDone       RunStatus = "done"
	StatusError      RunStatus = "error"
)

// Terminal reports whether s is a final status.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCancelled, StatusDone, StatusError:
		return true
	}
	return false
}

// RunState is the shared progress record for one run. Seq increases
// strictly with every publication so observers can deduplicate.
type RunState struct {
	RunID         string    `json:"run_id"`
	Status        RunStatus `json:"status"`
	TotalSteps    int       `json:"total_steps"`
	ExecutedSteps int       `json:"executed_steps"`
	Cancelled     bool      `json:"cancelled"`
	LastLog       string    `json:"last_log,omitempty"`
	Seq           int64     `json:"seq"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StateStore is the cross-context progress channel between the engine
// and observers. Publish applies patch under the store lock and bumps
// Seq, so the patched state is visible atomically.
type StateStore interface {
	Publish(runID string, patch func(*RunState))
	Read(runID string) (RunState, bool)
	Clear(runID string)
}

// MemoryStore is the in-process StateStore.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*RunState
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*RunState), now: time.Now}
}

func (m *MemoryStore) Publish(runID string, patch func(*RunState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.runs[runID]
	if !ok {
		st = &RunState{RunID: runID}
		m.runs[runID] = st
	}
	patch(st)
	st.RunID = runID
	st.Seq++
	st.UpdatedAt = m.now()
}

func (m *MemoryStore) Read(runID string) (RunState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.runs[runID]
	if !ok {
		return RunState{}, false
	}
	return *st, true
}

func (m *MemoryStore) Clear(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
}

// Snapshot returns a copy of every live run record.
func (m *MemoryStore) Snapshot() []RunState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RunState, 0, len(m.runs))
	for _, st := range m.runs {
		out = append(out, *st)
	}
	return out
}

// ErrRunActive is returned by Registry.Begin while another run holds
// the single execution slot.
type ErrRunActive struct {
	ActiveRunID string
}

func (e *ErrRunActive) Error() string {
	return fmt.Sprintf("drive: run %s already active", e.ActiveRunID)
}

// Registry owns the active-run slot. At most one run executes at a
// time; cancellation is a flag the engine checks between steps.
type Registry struct {
	mu        sync.Mutex
	activeID  string
	cancelled bool
	startedAt time.Time
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Begin claims the execution slot for runID.
func (r *Registry) Begin(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeID != "" {
		return &ErrRunActive{ActiveRunID: r.activeID}
	}
	r.activeID = runID
	r.cancelled = false
	r.startedAt = time.Now()
	return nil
}

// End releases the slot. Callers pass the runID they began with;
// a stale End from an older run is ignored.
func (r *Registry) End(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeID == runID {
		r.activeID = ""
		r.cancelled = false
	}
}

// Cancel flags the active run for cooperative stop. It reports whether
// runID was the active run.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeID != runID {
		return false
	}
	r.cancelled = true
	return true
}

// Cancelled reports whether runID is flagged for cancellation.
func (r *Registry) Cancelled(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID == runID && r.cancelled
}

// Active returns the id of the run holding the slot, if any.
func (r *Registry) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID, r.activeID != ""
}
