package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// record is the shape persisted on every mutation, plus the in-process
// waiter bookkeeping that never touches disk.
type record struct {
	op   *Operation
	done chan struct{} // closed exactly once, on first terminal transition
}

// Manager owns every Operation and is the sole reader/writer of its state
// file. All writes are serialized through mu; waiters never block the
// mutation path — they only ever read from a record's done channel.
type Manager struct {
	mu    sync.Mutex
	ops   map[string]*record
	path  string
	clock func() time.Time
	log   *zap.Logger
}

// New constructs a Manager persisting to stateDir/.operations-state.json,
// loading any existing state file first. A parse failure is non-fatal: the
// corrupt file is moved aside and the manager starts empty.
func New(stateDir string, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		ops:   make(map[string]*record),
		path:  filepath.Join(stateDir, ".operations-state.json"),
		clock: time.Now,
		log:   log,
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("operation: create state dir: %w", err)
	}
	m.load()
	return m, nil
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return // no prior state; start empty
	}
	var ops []*Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		m.log.Warn("operation: corrupt state file, rotating aside", zap.Error(err))
		_ = os.Rename(m.path, m.path+".corrupt."+fmt.Sprint(time.Now().Unix()))
		return
	}
	for _, op := range ops {
		r := &record{op: op, done: make(chan struct{})}
		if op.Status.terminal() {
			close(r.done)
		}
		m.ops[op.ID] = r
	}
}

// save rewrites the entire state file atomically: write to a temp file in
// the same directory, fsync, rename, fsync the directory.
func (m *Manager) save() error {
	ops := make([]*Operation, 0, len(m.ops))
	for _, r := range m.ops {
		ops = append(ops, r.op)
	}
	data, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		return fmt.Errorf("operation: marshal state: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".operations-state.*.tmp")
	if err != nil {
		return fmt.Errorf("operation: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	_ = os.Chmod(tmpName, 0o600)
	defer func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("operation: write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("operation: sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("operation: close state: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("operation: rename state: %w", err)
	}
	if df, err := os.Open(dir); err == nil {
		_ = df.Sync()
		_ = df.Close()
	}
	return nil
}

// saveBestEffort persists and logs (never returns) a failure, matching the
// "persistence is best-effort" rule shared with the Resource State Manager.
func (m *Manager) saveBestEffort() {
	if err := m.save(); err != nil {
		m.log.Warn("operation: persistence failed, in-memory state remains authoritative", zap.Error(err))
	}
}

// Create assigns a durable id of the form op_<kind>_<epoch_millis> and
// registers the operation as pending.
func (m *Manager) Create(kind string, params json.RawMessage) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	id := fmt.Sprintf("op_%s_%d", kind, now.UnixMilli())
	m.ops[id] = &record{
		op: &Operation{
			ID:        id,
			Kind:      kind,
			Params:    params,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		done: make(chan struct{}),
	}
	m.saveBestEffort()
	return id
}

// Update appends a milestone and advances status per the label rules:
// "started" ⇒ in_progress; "completed"/"response_completed" ⇒ completed;
// "error" ⇒ failed. A terminal transition closes the done channel exactly
// once, broadcasting to every current and future waiter.
func (m *Manager) Update(id, label string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.ops[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}

	now := m.clock()
	r.op.Milestones = append(r.op.Milestones, Milestone{Label: label, T: now, Data: data})
	r.op.UpdatedAt = now

	if !r.op.Status.terminal() {
		switch label {
		case "started":
			r.op.Status = StatusInProgress
		case "completed", "response_completed":
			r.op.Status = StatusCompleted
		case "error":
			r.op.Status = StatusFailed
		}
		if r.op.Status.terminal() {
			close(r.done)
		}
	}

	m.saveBestEffort()
	return nil
}

// Wait blocks until id reaches a terminal state or timeout elapses. If
// already terminal it returns immediately. Cancelling the context detaches
// the caller without affecting the operation.
func (m *Manager) Wait(ctx context.Context, id string, timeout time.Duration) (*Operation, error) {
	m.mu.Lock()
	r, ok := m.ops[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.done:
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	op := r.op.Clone()
	m.mu.Unlock()

	if op.Status == StatusFailed {
		return op, &FailureError{Op: op}
	}
	return op, nil
}

// ListPending returns every operation not yet in a terminal state.
func (m *Manager) ListPending() []*Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Operation, 0)
	for _, r := range m.ops {
		if !r.op.Status.terminal() {
			out = append(out, r.op.Clone())
		}
	}
	return out
}

// GC removes terminal operations older than maxAge and returns how many
// were removed.
func (m *Manager) GC(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock().Add(-maxAge)
	removed := 0
	for id, r := range m.ops {
		if r.op.Status.terminal() && r.op.UpdatedAt.Before(cutoff) {
			delete(m.ops, id)
			removed++
		}
	}
	if removed > 0 {
		m.saveBestEffort()
	}
	return removed
}
