package resource

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// state is the on-disk shape, rewritten atomically on every mutation.
type state struct {
	DebuggerSessions map[string]*DebuggerSession `json:"debugger_sessions"`
	Locks            map[string]*Lock            `json:"locks"`
	NetworkCaptures  map[string]*NetworkCapture  `json:"network_captures"`
	ContentScripts   map[string]*ContentScript   `json:"content_scripts"`
	Metadata         map[string]any              `json:"metadata,omitempty"`
}

func newState() *state {
	return &state{
		DebuggerSessions: make(map[string]*DebuggerSession),
		Locks:            make(map[string]*Lock),
		NetworkCaptures:  make(map[string]*NetworkCapture),
		ContentScripts:   make(map[string]*ContentScript),
		Metadata:         make(map[string]any),
	}
}

// AutoReleaseFunc is invoked (outside the manager's lock) whenever a lock's
// auto-release timer fires, so callers can emit an auto_release event.
type AutoReleaseFunc func(tabID string)

// Manager is the sole reader/writer of the resource state file.
type Manager struct {
	mu    sync.Mutex
	st    *state
	path  string
	clock func() time.Time
	log   *zap.Logger

	timers   map[string]*time.Timer
	onAutoRelease AutoReleaseFunc
}

// New loads (or initializes) the resource state file under stateDir. A
// corrupted file is moved aside and an empty state is used instead.
func New(stateDir string, onAutoRelease AutoReleaseFunc, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if onAutoRelease == nil {
		onAutoRelease = func(string) {}
	}
	m := &Manager{
		st:            newState(),
		path:          filepath.Join(stateDir, ".resource-state.json"),
		clock:         time.Now,
		log:           log,
		timers:        make(map[string]*time.Timer),
		onAutoRelease: onAutoRelease,
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("resource: create state dir: %w", err)
	}
	m.load()
	m.rearmTimers()
	return m, nil
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	st := newState()
	if err := json.Unmarshal(data, st); err != nil {
		m.log.Warn("resource: corrupt state file, rotating aside", zap.Error(err))
		_ = os.Rename(m.path, m.path+".corrupt."+fmt.Sprint(time.Now().Unix()))
		return
	}
	m.st = st
}

func (m *Manager) rearmTimers() {
	now := m.clock()
	for tabID, lock := range m.st.Locks {
		m.armAutoRelease(tabID, lock.AutoReleaseAt.Sub(now))
	}
}

func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.st, "", "  ")
	if err != nil {
		return fmt.Errorf("resource: marshal state: %w", err)
	}
	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".resource-state.*.tmp")
	if err != nil {
		return fmt.Errorf("resource: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	_ = os.Chmod(tmpName, 0o600)
	defer func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("resource: write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("resource: sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("resource: close state: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("resource: rename state: %w", err)
	}
	if df, err := os.Open(dir); err == nil {
		_ = df.Sync()
		_ = df.Close()
	}
	return nil
}

func (m *Manager) saveBestEffort() {
	if err := m.save(); err != nil {
		m.log.Warn("resource: persistence failed, in-memory state remains authoritative", zap.Error(err))
	}
}

// AttachDebugger is idempotent: a second attach on the same tab updates
// nothing and reports already_present.
func (m *Manager) AttachDebugger(tabID, source, purpose string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.st.DebuggerSessions[tabID]; ok {
		return ResultAlreadyPresent
	}
	m.st.DebuggerSessions[tabID] = &DebuggerSession{
		TabID:      tabID,
		AttachedAt: m.clock(),
		Source:     source,
		Purpose:    purpose,
		CanDetach:  true,
	}
	m.saveBestEffort()
	return ResultOK
}

func (m *Manager) DetachDebugger(tabID string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.DebuggerSessions[tabID]; !ok {
		return ResultMissing
	}
	delete(m.st.DebuggerSessions, tabID)
	m.saveBestEffort()
	return ResultOK
}

// VerifyDebuggerResult is the contract's {exists, canDetach, age_ms} shape.
type VerifyDebuggerResult struct {
	Exists    bool  `json:"exists"`
	CanDetach bool  `json:"canDetach"`
	AgeMS     int64 `json:"age_ms"`
}

func (m *Manager) VerifyDebugger(tabID string) VerifyDebuggerResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.st.DebuggerSessions[tabID]
	if !ok {
		return VerifyDebuggerResult{}
	}
	now := m.clock()
	sess.Verified = true
	sess.LastVerified = now
	m.saveBestEffort()
	return VerifyDebuggerResult{Exists: true, CanDetach: sess.CanDetach, AgeMS: now.Sub(sess.AttachedAt).Milliseconds()}
}

// AcquireLock fails with busy if a lock already exists for tabID; otherwise
// it schedules an auto-release timer for timeout.
func (m *Manager) AcquireLock(tabID, op, holder string, timeout time.Duration) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.st.Locks[tabID]; ok {
		return ResultBusy
	}
	now := m.clock()
	m.st.Locks[tabID] = &Lock{
		TabID:         tabID,
		Op:            op,
		HolderPeerID:  holder,
		AcquiredAt:    now,
		Timeout:       timeout,
		AutoReleaseAt: now.Add(timeout),
	}
	m.armAutoRelease(tabID, timeout)
	m.saveBestEffort()
	return ResultOK
}

// ReleaseLock is idempotent and cancels any pending auto-release timer.
func (m *Manager) ReleaseLock(tabID, reason string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.Locks[tabID]; !ok {
		return ResultMissing
	}
	m.releaseLockLocked(tabID)
	m.saveBestEffort()
	return ResultOK
}

// releaseLockLocked removes the lock and stops its timer; caller holds mu.
func (m *Manager) releaseLockLocked(tabID string) {
	delete(m.st.Locks, tabID)
	if t, ok := m.timers[tabID]; ok {
		t.Stop()
		delete(m.timers, tabID)
	}
}

func (m *Manager) armAutoRelease(tabID string, d time.Duration) {
	if d <= 0 {
		d = time.Millisecond // already expired; fire promptly rather than in the past
	}
	if t, ok := m.timers[tabID]; ok {
		t.Stop()
	}
	m.timers[tabID] = time.AfterFunc(d, func() {
		m.mu.Lock()
		_, stillHeld := m.st.Locks[tabID]
		if stillHeld {
			m.releaseLockLocked(tabID)
			m.saveBestEffort()
		}
		m.mu.Unlock()
		if stillHeld {
			m.onAutoRelease(tabID)
		}
	})
}

func (m *Manager) StartNetworkCapture(tabID, linkedDebugger string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.NetworkCaptures[tabID]; ok {
		return ResultAlreadyPresent
	}
	m.st.NetworkCaptures[tabID] = &NetworkCapture{TabID: tabID, StartedAt: m.clock(), LinkedDebugger: linkedDebugger}
	m.saveBestEffort()
	return ResultOK
}

func (m *Manager) StopNetworkCapture(tabID string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.NetworkCaptures[tabID]; !ok {
		return ResultMissing
	}
	delete(m.st.NetworkCaptures, tabID)
	m.saveBestEffort()
	return ResultOK
}

func (m *Manager) RegisterContentScript(tabID, version string, worlds []string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.ContentScripts[tabID] = &ContentScript{TabID: tabID, Version: version, Worlds: worlds, InjectedAt: m.clock()}
	m.saveBestEffort()
	return ResultOK
}

func (m *Manager) UnregisterContentScript(tabID string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.ContentScripts[tabID]; !ok {
		return ResultMissing
	}
	delete(m.st.ContentScripts, tabID)
	m.saveBestEffort()
	return ResultOK
}

// Sweep reports orphaned debugger sessions and expired locks; when dryRun
// is false it also releases the expired locks with reason cleanup_orphaned.
func (m *Manager) Sweep(now time.Time, dryRun bool) SweepReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := SweepReport{OrphanedDebuggerSessions: []string{}, ExpiredLocks: []string{}}
	for tabID, sess := range m.st.DebuggerSessions {
		if !sess.Verified {
			report.OrphanedDebuggerSessions = append(report.OrphanedDebuggerSessions, tabID)
		}
	}
	for tabID, lock := range m.st.Locks {
		if now.After(lock.AutoReleaseAt) {
			report.ExpiredLocks = append(report.ExpiredLocks, tabID)
		}
	}
	if !dryRun {
		for _, tabID := range report.ExpiredLocks {
			m.releaseLockLocked(tabID)
		}
		m.saveBestEffort()
	}
	return report
}

// OnExtensionRestart runs a sweep, auto-releases expired locks, and records
// the extension's startup time in metadata.
func (m *Manager) OnExtensionRestart(startupTime time.Time) RecoveryReport {
	sweep := m.Sweep(startupTime, false)
	m.mu.Lock()
	m.st.Metadata["extension_startup_time"] = startupTime
	m.saveBestEffort()
	m.mu.Unlock()
	return RecoveryReport{SweepReport: sweep, ExtensionStartupTime: startupTime}
}
