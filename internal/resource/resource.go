// Package resource implements the Resource State Manager: a durable record
// of browser-side resources (debugger sessions, per-tab operation locks,
// network captures, content-script injections) that outlive any one
// process.
package resource

import "time"

// Result is the enum every write method returns instead of an error, per
// the "all write methods are total" failure semantics.
type Result string

const (
	ResultOK             Result = "ok"
	ResultAlreadyPresent Result = "already_present"
	ResultMissing        Result = "missing"
	ResultBusy           Result = "busy"
)

// DebuggerSession is the record of a browser debugger attachment.
type DebuggerSession struct {
	TabID       string    `json:"tab_id"`
	AttachedAt  time.Time `json:"attached_at"`
	Source      string    `json:"source"` // self | external | existing
	Purpose     string    `json:"purpose"`
	CanDetach   bool      `json:"can_detach"`
	Verified    bool      `json:"verified"`
	LastVerified time.Time `json:"last_verified"`
}

// Lock is a per-tab operation lock. At most one exists per tabId.
type Lock struct {
	TabID         string        `json:"tab_id"`
	Op            string        `json:"op"`
	HolderPeerID  string        `json:"holder_peer_id"`
	AcquiredAt    time.Time     `json:"acquired_at"`
	Timeout       time.Duration `json:"timeout"`
	AutoReleaseAt time.Time     `json:"auto_release_at"`
}

// NetworkCapture is an active network-capture session on a tab.
type NetworkCapture struct {
	TabID          string    `json:"tab_id"`
	StartedAt      time.Time `json:"started_at"`
	LinkedDebugger string    `json:"linked_debugger,omitempty"`
}

// ContentScript is an injected content-script record for a tab.
type ContentScript struct {
	TabID      string    `json:"tab_id"`
	Version    string    `json:"version"`
	Worlds     []string  `json:"worlds"`
	InjectedAt time.Time `json:"injected_at"`
}

// SweepReport is the result of Sweep: orphaned debugger sessions (reported
// only) and locks that were expired and, unless dry-run, released.
type SweepReport struct {
	OrphanedDebuggerSessions []string `json:"orphaned_debugger_sessions"`
	ExpiredLocks             []string `json:"expired_locks"`
}

// RecoveryReport is returned by OnExtensionRestart. Callers publish it as a
// recovery:completed event once the sweep finishes (see cmd/tabhub-hub,
// which wires OnExtensionRestart to the Hub's extension_connected callback).
type RecoveryReport struct {
	SweepReport
	ExtensionStartupTime time.Time `json:"extension_startup_time"`
}
