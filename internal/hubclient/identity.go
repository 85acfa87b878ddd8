package hubclient

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/google/uuid"
)

// Identity names a host peer for logs and UI only; it never affects
// routing. Explicit overrides (config/env) are authoritative; process
// ancestry is a best-effort fallback.
type Identity struct {
	ID   string
	Name string
	Type string
}

// DetectIdentity builds an Identity from explicit overrides, falling back
// to inspecting the parent process for a name and a generated id.
func DetectIdentity(overrideID, overrideName, overrideType string) Identity {
	id := Identity{
		ID:   overrideID,
		Name: overrideName,
		Type: overrideType,
	}
	if id.ID == "" {
		id.ID = uuid.NewString()
	}
	if id.Name == "" {
		id.Name = detectParentProcessName()
	}
	if id.Type == "" {
		id.Type = "unknown"
	}
	return id
}

// detectParentProcessName is a best-effort, Linux-first heuristic; it
// returns "unknown" on any failure rather than erroring, since identity is
// advisory only.
func detectParentProcessName() string {
	if runtime.GOOS != "linux" {
		return "unknown"
	}
	ppid := os.Getppid()
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(ppid), "comm"))
	if err != nil {
		return "unknown"
	}
	name := string(data)
	for len(name) > 0 && (name[len(name)-1] == '\n' || name[len(name)-1] == '\r') {
		name = name[:len(name)-1]
	}
	if name == "" {
		return "unknown"
	}
	return name
}
