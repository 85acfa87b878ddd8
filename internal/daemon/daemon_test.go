package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func startTestDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")
	d := New(Config{SocketPath: sock, Logger: zap.NewNop()})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := d.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		d.Shutdown()
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return d, sock
}

func rpc(t *testing.T, sock string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestDaemonStatusOverSocket(t *testing.T) {
	d, sock := startTestDaemon(t)
	if err := d.AddServer(ServerConfig{ID: "s1", Command: "/bin/true"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	resp := rpc(t, sock, Request{RequestID: "r1", Type: ReqDaemonStatus})
	if resp.Status != StatusSuccess {
		t.Fatalf("expected success, got %+v", resp)
	}
}

func TestDaemonToolCallUnknownToolFails(t *testing.T) {
	_, sock := startTestDaemon(t)
	resp := rpc(t, sock, Request{RequestID: "r1", Type: ReqToolCall, Tool: "does_not_exist"})
	if resp.Status != StatusErr {
		t.Fatalf("expected error status for unknown tool, got %+v", resp)
	}
}

func TestDaemonServerStatusUnknownServer(t *testing.T) {
	_, sock := startTestDaemon(t)
	resp := rpc(t, sock, Request{RequestID: "r1", Type: ReqServerStatus, ServerID: "ghost"})
	if resp.Status != StatusErr {
		t.Fatalf("expected error for unregistered server, got %+v", resp)
	}
}

func TestDaemonMalformedRequestReportsError(t *testing.T) {
	_, sock := startTestDaemon(t)
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != StatusErr {
		t.Fatalf("expected error status for malformed line, got %+v", resp)
	}
}

func TestIdleReapStopsExpiredServer(t *testing.T) {
	d := New(Config{SocketPath: filepath.Join(t.TempDir(), "d.sock"), Logger: zap.NewNop()})
	if err := d.AddServer(ServerConfig{ID: "s1", Command: "/bin/true", IdleTimeout: 10 * time.Millisecond}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	d.mu.RLock()
	s := d.servers["s1"]
	d.mu.RUnlock()
	s.mu.Lock()
	s.status = StatusReady
	s.lastUsed = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	d.reapIdle()

	if s.Status() != StatusStopped {
		t.Fatalf("expected idle server to be reaped to stopped, got %s", s.Status())
	}
}
