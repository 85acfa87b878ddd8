package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/tabhub/tabhub/internal/daemon"
)

// daemonClient is a thin, one-request-per-connection client for the Daemon
// bus, matching the CLI's request/response cadence.
type daemonClient struct {
	socketPath string
	timeout    time.Duration
}

func newDaemonClient(socketPath string, timeout time.Duration) *daemonClient {
	return &daemonClient{socketPath: socketPath, timeout: timeout}
}

// call sends one request and returns the terminal (success or error)
// response, passing progress frames to onProgress as they arrive if it is
// non-nil.
func (c *daemonClient) call(req daemon.Request, onProgress func(daemon.Response)) (daemon.Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return daemon.Response{}, fmt.Errorf("daemon not reachable at %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return daemon.Response{}, fmt.Errorf("encode request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return daemon.Response{}, fmt.Errorf("write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		var resp daemon.Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			return daemon.Response{}, fmt.Errorf("decode response: %w", err)
		}
		if resp.Status == daemon.StatusProgress {
			if onProgress != nil {
				onProgress(resp)
			}
			continue
		}
		return resp, nil
	}
	if err := scanner.Err(); err != nil {
		return daemon.Response{}, fmt.Errorf("read response: %w", err)
	}
	return daemon.Response{}, fmt.Errorf("daemon closed connection without a terminal response")
}
