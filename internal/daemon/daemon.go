// Package daemon implements the Tool Daemon: a long-lived process that
// supervises subprocess tool-calling servers behind a merged tool namespace,
// reachable over a Unix-domain-socket RPC.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tabhub/tabhub/internal/wire"
)

// IdleReapInterval is how often the background reaper checks every ready
// server's idle duration against its configured idle_timeout.
const IdleReapInterval = 30 * time.Second

// HealthInterval is how often ready servers are health-checked.
const HealthInterval = 30 * time.Second

// Config configures a Daemon.
type Config struct {
	SocketPath string
	Logger     *zap.Logger
}

// Daemon owns the server registry, the merged tool namespace, and the
// Unix-domain-socket RPC listener.
type Daemon struct {
	cfg Config
	log *zap.Logger

	mu       sync.RWMutex
	servers  map[string]*Server
	order    []string // registration order, for namespace tie-breaks
	ns       *namespace

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Daemon. AddServer must be called before Serve for any
// auto_start servers to be spawned.
func New(cfg Config) *Daemon {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Daemon{
		cfg:     cfg,
		log:     cfg.Logger,
		servers: make(map[string]*Server),
		ns:      newNamespace(),
		stopCh:  make(chan struct{}),
	}
}

// AddServer registers a server config. It does not spawn the subprocess;
// Serve does that for auto_start servers, or a client's start_server request
// does it on demand.
func (d *Daemon) AddServer(cfg ServerConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.servers[cfg.ID]; exists {
		return fmt.Errorf("daemon: server %s already registered", cfg.ID)
	}
	s := newServer(cfg, len(d.order), d.log)
	d.servers[cfg.ID] = s
	d.order = append(d.order, cfg.ID)
	return nil
}

func (d *Daemon) serverList() []*Server {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Server, 0, len(d.servers))
	for _, id := range d.order {
		out = append(out, d.servers[id])
	}
	return out
}

func (d *Daemon) rebuildNamespace() {
	d.ns.rebuild(d.serverList())
}

// Serve unlinks any stale socket file, listens on cfg.SocketPath (mode
// 0600), starts auto_start servers, the idle reaper, and the health loop,
// and accepts connections until ctx is cancelled or Shutdown is called.
func (d *Daemon) Serve(ctx context.Context) error {
	if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("daemon: chmod socket: %w", err)
	}
	d.listener = ln

	for _, s := range d.serverList() {
		if !s.cfg.AutoStart {
			continue
		}
		if err := s.Start(ctx); err != nil {
			d.log.Warn("daemon: auto-start failed", zap.String("server_id", s.cfg.ID), zap.Error(err))
		}
	}
	d.rebuildNamespace()

	go d.idleReapLoop(ctx)
	go d.healthLoop(ctx)

	go func() {
		<-ctx.Done()
		d.Shutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
				return nil
			default:
				return fmt.Errorf("daemon: accept: %w", err)
			}
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(ctx, conn)
		}()
	}
}

// Shutdown closes the listener so nothing further can connect, stops every
// server in parallel, removes the socket file, and waits for open client
// connections to finish. Connected clients are not sent a notice.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		if d.listener != nil {
			_ = d.listener.Close()
		}

		var g errgroup.Group
		for _, s := range d.serverList() {
			s := s
			g.Go(func() error {
				return s.Stop()
			})
		}
		if err := g.Wait(); err != nil {
			d.log.Warn("daemon: error stopping servers", zap.Error(err))
		}

		_ = os.Remove(d.cfg.SocketPath)
		d.wg.Wait()
	})
}

func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := wire.NewLineScanner(conn)
	w := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			d.writeResponse(w, Response{Status: StatusErr, Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}
		d.dispatch(ctx, w, req)
		if req.Type == ReqShutdown {
			return
		}
	}
}

func (d *Daemon) writeResponse(w *bufio.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = w.Write(data)
	_ = w.Flush()
}

func (d *Daemon) dispatch(ctx context.Context, w *bufio.Writer, req Request) {
	resp := Response{RequestID: req.RequestID}
	data, err := d.handle(ctx, req)
	if err != nil {
		resp.Status = StatusErr
		resp.Error = err.Error()
	} else {
		resp.Status = StatusSuccess
		resp.Data = data
	}
	d.writeResponse(w, resp)
}

func (d *Daemon) handle(ctx context.Context, req Request) (any, error) {
	switch req.Type {
	case ReqToolCall:
		return d.handleToolCall(ctx, req)
	case ReqListTools:
		tools, collisions := d.ns.list()
		return map[string]any{"tools": tools, "collisions": collisions}, nil
	case ReqServerStatus:
		return d.handleServerStatus(req)
	case ReqDaemonStatus:
		return d.handleDaemonStatus(), nil
	case ReqStartServer:
		return d.handleStartServer(ctx, req)
	case ReqStopServer:
		return d.handleStopServer(req)
	case ReqShutdown:
		go d.Shutdown()
		return map[string]any{"shutting_down": true}, nil
	default:
		return nil, fmt.Errorf("daemon: unknown request type %q", req.Type)
	}
}

func (d *Daemon) handleToolCall(ctx context.Context, req Request) (any, error) {
	d.mu.RLock()
	servers := d.servers
	d.mu.RUnlock()

	desc, err := d.ns.resolve(req.Tool, req.ServerID, servers)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	s, ok := d.servers[desc.ServerID]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Tool)
	}

	if s.Status() != StatusReady {
		if err := s.Start(ctx); err != nil {
			return nil, fmt.Errorf("daemon: restart %s: %w", s.cfg.ID, err)
		}
		d.rebuildNamespace()
	}

	data, isErr, err := s.call(ctx, req.Tool, req.Args)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": json.RawMessage(data), "is_error": isErr}, nil
}

func (d *Daemon) handleServerStatus(req Request) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if req.ServerID != "" {
		s, ok := d.servers[req.ServerID]
		if !ok {
			return nil, fmt.Errorf("daemon: server %s not registered", req.ServerID)
		}
		return s.Snapshot(), nil
	}
	out := make([]Snapshot, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.servers[id].Snapshot())
	}
	return out, nil
}

// DaemonStatus is the daemon_status response payload.
type DaemonStatus struct {
	ServerCount int      `json:"server_count"`
	ReadyCount  int      `json:"ready_count"`
	ServerIDs   []string `json:"server_ids"`
}

func (d *Daemon) handleDaemonStatus() DaemonStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := DaemonStatus{ServerIDs: append([]string(nil), d.order...), ServerCount: len(d.order)}
	for _, id := range d.order {
		if d.servers[id].Status() == StatusReady {
			st.ReadyCount++
		}
	}
	return st
}

func (d *Daemon) handleStartServer(ctx context.Context, req Request) (any, error) {
	d.mu.RLock()
	s, ok := d.servers[req.ServerID]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("daemon: server %s not registered", req.ServerID)
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	d.rebuildNamespace()
	return s.Snapshot(), nil
}

func (d *Daemon) handleStopServer(req Request) (any, error) {
	d.mu.RLock()
	s, ok := d.servers[req.ServerID]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("daemon: server %s not registered", req.ServerID)
	}
	if err := s.Stop(); err != nil {
		return nil, err
	}
	d.rebuildNamespace()
	return s.Snapshot(), nil
}

func (d *Daemon) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(IdleReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.reapIdle()
		}
	}
}

func (d *Daemon) reapIdle() {
	now := time.Now()
	changed := false
	for _, s := range d.serverList() {
		cfg := s.Config()
		if cfg.IdleTimeout <= 0 {
			continue
		}
		if s.idleFor(now) > cfg.IdleTimeout {
			d.log.Info("daemon: reaping idle server", zap.String("server_id", cfg.ID))
			if err := s.Stop(); err != nil {
				d.log.Warn("daemon: idle reap stop failed", zap.String("server_id", cfg.ID), zap.Error(err))
			}
			changed = true
		}
	}
	if changed {
		d.rebuildNamespace()
	}
}

func (d *Daemon) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.runHealthChecks(ctx)
		}
	}
}

func (d *Daemon) runHealthChecks(ctx context.Context) {
	changed := false
	for _, s := range d.serverList() {
		if s.Status() != StatusReady {
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.healthCheck(hctx)
		cancel()
		if err != nil {
			d.log.Warn("daemon: health check failed", zap.String("server_id", s.cfg.ID), zap.Error(err))
			s.markError(err.Error())
			changed = true
		}
	}
	if changed {
		d.rebuildNamespace()
	}
}
