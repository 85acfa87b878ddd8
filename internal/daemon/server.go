package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tabhub/tabhub/internal/daemon/mcpclient"
)

// Status is a Server's position in its spawn/ready/reap lifecycle.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
)

// ServerConfig describes one configured tool server.
type ServerConfig struct {
	ID          string
	Command     string
	Args        []string
	Cwd         string
	Env         map[string]string
	Priority    int // ascending; lower wins canonical ties
	AutoStart   bool
	IdleTimeout time.Duration // 0 disables idle reaping
	HealthCheck string        // tool name; "" defaults to tools/list
}

func (c *ServerConfig) validate() error {
	return validateCommand(c.Command, c.Args)
}

// ToolDescriptor is one tool as seen in a server's or the namespace's index.
type ToolDescriptor struct {
	Name        string
	ServerID    string
	Schema      any
	Description string
	Canonical   bool
}

// Server is the runtime record for one configured tool server: its config,
// its current subprocess connection (if any), and its lifecycle status.
type Server struct {
	cfg ServerConfig
	log *zap.Logger

	// registrationOrder breaks priority ties in the merged namespace; it is
	// assigned once, in the order servers were added to the Daemon.
	registrationOrder int

	mu       sync.Mutex
	status   Status
	client   *mcpclient.Client
	tools    []ToolDescriptor
	lastUsed time.Time
	errMsg   string
}

func newServer(cfg ServerConfig, registrationOrder int, log *zap.Logger) *Server {
	return &Server{
		cfg:               cfg,
		log:               log,
		registrationOrder: registrationOrder,
		status:            StatusStopped,
	}
}

func (s *Server) ID() string { return s.cfg.ID }

func (s *Server) Config() ServerConfig {
	return s.cfg
}

func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot is a read-only view of a Server for status responses.
type Snapshot struct {
	ID          string
	Status      Status
	Error       string
	Tools       []ToolDescriptor
	LastUsed    time.Time
	Priority    int
	AutoStart   bool
	IdleTimeout time.Duration
}

func (s *Server) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	tools := make([]ToolDescriptor, len(s.tools))
	copy(tools, s.tools)
	return Snapshot{
		ID:          s.cfg.ID,
		Status:      s.status,
		Error:       s.errMsg,
		Tools:       tools,
		LastUsed:    s.lastUsed,
		Priority:    s.cfg.Priority,
		AutoStart:   s.cfg.AutoStart,
		IdleTimeout: s.cfg.IdleTimeout,
	}
}

// Start spawns the child and runs the tool-discovery handshake, moving
// status starting -> ready, or starting -> error on failure.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusReady || s.status == StatusStarting {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStarting
	s.errMsg = ""
	client := mcpclient.New(mcpclient.Config{
		ServerID: s.cfg.ID,
		Command:  s.cfg.Command,
		Args:     s.cfg.Args,
		Cwd:      s.cfg.Cwd,
		Env:      s.cfg.Env,
	})
	s.mu.Unlock()

	if err := client.Start(ctx); err != nil {
		s.mu.Lock()
		s.status = StatusError
		s.errMsg = err.Error()
		s.mu.Unlock()
		return err
	}

	descs := make([]ToolDescriptor, 0, len(client.Tools()))
	for _, t := range client.Tools() {
		descs = append(descs, ToolDescriptor{
			Name:        t.Name,
			ServerID:    s.cfg.ID,
			Schema:      t.InputSchema,
			Description: t.Description,
		})
	}

	s.mu.Lock()
	s.client = client
	s.tools = descs
	s.status = StatusReady
	s.lastUsed = time.Now()
	s.mu.Unlock()

	s.log.Info("daemon: server ready", zap.String("server_id", s.cfg.ID), zap.Int("tools", len(descs)))
	return nil
}

// Stop closes the subprocess connection and marks the server stopped.
func (s *Server) Stop() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.tools = nil
	s.status = StatusStopped
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Stop()
}

// markError transitions a ready server to error state, e.g. after a failed
// health check, and stops its subprocess connection.
func (s *Server) markError(msg string) {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.tools = nil
	s.status = StatusError
	s.errMsg = msg
	s.mu.Unlock()
	if client != nil {
		_ = client.Stop()
	}
}

// touch records tool-call activity for idle reaping.
func (s *Server) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// idleFor reports how long the server has gone unused while ready.
func (s *Server) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusReady {
		return 0
	}
	return now.Sub(s.lastUsed)
}

// call dispatches a tool_call to this server's subprocess.
func (s *Server) call(ctx context.Context, name string, args []byte) ([]byte, bool, error) {
	s.mu.Lock()
	client := s.client
	status := s.status
	s.mu.Unlock()
	if status != StatusReady || client == nil {
		return nil, false, fmt.Errorf("daemon: server %s is not ready", s.cfg.ID)
	}
	s.touch()
	return client.Call(ctx, name, args)
}

// healthCheck runs the configured (or default) health-check tool call.
func (s *Server) healthCheck(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	check := s.cfg.HealthCheck
	status := s.status
	s.mu.Unlock()
	if status != StatusReady || client == nil {
		return fmt.Errorf("daemon: server %s is not ready", s.cfg.ID)
	}
	if check == "" {
		return client.Ping(ctx)
	}
	_, isErr, err := client.Call(ctx, check, nil)
	if err != nil {
		return err
	}
	if isErr {
		return fmt.Errorf("daemon: health check tool %s reported an error", check)
	}
	return nil
}
