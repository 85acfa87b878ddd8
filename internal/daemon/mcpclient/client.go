// Package mcpclient wraps a subprocess tool-calling server: spawn, initialize
// handshake, tools/list discovery, and tools/call, all over the child's
// stdio.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// HandshakeTimeout bounds initialize + tools/list on Start.
const HandshakeTimeout = 30 * time.Second

// Tool describes one tool discovered from a child's tools/list response.
type Tool struct {
	Name        string
	Description string
	InputSchema any
}

// Client owns one subprocess tool server connection.
type Client struct {
	serverID string
	command  string
	args     []string
	cwd      string
	env      map[string]string

	mu      sync.RWMutex
	client  *mcp.Client
	session *mcp.ClientSession
	tools   []Tool
	running bool
}

// Config describes how to spawn and identify the child.
type Config struct {
	ServerID string
	Command  string
	Args     []string
	Cwd      string
	Env      map[string]string
}

// New constructs a Client for cfg. Start must be called to spawn the child.
func New(cfg Config) *Client {
	return &Client{
		serverID: cfg.ServerID,
		command:  cfg.Command,
		args:     cfg.Args,
		cwd:      cfg.Cwd,
		env:      cfg.Env,
	}
}

// Start spawns the child and runs the initialize + tools/list handshake,
// bounded by HandshakeTimeout regardless of the caller's ctx.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "tabhubd",
		Version: "1.0.0",
	}, nil)

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Dir = c.cwd
	for k, v := range c.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	transport := &mcp.CommandTransport{Command: cmd}
	session, err := client.Connect(hctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpclient: connect %s: %w", c.serverID, err)
	}

	result, err := session.ListTools(hctx, nil)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("mcpclient: list tools %s: %w", c.serverID, err)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	c.client = client
	c.session = session
	c.tools = tools
	c.running = true
	return nil
}

// Stop closes the subprocess connection.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	var err error
	if c.session != nil {
		err = c.session.Close()
	}
	c.session = nil
	c.running = false
	c.tools = nil
	return err
}

// Running reports whether the child is connected.
func (c *Client) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Tools returns the tools discovered from the last successful handshake.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Call invokes a tool by name with JSON-encoded arguments.
func (c *Client) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, bool, error) {
	c.mu.RLock()
	session := c.session
	running := c.running
	c.mu.RUnlock()
	if !running || session == nil {
		return nil, false, fmt.Errorf("mcpclient: %s not running", c.serverID)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, false, fmt.Errorf("mcpclient: invalid arguments: %w", err)
		}
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, false, fmt.Errorf("mcpclient: call %s/%s: %w", c.serverID, name, err)
	}

	data, merr := json.Marshal(result.Content)
	if merr != nil {
		return nil, result.IsError, fmt.Errorf("mcpclient: marshal result: %w", merr)
	}
	return data, result.IsError, nil
}

// Ping calls tools/list as a liveness check, used as the default health_check.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	session := c.session
	running := c.running
	c.mu.RUnlock()
	if !running || session == nil {
		return fmt.Errorf("mcpclient: %s not running", c.serverID)
	}
	_, err := session.ListTools(ctx, nil)
	return err
}
