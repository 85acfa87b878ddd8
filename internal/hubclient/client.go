// Package hubclient implements the per-host peer that joins an existing
// Hub or starts its own, and survives reconnection and hub restarts.
package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tabhub/tabhub/internal/hub"
	"github.com/tabhub/tabhub/internal/resource"
	"github.com/tabhub/tabhub/internal/wire"
)

// State is the Hub Client's lifecycle position.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateShuttingDown State = "shutting_down"
	StateClosed       State = "closed"
)

var (
	// ErrNotConnected is returned by SendRequest when no transport is
	// available and the caller's deadline does not permit waiting it out.
	ErrNotConnected = errors.New("hubclient: not connected")
	// ErrTimeout is returned when a request's deadline elapses first.
	ErrTimeout = errors.New("hubclient: request timed out")
	// ErrConnectionLost is returned for pending requests failed by a
	// transport close.
	ErrConnectionLost = errors.New("hubclient: connection lost")
	// ErrAuthRejected marks a non-retryable registration rejection.
	ErrAuthRejected = errors.New("hubclient: registration rejected")
)

// MilestoneHandler is invoked for every incoming milestone frame, wiring
// the Hub Client to the Operation Manager without a direct import cycle.
type MilestoneHandler func(operationID, label string, data json.RawMessage)

// EventHandler is invoked for every incoming event frame.
type EventHandler func(name string, payload json.RawMessage)

// Config configures a Client.
type Config struct {
	Port             int
	Identity         Identity
	ForceHubCreation bool
	NoAutoHub        bool

	ActivityThreshold     time.Duration // default 10s
	MissedCyclesReconnect int           // default 2
	QuietResetInterval    time.Duration // backoff counter resets after this much uptime

	OnMilestone MilestoneHandler
	OnEvent     EventHandler

	// Resources, when set, is wired into a Hub this Client ends up owning
	// (the bind-own-hub-if-none-exists path). A Client that instead
	// connects as a host to someone else's Hub never uses it directly.
	Resources *resource.Manager

	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 54321
	}
	if c.ActivityThreshold == 0 {
		c.ActivityThreshold = 10 * time.Second
	}
	if c.MissedCyclesReconnect == 0 {
		c.MissedCyclesReconnect = 2
	}
	if c.QuietResetInterval == 0 {
		c.QuietResetInterval = 60 * time.Second
	}
	if c.OnMilestone == nil {
		c.OnMilestone = func(string, string, json.RawMessage) {}
	}
	if c.OnEvent == nil {
		c.OnEvent = func(string, json.RawMessage) {}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type pendingRequest struct {
	resultCh chan wire.Frame
}

// Client is the RPC interface the rest of a host process uses, hiding
// election, reconnection, and framing.
type Client struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	writeMu  sync.Mutex
	pending  map[string]*pendingRequest
	connSig  chan struct{} // closed and replaced on every transition to Connected
	lastSent atomic.Int64  // unix nanos of last frame written

	reqCounter atomic.Uint64

	ownedHub *hub.Hub

	closeOnce sync.Once
	stopCh    chan struct{}
}

// New constructs a Client. Start must be called to begin the election loop.
func New(cfg Config) *Client {
	cfg.setDefaults()
	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		state:   StateDisconnected,
		pending: make(map[string]*pendingRequest),
		connSig: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	return c
}

// Start runs the election/reconnection loop until ctx is cancelled or
// Close is called.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s == StateConnected {
		close(c.connSig)
		c.connSig = make(chan struct{})
	}
	c.mu.Unlock()
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // retry forever; the attempt budget is infinite per spec
	return b
}

func (c *Client) run(ctx context.Context) {
	bo := newReconnectBackoff()
	for {
		select {
		case <-ctx.Done():
			c.setState(StateClosed)
			return
		case <-c.stopCh:
			c.setState(StateClosed)
			return
		default:
		}

		c.setState(StateConnecting)
		start := time.Now()
		err := c.connectAndServe(ctx)

		if errors.Is(err, ErrAuthRejected) {
			c.log.Warn("hubclient: registration rejected, not retrying")
			c.setState(StateDisconnected)
			return
		}

		if ctx.Err() != nil || c.isStopped() {
			c.setState(StateClosed)
			return
		}

		c.setState(StateReconnecting)
		c.failAllPending(ErrConnectionLost)

		if time.Since(start) >= c.cfg.QuietResetInterval {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		c.log.Warn("hubclient: disconnected, retrying", zap.Error(err), zap.Duration("backoff", delay))
		select {
		case <-ctx.Done():
			c.setState(StateClosed)
			return
		case <-c.stopCh:
			c.setState(StateClosed)
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) isStopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// connectAndServe performs the election described in spec.md §4.D: try to
// join an existing Hub; if none is reachable, attempt to bind the Hub's
// port and become the owner; if that race is lost, surface the failure so
// the caller applies backoff before retrying.
func (c *Client) connectAndServe(ctx context.Context) error {
	if c.cfg.ForceHubCreation {
		return c.becomeHubOwnerThenConnect(ctx)
	}

	conn, err := c.dial()
	if err == nil {
		return c.serveConnection(ctx, conn)
	}

	if c.cfg.NoAutoHub {
		return fmt.Errorf("hubclient: connect failed and hub creation disabled: %w", err)
	}

	return c.becomeHubOwnerThenConnect(ctx)
}

func (c *Client) becomeHubOwnerThenConnect(ctx context.Context) error {
	h := hub.New(hub.Config{Port: c.cfg.Port, Resources: c.cfg.Resources, Logger: c.log})
	if err := h.Listen(); err != nil {
		if errors.Is(err, hub.ErrAddressInUse) {
			// lost the election race; fall back to connecting as host
			conn, dialErr := c.dial()
			if dialErr != nil {
				return fmt.Errorf("hubclient: lost hub race and connect failed: %w", dialErr)
			}
			return c.serveConnection(ctx, conn)
		}
		return fmt.Errorf("hubclient: bind hub port: %w", err)
	}

	c.mu.Lock()
	c.ownedHub = h
	c.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.Serve(ctx) }()
	// give the listener a moment to start accepting before self-connecting
	time.Sleep(20 * time.Millisecond)

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("hubclient: connect to own hub: %w", err)
	}
	return c.serveConnection(ctx, conn)
}

func (c *Client) dial() (*websocket.Conn, error) {
	url := fmt.Sprintf("ws://127.0.0.1:%d/bus", c.cfg.Port)
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("hubclient: dial: %w", err)
	}
	return conn, nil
}

func (c *Client) serveConnection(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.WriteJSON(wire.Frame{
		Type: wire.TypeRegisterHost,
		PeerID: c.cfg.Identity.ID,
		Name:   c.cfg.Identity.Name,
	}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("hubclient: register: %w", err)
	}

	var ack wire.Frame
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return fmt.Errorf("hubclient: registration ack: %w", err)
	}
	if ack.Type != wire.TypeRegistrationAck || !ack.Accepted {
		_ = conn.Close()
		return ErrAuthRejected
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.touch()
	c.setState(StateConnected)

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		c.heartbeatLoop(ctx, conn)
	}()

	err := c.readLoop(conn)
	_ = conn.Close()
	<-heartbeatDone
	return err
}

func (c *Client) touch() {
	c.lastSent.Store(time.Now().UnixNano())
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("hubclient: read: %w", err)
		}
		c.touch()
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypeResponse, wire.TypeError:
		c.mu.Lock()
		p, ok := c.pending[f.RequestID]
		if ok {
			delete(c.pending, f.RequestID)
		}
		c.mu.Unlock()
		if ok {
			p.resultCh <- f
		}
		// a late response with no pending entry is dropped silently
	case wire.TypeMilestone:
		c.cfg.OnMilestone(f.OperationID, f.Label, f.Data)
	case wire.TypeEvent:
		c.cfg.OnEvent(f.Event, f.Payload)
	case wire.TypeKeepaliveAck:
		// activity clock already reset in readLoop
	case wire.TypeHubShutdown:
		// the hub is telling us to leave; close our side so run() reconnects
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.ActivityThreshold)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastSent.Load()))
			if idle < c.cfg.ActivityThreshold {
				missed = 0 // traffic (e.g. a keepalive_ack) arrived since the last cycle
				continue
			}
			c.writeMu.Lock()
			err := conn.WriteJSON(wire.Frame{Type: wire.TypeKeepalive})
			c.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
			missed++
			if missed >= c.cfg.MissedCyclesReconnect {
				_ = conn.Close()
				return
			}
		}
	}
}

// SendRequest assigns a monotonic request id, writes a framed request, and
// blocks until the matching response/error arrives or deadline elapses.
func (c *Client) SendRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if err := c.awaitConnected(ctx); err != nil {
		return nil, err
	}

	reqID := fmt.Sprintf("r%d", c.reqCounter.Add(1))
	pr := &pendingRequest{resultCh: make(chan wire.Frame, 1)}

	c.mu.Lock()
	conn := c.conn
	c.pending[reqID] = pr
	c.mu.Unlock()

	if conn == nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, ErrNotConnected
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(wire.Frame{Type: wire.TypeRequest, RequestID: reqID, Method: method, Params: params})
	c.writeMu.Unlock()
	c.touch()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, fmt.Errorf("hubclient: send request: %w", err)
	}

	select {
	case f := <-pr.resultCh:
		if f.Type == wire.TypeError {
			return nil, f.Error
		}
		return f.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// awaitConnected waits for the client to reach Connected, up to ctx's
// deadline, or fails fast with ErrNotConnected if ctx has no deadline left
// and the client is not currently connected.
func (c *Client) awaitConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	sig := c.connSig
	c.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		return ErrNotConnected
	}

	select {
	case <-sig:
		return nil
	case <-ctx.Done():
		return ErrNotConnected
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.resultCh <- wire.Frame{Type: wire.TypeError, Error: &wire.FrameError{Message: err.Error(), Kind: "ConnectionLost"}}
	}
}

// Close initiates a graceful shutdown: closes the connection, stops the
// election loop, and releases an owned Hub if this client started one.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateShuttingDown)
		close(c.stopCh)

		c.mu.Lock()
		conn := c.conn
		owned := c.ownedHub
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if owned != nil {
			_ = owned.Shutdown(context.Background())
		}
		c.failAllPending(ErrConnectionLost)
	})
}
