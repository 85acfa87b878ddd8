// Package hub implements the loopback WebSocket routing fabric: one
// extension peer, many host peers, request/response routing between them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tabhub/tabhub/internal/resource"
	"github.com/tabhub/tabhub/internal/wire"
)

// sendPromptLockTimeout bounds how long a send_prompt request holds its
// per-tab operation lock before the Resource State Manager auto-releases
// it, in case the extension never answers.
const sendPromptLockTimeout = 2 * time.Minute

// Config configures a Hub instance.
type Config struct {
	// Port is the loopback TCP port to bind. Defaults to 54321.
	Port int
	// DrainOnEmpty enables the opt-in auto-shutdown-when-empty behavior
	// described in the design notes; default false.
	DrainOnEmpty bool
	// DrainGrace is how long the Hub waits at zero peers before shutting
	// down when DrainOnEmpty is set. Defaults to 5s.
	DrainGrace time.Duration
	// PingInterval is the health-check cadence. Defaults to 30s.
	PingInterval time.Duration
	// ActivityTimeout closes a peer that neither pongs nor sends traffic
	// for this long. Defaults to 2 minutes, per spec.
	ActivityTimeout time.Duration

	// OnExtensionConnected is called, outside the peer-table lock, whenever
	// a new extension peer registers (including replacing a prior one). It
	// lets an owner outside the routing fabric (the Resource State
	// Manager's restart-recovery sweep) react to the extension coming back.
	OnExtensionConnected func()

	// Resources tracks browser-side resources (debugger sessions, per-tab
	// locks) referenced by requests passing through the Hub. Nil disables
	// resource tracking.
	Resources *resource.Manager

	Logger *zap.Logger
}

// ErrAddressInUse is returned by Listen when the port is already bound;
// the Hub Client treats this as a first-class election signal.
var ErrAddressInUse = errors.New("hub: address in use")

// Hub is one routing fabric bound to one loopback port.
type Hub struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	extension *peer
	hosts     map[string]*peer
	nextConn  int64
	hubSeq    atomic.Uint64

	listener net.Listener
	server   *http.Server

	drainTimer *time.Timer
	drainMu    sync.Mutex

	shutdownOnce sync.Once
	done         chan struct{}
}

func defaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 54321
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ActivityTimeout == 0 {
		cfg.ActivityTimeout = 2 * time.Minute
	}
	if cfg.DrainGrace == 0 {
		cfg.DrainGrace = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// New constructs a Hub. It does not bind a socket until Listen is called.
func New(cfg Config) *Hub {
	cfg = defaults(cfg)
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger,
		hosts:  make(map[string]*peer),
		done:   make(chan struct{}),
	}
}

// Listen binds the loopback TCP port. It returns ErrAddressInUse (wrapped)
// if the port is already taken, which the Hub Client uses for election.
func (h *Hub) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", h.cfg.Port))
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("%w: %v", ErrAddressInUse, err)
		}
		return fmt.Errorf("hub: listen: %w", err)
	}
	h.listener = ln
	return nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve accepts connections until ctx is cancelled or Shutdown is called.
// Listen must have succeeded first.
func (h *Hub) Serve(ctx context.Context) error {
	if h.listener == nil {
		return errors.New("hub: Serve called before Listen")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/bus", h.handleWebSocket)
	r.Get("/status", h.handleStatus)

	h.server = &http.Server{Handler: r}

	go h.pingLoop(ctx)
	if h.cfg.DrainOnEmpty {
		h.armDrain()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(h.listener)
	}()

	select {
	case <-ctx.Done():
		return h.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-h.done:
		return nil
	}
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.Snapshot())
}

// PeerSnapshot is a consistent point-in-time view of the registered peers,
// the single source of truth for connection_changed/client_joined events.
type PeerSnapshot struct {
	Extension *PeerInfo  `json:"extension,omitempty"`
	Hosts     []PeerInfo `json:"hosts"`
}

// PeerInfo is the public view of a registered peer.
type PeerInfo struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Kind wire.PeerKind `json:"kind"`
}

// Snapshot returns a consistent view of currently registered peers.
func (h *Hub) Snapshot() PeerSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snap := PeerSnapshot{Hosts: make([]PeerInfo, 0, len(h.hosts))}
	if h.extension != nil {
		snap.Extension = &PeerInfo{ID: h.extension.id, Name: h.extension.name, Kind: h.extension.kind}
	}
	for _, p := range h.hosts {
		snap.Hosts = append(snap.Hosts, PeerInfo{ID: p.id, Name: p.name, Kind: p.kind})
	}
	return snap
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.serveConn(conn)
}

func (h *Hub) serveConn(conn *websocket.Conn) {
	var first wire.Frame
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return
	}

	if first.Type != wire.TypeRegisterExtension && first.Type != wire.TypeRegisterHost {
		_ = conn.WriteJSON(wire.Frame{Type: wire.TypeError, Error: &wire.FrameError{
			Message: "first frame must be register_extension or register_host",
			Kind:    "Validation",
		}})
		_ = conn.Close()
		return
	}

	id := first.PeerID
	if id == "" {
		id = uuid.NewString()
	}
	connNum := atomic.AddInt64(&h.nextConn, 1)

	var kind wire.PeerKind
	if first.Type == wire.TypeRegisterExtension {
		kind = wire.PeerExtension
	} else {
		kind = wire.PeerHost
	}
	p := newPeer(id, first.Name, kind, connNum, conn)
	conn.SetPongHandler(func(string) error {
		p.touch()
		return nil
	})

	if kind == wire.PeerExtension {
		h.registerExtension(p)
	} else {
		h.registerHost(p)
	}

	p.sendCritical(wire.Frame{Type: wire.TypeRegistrationAck, PeerID: p.id, Accepted: true})

	go p.writeLoop()
	h.readLoop(p)
}

func (h *Hub) registerExtension(p *peer) {
	h.mu.Lock()
	old := h.extension
	h.extension = p
	h.mu.Unlock()
	h.cancelDrain()

	if old != nil {
		old.sendCritical(wire.Frame{Type: wire.TypeHubShutdown, Reason: "replaced"})
		// give the old peer's writer a moment to deliver the notice before closing
		time.AfterFunc(100*time.Millisecond, old.close)
		h.publishEvent(wire.Frame{Type: wire.TypeEvent, Event: "client_left", Payload: mustJSON(PeerInfo{ID: old.id, Name: old.name, Kind: old.kind})})
	}
	h.publishEvent(wire.Frame{Type: wire.TypeEvent, Event: "extension_connected", Payload: mustJSON(h.Snapshot())})

	if h.cfg.OnExtensionConnected != nil {
		go h.cfg.OnExtensionConnected()
	}
}

// PublishEvent sends a named event with an arbitrary JSON payload to the
// current extension peer. It lets components outside the routing fabric
// (e.g. the Resource State Manager's recovery sweep) surface events
// through the same channel as the Hub's own connection-lifecycle events.
func (h *Hub) PublishEvent(name string, payload any) {
	h.publishEvent(wire.Frame{Type: wire.TypeEvent, Event: name, Payload: mustJSON(payload)})
}

func (h *Hub) registerHost(p *peer) {
	h.mu.Lock()
	h.hosts[p.id] = p
	h.mu.Unlock()
	h.cancelDrain()
	h.publishEvent(wire.Frame{Type: wire.TypeEvent, Event: "client_joined", Payload: mustJSON(h.Snapshot())})
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	wasExtension := false
	if h.extension == p {
		h.extension = nil
		wasExtension = true
	} else {
		delete(h.hosts, p.id)
	}
	empty := h.extension == nil && len(h.hosts) == 0
	h.mu.Unlock()

	p.close()

	if wasExtension {
		h.publishEvent(wire.Frame{Type: wire.TypeEvent, Event: "extension_disconnected", Payload: mustJSON(h.Snapshot())})
	} else {
		h.publishEvent(wire.Frame{Type: wire.TypeEvent, Event: "client_left", Payload: mustJSON(PeerInfo{ID: p.id, Name: p.name, Kind: p.kind})})
	}

	if empty && h.cfg.DrainOnEmpty {
		h.armDrain()
	}
}

// publishEvent sends an event frame to the current extension peer, the
// only subscriber of hub-level lifecycle events per spec.
func (h *Hub) publishEvent(f wire.Frame) {
	h.mu.RLock()
	ext := h.extension
	h.mu.RUnlock()
	if ext != nil {
		ext.sendDroppable(f)
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}

func (h *Hub) readLoop(p *peer) {
	defer h.unregister(p)
	for {
		var f wire.Frame
		if err := p.conn.ReadJSON(&f); err != nil {
			return
		}
		p.touch()
		h.route(p, f)
	}
}

func (h *Hub) route(from *peer, f wire.Frame) {
	switch f.Type {
	case wire.TypeKeepalive:
		from.touch()
		from.sendCritical(wire.Frame{Type: wire.TypeKeepaliveAck})
		return
	case wire.TypeRequest:
		h.routeRequest(from, f)
		return
	case wire.TypeResponse, wire.TypeError:
		h.routeResponse(from, f)
		return
	case wire.TypeMilestone:
		h.routeMilestone(from, f)
		return
	case wire.TypeEvent:
		// hosts may emit events too; fan them to the extension like any other event.
		h.publishEvent(f)
		return
	default:
		// Extensibility: an unrecognized type from a host with a request_id
		// is forwarded as a request; without one it's a warning and dropped.
		if from.kind == wire.PeerHost && f.RequestID != "" {
			h.routeRequest(from, f)
			return
		}
		h.logger.Warn("hub: dropping unrecognized frame without request_id", zap.String("type", string(f.Type)))
	}
}

func (h *Hub) routeRequest(from *peer, f wire.Frame) {
	if from.kind != wire.PeerHost {
		return // only hosts originate requests
	}

	if busy := h.trackResource(from, f); busy {
		return
	}

	h.mu.RLock()
	ext := h.extension
	h.mu.RUnlock()

	f.OriginPeerID = from.id
	f.HubSeq = h.hubSeq.Add(1)

	if ext == nil {
		from.sendCritical(wire.Frame{
			Type:      wire.TypeError,
			RequestID: f.RequestID,
			Error:     &wire.FrameError{Message: "no extension peer connected", Kind: "NoExtension"},
		})
		return
	}
	ext.sendCritical(f)
}

// tabParams is the common shape of request params that name a target tab.
type tabParams struct {
	TabID string `json:"tab_id"`
}

// trackResource updates the Resource State Manager for requests that
// reference a tab, before the request is forwarded to the extension. It
// returns true if the request was already answered (rejected as busy) and
// must not be forwarded.
func (h *Hub) trackResource(from *peer, f wire.Frame) (busy bool) {
	if h.cfg.Resources == nil {
		return false
	}
	var params tabParams
	if err := json.Unmarshal(f.Params, &params); err != nil || params.TabID == "" {
		return false
	}

	switch f.Method {
	case "send_prompt":
		if h.cfg.Resources.AcquireLock(params.TabID, f.Method, from.id, sendPromptLockTimeout) == resource.ResultBusy {
			from.sendCritical(wire.Frame{
				Type:      wire.TypeError,
				RequestID: f.RequestID,
				Error:     &wire.FrameError{Message: "tab is locked by another in-flight operation", Kind: "ResourceBusy"},
			})
			return true
		}
	case "get_conversation":
		h.cfg.Resources.AttachDebugger(params.TabID, "self", f.Method)
	case "close_tab":
		h.cfg.Resources.DetachDebugger(params.TabID)
		h.cfg.Resources.ReleaseLock(params.TabID, "tab_closed")
	}
	return false
}

func (h *Hub) routeResponse(from *peer, f wire.Frame) {
	if from.kind != wire.PeerExtension {
		return // only the extension originates responses/errors
	}
	h.mu.RLock()
	target, ok := h.hosts[f.TargetPeerID]
	h.mu.RUnlock()
	if !ok {
		return // target host disconnected; dropped and (future work) counted
	}
	target.sendCritical(f)
}

func (h *Hub) routeMilestone(from *peer, f wire.Frame) {
	if from.kind != wire.PeerExtension {
		return
	}
	h.mu.RLock()
	target, ok := h.hosts[f.TargetPeerID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	target.sendDroppable(f)
}

func (h *Hub) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.checkActivity()
		}
	}
}

func (h *Hub) checkActivity() {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.hosts)+1)
	if h.extension != nil {
		peers = append(peers, h.extension)
	}
	for _, p := range h.hosts {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	for _, p := range peers {
		if p.isClosed() {
			continue
		}
		if p.idleSince() > h.cfg.ActivityTimeout {
			h.unregister(p)
			continue
		}
		_ = p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	}
}

func (h *Hub) armDrain() {
	h.drainMu.Lock()
	defer h.drainMu.Unlock()
	if h.drainTimer != nil {
		h.drainTimer.Stop()
	}
	h.drainTimer = time.AfterFunc(h.cfg.DrainGrace, func() {
		h.mu.RLock()
		empty := h.extension == nil && len(h.hosts) == 0
		h.mu.RUnlock()
		if empty {
			_ = h.Shutdown(context.Background())
		}
	})
}

func (h *Hub) cancelDrain() {
	h.drainMu.Lock()
	defer h.drainMu.Unlock()
	if h.drainTimer != nil {
		h.drainTimer.Stop()
		h.drainTimer = nil
	}
}

// Shutdown runs the bounded graceful-shutdown sequence: notify extension,
// wait briefly, notify hosts, stop accepting, close connections. The whole
// sequence is capped at roughly 1s per spec.
func (h *Hub) Shutdown(ctx context.Context) error {
	var shutdownErr error
	h.shutdownOnce.Do(func() {
		h.mu.RLock()
		ext := h.extension
		hosts := make([]*peer, 0, len(h.hosts))
		for _, p := range h.hosts {
			hosts = append(hosts, p)
		}
		h.mu.RUnlock()

		if ext != nil {
			ext.sendCritical(wire.Frame{Type: wire.TypeHubShutdown})
		}
		time.Sleep(100 * time.Millisecond)

		var notify errgroup.Group
		for _, p := range hosts {
			p := p
			notify.Go(func() error {
				p.sendCritical(wire.Frame{Type: wire.TypeHubShutdown})
				return nil
			})
		}
		_ = notify.Wait()

		shutdownCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		defer cancel()
		if h.server != nil {
			shutdownErr = h.server.Shutdown(shutdownCtx)
		}

		if ext != nil {
			ext.close()
		}
		var closeGroup errgroup.Group
		for _, p := range hosts {
			p := p
			closeGroup.Go(func() error {
				p.close()
				return nil
			})
		}
		_ = closeGroup.Wait()

		close(h.done)
	})
	return shutdownErr
}

// Addr returns the bound address, valid after Listen succeeds.
func (h *Hub) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}
