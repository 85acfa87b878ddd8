package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabhub/tabhub/internal/wire"
)

const (
	criticalBuffer  = 256
	droppableBuffer = 32
)

// peer is one registered connection: either the singleton extension or one
// of many hosts. Writes to the wire are serialized through writeLoop so
// frames are never interleaved, per the one-writer-per-connection rule.
type peer struct {
	id   string
	name string
	kind wire.PeerKind
	conn *websocket.Conn

	connNum int64 // monotonically assigned internal connection number

	critical  chan wire.Frame // response/error/request/control — never dropped
	droppable chan wire.Frame // event/milestone — may be dropped under pressure

	lastActivity atomic.Int64 // unix nanos

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(id, name string, kind wire.PeerKind, connNum int64, conn *websocket.Conn) *peer {
	p := &peer{
		id:        id,
		name:      name,
		kind:      kind,
		conn:      conn,
		connNum:   connNum,
		critical:  make(chan wire.Frame, criticalBuffer),
		droppable: make(chan wire.Frame, droppableBuffer),
		closed:    make(chan struct{}),
	}
	p.touch()
	return p
}

func (p *peer) touch() {
	p.lastActivity.Store(time.Now().UnixNano())
}

func (p *peer) idleSince() time.Duration {
	return time.Since(time.Unix(0, p.lastActivity.Load()))
}

// sendCritical enqueues a frame that must never be silently dropped. If the
// peer's critical queue is full the connection is considered unable to keep
// up and is closed rather than the write being retried; the remote Hub
// Client then fails its pending requests with ConnectionLost. The returned
// bool reports whether the frame was queued.
func (p *peer) sendCritical(f wire.Frame) bool {
	select {
	case p.critical <- f:
		return true
	case <-p.closed:
		return false
	default:
		p.close()
		return false
	}
}

// sendDroppable enqueues a frame that may be discarded under back-pressure
// (events, milestones) rather than block or close the connection.
func (p *peer) sendDroppable(f wire.Frame) {
	select {
	case p.droppable <- f:
	case <-p.closed:
	default:
		// progress dropped, per the back-pressure rule in the concurrency model
	}
}

// writeLoop is the sole writer for this connection. Critical frames are
// drained first; droppable frames fill otherwise-idle cycles.
func (p *peer) writeLoop() {
	for {
		select {
		case f := <-p.critical:
			if err := p.conn.WriteJSON(f); err != nil {
				p.close()
				return
			}
		case <-p.closed:
			return
		default:
			select {
			case f := <-p.critical:
				if err := p.conn.WriteJSON(f); err != nil {
					p.close()
					return
				}
			case f := <-p.droppable:
				if err := p.conn.WriteJSON(f); err != nil {
					p.close()
					return
				}
			case <-p.closed:
				return
			}
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}

func (p *peer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
