package hub

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabhub/tabhub/internal/wire"
)

func startTestHub(t *testing.T, port int, cfg Config) *Hub {
	t.Helper()
	cfg.Port = port
	cfg.PingInterval = time.Hour // don't interfere with short-lived tests
	h := New(cfg)
	if err := h.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		_ = h.Serve(context.Background())
	}()
	t.Cleanup(func() {
		_ = h.Shutdown(context.Background())
	})
	// give the server goroutine a moment to start accepting
	time.Sleep(20 * time.Millisecond)
	return h
}

func dial(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/bus", port)
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// readSkippingEvents reads the next frame that is not a Hub lifecycle event;
// the extension peer receives those events alongside its other traffic.
func readSkippingEvents(conn *websocket.Conn) (wire.Frame, error) {
	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return f, err
		}
		if f.Type != wire.TypeEvent {
			return f, nil
		}
	}
}

func TestHostExtensionRoundTrip(t *testing.T) {
	const port = 57101
	startTestHub(t, port, Config{})

	ext := dial(t, port)
	defer ext.Close()
	if err := ext.WriteJSON(wire.Frame{Type: wire.TypeRegisterExtension, Name: "ext"}); err != nil {
		t.Fatalf("register extension: %v", err)
	}
	var ack wire.Frame
	if err := ext.ReadJSON(&ack); err != nil || ack.Type != wire.TypeRegistrationAck {
		t.Fatalf("extension ack: %+v err=%v", ack, err)
	}

	host := dial(t, port)
	defer host.Close()
	if err := host.WriteJSON(wire.Frame{Type: wire.TypeRegisterHost, Name: "h1"}); err != nil {
		t.Fatalf("register host: %v", err)
	}
	var hostAck wire.Frame
	if err := host.ReadJSON(&hostAck); err != nil || hostAck.Type != wire.TypeRegistrationAck {
		t.Fatalf("host ack: %+v err=%v", hostAck, err)
	}

	if err := host.WriteJSON(wire.Frame{Type: wire.TypeRequest, RequestID: "R1", Method: "echo"}); err != nil {
		t.Fatalf("send request: %v", err)
	}

	req, err := readSkippingEvents(ext)
	if err != nil {
		t.Fatalf("extension read request: %v", err)
	}
	if req.Type != wire.TypeRequest || req.RequestID != "R1" || req.OriginPeerID == "" {
		t.Fatalf("unexpected request frame: %+v", req)
	}

	if err := ext.WriteJSON(wire.Frame{Type: wire.TypeResponse, RequestID: "R1", TargetPeerID: req.OriginPeerID, Result: []byte(`{"x":1}`)}); err != nil {
		t.Fatalf("send response: %v", err)
	}

	var resp wire.Frame
	if err := host.ReadJSON(&resp); err != nil {
		t.Fatalf("host read response: %v", err)
	}
	if resp.Type != wire.TypeResponse || resp.RequestID != "R1" {
		t.Fatalf("unexpected response frame: %+v", resp)
	}
}

func TestExtensionSingletonReplacement(t *testing.T) {
	const port = 57102
	startTestHub(t, port, Config{})

	ext1 := dial(t, port)
	defer ext1.Close()
	_ = ext1.WriteJSON(wire.Frame{Type: wire.TypeRegisterExtension, Name: "ext1"})
	var ack1 wire.Frame
	_ = ext1.ReadJSON(&ack1)

	ext2 := dial(t, port)
	defer ext2.Close()
	_ = ext2.WriteJSON(wire.Frame{Type: wire.TypeRegisterExtension, Name: "ext2"})
	var ack2 wire.Frame
	if err := ext2.ReadJSON(&ack2); err != nil || !ack2.Accepted {
		t.Fatalf("second extension should be accepted: %+v err=%v", ack2, err)
	}

	// ext1 must observe a shutdown notice (replaced) and then the connection closes.
	_ = ext1.SetReadDeadline(time.Now().Add(1 * time.Second))
	notice, err := readSkippingEvents(ext1)
	if err != nil {
		t.Fatalf("expected replaced-connection notice, got error: %v", err)
	}
	if notice.Type != wire.TypeHubShutdown {
		t.Fatalf("expected hub_shutdown notice on replacement, got %+v", notice)
	}
}

func TestNoExtensionError(t *testing.T) {
	const port = 57103
	startTestHub(t, port, Config{})

	host := dial(t, port)
	defer host.Close()
	_ = host.WriteJSON(wire.Frame{Type: wire.TypeRegisterHost, Name: "h1"})
	var ack wire.Frame
	_ = host.ReadJSON(&ack)

	_ = host.WriteJSON(wire.Frame{Type: wire.TypeRequest, RequestID: "R1", Method: "echo"})

	var resp wire.Frame
	if err := host.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Type != wire.TypeError || resp.Error == nil || resp.Error.Kind != "NoExtension" {
		t.Fatalf("expected NoExtension error, got %+v", resp)
	}
}

func TestDrainOnEmptyOptIn(t *testing.T) {
	const port = 57104
	h := startTestHub(t, port, Config{DrainOnEmpty: true, DrainGrace: 50 * time.Millisecond})

	host := dial(t, port)
	_ = host.WriteJSON(wire.Frame{Type: wire.TypeRegisterHost, Name: "h1"})
	var ack wire.Frame
	_ = host.ReadJSON(&ack)
	host.Close()

	time.Sleep(200 * time.Millisecond)

	select {
	case <-h.done:
	default:
		t.Fatal("expected hub to drain and shut down after grace period with zero peers")
	}
}
