package hubclient

import (
	"context"
	"testing"
	"time"
)

func TestElectionSingleOwner(t *testing.T) {
	// S2 — two Hub Clients starting simultaneously must end up with
	// exactly one Hub bound to the port; the loser registers as host.
	const port = 57201
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c1 := New(Config{Port: port, Identity: Identity{ID: "h1", Name: "h1"}})
	c2 := New(Config{Port: port, Identity: Identity{ID: "h2", Name: "h2"}})
	c1.Start(ctx)
	time.Sleep(100 * time.Millisecond) // let c1 win the bind race
	c2.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c1.State() == StateConnected && c2.State() == StateConnected {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if c1.State() != StateConnected {
		t.Fatalf("c1 expected connected, got %s", c1.State())
	}
	if c2.State() != StateConnected {
		t.Fatalf("c2 expected connected, got %s", c2.State())
	}

	c1.mu.Lock()
	oneOwnsHub := c1.ownedHub != nil
	c1.mu.Unlock()
	c2.mu.Lock()
	otherOwnsHub := c2.ownedHub != nil
	c2.mu.Unlock()

	if oneOwnsHub == otherOwnsHub {
		t.Fatalf("expected exactly one client to own the hub: c1=%v c2=%v", oneOwnsHub, otherOwnsHub)
	}

	c1.Close()
	c2.Close()
}

func TestSendRequestNotConnectedFailsFast(t *testing.T) {
	c := New(Config{Port: 57202})
	_, err := c.SendRequest(context.Background(), "echo", nil)
	if err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected without a deadline, got %v", err)
	}
}
