package websocket

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a Connection that records written frames and blocks reads
// until closed.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, assert.AnError
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetReadLimit(int64)               {}
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) messages(t *testing.T) []Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Message, 0, len(f.written))
	for _, raw := range f.written {
		var msg Message
		if json.Unmarshal(raw, &msg) == nil && msg.Type != "" {
			out = append(out, msg)
		}
	}
	return out
}

func waitForMessage(t *testing.T, conn *fakeConn, msgType string) Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, msg := range conn.messages(t) {
			if msg.Type == msgType {
				return msg
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no %s message received", msgType)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func connect(t *testing.T, hub *Hub, learnerID, fingerprint string) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	client := NewClientWithConnection(hub, conn, learnerID, fingerprint, nil)
	client.Register()
	waitForMessage(t, conn, TypeConnected)
	return client, conn
}

func TestHub_NotifyRevokedTargetsOneDevice(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	defer hub.Stop()

	_, connA := connect(t, hub, "learner-1", "fp-a")
	_, connB := connect(t, hub, "learner-1", "fp-b")
	_, connOther := connect(t, hub, "learner-2", "fp-a")

	hub.NotifyRevoked("learner-1", "fp-a", ReasonSignedOut)

	msg := waitForMessage(t, connA, TypeRevocation)
	assert.Equal(t, ReasonSignedOut, msg.Reason)
	assert.Equal(t, "fp-a", msg.Fingerprint)

	time.Sleep(20 * time.Millisecond)
	for _, m := range connB.messages(t) {
		require.NotEqual(t, TypeRevocation, m.Type, "other device must not be revoked")
	}
	for _, m := range connOther.messages(t) {
		require.NotEqual(t, TypeRevocation, m.Type, "other learner must not be revoked")
	}
}

func TestHub_NotifyRevokedAllDevices(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	defer hub.Stop()

	_, connA := connect(t, hub, "learner-1", "fp-a")
	_, connB := connect(t, hub, "learner-1", "fp-b")

	hub.NotifyRevoked("learner-1", "", ReasonSuspended)

	assert.Equal(t, ReasonSuspended, waitForMessage(t, connA, TypeRevocation).Reason)
	assert.Equal(t, ReasonSuspended, waitForMessage(t, connB, TypeRevocation).Reason)
}

func TestHub_NotifyRevokedNoConnections(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	defer hub.Stop()

	// Nothing connected: the push is a no-op, never a panic or a block.
	hub.NotifyRevoked("learner-1", "fp-a", ReasonEvicted)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	defer hub.Stop()

	_, conn := connect(t, hub, "learner-1", "fp-a")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		time.Second, 5*time.Millisecond)
}

// TestHub_DisconnectAfterStopDoesNotBlock pins the shutdown ordering: once
// Stop has run, the hub loop is gone, so a client unwinding from a read
// error must not wait on the unregister channel forever.
func TestHub_DisconnectAfterStopDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()

	conn := newFakeConn()
	client := NewClientWithConnection(hub, conn, "learner-1", "fp-a", nil)

	select {
	case hub.register <- client:
	case <-time.After(time.Second):
		t.Fatal("register blocked")
	}

	// Run the read pump where its exit is observable.
	done := make(chan struct{})
	go func() {
		client.readPump()
		close(done)
	}()

	hub.Stop()
	conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read pump blocked on unregister after hub stop")
	}
}

func TestHub_RegisterAfterStopClosesConnection(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	hub.Stop()

	conn := newFakeConn()
	client := NewClientWithConnection(hub, conn, "learner-1", "fp-a", nil)

	finished := make(chan struct{})
	go func() {
		client.Register()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("register blocked after hub stop")
	}

	select {
	case <-conn.closed:
	default:
		t.Fatal("connection left open after rejected register")
	}
}
