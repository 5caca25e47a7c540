package console

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetops/consolehub/internal/backend"
	"github.com/fleetops/consolehub/internal/collective"
	"github.com/fleetops/consolehub/internal/configstore/memstore"
)

type fakeConsole struct {
	mu         sync.Mutex
	cb         backend.Callback
	connectErr error
	writeErr   error
	closed     bool
	writes     [][]byte
}

func (f *fakeConsole) Connect(ctx context.Context, cb backend.Callback) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	return nil
}

func (f *fakeConsole) Write(data []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	f.mu.Unlock()
	return len(data), nil
}

func (f *fakeConsole) SendBreak() error { return nil }

func (f *fakeConsole) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConsole) send(chunk backend.Chunk) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(chunk)
	}
}

func (f *fakeConsole) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu        sync.Mutex
	console   *fakeConsole
	createErr error
	created   []string
}

func (f *fakeFactory) Create(ctx context.Context, node string, cfg map[string]string) (backend.Console, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, node)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.console, nil
}

func (f *fakeFactory) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeSubscriber struct {
	id            string
	username      string
	bytesCh       chan []byte
	notifications chan Notification
}

func newFakeSubscriber(id, username string) *fakeSubscriber {
	return &fakeSubscriber{
		id:            id,
		username:      username,
		bytesCh:       make(chan []byte, 100),
		notifications: make(chan Notification, 100),
	}
}

func (s *fakeSubscriber) ID() string       { return s.id }
func (s *fakeSubscriber) Username() string { return s.username }
func (s *fakeSubscriber) DeliverBytes(data []byte) {
	s.bytesCh <- append([]byte(nil), data...)
}
func (s *fakeSubscriber) DeliverNotification(n Notification) {
	s.notifications <- n
}

func snapshot(h *Handler) (ConnectState, ErrorState) {
	var cs ConnectState
	var es ErrorState
	h.submitWait(func() {
		cs = h.connectState
		es = h.errState
	})
	return cs, es
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func alwaysOnSetup(t *testing.T, logging string) (*memstore.Store, *collective.StaticMembership, *fakeConsole, *fakeFactory) {
	t.Helper()
	store := memstore.New("t1")
	store.AddNode("node1")
	store.SetAttribute("node1", "console.logging", logging)
	mship := collective.NewStaticMembership("me")
	console := &fakeConsole{}
	factory := &fakeFactory{console: console}
	return store, mship, console, factory
}

func TestHandlerAlwaysOnConnectsImmediately(t *testing.T) {
	store, mship, _, factory := alwaysOnSetup(t, "full")
	h := New("node1", "t1", Config{Store: store, Membership: mship, Factory: factory})
	defer h.Close()

	waitFor(t, time.Second, func() bool {
		cs, _ := snapshot(h)
		return cs == Connected
	})
}

func TestHandlerOnDemandConnectsOnlyOnAttach(t *testing.T) {
	store, mship, _, factory := alwaysOnSetup(t, "memory")
	h := New("node1", "t1", Config{Store: store, Membership: mship, Factory: factory})
	defer h.Close()

	time.Sleep(30 * time.Millisecond)
	if cs, _ := snapshot(h); cs != Unconnected {
		t.Fatalf("expected unconnected before any subscriber, got %v", cs)
	}

	sub := newFakeSubscriber("s1", "alice")
	h.AttachSession(sub, true)

	waitFor(t, time.Second, func() bool {
		cs, _ := snapshot(h)
		return cs == Connected
	})
}

func TestHandlerReplayPrecedesLiveBytes(t *testing.T) {
	store, mship, console, factory := alwaysOnSetup(t, "full")
	h := New("node1", "t1", Config{Store: store, Membership: mship, Factory: factory})
	defer h.Close()

	waitFor(t, time.Second, func() bool {
		cs, _ := snapshot(h)
		return cs == Connected
	})

	console.send(backend.Chunk{Data: []byte("hello")})
	time.Sleep(30 * time.Millisecond)

	sub := newFakeSubscriber("s1", "alice")
	replayBytes, _ := h.AttachSession(sub, false)
	if !bytes.Contains(replayBytes, []byte("hello")) {
		t.Fatalf("replay missing prior screen content: %q", replayBytes)
	}
	// AttachSession delivers the replay to sub itself, so it is the first
	// chunk on bytesCh, ahead of any live bytes.
	select {
	case got := <-sub.bytesCh:
		if !bytes.Equal(got, replayBytes) {
			t.Fatalf("first delivered chunk is not the replay: %q", got)
		}
	default:
		t.Fatal("replay not delivered to the subscriber before AttachSession returned")
	}

	console.send(backend.Chunk{Data: []byte("world")})
	select {
	case got := <-sub.bytesCh:
		if !bytes.Contains(got, []byte("world")) {
			t.Fatalf("unexpected live bytes: %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for live bytes")
	}
}

func TestHandlerMisconfiguredDoesNotRetry(t *testing.T) {
	store, mship, _, _ := alwaysOnSetup(t, "full")
	factory := &fakeFactory{createErr: backend.ErrNotFound}
	h := New("node1", "t1", Config{Store: store, Membership: mship, Factory: factory})
	defer h.Close()

	waitFor(t, time.Second, func() bool {
		_, es := snapshot(h)
		return es == ErrMisconfigured
	})

	time.Sleep(50 * time.Millisecond)
	if n := factory.createCount(); n != 1 {
		t.Fatalf("expected exactly one create attempt, got %d", n)
	}
}

func TestHandlerUnreachableSchedulesRetryWithoutPropagating(t *testing.T) {
	store, mship, _, _ := alwaysOnSetup(t, "full")
	console := &fakeConsole{connectErr: backend.ErrUnreachable}
	factory := &fakeFactory{console: console}
	h := New("node1", "t1", Config{Store: store, Membership: mship, Factory: factory})
	defer h.Close()

	waitFor(t, time.Second, func() bool {
		_, es := snapshot(h)
		return es == ErrUnreachable
	})

	var timerArmed bool
	var retry int
	h.submitWait(func() {
		timerArmed = h.reconnectTimer != nil
		retry = h.retryTime
	})
	if !timerArmed {
		t.Fatal("expected reconnect timer to be armed")
	}
	if retry == 0 {
		t.Fatal("expected retry_time to have advanced past zero")
	}
}

func TestHandlerOwnershipLossNotifiesReattach(t *testing.T) {
	store, mship, _, factory := alwaysOnSetup(t, "full")
	h := New("node1", "t1", Config{Store: store, Membership: mship, Factory: factory})
	defer h.Close()

	waitFor(t, time.Second, func() bool {
		cs, _ := snapshot(h)
		return cs == Connected
	})

	sub := newFakeSubscriber("s1", "alice")
	h.AttachSession(sub, true)
	<-sub.notifications // client-count notification from attach

	store.SetAttribute("node1", "collective.manager", "other")

	select {
	case n := <-sub.notifications:
		if !n.Reattach {
			t.Fatalf("expected reattach notification, got %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reattach notification")
	}

	var isLocal bool
	h.submitWait(func() { isLocal = h.isLocal })
	if isLocal {
		t.Fatal("expected is_local false after ownership change")
	}
}

func TestHandlerOnDemandDetachClosesBackend(t *testing.T) {
	store, mship, console, factory := alwaysOnSetup(t, "memory")
	h := New("node1", "t1", Config{Store: store, Membership: mship, Factory: factory})
	defer h.Close()

	sub := newFakeSubscriber("s1", "alice")
	h.AttachSession(sub, true)

	waitFor(t, time.Second, func() bool {
		cs, _ := snapshot(h)
		return cs == Connected
	})

	h.Detach(sub)

	waitFor(t, time.Second, console.isClosed)
}

func TestHandlerWritePassesThroughWhenConnected(t *testing.T) {
	store, mship, console, factory := alwaysOnSetup(t, "full")
	h := New("node1", "t1", Config{Store: store, Membership: mship, Factory: factory})
	defer h.Close()

	waitFor(t, time.Second, func() bool {
		cs, _ := snapshot(h)
		return cs == Connected
	})

	n, err := h.Write([]byte("ls\n"))
	if err != nil || n != 3 {
		t.Fatalf("Write = %d, %v", n, err)
	}

	console.mu.Lock()
	defer console.mu.Unlock()
	if len(console.writes) != 1 || string(console.writes[0]) != "ls\n" {
		t.Fatalf("unexpected writes: %v", console.writes)
	}
}

func TestHandlerWriteNoopWhenNotConnected(t *testing.T) {
	store, mship, _, _ := alwaysOnSetup(t, "memory")
	console := &fakeConsole{}
	factory := &fakeFactory{console: console}
	h := New("node1", "t1", Config{Store: store, Membership: mship, Factory: factory})
	defer h.Close()

	time.Sleep(20 * time.Millisecond)
	n, err := h.Write([]byte("x"))
	if err != nil || n != 0 {
		t.Fatalf("expected silent no-op write, got %d, %v", n, err)
	}
}
