package proxy

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fleetops/consolehub/internal/collective"
	"github.com/fleetops/consolehub/internal/console"
	"github.com/fleetops/consolehub/internal/replay"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func fingerprintOf(cert tls.Certificate) []byte {
	sum := sha256.Sum256(cert.Certificate[0])
	return sum[:]
}

type fakeSubscriber struct {
	mu     sync.Mutex
	id     string
	user   string
	bytes  [][]byte
	notifs []console.Notification
}

func (s *fakeSubscriber) ID() string       { return s.id }
func (s *fakeSubscriber) Username() string { return s.user }
func (s *fakeSubscriber) DeliverBytes(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), data...)
	s.bytes = append(s.bytes, cp)
}
func (s *fakeSubscriber) DeliverNotification(n console.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifs = append(s.notifs, n)
}
func (s *fakeSubscriber) byteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, b := range s.bytes {
		total += len(b)
	}
	return total
}

// fakeResolverConsole is a minimal console.Console the fake Resolver hands
// back, enough to exercise the server's AttachSession/Write/Detach path.
type fakeResolverConsole struct {
	mu       sync.Mutex
	attached console.Subscriber
	writes   [][]byte
	detached bool
	replay   []byte
	record   replay.Record
}

// AttachSession mirrors the real console.Handler's contract: the replay (if
// any) is delivered to sub directly, before sub is recorded as attached.
func (c *fakeResolverConsole) AttachSession(sub console.Subscriber, skipReplay bool) ([]byte, replay.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if skipReplay {
		c.attached = sub
		return nil, replay.Record{}
	}
	if len(c.replay) > 0 {
		sub.DeliverBytes(c.replay)
	}
	cs := console.Unconnected
	if c.record.ConnectState == console.Connected.String() {
		cs = console.Connected
	} else if c.record.ConnectState == console.Connecting.String() {
		cs = console.Connecting
	}
	count := c.record.ClientCount
	sub.DeliverNotification(console.Notification{ConnectState: &cs, ClientCount: &count})
	c.attached = sub
	return c.replay, c.record
}
func (c *fakeResolverConsole) Detach(sub console.Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
}
func (c *fakeResolverConsole) Write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return len(data), nil
}
func (c *fakeResolverConsole) SendBreak() error                  { return nil }
func (c *fakeResolverConsole) Reopen()                           {}
func (c *fakeResolverConsole) GetRecent() ([]byte, replay.Record) { return c.replay, c.record }
func (c *fakeResolverConsole) GetBufferAge() time.Duration        { return -1 }
func (c *fakeResolverConsole) Close()                             {}

func (c *fakeResolverConsole) deliver(data []byte) {
	c.mu.Lock()
	sub := c.attached
	c.mu.Unlock()
	if sub != nil {
		sub.DeliverBytes(data)
	}
}

type fakeResolver struct {
	console *fakeResolverConsole
	node    string
	tenant  string
	user    string
}

func (r *fakeResolver) Connect(ctx context.Context, node, tenant, user string) (console.Console, error) {
	r.node, r.tenant, r.user = node, tenant, user
	return r.console, nil
}

// newLoopback starts a TLS server on the given resolver and returns the
// member record a client would use to reach it with fingerprint pinning,
// plus a func that stops the server.
func newLoopback(t *testing.T, resolver Resolver) (member collective.Member, stop func()) {
	t.Helper()
	serverCert := selfSignedCert(t)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS13,
	})
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{Resolver: resolver}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			tconn, ok := conn.(*tls.Conn)
			if !ok {
				conn.Close()
				continue
			}
			go l.serve(ctx, tconn)
		}
	}()

	member = collective.Member{Address: ln.Addr().String(), Fingerprint: fingerprintOf(serverCert)}
	stop = func() {
		cancel()
		ln.Close()
	}
	return member, stop
}

func TestProxyConsoleAttachReceivesRelayedBytes(t *testing.T) {
	fc := &fakeResolverConsole{replay: []byte("replay-data"), record: replay.Record{ConnectState: "connected", ClientCount: 1}}
	resolver := &fakeResolver{console: fc}
	member, stop := newLoopback(t, resolver)
	defer stop()

	d := &Dialer{MyName: "me"}
	c, err := d.Dial(context.Background(), member, "node1", "t1", "alice")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	sub := &fakeSubscriber{id: "s1", user: "alice"}
	c.AttachSession(sub, false)

	deadline := time.After(2 * time.Second)
	for sub.byteCount() < len("replay-data") {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for replay bytes, got %d bytes", sub.byteCount())
		case <-time.After(10 * time.Millisecond):
		}
	}

	fc.deliver([]byte("live-bytes"))
	for sub.byteCount() < len("replay-data")+len("live-bytes") {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for live bytes, got %d bytes", sub.byteCount())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProxyConsoleWriteRelaysToResolvedConsole(t *testing.T) {
	fc := &fakeResolverConsole{}
	resolver := &fakeResolver{console: fc}
	member, stop := newLoopback(t, resolver)
	defer stop()

	d := &Dialer{MyName: "me"}
	c, err := d.Dial(context.Background(), member, "node1", "t1", "alice")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	sub := &fakeSubscriber{id: "s1", user: "alice"}
	c.AttachSession(sub, true)

	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		fc.mu.Lock()
		n := len(fc.writes)
		fc.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for write-through")
		}
		time.Sleep(10 * time.Millisecond)
	}
	fc.mu.Lock()
	got := string(fc.writes[0])
	fc.mu.Unlock()
	if got != "hello" {
		t.Fatalf("expected %q relayed, got %q", "hello", got)
	}
}

func TestProxyConsoleAttachRejectsWrongFingerprint(t *testing.T) {
	fc := &fakeResolverConsole{}
	resolver := &fakeResolver{console: fc}
	member, stop := newLoopback(t, resolver)
	defer stop()

	member.Fingerprint = []byte("not-the-real-fingerprint")

	d := &Dialer{MyName: "me"}
	c, err := d.Dial(context.Background(), member, "node1", "t1", "alice")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	sub := &fakeSubscriber{id: "s1", user: "alice"}
	c.AttachSession(sub, true)

	deadline := time.Now().Add(2 * time.Second)
	for {
		sub.mu.Lock()
		n := len(sub.notifs)
		sub.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for unreachable notification")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sub.mu.Lock()
	n := sub.notifs[0]
	sub.mu.Unlock()
	if n.ConnectState == nil || *n.ConnectState != console.Unconnected {
		t.Fatalf("expected Unconnected connect state, got %+v", n.ConnectState)
	}
	if n.Error == nil || *n.Error != console.ErrUnreachable {
		t.Fatalf("expected ErrUnreachable, got %+v", n.Error)
	}
}

func TestProxyConsoleDetachSendsStop(t *testing.T) {
	fc := &fakeResolverConsole{}
	resolver := &fakeResolver{console: fc}
	member, stop := newLoopback(t, resolver)
	defer stop()

	d := &Dialer{MyName: "me"}
	c, err := d.Dial(context.Background(), member, "node1", "t1", "alice")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	sub := &fakeSubscriber{id: "s1", user: "alice"}
	c.AttachSession(sub, true)
	c.Detach(sub)

	deadline := time.Now().Add(2 * time.Second)
	for {
		fc.mu.Lock()
		detached := fc.detached
		fc.mu.Unlock()
		if detached {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for server-side detach")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
