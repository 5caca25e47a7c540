// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package proxy implements C6 (spec §4.6): the federation relay. ProxyConsole
// dials a peer collective member over TLS and presents the same
// console.Console contract as a local *console.Handler, relaying frames
// instead of touching a backend directly. Listener (proxy_server.go) is the
// reciprocal half: it
// answers an inbound proxy connection from a peer and wires it to this
// process's own registry, so every member is symmetrically both a client and
// a server of this protocol.
//
// Grounded on nishisan-dev-n-backup/internal/pki/tls.go's TLS config
// construction, adapted from CA-chain validation to the fingerprint-pinning
// spec §6 requires (collective membership has no CA, only a pinned
// certificate digest per member).
package proxy

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/fleetops/consolehub/internal/collective"
	"github.com/fleetops/consolehub/internal/console"
	"github.com/fleetops/consolehub/internal/proxywire"
	"github.com/fleetops/consolehub/internal/replay"
)

const proxyRevision = "proxy-v1-federation-relay"

func init() {
	log.Printf("[proxy] REVISION: %s loaded at %s", proxyRevision, time.Now().Format(time.RFC3339))
}

// DefaultPort is the proxy wire protocol's listening port (spec §6: "TLS on
// port 13001").
const DefaultPort = 13001

var ErrFingerprintMismatch = errors.New("proxy: peer certificate fingerprint mismatch")

// Dialer opens ProxyConsole connections to peer collective members. It
// implements registry.ProxyDialer.
type Dialer struct {
	// ClientCert optionally identifies this process to the peer; the peer
	// side of this protocol doesn't validate it (fingerprint pinning is
	// one-directional, client verifies server), but presenting it lets a
	// future peer implementation do so.
	ClientCert *tls.Certificate
	MyName     string
}

// Dial constructs a ProxyConsole for member/node/tenant/user. It performs no
// network I/O: the original implementation's connect_node builds the proxy
// object eagerly but doesn't open the TLS connection until attachsession is
// actually called — by then the caller's real skip_replay value is known,
// and that's what the handshake needs to carry. Satisfies
// registry.ProxyDialer.
func (d *Dialer) Dial(ctx context.Context, member collective.Member, node, tenant, user string) (console.Console, error) {
	return &ProxyConsole{
		dialer: d,
		member: member,
		node:   node,
		tenant: tenant,
		user:   user,
		done:   make(chan struct{}),
	}, nil
}

// ProxyConsole is the C6 handler substitute: a relayed view of a node owned
// by a peer collective member.
type ProxyConsole struct {
	dialer *Dialer
	member collective.Member
	node   string
	tenant string
	user   string

	connMu sync.Mutex
	conn   *tls.Conn

	subMu sync.Mutex
	sub   console.Subscriber

	closeOnce sync.Once
	done      chan struct{}
}

// dial opens the TLS connection and runs the handshake described in spec §6:
// header exchange, two opaque server greeting frames discarded unread, then
// this side's one {proxyconsole: {...}} request carrying the real
// skipReplay the caller asked for.
func (p *ProxyConsole) dial(ctx context.Context, skipReplay bool) error {
	conn, err := dialPinned(ctx, p.member, p.dialer.ClientCert)
	if err != nil {
		return fmt.Errorf("proxy: dialing %s: %w", p.member.Address, err)
	}

	if err := proxywire.WriteHeader(conn); err != nil {
		conn.Close()
		return err
	}
	if err := proxywire.ReadHeader(conn); err != nil {
		conn.Close()
		return err
	}

	// Spec §6: the server sends two framed records immediately after the
	// handshake, opaque to the core. Discard them unread.
	for i := 0; i < 2; i++ {
		if _, err := proxywire.ReadFrame(conn); err != nil {
			conn.Close()
			return fmt.Errorf("proxy: reading greeting frame %d: %w", i, err)
		}
	}

	req := proxywire.HandshakeRequest{
		Name:       p.dialer.MyName,
		User:       p.user,
		Tenant:     p.tenant,
		Node:       p.node,
		SkipReplay: skipReplay,
	}
	if err := proxywire.WriteHandshakeRequest(conn, req); err != nil {
		conn.Close()
		return err
	}

	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()
	return nil
}

// dialPinned dials member over TLS, verifying the peer certificate by
// fingerprint rather than by CA chain (spec §6: "compares the
// collective-member's stored fingerprint to the server certificate's
// binary form; mismatch aborts the connection").
func dialPinned(ctx context.Context, member collective.Member, clientCert *tls.Certificate) (*tls.Conn, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrFingerprintMismatch
			}
			sum := sha256.Sum256(rawCerts[0])
			if len(sum) != len(member.Fingerprint) || subtle.ConstantTimeCompare(sum[:], member.Fingerprint) != 1 {
				return ErrFingerprintMismatch
			}
			return nil
		},
	}
	if clientCert != nil {
		cfg.Certificates = []tls.Certificate{*clientCert}
	}

	dialer := &tls.Dialer{Config: cfg}
	conn, err := dialer.DialContext(ctx, "tcp", member.Address)
	if err != nil {
		return nil, err
	}
	return conn.(*tls.Conn), nil
}

// AttachSession wires sub to this relay and starts the read pump. Per spec
// §4.6, get_recent always returns empty here — the remote host sends replay
// inline over the relayed stream once it processes our handshake request.
func (p *ProxyConsole) AttachSession(sub console.Subscriber, skipReplay bool) ([]byte, replay.Record) {
	p.subMu.Lock()
	p.sub = sub
	p.subMu.Unlock()

	if err := p.dial(context.Background(), skipReplay); err != nil {
		log.Printf("[proxy] %s/%s: dial failed: %v", p.tenant, p.node, err)
		es := console.ErrUnreachable
		cs := console.Unconnected
		sub.DeliverNotification(console.Notification{ConnectState: &cs, Error: &es})
		return nil, replay.Record{}
	}

	go p.pump()
	return nil, replay.Record{}
}

// pump implements spec §4.6's relay_data: read frames from the peer until
// the connection closes, delivering bytes and control records to whichever
// session is currently attached.
func (p *ProxyConsole) pump() {
	defer close(p.done)
	for {
		conn := p.currentConn()
		if conn == nil {
			return
		}
		frame, err := proxywire.ReadFrame(conn)
		if err != nil {
			p.deliverDisconnect()
			return
		}
		sub := p.currentSub()
		if sub == nil {
			continue
		}
		switch frame.Kind {
		case proxywire.KindBytes:
			if len(frame.Bytes) > 0 {
				sub.DeliverBytes(frame.Bytes)
			}
		case proxywire.KindControl:
			p.deliverStatus(sub, frame.Control)
		}
	}
}

func (p *ProxyConsole) deliverStatus(sub console.Subscriber, raw []byte) {
	rec, err := proxywire.DecodeStatus(raw)
	if err != nil {
		log.Printf("[proxy] %s/%s: malformed status record: %v", p.tenant, p.node, err)
		return
	}
	n := console.Notification{Deleting: rec.Deleting}
	if rec.ConnectState != "" {
		cs := decodeConnectState(rec.ConnectState)
		n.ConnectState = &cs
	}
	if rec.Error != "" {
		es := decodeErrorState(rec.Error)
		n.Error = &es
	}
	if rec.ClientCount != nil {
		n.ClientCount = rec.ClientCount
	}
	sub.DeliverNotification(n)
}

func (p *ProxyConsole) deliverDisconnect() {
	sub := p.currentSub()
	if sub == nil {
		return
	}
	cs := console.Unconnected
	sub.DeliverNotification(console.Notification{ConnectState: &cs})
}

func (p *ProxyConsole) currentConn() *tls.Conn {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.conn
}

func (p *ProxyConsole) currentSub() console.Subscriber {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	return p.sub
}

// Detach sends the stop operation and clears the attached subscriber (spec
// §4.6: "detach sends {operation: stop}").
func (p *ProxyConsole) Detach(sub console.Subscriber) {
	p.subMu.Lock()
	if p.sub != sub {
		p.subMu.Unlock()
		return
	}
	p.sub = nil
	p.subMu.Unlock()

	if conn := p.currentConn(); conn != nil {
		proxywire.WriteOperation(conn, proxywire.OpStop)
	}
}

// Write relays bytes to the remote host (spec §4.6's write, relayed as a
// bytes frame).
func (p *ProxyConsole) Write(data []byte) (int, error) {
	conn := p.currentConn()
	if conn == nil {
		return 0, net.ErrClosed
	}
	if err := proxywire.WriteBytes(conn, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// SendBreak sends the break operation.
func (p *ProxyConsole) SendBreak() error {
	conn := p.currentConn()
	if conn == nil {
		return net.ErrClosed
	}
	return proxywire.WriteOperation(conn, proxywire.OpBreak)
}

// Reopen sends the reopen operation.
func (p *ProxyConsole) Reopen() {
	if conn := p.currentConn(); conn != nil {
		proxywire.WriteOperation(conn, proxywire.OpReopen)
	}
}

// GetRecent always returns empty; per spec §4.6 the remote sends replay
// inline.
func (p *ProxyConsole) GetRecent() ([]byte, replay.Record) {
	return nil, replay.Record{}
}

// GetBufferAge has no local meaning for a relay; the remote host is the
// authority on buffer age (spec §4.6's get_buffer_age note).
func (p *ProxyConsole) GetBufferAge() time.Duration {
	return -1
}

// Close tears down the TLS connection. Idempotent.
func (p *ProxyConsole) Close() {
	p.closeOnce.Do(func() {
		p.connMu.Lock()
		conn := p.conn
		p.conn = nil
		p.connMu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func decodeConnectState(v string) console.ConnectState {
	switch v {
	case console.Connected.String():
		return console.Connected
	case console.Connecting.String():
		return console.Connecting
	default:
		return console.Unconnected
	}
}

func decodeErrorState(v string) console.ErrorState {
	switch v {
	case console.ErrBadCredentials.String():
		return console.ErrBadCredentials
	case console.ErrUnreachable.String():
		return console.ErrUnreachable
	case console.ErrMisconfigured.String():
		return console.ErrMisconfigured
	case console.ErrUnknown.String():
		return console.ErrUnknown
	default:
		return console.ErrNone
	}
}
