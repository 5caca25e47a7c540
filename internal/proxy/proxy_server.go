// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/fleetops/consolehub/internal/console"
	"github.com/fleetops/consolehub/internal/id"
	"github.com/fleetops/consolehub/internal/proxywire"
)

// Resolver is the subset of internal/registry.Registry a proxy server needs:
// resolve a console.Console for the node/tenant/user an inbound peer names
// in its handshake. Declared locally (rather than importing
// internal/registry) so proxy does not depend on registry; registry in turn
// reaches proxy only through its own ProxyDialer interface.
type Resolver interface {
	Connect(ctx context.Context, node, tenant, user string) (console.Console, error)
}

// Listener accepts inbound proxy connections from peer collective members
// and serves them against a Resolver (spec §6's reciprocal half of the proxy
// wire protocol: every member is both a client, via Dialer, and a server,
// via Listener).
type Listener struct {
	TLSConfig *tls.Config
	Resolver  Resolver
}

// ListenAndServe accepts connections on addr until ctx is cancelled or the
// listener errors.
func (l *Listener) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := tls.Listen("tcp", addr, l.TLSConfig)
	if err != nil {
		return fmt.Errorf("proxy: listening on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		tconn, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			continue
		}
		go l.serve(ctx, tconn)
	}
}

func (l *Listener) serve(ctx context.Context, conn *tls.Conn) {
	defer conn.Close()
	if err := serveConn(ctx, conn, l.Resolver); err != nil && err != io.EOF {
		log.Printf("[proxy] connection from %s ended: %v", conn.RemoteAddr(), err)
	}
}

// serveConn implements the server half of spec §6's handshake: exchange
// headers, send the two opaque greeting frames, read the client's
// {proxyconsole: {...}} request, resolve the console, relay replay bytes
// inline, then pump frames bidirectionally until the peer disconnects or
// sends {operation: stop}.
func serveConn(ctx context.Context, conn net.Conn, resolver Resolver) error {
	if err := proxywire.ReadHeader(conn); err != nil {
		return err
	}
	if err := proxywire.WriteHeader(conn); err != nil {
		return err
	}

	// Two opaque greeting frames, mirrored from the original transport's
	// unconditional pair of records ahead of the proxyconsole request.
	if err := proxywire.WriteControl(conn, struct{}{}); err != nil {
		return err
	}
	if err := proxywire.WriteControl(conn, struct{}{}); err != nil {
		return err
	}

	reqFrame, err := proxywire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("proxy: reading handshake request: %w", err)
	}
	if reqFrame.Kind != proxywire.KindControl {
		return fmt.Errorf("proxy: expected control frame for handshake, got kind %d", reqFrame.Kind)
	}
	req, err := proxywire.DecodeHandshakeRequest(reqFrame.Control)
	if err != nil {
		return err
	}

	c, err := resolver.Connect(ctx, req.Node, req.Tenant, req.User)
	if err != nil {
		return fmt.Errorf("proxy: resolving %s/%s: %w", req.Tenant, req.Node, err)
	}

	subID, err := id.New()
	if err != nil {
		return err
	}
	rs := &relaySubscriber{id: subID, username: req.User, conn: conn}

	// AttachSession delivers the replay (if any), via rs.DeliverBytes and
	// rs.DeliverNotification, before rs is recorded as attached — those
	// calls go through rs's own write mutex, the only path that ever writes
	// to conn, so there's no second writer racing this handshake window.
	c.AttachSession(rs, req.SkipReplay)
	defer c.Detach(rs)

	for {
		frame, err := proxywire.ReadFrame(conn)
		if err != nil {
			return err
		}
		switch frame.Kind {
		case proxywire.KindBytes:
			if _, err := c.Write(frame.Bytes); err != nil {
				log.Printf("[proxy] %s/%s: write-through failed: %v", req.Tenant, req.Node, err)
			}
		case proxywire.KindControl:
			op, err := proxywire.DecodeOperation(frame.Control)
			if err != nil {
				log.Printf("[proxy] %s/%s: malformed operation record: %v", req.Tenant, req.Node, err)
				continue
			}
			switch op.Operation {
			case proxywire.OpStop:
				return nil
			case proxywire.OpBreak:
				if err := c.SendBreak(); err != nil {
					log.Printf("[proxy] %s/%s: send_break failed: %v", req.Tenant, req.Node, err)
				}
			case proxywire.OpReopen:
				c.Reopen()
			}
		}
	}
}

// relaySubscriber adapts a console.Subscriber onto the wire: bytes become
// bytes frames, notifications become status frames, sent to whichever peer
// is on the other end of conn. writeMu is this connection's only lock on
// writing: every frame serveConn's peer sees — handshake replay, status,
// and every subsequent live chunk — goes through DeliverBytes/
// DeliverNotification, so serializing those two methods serializes the
// whole connection's write side.
type relaySubscriber struct {
	id       string
	username string
	conn     net.Conn

	writeMu sync.Mutex
}

func (r *relaySubscriber) ID() string       { return r.id }
func (r *relaySubscriber) Username() string { return r.username }

func (r *relaySubscriber) DeliverBytes(data []byte) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := proxywire.WriteBytes(r.conn, data); err != nil {
		log.Printf("[proxy] relay %s: delivering bytes failed: %v", r.id, err)
	}
}

func (r *relaySubscriber) DeliverNotification(n console.Notification) {
	if n.Reattach {
		// Reattach only has meaning within a single process's registry;
		// there's no wire representation for it. The ownership change that
		// triggered it will also tear down the backend, which the remote
		// peer observes as a disconnect status instead.
		return
	}
	rec := proxywire.StatusRecord{Deleting: n.Deleting}
	if n.ConnectState != nil {
		rec.ConnectState = n.ConnectState.String()
	}
	if n.Error != nil {
		rec.Error = n.Error.String()
	}
	if n.ClientCount != nil {
		rec.ClientCount = n.ClientCount
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := proxywire.WriteStatus(r.conn, rec); err != nil {
		log.Printf("[proxy] relay %s: delivering status failed: %v", r.id, err)
	}
}
