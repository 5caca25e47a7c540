// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package session implements the console session (spec §4.5, C5): a single
// client's view onto a node's console, attached to whatever console.Console
// the registry resolves (a local *console.Handler or a proxied connection).
// Generalized from internal/sessions/session.go's Session — "a sandbox VM's
// session owning PTYs" becomes "a console client's subscription to one
// node's byte stream" — keeping the teacher's map-of-resources-behind-a-
// mutex shape but replacing PTY/agent/browser bookkeeping with the FIFO and
// push-sink plumbing this spec names.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/fleetops/consolehub/internal/configstore"
	"github.com/fleetops/consolehub/internal/console"
	"github.com/fleetops/consolehub/internal/id"
)

const sessionRevision = "session-v8-console-subscriber"

func init() {
	log.Printf("[session] REVISION: %s loaded at %s", sessionRevision, time.Now().Format(time.RFC3339))
}

var (
	// ErrNodeNotFound is returned by New when the config store does not know
	// the requested node.
	ErrNodeNotFound = errors.New("session: node not found")
	// ErrPollBusy is returned by GetNextOutput when a poll is already in
	// flight for this session (spec §4.5: "not re-entrant; concurrent calls
	// must fail").
	ErrPollBusy = errors.New("session: concurrent poll not allowed")
	// ErrDestroyed is returned by GetNextOutput once the session has been
	// destroyed.
	ErrDestroyed = errors.New("session: destroyed")
)

const idleReaperBase = 15 * time.Second

// DataSink is the push-mode consumer contract (spec §4.5's "user-supplied
// data sink (push callback)"). A session in push mode calls these directly
// with no buffering.
type DataSink interface {
	OnBytes(data []byte)
	OnControl(n console.Notification)
}

// Resolver is the subset of the registry a session needs: resolve a
// console.Console for (node, tenant), re-resolving on ownership changes.
type Resolver interface {
	Connect(ctx context.Context, node, tenant, user string) (console.Console, error)
}

// Config bundles a session's collaborators.
type Config struct {
	Store    configstore.Store
	Registry Resolver
}

// queueItem is one FIFO entry: either a byte chunk or a control record,
// never both (spec §4.5's "runtime type to distinguish").
type queueItem struct {
	bytes        []byte
	notification *console.Notification
}

// Session is a single subscriber's attachment to one node's console.
type Session struct {
	id       string
	node     string
	tenant   string
	username string
	cfg      Config
	skip     bool
	sink     DataSink // nil in poll mode

	connMu sync.Mutex
	conn   console.Console

	// Poll-mode state.
	mu          sync.Mutex
	queue       []queueItem
	wake        chan struct{}
	polling     bool
	reaperTimer *time.Timer

	destroyOnce sync.Once
	destroyed   bool
}

// New validates node, resolves a console.Console through the registry,
// attaches, and (unless skipReplay) delivers the replay snapshot before
// returning — matching spec §4.5's construction-time replay delivery. A nil
// sink selects poll mode; a non-nil sink selects push mode.
func New(ctx context.Context, node, tenant, username string, cfg Config, skipReplay bool, sink DataSink) (*Session, error) {
	known, err := cfg.Store.IsNode(ctx, node)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, ErrNodeNotFound
	}

	sessionID, err := id.New()
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:       sessionID,
		node:     node,
		tenant:   tenant,
		username: username,
		cfg:      cfg,
		skip:     skipReplay,
		sink:     sink,
		wake:     make(chan struct{}, 1),
	}

	if sink == nil {
		s.reaperTimer = time.AfterFunc(idleReaperBase, s.expire)
	}

	conn, err := cfg.Registry.Connect(ctx, node, tenant, username)
	if err != nil {
		if s.reaperTimer != nil {
			s.reaperTimer.Stop()
		}
		return nil, err
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	// AttachSession delivers the replay (if any) to s directly, via the same
	// DeliverBytes/DeliverNotification calls live bytes use, before sub is
	// added to the handler's subscriber set — so it arrives ahead of any
	// live bytes without s needing to re-deliver it here.
	conn.AttachSession(s, skipReplay)

	return s, nil
}

// ID satisfies console.Subscriber.
func (s *Session) ID() string { return s.id }

// Username satisfies console.Subscriber.
func (s *Session) Username() string { return s.username }

// DeliverBytes satisfies console.Subscriber: live bytes from the attached
// console, pushed straight through or queued depending on mode.
func (s *Session) DeliverBytes(data []byte) {
	s.emit(data, nil)
}

// DeliverNotification satisfies console.Subscriber. A Reattach notification
// triggers an asynchronous re-resolve through the registry (spec §4.5's
// detach()/re-attach behavior) rather than being forwarded to the consumer
// as-is — the consumer only ever sees connectstate/clientcount/deleting
// records, never the internal reattach signal. Re-resolving here must not
// block: this method runs on the attached handler's own serialised loop
// (spec §5), so a synchronous registry round-trip would stall it.
func (s *Session) DeliverNotification(n console.Notification) {
	if n.Reattach {
		go s.reattach()
		return
	}
	s.emit(nil, &n)
}

// emit delivers one unit (bytes or a notification) to the consumer:
// directly in push mode, or appended to the FIFO in poll mode.
func (s *Session) emit(data []byte, n *console.Notification) {
	if len(data) == 0 && n == nil {
		return
	}
	if s.sink != nil {
		if len(data) > 0 {
			s.sink.OnBytes(data)
		}
		if n != nil {
			s.sink.OnControl(*n)
		}
		return
	}

	s.mu.Lock()
	if len(data) > 0 {
		s.queue = append(s.queue, queueItem{bytes: data})
	}
	if n != nil {
		s.queue = append(s.queue, queueItem{notification: n})
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// GetNextOutput returns the next FIFO item (poll mode only), coalescing
// adjacent byte chunks until a control record or the end of the queue is
// reached (spec §4.5). If the queue is empty it blocks on the wake token up
// to timeout, then returns an empty slice and no notification. Concurrent
// calls fail with ErrPollBusy.
func (s *Session) GetNextOutput(timeout time.Duration) ([]byte, *console.Notification, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, nil, ErrDestroyed
	}
	if s.polling {
		s.mu.Unlock()
		return nil, nil, ErrPollBusy
	}
	s.polling = true
	s.rearmReaperLocked(timeout)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.polling = false
		s.mu.Unlock()
	}()

	data, n, ok := s.drainLocked()
	if ok {
		return data, n, nil
	}

	select {
	case <-s.wake:
		data, n, _ := s.drainLocked()
		return data, n, nil
	case <-time.After(timeout):
		return nil, nil, nil
	}
}

// drainLocked pulls coalesced output off the front of the queue.
func (s *Session) drainLocked() ([]byte, *console.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, nil, false
	}

	first := s.queue[0]
	if first.notification != nil {
		s.queue = s.queue[1:]
		return nil, first.notification, true
	}

	var out []byte
	i := 0
	for i < len(s.queue) && s.queue[i].notification == nil {
		out = append(out, s.queue[i].bytes...)
		i++
	}
	s.queue = s.queue[i:]
	return out, nil, true
}

// rearmReaperLocked cancels and re-schedules the idle-destroy timer for
// timeout+15s, per spec §4.5. Caller holds s.mu.
func (s *Session) rearmReaperLocked(timeout time.Duration) {
	if s.reaperTimer == nil {
		return
	}
	s.reaperTimer.Stop()
	s.reaperTimer = time.AfterFunc(timeout+idleReaperBase, s.expire)
}

// expire is the idle reaper firing: the consumer stopped polling, so the
// session tears itself down.
func (s *Session) expire() {
	s.Destroy()
}

// reattach detaches from the current console and re-resolves through the
// registry, per spec §4.5: "re-resolves through the registry and
// re-attaches (used when collective.manager changed underneath)".
func (s *Session) reattach() {
	s.connMu.Lock()
	old := s.conn
	s.connMu.Unlock()
	if old != nil {
		old.Detach(s)
	}

	conn, err := s.cfg.Registry.Connect(context.Background(), s.node, s.tenant, s.username)
	if err != nil {
		log.Printf("[session] %s reattach failed for %s/%s: %v", s.id, s.tenant, s.node, err)
		return
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	// See New: AttachSession delivers the replay directly to s, ahead of any
	// live bytes, so there's nothing left to deliver here.
	conn.AttachSession(s, s.skip)
}

// Detach removes the session from its current console without destroying
// it, then re-resolves and re-attaches — spec §4.5's detach().
func (s *Session) Detach() {
	s.reattach()
}

// Destroy detaches idempotently and releases the idle reaper, per spec
// §4.5's destroy().
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		if s.reaperTimer != nil {
			s.reaperTimer.Stop()
		}
		s.mu.Unlock()

		s.connMu.Lock()
		conn := s.conn
		s.conn = nil
		s.connMu.Unlock()
		if conn != nil {
			conn.Detach(s)
		}
	})
}

// Write forwards to the attached console, if any (no-op once destroyed).
func (s *Session) Write(data []byte) (int, error) {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return 0, nil
	}
	return conn.Write(data)
}

// SendBreak forwards to the attached console.
func (s *Session) SendBreak() error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.SendBreak()
}

// Reopen forwards to the attached console (SPEC_FULL's restored explicit
// reopen operation).
func (s *Session) Reopen() {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		conn.Reopen()
	}
}

// GetBufferAge forwards to the attached console (SPEC_FULL's restored
// get_buffer_age).
func (s *Session) GetBufferAge() time.Duration {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return -1
	}
	return conn.GetBufferAge()
}

// Node returns the node this session is attached to.
func (s *Session) Node() string { return s.node }

// Tenant returns the tenant this session belongs to.
func (s *Session) Tenant() string { return s.tenant }
