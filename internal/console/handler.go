// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package console implements the ConsoleHandler state machine (spec §4.4,
// C4): one actor per (node, tenant) owning the backend connection, the
// terminal buffer, the log writer, and the set of attached sessions. All
// mutation happens on the handler's own serialised command queue — the
// generalised, channel-based equivalent of internal/pty/hub.go's
// register/unregister/Run() select loop, since this handler has many more
// mutating operations (attach, detach, write, attribute changes, connect
// results, retries) than a PTY hub's two.
package console

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/fleetops/consolehub/internal/backend"
	"github.com/fleetops/consolehub/internal/collective"
	"github.com/fleetops/consolehub/internal/configstore"
	"github.com/fleetops/consolehub/internal/logsink"
	"github.com/fleetops/consolehub/internal/normalize"
	"github.com/fleetops/consolehub/internal/replay"
	"github.com/fleetops/consolehub/internal/vtscreen"
)

const handlerRevision = "console-handler-v1"

func init() {
	log.Printf("[console] REVISION: %s loaded at %s", handlerRevision, time.Now().Format(time.RFC3339))
}

// clearBufferMessage is the stray ESC-c fragment the original implementation
// writes into the buffer on every disconnect/logging-change clear. Spec §9
// documents this as a likely source bug but directs keeping it verbatim.
const clearBufferMessage = "\x1bc[no replay buffer due to console.logging attribute set to " +
	"none or interactive,\r\nconnection loss, or service restart]"

// ConnectState mirrors spec §3's connectstate enum.
type ConnectState int

const (
	Unconnected ConnectState = iota
	Connecting
	Connected
)

func (s ConnectState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unconnected"
	}
}

// ErrorState mirrors spec §3's error enum.
type ErrorState int

const (
	ErrNone ErrorState = iota
	ErrBadCredentials
	ErrUnreachable
	ErrMisconfigured
	ErrUnknown
)

func (e ErrorState) String() string {
	switch e {
	case ErrBadCredentials:
		return "badcredentials"
	case ErrUnreachable:
		return "unreachable"
	case ErrMisconfigured:
		return "misconfigured"
	case ErrUnknown:
		return "unknown"
	default:
		return "none"
	}
}

// Notification is one of the control-record union cases spec §4.5 describes
// ({connectstate, error?}, {clientcount}, {deleting: true}), plus Reattach,
// which signals a session that collective.manager changed underneath it and
// it must detach and re-resolve through the registry (spec §4.5's detach()
// note, §4.4's "detach all sessions" reaction).
type Notification struct {
	ConnectState *ConnectState
	Error        *ErrorState
	ClientCount  *int
	Deleting     bool
	Reattach     bool
}

// Subscriber is the C5 session contract a Handler fans bytes and
// notifications out to.
type Subscriber interface {
	ID() string
	Username() string
	DeliverBytes(data []byte)
	DeliverNotification(Notification)
}

// Console is the operation set spec §4.6 says C6's ProxyConsole mirrors from
// C4: both a *Handler and a proxy.ProxyConsole satisfy this.
type Console interface {
	AttachSession(sub Subscriber, skipReplay bool) ([]byte, replay.Record)
	Detach(sub Subscriber)
	Write(data []byte) (int, error)
	SendBreak() error
	Reopen()
	GetRecent() ([]byte, replay.Record)
	GetBufferAge() time.Duration
	Close()
}

// watchedAttrs are the baseline config keys every handler watches (spec
// §4.4 "Creation"), in addition to whatever the backend factory declares via
// backend.ConfigAttributes.
var watchedAttrs = []string{"console.method", "console.logging", "collective.manager"}

// Config groups a Handler's external collaborators.
type Config struct {
	Store      configstore.Store
	Membership collective.Membership
	Factory    backend.Factory
	// LogDir is where the bundled logsink.FileSink writes; empty disables
	// logging regardless of the console.logging attribute.
	LogDir string
}

// Handler is the per-(node,tenant) actor (spec §4.4, C4).
type Handler struct {
	node   string
	tenant string
	cfg    Config

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once

	connectState ConnectState
	errState     ErrorState
	isLocal      bool
	isOndemand   bool
	doLogging    bool
	alive        bool
	retryTime    int
	lastTime     time.Time
	attrs        map[string]string

	screen  *vtscreen.Screen
	decoder *normalize.Decoder
	sink    logsink.Sink

	backendConsole backend.Console
	connectGen     int

	subscribers    map[string]Subscriber
	usernameCounts map[string]int

	attribToken configstore.WatchToken

	reconnectTimer       *time.Timer
	pendingBufferCleared bool
}

// New constructs a Handler for (node, tenant) and starts its loop. Creation
// (spec §4.4) runs asynchronously on the loop itself; callers that need to
// observe the outcome should Attach a session, which blocks until the
// handler has processed the attach.
func New(node, tenant string, cfg Config) *Handler {
	h := &Handler{
		node:           node,
		tenant:         tenant,
		cfg:            cfg,
		cmds:           make(chan func(), 64),
		done:           make(chan struct{}),
		alive:          true,
		screen:         vtscreen.New(),
		decoder:        normalize.NewDecoder(),
		subscribers:    make(map[string]Subscriber),
		usernameCounts: make(map[string]int),
	}
	go h.run()
	h.submit(h.init)
	return h
}

func (h *Handler) run() {
	for {
		select {
		case fn := <-h.cmds:
			fn()
		case <-h.done:
			return
		}
	}
}

// submit enqueues fn to run serially on the handler's loop. Safe from any
// goroutine, including the loop's own (nested submits simply queue).
func (h *Handler) submit(fn func()) {
	select {
	case h.cmds <- fn:
	case <-h.done:
	}
}

// submitWait enqueues fn and blocks until it has run, or the handler closed
// first.
func (h *Handler) submitWait(fn func()) {
	wait := make(chan struct{})
	h.submit(func() {
		fn()
		close(wait)
	})
	select {
	case <-wait:
	case <-h.done:
	}
}

func (h *Handler) watchKeys() []string {
	keys := append([]string{}, watchedAttrs...)
	if ca, ok := h.cfg.Factory.(backend.ConfigAttributes); ok {
		keys = append(keys, ca.ConfigAttributes()...)
	}
	return keys
}

// init performs spec §4.4's "Creation" step. Runs on the loop.
func (h *Handler) init() {
	keys := h.watchKeys()
	attrMap, err := h.cfg.Store.GetNodeAttributes(context.Background(), []string{h.node}, keys)
	if err != nil {
		log.Printf("[console] %s/%s: initial attribute read failed: %v", h.tenant, h.node, err)
	}
	h.applyAttributes(attrMap[h.node])

	token, err := h.cfg.Store.WatchAttributes([]string{h.node}, keys, h.onAttributeChange)
	if err != nil {
		log.Printf("[console] %s/%s: watch attributes failed: %v", h.tenant, h.node, err)
	} else {
		h.attribToken = token
	}

	if h.isLocal && !h.isOndemand {
		h.startConnect()
	}
}

func (h *Handler) applyAttributes(attrs map[string]configstore.Attribute) {
	flat := make(map[string]string, len(attrs))
	for k, v := range attrs {
		flat[k] = v.Value
	}
	h.attrs = flat

	manager := attrs["collective.manager"].Value
	h.isLocal = manager == "" || manager == h.cfg.Membership.MyName()

	isOndemand, doLogging := loggingMode(attrs["console.logging"].Value)
	h.isOndemand = isOndemand
	h.setLogging(doLogging)
}

// loggingMode maps a console.logging attribute value to (is_ondemand,
// do_logging) per spec §4.4's attribute-change rule: {full, "", buffer} is
// always-on; {none, memory} is on-demand with no logging; anything else is
// on-demand with logging.
func loggingMode(value string) (isOndemand, doLogging bool) {
	switch value {
	case "full", "", "buffer":
		return false, true
	case "none", "memory":
		return true, false
	default:
		return true, true
	}
}

func (h *Handler) setLogging(doLogging bool) {
	h.doLogging = doLogging
	if doLogging && h.sink == nil && h.cfg.LogDir != "" {
		sink, err := logsink.NewFileSink(h.cfg.LogDir, h.node)
		if err != nil {
			log.Printf("[console] %s/%s: log sink open failed: %v", h.tenant, h.node, err)
		} else {
			h.sink = sink
		}
	}
	if !doLogging && h.sink != nil {
		h.sink.Close()
		h.sink = nil
	}
}

func (h *Handler) onAttributeChange(change configstore.AttributeChange) {
	h.submit(func() { h.handleAttributeChange(change) })
}

func (h *Handler) handleAttributeChange(change configstore.AttributeChange) {
	if _, changed := change.Changed["collective.manager"]; changed {
		manager := change.All["collective.manager"].Value
		wasLocal := h.isLocal
		h.isLocal = manager == "" || manager == h.cfg.Membership.MyName()
		if wasLocal && !h.isLocal {
			h.detachAllForOwnershipChange()
			h.closeBackend()
			h.connectState = Unconnected
			return
		}
	}

	loggingVal, loggingChanged := change.Changed["console.logging"]
	if loggingChanged {
		isOndemand, doLogging := loggingMode(loggingVal.Value)
		h.isOndemand = isOndemand
		h.setLogging(doLogging)
	}

	if loggingChanged && len(change.Changed) == 1 {
		return
	}

	if h.isOndemand {
		if len(h.subscribers) > 0 {
			h.triggerReconnect()
		}
	} else {
		h.triggerReconnect()
	}
}

func (h *Handler) triggerReconnect() {
	h.closeBackend()
	h.startConnect()
}

func (h *Handler) detachAllForOwnershipChange() {
	for _, sub := range h.subscribers {
		sub.DeliverNotification(Notification{Reattach: true})
	}
	h.subscribers = make(map[string]Subscriber)
	h.usernameCounts = make(map[string]int)
}

// closeBackend closes the current backend connection, if any, and
// invalidates any in-flight connect/callback (spec §4.4 connect-procedure
// step 2's "cancel any in-flight connect task").
func (h *Handler) closeBackend() {
	h.connectGen++
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
		h.reconnectTimer = nil
	}
	if h.backendConsole != nil {
		bc := h.backendConsole
		h.backendConsole = nil
		go bc.Close()
	}
}

// startConnect performs spec §4.4's connect procedure, steps 1-2 inline and
// steps 3-5 asynchronously via doConnect (backend creation and Connect() are
// suspension points, per §5, and must not block the handler's loop).
func (h *Handler) startConnect() {
	if !h.isLocal {
		return
	}
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
		h.reconnectTimer = nil
	}
	h.connectGen++
	gen := h.connectGen
	h.connectState = Connecting
	attrs := h.attrs
	go h.doConnect(gen, attrs)
}

func (h *Handler) doConnect(gen int, attrs map[string]string) {
	ctx := context.Background()
	c, err := h.cfg.Factory.Create(ctx, h.node, attrs)
	if err != nil {
		h.submit(func() { h.connectFailed(gen, err, true) })
		return
	}
	cb := func(chunk backend.Chunk) {
		h.submit(func() { h.onBytes(gen, c, chunk) })
	}
	if err := c.Connect(ctx, cb); err != nil {
		h.submit(func() { h.connectFailed(gen, err, false) })
		return
	}
	h.submit(func() { h.connectSucceeded(gen, c) })
}

func (h *Handler) connectFailed(gen int, err error, fromCreate bool) {
	if gen != h.connectGen {
		return
	}
	if fromCreate && (errors.Is(err, backend.ErrNotImplemented) || errors.Is(err, backend.ErrNotFound)) {
		h.errState = ErrMisconfigured
		h.connectState = Unconnected
		h.clearBuffer()
		h.notifyAll()
		return
	}
	switch {
	case errors.Is(err, backend.ErrBadCredentials):
		h.errState = ErrBadCredentials
	case errors.Is(err, backend.ErrUnreachable):
		h.errState = ErrUnreachable
	default:
		log.Printf("[console] %s/%s: connect failed: %v", h.tenant, h.node, err)
		h.errState = ErrUnknown
	}
	h.connectState = Unconnected
	h.notifyAll()
	h.scheduleRetry()
}

func (h *Handler) connectSucceeded(gen int, c backend.Console) {
	if gen != h.connectGen {
		go c.Close()
		return
	}
	h.backendConsole = c
	h.connectState = Connected
	h.errState = ErrNone
	h.retryTime = 0
	if h.sink != nil {
		h.sink.AppendEvent(logsink.EventConsoleConnect, "", 0)
	}
	h.notifyAll()
}

// scheduleRetry arms a one-shot reconnect timer per spec §3 invariant 5.
func (h *Handler) scheduleRetry() {
	if !h.alive {
		return
	}
	delay := h.computeRetryDelay()
	h.reconnectTimer = time.AfterFunc(delay, func() {
		h.submit(h.startConnect)
	})
}

// computeRetryDelay implements spec §3 invariant 5's literal formula:
// retry_time doubles-plus-one per attempt (capped 120), effective delay is
// max(120, cluster_size * 0.05 * retry_time), times a random factor in
// [1, 2). See DESIGN.md's "Backoff formula" entry for why this follows
// spec's literal max() wording over the original source's cap/min.
func (h *Handler) computeRetryDelay() time.Duration {
	h.retryTime = h.retryTime*2 + 1
	if h.retryTime > 120 {
		h.retryTime = 120
	}
	clusterSize := h.clusterSize()
	scaled := float64(clusterSize) * 0.05 * float64(h.retryTime)
	effective := scaled
	if effective < 120 {
		effective = 120
	}
	jitter := 1 + rand.Float64()
	return time.Duration(effective * jitter * float64(time.Second))
}

func (h *Handler) clusterSize() int {
	nodes, err := h.cfg.Store.ListNodes(context.Background())
	if err != nil || len(nodes) == 0 {
		return 1
	}
	return len(nodes)
}

// onBytes is spec §4.4's "on backend bytes" worker. gen/c pin it to the
// backend connection it was registered against; a stale callback from a
// superseded connection is dropped.
func (h *Handler) onBytes(gen int, c backend.Console, chunk backend.Chunk) {
	if gen != h.connectGen || h.backendConsole != c {
		return
	}
	if chunk.IsDisconnect {
		h.gotDisconnected()
		return
	}
	data := chunk.Data
	if len(data) == 0 {
		return
	}

	h.screen.Feed(data)
	appMode := h.screen.AppMode()
	shiftIn := h.screen.ShiftIn()
	eventdata := logsink.Encode(appMode, shiftIn)
	if h.sink != nil {
		h.sink.AppendBytes(data, eventdata)
	}
	h.lastTime = time.Now()

	var prefix []byte
	if h.pendingBufferCleared {
		prefix = []byte("\x1bc")
		h.screen.Feed(prefix)
		h.pendingBufferCleared = false
	}

	normalized := h.decoder.Process(data, shiftIn != 0)
	out := append(prefix, normalized...)
	h.fanOutBytes(out)
}

func (h *Handler) fanOutBytes(data []byte) {
	for _, sub := range h.subscribers {
		h.deliverSafely(sub, data)
	}
}

// deliverSafely isolates one faulty subscriber from the rest of the fan-out
// (spec §5 "Fan-out": a failure in one sink is logged and does not abort
// delivery to the rest).
func (h *Handler) deliverSafely(sub Subscriber, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[console] %s/%s: subscriber %s panicked on delivery: %v", h.tenant, h.node, sub.ID(), r)
		}
	}()
	sub.DeliverBytes(data)
}

func (h *Handler) gotDisconnected() {
	h.connectState = Unconnected
	h.errState = ErrNone
	if h.sink != nil {
		h.sink.AppendEvent(logsink.EventConsoleDisconnect, "", 0)
	}
	h.notifyAll()
	h.backendConsole = nil
	if h.alive {
		h.startConnect()
	} else {
		h.clearBuffer()
	}
}

// clearBuffer writes the documented stray reset fragment into the buffer
// and to subscribers, then arms pendingBufferCleared so that, with the next
// connection's first byte batch, subscribers receive a plain ESC c ahead of
// that batch and the screen is fed an ESC c after it (spec §4.4 steps 6-7).
func (h *Handler) clearBuffer() {
	data := []byte(clearBufferMessage)
	h.screen.Feed(data)
	h.fanOutBytes(data)
	h.pendingBufferCleared = true
}

func (h *Handler) notifyAll() {
	cs, es := h.connectState, h.errState
	h.broadcastNotification(Notification{ConnectState: &cs, Error: &es})
}

func (h *Handler) notifyClientCount() {
	n := len(h.subscribers)
	h.broadcastNotification(Notification{ClientCount: &n})
}

func (h *Handler) broadcastNotification(n Notification) {
	for _, sub := range h.subscribers {
		sub.DeliverNotification(n)
	}
}

// AttachSession performs spec §4.5's replay-then-attach sequence atomically
// on the loop: the replay snapshot is taken and delivered to sub directly
// (unless skipReplay) before sub is added to subscribers, so no live byte
// chunk reaching the loop afterward can be fanned out to sub ahead of its
// replay — fanOutBytes and this delivery both run on the same serialised
// loop, so ordering is what the loop does them in, not a race between a
// caller and the loop. The returned values mirror what was delivered, for
// callers that only want to know, not deliver it themselves again.
func (h *Handler) AttachSession(sub Subscriber, skipReplay bool) ([]byte, replay.Record) {
	var data []byte
	var rec replay.Record
	h.submitWait(func() {
		if !skipReplay {
			data, rec = replay.Generate(h.screen, h.connectState.String(), len(h.subscribers)+1)
			if len(data) > 0 {
				sub.DeliverBytes(data)
			}
			cs := connectStateFromString(rec.ConnectState)
			count := rec.ClientCount
			sub.DeliverNotification(Notification{ConnectState: &cs, ClientCount: &count})
		}
		h.attach(sub)
	})
	return data, rec
}

func connectStateFromString(v string) ConnectState {
	switch v {
	case Connected.String():
		return Connected
	case Connecting.String():
		return Connecting
	default:
		return Unconnected
	}
}

func (h *Handler) attach(sub Subscriber) {
	if _, dup := h.subscribers[sub.ID()]; dup {
		return
	}
	h.subscribers[sub.ID()] = sub
	h.usernameCounts[sub.Username()]++
	eventdata := 1
	if h.usernameCounts[sub.Username()] > 1 {
		eventdata = 2
	}
	if h.sink != nil {
		h.sink.AppendEvent(logsink.EventClientConnect, sub.Username(), eventdata)
	}
	h.notifyClientCount()
	if h.connectState == Unconnected {
		h.startConnect()
	}
}

// Detach performs spec §4.5's detach operation.
func (h *Handler) Detach(sub Subscriber) {
	h.submitWait(func() { h.detach(sub) })
}

func (h *Handler) detach(sub Subscriber) {
	if _, ok := h.subscribers[sub.ID()]; !ok {
		return
	}
	delete(h.subscribers, sub.ID())
	username := sub.Username()
	remaining := h.usernameCounts[username] - 1
	if remaining <= 0 {
		delete(h.usernameCounts, username)
		remaining = 0
	} else {
		h.usernameCounts[username] = remaining
	}
	eventdata := remaining
	if eventdata > 2 {
		eventdata = 2
	}
	if h.sink != nil {
		h.sink.AppendEvent(logsink.EventClientDisconnect, username, eventdata)
	}
	h.notifyClientCount()
	if h.isOndemand && len(h.subscribers) == 0 {
		h.closeBackend()
		h.connectState = Unconnected
	}
}

// Write performs spec §4.4's write-through.
func (h *Handler) Write(data []byte) (int, error) {
	var n int
	var err error
	h.submitWait(func() {
		if h.connectState != Connected || h.backendConsole == nil {
			return
		}
		n, err = h.backendConsole.Write(data)
		if err != nil {
			log.Printf("[console] %s/%s: write failed: %v", h.tenant, h.node, err)
			h.gotDisconnected()
		}
	})
	return n, err
}

// SendBreak forwards to the backend's break operation.
func (h *Handler) SendBreak() error {
	var err error
	h.submitWait(func() {
		if h.backendConsole != nil {
			err = h.backendConsole.SendBreak()
		}
	})
	return err
}

// Reopen cancels any pending retry and immediately attempts a connect,
// resetting retry_time first (SPEC_FULL's restored "manual reopen" feature).
func (h *Handler) Reopen() {
	h.submit(func() {
		h.retryTime = 0
		h.startConnect()
	})
}

// GetRecent returns the current replay snapshot without attaching anything.
func (h *Handler) GetRecent() ([]byte, replay.Record) {
	var data []byte
	var rec replay.Record
	h.submitWait(func() {
		data, rec = replay.Generate(h.screen, h.connectState.String(), len(h.subscribers))
	})
	return data, rec
}

// GetBufferAge returns the time since the last byte chunk, or -1 if none has
// arrived yet (SPEC_FULL's restored get_buffer_age).
func (h *Handler) GetBufferAge() time.Duration {
	var age time.Duration
	h.submitWait(func() {
		if h.lastTime.IsZero() {
			age = -1
			return
		}
		age = time.Since(h.lastTime)
	})
	return age
}

// Ping forwards to the backend's optional Ping, if it implements one
// (SPEC_FULL's restored ping passthrough). A no-op when unsupported.
func (h *Handler) Ping(ctx context.Context) error {
	var pinger backend.Pinger
	h.submitWait(func() {
		pinger, _ = h.backendConsole.(backend.Pinger)
	})
	if pinger == nil {
		return nil
	}
	return pinger.Ping(ctx)
}

// Close performs spec §4.4's close: alive=false, notify {deleting:true},
// close the backend, cancel the attribute watcher. Idempotent.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.submitWait(func() {
			h.alive = false
			if h.attribToken != nil {
				h.cfg.Store.RemoveWatcher(h.attribToken)
			}
			h.closeBackend()
			h.broadcastNotification(Notification{Deleting: true})
			if h.sink != nil {
				h.sink.Close()
			}
		})
		close(h.done)
	})
}

// Node and Tenant identify this handler within the registry (spec §3's
// "handler key is the pair (node name, tenant id)").
func (h *Handler) Node() string   { return h.node }
func (h *Handler) Tenant() string { return h.tenant }
