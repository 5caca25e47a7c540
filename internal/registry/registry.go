// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package registry implements the process-wide (node, tenant) → console
// mapping and node-collection lifecycle hooks (spec §4.7, C7). Grounded on
// internal/sessions/manager.go's Manager directly: an RWMutex-guarded map
// with Create/Get/Delete/List/Shutdown, generalized from session-ID keys to
// (node, tenant) keys and from "own a workspace directory" to "own or proxy
// a console.Handler".
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fleetops/consolehub/internal/collective"
	"github.com/fleetops/consolehub/internal/configstore"
	"github.com/fleetops/consolehub/internal/console"
)

const registryRevision = "registry-v5-node-tenant-keyed"

func init() {
	log.Printf("[registry] REVISION: %s loaded at %s", registryRevision, time.Now().Format(time.RFC3339))
}

// ErrUnknownNode is returned by Connect for a node the config store doesn't
// know about.
var ErrUnknownNode = errors.New("registry: node not found")

// managerAttr is the attribute spec §4.7 reads to decide ownership.
const managerAttr = "collective.manager"

// ProxyDialer opens a C6 ProxyConsole to a node owned by another collective
// member. Implemented by internal/proxy; kept as an interface here so the
// registry doesn't need to import proxy's TLS/wire-protocol machinery.
type ProxyDialer interface {
	Dial(ctx context.Context, member collective.Member, node, tenant, user string) (console.Console, error)
}

type key struct {
	node   string
	tenant string
}

// Registry is the process-wide (node, tenant) -> handler map, C7.
type Registry struct {
	mu       sync.Mutex
	handlers map[key]*console.Handler
	cfg      console.Config
	dialer   ProxyDialer
	tenant   string

	watchMu    sync.Mutex
	watchToken configstore.WatchToken
}

// New creates a Registry. cfg supplies the collaborators every locally-owned
// ConsoleHandler needs (store, membership, backend factory, log dir); dialer
// may be nil if this process never needs to proxy to a peer.
func New(cfg console.Config, dialer ProxyDialer) *Registry {
	return &Registry{
		handlers: make(map[key]*console.Handler),
		cfg:      cfg,
		dialer:   dialer,
		tenant:   cfg.Store.Tenant(),
	}
}

// Connect implements spec §4.7's connect_node: resolve collective.manager
// for node; if it names a different member, return a fresh (uncached)
// ProxyConsole; otherwise return the cached ConsoleHandler, creating it if
// absent. Satisfies internal/session.Resolver.
func (r *Registry) Connect(ctx context.Context, node, tenant, user string) (console.Console, error) {
	known, err := r.cfg.Store.IsNode(ctx, node)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, ErrUnknownNode
	}

	manager, err := r.managerOf(ctx, node)
	if err != nil {
		return nil, err
	}

	if manager != "" && manager != r.cfg.Membership.MyName() {
		if r.dialer == nil {
			return nil, fmt.Errorf("registry: node %s owned by %s but no proxy dialer configured", node, manager)
		}
		member, err := r.cfg.Membership.Member(manager)
		if err != nil {
			return nil, err
		}
		return r.dialer.Dial(ctx, member, node, tenant, user)
	}

	return r.handlerFor(node, tenant), nil
}

// managerOf reads the node's collective.manager attribute, returning "" if
// unset.
func (r *Registry) managerOf(ctx context.Context, node string) (string, error) {
	attrs, err := r.cfg.Store.GetNodeAttributes(ctx, []string{node}, []string{managerAttr})
	if err != nil {
		return "", err
	}
	return attrs[node][managerAttr].Value, nil
}

// handlerFor returns the cached handler for (node, tenant), creating it if
// absent.
func (r *Registry) handlerFor(node, tenant string) *console.Handler {
	k := key{node: node, tenant: tenant}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handlers[k]; ok {
		return h
	}
	h := console.New(node, tenant, r.cfg)
	r.handlers[k] = h
	return h
}

// Disconnect implements spec §4.7's disconnect_node: closes and evicts the
// handler for (node, tenant), if present. A node currently proxied (not
// cached here) is a no-op.
func (r *Registry) Disconnect(node, tenant string) {
	k := key{node: node, tenant: tenant}

	r.mu.Lock()
	h, ok := r.handlers[k]
	if ok {
		delete(r.handlers, k)
	}
	r.mu.Unlock()

	if ok {
		h.Close()
	}
}

// Get returns the cached handler for (node, tenant), if any, without
// creating one or resolving ownership.
func (r *Registry) Get(node, tenant string) (*console.Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[key{node: node, tenant: tenant}]
	return h, ok
}

// StartConsoleSessions implements spec §4.7's start_console_sessions: for
// every node not currently owned by another member, pre-warm a handler; then
// install a node-collection watcher that connects newly added nodes and
// disconnects removed ones.
func (r *Registry) StartConsoleSessions(ctx context.Context) error {
	nodes, err := r.cfg.Store.ListNodes(ctx)
	if err != nil {
		return err
	}

	for _, node := range nodes {
		r.preWarm(ctx, node)
	}

	token, err := r.cfg.Store.WatchNodeCollection(func(ev configstore.NodeEvent) {
		switch ev.Kind {
		case configstore.NodeAdded:
			r.preWarm(context.Background(), ev.Node)
		case configstore.NodeRemoved:
			r.Disconnect(ev.Node, r.tenant)
		}
	})
	if err != nil {
		return err
	}

	r.watchMu.Lock()
	r.watchToken = token
	r.watchMu.Unlock()
	return nil
}

// preWarm instantiates a local handler for node if this process owns it;
// nodes owned by another member are left to their owner's registry and are
// resolved lazily (via Connect, returning a ProxyConsole) by whoever attaches
// to them.
func (r *Registry) preWarm(ctx context.Context, node string) {
	manager, err := r.managerOf(ctx, node)
	if err != nil {
		log.Printf("[registry] failed to read %s for %s: %v", managerAttr, node, err)
		return
	}
	if manager != "" && manager != r.cfg.Membership.MyName() {
		return
	}
	r.handlerFor(node, r.tenant)
}

// Shutdown closes every cached handler and cancels the node-collection
// watch.
func (r *Registry) Shutdown() {
	r.watchMu.Lock()
	if r.watchToken != nil {
		r.cfg.Store.RemoveWatcher(r.watchToken)
		r.watchToken = nil
	}
	r.watchMu.Unlock()

	r.mu.Lock()
	handlers := make([]*console.Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.handlers = make(map[key]*console.Handler)
	r.mu.Unlock()

	for _, h := range handlers {
		h.Close()
	}
}
