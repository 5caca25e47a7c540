// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package configstore defines the configuration-store contract the console
// subsystem depends on (spec §6): reading and watching node attributes,
// listing/watching the node collection, and the tenant the store is scoped
// to. The store itself — LDAP-backed, database-backed, file-backed, whatever
// — is an external collaborator; this package only names the shape.
package configstore

import "context"

// Attribute is a single (possibly empty) attribute value for a node.
type Attribute struct {
	Value string
}

// AttributeChange describes one node's watched attributes changing. Changed
// holds only the attributes that actually changed value (spec §4.4 relies
// on being able to tell "only console.logging changed" apart from a
// multi-key change).
type AttributeChange struct {
	Node    string
	Tenant  string
	Changed map[string]Attribute // key -> new value, only for changed keys
	All     map[string]Attribute // key -> value, full current set for the watched keys
}

// AttributeWatchFunc is invoked on every attribute change for a watched
// node. It must return quickly; callers that need to do real work enqueue it
// elsewhere (this mirrors every other callback contract in this module).
type AttributeWatchFunc func(AttributeChange)

// NodeEventKind distinguishes node add/remove for WatchNodeCollection.
type NodeEventKind int

const (
	NodeAdded NodeEventKind = iota
	NodeRemoved
)

// NodeEvent is delivered to a node-collection watcher.
type NodeEvent struct {
	Kind NodeEventKind
	Node string
}

// NodeCollectionWatchFunc is invoked on node add/remove.
type NodeCollectionWatchFunc func(NodeEvent)

// WatchToken cancels a registered watch via RemoveWatcher.
type WatchToken interface{}

// Store is the config-store contract consumed by the console subsystem.
type Store interface {
	// GetNodeAttributes returns, for each requested node, the values of the
	// requested keys (only keys present on that node are included).
	GetNodeAttributes(ctx context.Context, nodes []string, keys []string) (map[string]map[string]Attribute, error)

	// WatchAttributes registers cb to be invoked whenever any of keys
	// changes on any of nodes. Returns a token for RemoveWatcher.
	WatchAttributes(nodes []string, keys []string, cb AttributeWatchFunc) (WatchToken, error)

	// RemoveWatcher cancels a previously registered watch. Idempotent.
	RemoveWatcher(token WatchToken)

	// IsNode reports whether name is a known node.
	IsNode(ctx context.Context, name string) (bool, error)

	// ListNodes returns all known node names.
	ListNodes(ctx context.Context) ([]string, error)

	// WatchNodeCollection registers cb to be invoked on node add/remove.
	// Returns a token for RemoveWatcher.
	WatchNodeCollection(cb NodeCollectionWatchFunc) (WatchToken, error)

	// Tenant is the tenant ID this store instance is scoped to.
	Tenant() string
}
