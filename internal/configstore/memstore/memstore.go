// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package memstore is an in-memory configstore.Store, used by tests and by
// small deployments that manage node attributes entirely through the API
// rather than a backing file/database. Shaped like
// internal/registry's mutex-guarded map bookkeeping.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetops/consolehub/internal/configstore"
)

// Store is a map-backed configstore.Store.
type Store struct {
	tenant string

	mu         sync.RWMutex
	nodes      map[string]bool
	attrs      map[string]map[string]configstore.Attribute // node -> key -> value
	attrWatch  map[configstore.WatchToken]*attrWatcher
	nodeWatch  map[configstore.WatchToken]configstore.NodeCollectionWatchFunc
	nextHandle int
}

type attrWatcher struct {
	nodes map[string]bool
	keys  map[string]bool
	cb    configstore.AttributeWatchFunc
}

// New creates an empty Store scoped to tenant.
func New(tenant string) *Store {
	return &Store{
		tenant:    tenant,
		nodes:     make(map[string]bool),
		attrs:     make(map[string]map[string]configstore.Attribute),
		attrWatch: make(map[configstore.WatchToken]*attrWatcher),
		nodeWatch: make(map[configstore.WatchToken]configstore.NodeCollectionWatchFunc),
	}
}

// AddNode registers a node with the store, firing any node-collection
// watchers. Test/setup helper, not part of the Store interface.
func (s *Store) AddNode(node string) {
	s.mu.Lock()
	s.nodes[node] = true
	if _, ok := s.attrs[node]; !ok {
		s.attrs[node] = make(map[string]configstore.Attribute)
	}
	watchers := make([]configstore.NodeCollectionWatchFunc, 0, len(s.nodeWatch))
	for _, cb := range s.nodeWatch {
		watchers = append(watchers, cb)
	}
	s.mu.Unlock()

	for _, cb := range watchers {
		cb(configstore.NodeEvent{Kind: configstore.NodeAdded, Node: node})
	}
}

// RemoveNode removes a node, firing node-collection watchers.
func (s *Store) RemoveNode(node string) {
	s.mu.Lock()
	delete(s.nodes, node)
	delete(s.attrs, node)
	watchers := make([]configstore.NodeCollectionWatchFunc, 0, len(s.nodeWatch))
	for _, cb := range s.nodeWatch {
		watchers = append(watchers, cb)
	}
	s.mu.Unlock()

	for _, cb := range watchers {
		cb(configstore.NodeEvent{Kind: configstore.NodeRemoved, Node: node})
	}
}

// SetAttribute sets a single attribute on a node, firing matching attribute
// watchers with a Changed set containing only this key. Setting a key to the
// value it already holds fires nothing.
func (s *Store) SetAttribute(node, key, value string) {
	s.mu.Lock()
	if _, ok := s.attrs[node]; !ok {
		s.attrs[node] = make(map[string]configstore.Attribute)
	}
	if old, ok := s.attrs[node][key]; ok && old.Value == value {
		s.mu.Unlock()
		return
	}
	s.attrs[node][key] = configstore.Attribute{Value: value}

	var matched []*attrWatcher
	for _, w := range s.attrWatch {
		if (len(w.nodes) == 0 || w.nodes[node]) && w.keys[key] {
			matched = append(matched, w)
		}
	}
	all := make(map[string]configstore.Attribute)
	for _, w := range matched {
		for k := range w.keys {
			if v, ok := s.attrs[node][k]; ok {
				all[k] = v
			}
		}
	}
	s.mu.Unlock()

	change := configstore.AttributeChange{
		Node:    node,
		Tenant:  s.tenant,
		Changed: map[string]configstore.Attribute{key: {Value: value}},
		All:     all,
	}
	for _, w := range matched {
		w.cb(change)
	}
}

func (s *Store) GetNodeAttributes(ctx context.Context, nodes []string, keys []string) (map[string]map[string]configstore.Attribute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]map[string]configstore.Attribute, len(nodes))
	for _, node := range nodes {
		nodeAttrs, ok := s.attrs[node]
		if !ok {
			continue
		}
		out := make(map[string]configstore.Attribute)
		for _, key := range keys {
			if v, ok := nodeAttrs[key]; ok {
				out[key] = v
			}
		}
		result[node] = out
	}
	return result, nil
}

func (s *Store) WatchAttributes(nodes []string, keys []string, cb configstore.AttributeWatchFunc) (configstore.WatchToken, error) {
	nodeSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeSet[n] = true
	}
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandle++
	token := fmt.Sprintf("attr-%d", s.nextHandle)
	s.attrWatch[token] = &attrWatcher{nodes: nodeSet, keys: keySet, cb: cb}
	return token, nil
}

func (s *Store) RemoveWatcher(token configstore.WatchToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attrWatch, token)
	delete(s.nodeWatch, token)
}

func (s *Store) IsNode(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[name], nil
}

func (s *Store) ListNodes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.nodes))
	for n := range s.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) WatchNodeCollection(cb configstore.NodeCollectionWatchFunc) (configstore.WatchToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandle++
	token := fmt.Sprintf("node-%d", s.nextHandle)
	s.nodeWatch[token] = cb
	return token, nil
}

func (s *Store) Tenant() string {
	return s.tenant
}
