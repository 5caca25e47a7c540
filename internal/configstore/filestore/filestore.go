// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package filestore is a reference configstore.Store backed by a directory
// of per-node JSON attribute files, watched with fsnotify the way
// internal/drivesync/watcher.go watches a workspace mount: one watcher
// goroutine, debounced reload-and-diff on create/write, immediate react on
// remove/rename.
package filestore

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetops/consolehub/internal/configstore"
)

const debounceInterval = 200 * time.Millisecond

func init() {
	log.Printf("[filestore] REVISION: filestore-v1-fsnotify loaded at %s", time.Now().Format(time.RFC3339))
}

// Store watches dir for "<node>.json" files, each holding a flat
// map[string]string of attribute values.
type Store struct {
	dir    string
	tenant string
	fsw    *fsnotify.Watcher

	mu    sync.RWMutex
	attrs map[string]map[string]configstore.Attribute // node -> key -> value

	watchMu   sync.Mutex
	attrWatch map[configstore.WatchToken]*attrWatcher
	nodeWatch map[configstore.WatchToken]configstore.NodeCollectionWatchFunc
	nextID    int

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	stop    chan struct{}
	stopped chan struct{}
}

type attrWatcher struct {
	nodes map[string]bool
	keys  map[string]bool
	cb    configstore.AttributeWatchFunc
}

// New creates a Store rooted at dir, scoped to tenant. Call Start to begin
// watching.
func New(dir, tenant string) (*Store, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Store{
		dir:            dir,
		tenant:         tenant,
		fsw:            fsw,
		attrs:          make(map[string]map[string]configstore.Attribute),
		attrWatch:      make(map[configstore.WatchToken]*attrWatcher),
		nodeWatch:      make(map[configstore.WatchToken]configstore.NodeCollectionWatchFunc),
		debounceTimers: make(map[string]*time.Timer),
		stop:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}, nil
}

// Start loads the current contents of dir and begins watching it for
// changes.
func (s *Store) Start() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		node := strings.TrimSuffix(e.Name(), ".json")
		s.reload(node)
	}
	if err := s.fsw.Add(s.dir); err != nil {
		return err
	}
	go s.loop()
	return nil
}

// Stop shuts down the watcher. Idempotent.
func (s *Store) Stop() {
	select {
	case <-s.stop:
		return
	default:
	}
	close(s.stop)
	s.fsw.Close()
	<-s.stopped
}

func (s *Store) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.stop:
			s.debounceMu.Lock()
			for _, t := range s.debounceTimers {
				t.Stop()
			}
			s.debounceTimers = nil
			s.debounceMu.Unlock()
			return

		case ev, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			s.handleEvent(ev)

		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[filestore] watch error: %v", err)
		}
	}
}

func (s *Store) handleEvent(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if !strings.HasSuffix(base, ".json") {
		return
	}
	node := strings.TrimSuffix(base, ".json")

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		s.cancelDebounce(node)
		s.removeNode(node)
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	s.debounceMu.Lock()
	if t, ok := s.debounceTimers[node]; ok {
		t.Stop()
	}
	s.debounceTimers[node] = time.AfterFunc(debounceInterval, func() {
		s.debounceMu.Lock()
		delete(s.debounceTimers, node)
		s.debounceMu.Unlock()
		s.reload(node)
	})
	s.debounceMu.Unlock()
}

func (s *Store) cancelDebounce(node string) {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if t, ok := s.debounceTimers[node]; ok {
		t.Stop()
		delete(s.debounceTimers, node)
	}
}

func (s *Store) reload(node string) {
	data, err := os.ReadFile(filepath.Join(s.dir, node+".json"))
	if err != nil {
		return
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("[filestore] %s.json: %v", node, err)
		return
	}

	next := make(map[string]configstore.Attribute, len(raw))
	for k, v := range raw {
		next[k] = configstore.Attribute{Value: v}
	}

	s.mu.Lock()
	_, existed := s.attrs[node]
	prev := s.attrs[node]
	s.attrs[node] = next
	s.mu.Unlock()

	if !existed {
		s.fireNodeEvent(configstore.NodeEvent{Kind: configstore.NodeAdded, Node: node})
	}
	s.fireAttributeChange(node, prev, next)
}

func (s *Store) removeNode(node string) {
	s.mu.Lock()
	_, existed := s.attrs[node]
	delete(s.attrs, node)
	s.mu.Unlock()
	if existed {
		s.fireNodeEvent(configstore.NodeEvent{Kind: configstore.NodeRemoved, Node: node})
	}
}

func (s *Store) fireAttributeChange(node string, prev, next map[string]configstore.Attribute) {
	changed := make(map[string]configstore.Attribute)
	for k, v := range next {
		if old, ok := prev[k]; !ok || old.Value != v.Value {
			changed[k] = v
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			changed[k] = configstore.Attribute{}
		}
	}
	if len(changed) == 0 {
		return
	}

	s.watchMu.Lock()
	var matched []*attrWatcher
	for _, w := range s.attrWatch {
		if len(w.nodes) > 0 && !w.nodes[node] {
			continue
		}
		interested := false
		for k := range changed {
			if w.keys[k] {
				interested = true
				break
			}
		}
		if interested {
			matched = append(matched, w)
		}
	}
	s.watchMu.Unlock()

	for _, w := range matched {
		wChanged := make(map[string]configstore.Attribute)
		wAll := make(map[string]configstore.Attribute)
		for k := range w.keys {
			if v, ok := changed[k]; ok {
				wChanged[k] = v
			}
			if v, ok := next[k]; ok {
				wAll[k] = v
			}
		}
		if len(wChanged) == 0 {
			continue
		}
		w.cb(configstore.AttributeChange{Node: node, Tenant: s.tenant, Changed: wChanged, All: wAll})
	}
}

func (s *Store) fireNodeEvent(ev configstore.NodeEvent) {
	s.watchMu.Lock()
	watchers := make([]configstore.NodeCollectionWatchFunc, 0, len(s.nodeWatch))
	for _, cb := range s.nodeWatch {
		watchers = append(watchers, cb)
	}
	s.watchMu.Unlock()
	for _, cb := range watchers {
		cb(ev)
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

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.nextID++
	token := s.nextID
	s.attrWatch[token] = &attrWatcher{nodes: nodeSet, keys: keySet, cb: cb}
	return token, nil
}

func (s *Store) RemoveWatcher(token configstore.WatchToken) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	delete(s.attrWatch, token)
	delete(s.nodeWatch, token)
}

func (s *Store) IsNode(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.attrs[name]
	return ok, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.attrs))
	for n := range s.attrs {
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) WatchNodeCollection(cb configstore.NodeCollectionWatchFunc) (configstore.WatchToken, error) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.nextID++
	token := s.nextID
	s.nodeWatch[token] = cb
	return token, nil
}

func (s *Store) Tenant() string {
	return s.tenant
}
