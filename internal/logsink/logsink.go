// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package logsink defines the per-handler log writer contract (spec §4.4
// step 4, §7): byte chunks tagged with an eventdata bitmask of latched
// terminal modes, and typed connection/client events. The JSON-file
// reference implementation persists the way internal/statecache/cache.go
// persists its state file, minus the HTTP sync concern this domain has no
// use for.
package logsink

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const logsinkRevision = "logsink-v1-jsonl"

func init() {
	log.Printf("[logsink] REVISION: %s loaded at %s", logsinkRevision, time.Now().Format(time.RFC3339))
}

// Eventdata bits for byte-chunk records (spec §4.4 step 4, §7).
const (
	EventAppMode = 1 << 0
	EventShiftIn = 1 << 1
)

// Event kinds for connection/client transitions (spec §7).
const (
	EventConsoleConnect    = "consoleconnect"
	EventConsoleDisconnect = "consoledisconnect"
	EventClientConnect     = "clientconnect"
	EventClientDisconnect  = "clientdisconnect"
)

// Encode computes the eventdata bitmask for a byte chunk given the latched
// terminal modes in effect when it was received.
func Encode(appMode bool, shiftIn byte) int {
	bits := 0
	if appMode {
		bits |= EventAppMode
	}
	if shiftIn != 0 {
		bits |= EventShiftIn
	}
	return bits
}

// Sink is the log writer a ConsoleHandler owns (spec §4.4 "Creation",
// §3 "log writer"). All methods must be safe for concurrent use and must
// not block the caller for long, since they're invoked from the handler's
// byte-processing worker.
type Sink interface {
	// AppendBytes logs one raw backend byte chunk (as received, before
	// normalisation) with its eventdata tag.
	AppendBytes(data []byte, eventdata int) error
	// AppendEvent logs a typed transition (consoleconnect, clientconnect,
	// ...) with a string payload (e.g. username) and an eventdata tag
	// (multiplicity, per spec §7).
	AppendEvent(kind string, payload string, eventdata int) error
	// Close flushes and releases any underlying resources.
	Close() error
}

// record is one persisted log line.
type record struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind,omitempty"` // empty for a plain byte chunk
	Data      []byte    `json:"data,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	Eventdata int       `json:"eventdata"`
}

// FileSink is a reference Sink appending newline-delimited JSON records to
// a per-node file, the way statecache.Cache persists state.json — opened
// once, written under a mutex, fsync left to the OS.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
}

// NewFileSink opens (creating if necessary) the log file for node under
// dir.
func NewFileSink(dir, node string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, node+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) AppendBytes(data []byte, eventdata int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(record{Time: time.Now().UTC(), Data: data, Eventdata: eventdata})
}

func (s *FileSink) AppendEvent(kind string, payload string, eventdata int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(record{Time: time.Now().UTC(), Kind: kind, Payload: payload, Eventdata: eventdata})
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
