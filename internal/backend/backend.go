// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package backend defines the plugin contract a console handler needs from
// whatever actually owns the physical (or virtual) console session for a
// node. The plugin layer that instantiates concrete backends — serial
// concentrators, BMC consoles, hypervisor consoles, SSH to a jump host — is
// an external collaborator; this package only names the shape it must have.
package backend

import (
	"context"
	"errors"
)

// Sentinel errors a Factory or Console may return. Handlers use errors.Is
// against these to pick a retry policy (see internal/console).
var (
	// ErrNotImplemented means this node has no console plugin configured at
	// all; treated as misconfigured (no retry).
	ErrNotImplemented = errors.New("backend: console not implemented for node")
	// ErrNotFound means the node itself is unknown to the plugin layer;
	// also treated as misconfigured (no retry).
	ErrNotFound = errors.New("backend: node not found")
	// ErrBadCredentials means the backend rejected our credentials.
	ErrBadCredentials = errors.New("backend: target endpoint rejected credentials")
	// ErrUnreachable means the backend endpoint could not be reached.
	ErrUnreachable = errors.New("backend: target endpoint unreachable")
)

// Chunk is what a Callback receives: either a byte payload or a disconnect
// notice (spec §4.4's "integer sentinel DISCONNECT"), never both.
type Chunk struct {
	Data         []byte
	IsDisconnect bool
}

// Callback is invoked by a Console whenever bytes (or a disconnect) arrive.
// Per spec §4.4, it must return quickly — implementations hand off to a
// worker and return immediately rather than processing inline.
type Callback func(Chunk)

// Console is a single live connection to one node's console.
type Console interface {
	// Connect starts delivery to cb. It returns once delivery has been
	// initiated (or failed); bytes keep arriving asynchronously via cb
	// until Close or a disconnect.
	Connect(ctx context.Context, cb Callback) error
	Write(data []byte) (int, error)
	SendBreak() error
	Close() error
}

// Pinger is optionally implemented by a Console that supports a lightweight
// liveness check distinct from the byte stream (spec §6's optional "ping").
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConfigAttributes is optionally implemented by a Factory that needs extra
// config-store attribute keys watched beyond the handler's baseline three
// (console.method, console.logging, collective.manager).
type ConfigAttributes interface {
	ConfigAttributes() []string
}

// Factory creates a Console for a node. It corresponds to the plugin path
// resolution in spec §6: handle_path("/nodes/<node>/_console/session",
// "create", cfg).
type Factory interface {
	Create(ctx context.Context, node string, cfg map[string]string) (Console, error)
}
