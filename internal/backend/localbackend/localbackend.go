// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package localbackend is a reference backend.Factory implementation that
// runs a real PTY-backed process as a node's "console". It exists so the
// console handler state machine can be exercised end-to-end without a real
// cluster member or BMC on hand; a production deployment would replace it
// with whatever plugin actually reaches the node (serial concentrator, BMC,
// SSH jump host, hypervisor console, ...).
package localbackend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/fleetops/consolehub/internal/backend"
	"github.com/fleetops/consolehub/internal/id"
)

// Factory creates localbackend consoles. Command is the program to run in
// place of a real console (e.g. "/bin/sh"); Dir is its working directory.
type Factory struct {
	Command string
	Dir     string
}

// Create starts a new process-backed console for node. cfg is accepted for
// contract compatibility but unused by this reference implementation.
func (f *Factory) Create(ctx context.Context, node string, cfg map[string]string) (backend.Console, error) {
	command := f.Command
	if command == "" {
		command = defaultShell()
	}
	cmd := exec.Command(command)
	cmd.Dir = f.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 100, Rows: 31})
	if err != nil {
		return nil, fmt.Errorf("localbackend: start %s for node %s: %w", command, node, err)
	}

	consoleID, err := id.New()
	if err != nil {
		ptmx.Close()
		return nil, err
	}

	return &console{id: consoleID, node: node, file: ptmx, cmd: cmd}, nil
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}

// console adapts a PTY-backed process to the backend.Console contract.
type console struct {
	id   string
	node string
	file *os.File
	cmd  *exec.Cmd

	mu     sync.Mutex
	closed bool
}

func (c *console) Connect(ctx context.Context, cb backend.Callback) error {
	go c.readLoop(cb)
	return nil
}

func (c *console) readLoop(cb backend.Callback) {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.file.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			cb(backend.Chunk{Data: data})
		}
		if err != nil {
			cb(backend.Chunk{IsDisconnect: true})
			return
		}
	}
}

func (c *console) Write(data []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, os.ErrClosed
	}
	f := c.file
	c.mu.Unlock()
	return f.Write(data)
}

func (c *console) SendBreak() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return os.ErrClosed
	}
	if c.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return c.cmd.Process.Signal(os.Interrupt)
}

func (c *console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	return c.file.Close()
}

// Ping satisfies backend.Pinger: a process-backed console is alive as long
// as the file descriptor is open.
func (c *console) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return os.ErrClosed
	}
	return nil
}
