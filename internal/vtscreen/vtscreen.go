// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package vtscreen implements the terminal buffer (spec §4.2, C2): a fixed
// 100x31 VT/ANSI screen emulator that accepts raw backend bytes and exposes a
// readable grid and cursor. It wraps charmbracelet/x/vt the way
// internal/egg/vterm.go in the reference corpus wraps it for a PTY-backed
// terminal session — Write/Resize/Render/CursorPosition/Close and the
// AltScreen/CursorVisibility callbacks — trading its scrollback-capture
// concern for the latched terminal-mode tracking this spec's replay
// generator (C3) needs instead.
package vtscreen

import (
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/x/vt"
)

// Width and Height are the compile-time fixed grid dimensions (spec §3.2).
const (
	Width  = 100
	Height = 31
)

// Cell mirrors one screen cell's renderable state (spec §3.2: rune, fg, bg,
// bold, italic, underline, strike, reverse).
type Cell struct {
	Rune      rune
	Fg        int // ANSI color index 0-7 (SGR 30+Fg), -1 if default
	Bg        int // ANSI color index 0-7 (SGR 40+Bg), -1 if default
	Bold      bool
	Italic    bool
	Underline bool
	Strike    bool
	Reverse   bool
}

func blankCell() Cell { return Cell{Rune: ' ', Fg: -1, Bg: -1} }

// Cursor is the emulator's current cursor position, 0-indexed.
type Cursor struct {
	X, Y int
}

// Screen is the C2 terminal buffer: feed it raw backend bytes, read back a
// grid and cursor. Screen also tracks the two latched terminal modes (DECCKM
// app_mode and the G0 shift_in designation) the replay generator needs,
// since x/vt doesn't surface those as first-class concepts.
type Screen struct {
	mu  sync.Mutex
	emu *vt.Emulator

	appMode bool
	shiftIn byte // 0 if unset, else the G0 designation character ('0')

	altScreen    bool
	cursorHidden bool
}

// New creates a Screen at the fixed spec dimensions.
func New() *Screen {
	return newScreen()
}

func newScreen() *Screen {
	s := &Screen{}
	s.emu = vt.NewEmulator(Width, Height)
	return s
}

// Feed writes raw bytes into the emulator. Per spec §4.4 step 6, the
// emulator sees the raw backend bytes; C1 normalisation only affects what
// subscribers receive. On an internal parser panic it reinstantiates a
// fresh emulator rather than letting the failure propagate (spec §4.2:
// "this MUST NOT propagate to the caller").
func (s *Screen) Feed(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanModeLatches(data)
	s.feedLocked(data)
}

func (s *Screen) feedLocked(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.emu.Close()
			s.emu = vt.NewEmulator(Width, Height)
		}
	}()
	s.emu.Write(data)
}

// scanModeLatches updates appMode/shiftIn per spec §4.4 step 3. It scans the
// raw byte stream directly, independent of whatever the emulator's own
// parsed state ends up being, mirroring how the handler logs eventdata
// independently of what the grid shows.
func (s *Screen) scanModeLatches(data []byte) {
	const (
		setAppMode    = "\x1b[?1h"
		clearAppMode  = "\x1b[?1l"
		g0Prefix      = "\x1b)"
		showCursor    = "\x1b[?25h"
		hideCursor    = "\x1b[?25l"
		enterAltScrn  = "\x1b[?1049h"
		exitAltScrn   = "\x1b[?1049l"
	)
	for i := 0; i < len(data); i++ {
		switch {
		case matchAt(data, i, clearAppMode):
			s.appMode = false
		case matchAt(data, i, setAppMode):
			s.appMode = true
		case matchAt(data, i, g0Prefix) && i+2 < len(data):
			s.shiftIn = data[i+2]
		case matchAt(data, i, showCursor):
			s.cursorHidden = false
		case matchAt(data, i, hideCursor):
			s.cursorHidden = true
		case matchAt(data, i, enterAltScrn):
			s.altScreen = true
		case matchAt(data, i, exitAltScrn):
			s.altScreen = false
		}
	}
}

func matchAt(data []byte, i int, pattern string) bool {
	if i+len(pattern) > len(data) {
		return false
	}
	for j := 0; j < len(pattern); j++ {
		if data[i+j] != pattern[j] {
			return false
		}
	}
	return true
}

// Reset reinstantiates the emulator, clearing the grid. Latched mode state
// is preserved: spec §3.2's reinstantiation-on-corruption preserves handler
// identity, and the modes are a property of the stream, not the grid.
func (s *Screen) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emu.Close()
	s.emu = vt.NewEmulator(Width, Height)
}

// Render returns the emulator's own ANSI redraw of the current screen —
// exactly what C3 feeds through for the grid portion of a replay, the same
// way the reference VTerm.Snapshot builds its payload around emu.Render().
func (s *Screen) Render() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.Render()
}

// Grid parses Render()'s ANSI output into the fixed Width x Height cell
// grid spec §4.2 requires as a read-only view.
func (s *Screen) Grid() [][]Cell {
	return parseGrid(s.Render())
}

// Cursor returns the emulator's current cursor position.
func (s *Screen) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.emu.CursorPosition()
	return Cursor{X: pos.X, Y: pos.Y}
}

// CursorHidden reports whether the backend has hidden the cursor (DECTCEM).
func (s *Screen) CursorHidden() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursorHidden
}

// AppMode reports the latched DECCKM cursor-keys mode.
func (s *Screen) AppMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appMode
}

// ShiftIn returns the latched G0 designation character, or 0 if none has
// been seen.
func (s *Screen) ShiftIn() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shiftIn
}

// Close releases the underlying emulator.
func (s *Screen) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.Close()
}

// parseGrid walks a full-redraw ANSI string (rows separated by \r\n or \n,
// SGR sequences adjusting cell attributes as they're encountered) into a
// Width x Height cell grid. This mirrors, in reverse, the row/SGR walk C3
// performs when generating a replay from cell data.
func parseGrid(rendered string) [][]Cell {
	grid := make([][]Cell, Height)
	for y := range grid {
		row := make([]Cell, Width)
		for x := range row {
			row[x] = blankCell()
		}
		grid[y] = row
	}

	row, col := 0, 0
	attrs := blankCell()
	i := 0
	for i < len(rendered) && row < Height {
		c := rendered[i]
		switch {
		case c == '\x1b' && i+1 < len(rendered) && rendered[i+1] == '[':
			end := i + 2
			for end < len(rendered) && !isCSIFinal(rendered[end]) {
				end++
			}
			if end < len(rendered) && rendered[end] == 'm' {
				applySGR(&attrs, rendered[i+2:end])
			}
			if end < len(rendered) {
				i = end + 1
			} else {
				i = len(rendered)
			}
		case c == '\x1b':
			// Non-CSI escape (e.g. G0 designation); skip ESC + one byte.
			i += 2
		case c == '\r':
			col = 0
			i++
		case c == '\n':
			row++
			col = 0
			i++
		default:
			r, size := decodeRuneAt(rendered, i)
			if col < Width && row < Height {
				cell := attrs
				cell.Rune = r
				grid[row][col] = cell
			}
			col++
			i += size
		}
	}
	return grid
}

func isCSIFinal(b byte) bool {
	return b >= '@' && b <= '~'
}

func decodeRuneAt(s string, i int) (rune, int) {
	for _, r := range s[i:] {
		n := len(string(r))
		return r, n
	}
	return ' ', 1
}

func applySGR(c *Cell, params string) {
	if params == "" {
		*c = blankCell()
		return
	}
	parts := strings.Split(params, ";")
	for idx := 0; idx < len(parts); idx++ {
		n, err := strconv.Atoi(parts[idx])
		if err != nil {
			continue
		}
		switch {
		case n == 0:
			*c = blankCell()
		case n == 1:
			c.Bold = true
		case n == 3:
			c.Italic = true
		case n == 4:
			c.Underline = true
		case n == 7:
			c.Reverse = true
		case n == 9:
			c.Strike = true
		case n == 22:
			c.Bold = false
		case n == 23:
			c.Italic = false
		case n == 24:
			c.Underline = false
		case n == 27:
			c.Reverse = false
		case n == 29:
			c.Strike = false
		case n >= 30 && n <= 37:
			c.Fg = n - 30
		case n == 39:
			c.Fg = -1
		case n >= 40 && n <= 47:
			c.Bg = n - 40
		case n == 49:
			c.Bg = -1
		}
	}
}
