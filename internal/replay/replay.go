// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package replay implements the replay generator (spec §4.3, C3): it walks
// a vtscreen.Screen's grid and produces an ANSI byte sequence that, written
// to a blank terminal, reproduces the current screen — the same shape as
// internal/egg/vterm.go's Snapshot, adapted from "scrollback + full redraw"
// to "home+clear, trimmed grid walk, cursor and latched-mode restore" per
// this spec's algorithm.
package replay

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fleetops/consolehub/internal/vtscreen"
)

// Record is the connection-status record returned alongside the replay
// bytes (spec §4.3).
type Record struct {
	ConnectState string
	ClientCount  int
}

// Generate builds the replay payload for screen, tagging it with the
// handler's current connection state and subscriber count.
func Generate(screen *vtscreen.Screen, connectState string, clientCount int) ([]byte, Record) {
	var buf strings.Builder
	buf.WriteString("\x1b[H\x1b[J")

	grid := screen.Grid()
	buf.Write(renderRows(grid))

	cur := screen.Cursor()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", cur.Y+1, cur.X+1)

	if shiftIn := screen.ShiftIn(); shiftIn != 0 {
		fmt.Fprintf(&buf, "\x1b)%c", shiftIn)
	}

	if screen.AppMode() {
		buf.WriteString("\x1b[?1h")
	} else {
		buf.WriteString("\x1b[?1l")
	}

	return []byte(buf.String()), Record{ConnectState: connectState, ClientCount: clientCount}
}

// renderRows walks the grid, emitting SGR-compact row text, holding blank
// rows pending until a non-blank row appears (so only interior blank rows
// survive) and dropping any blanks trailing at the end of the screen.
func renderRows(grid [][]vtscreen.Cell) []byte {
	var last vtscreen.Cell
	last.Fg, last.Bg = -1, -1

	var lines []string
	pendingBlank := 0
	for _, row := range grid {
		line, lastLen := trimTrailingBlank(row)
		if lastLen == 0 {
			pendingBlank++
			continue
		}
		for ; pendingBlank > 0; pendingBlank-- {
			lines = append(lines, "")
		}
		var rowBuf strings.Builder
		writeRow(&rowBuf, line[:lastLen], &last)
		lines = append(lines, rowBuf.String())
	}
	// Trailing pendingBlank lines are dropped, per spec §4.3 step 3.
	return []byte(strings.Join(lines, "\r\n"))
}

// trimTrailingBlank returns the row and the index one past its last
// non-space cell.
func trimTrailingBlank(row []vtscreen.Cell) ([]vtscreen.Cell, int) {
	n := len(row)
	for n > 0 && row[n-1].Rune == ' ' {
		n--
	}
	return row, n
}

func writeRow(out *strings.Builder, cells []vtscreen.Cell, last *vtscreen.Cell) {
	for _, cell := range cells {
		emitSGRDiff(out, *last, cell)
		*last = cell
		out.WriteRune(cell.Rune)
	}
}

func emitSGRDiff(out *strings.Builder, last, cur vtscreen.Cell) {
	var codes []string
	if cur.Bold != last.Bold {
		codes = append(codes, boolCode(cur.Bold, 1, 22))
	}
	if cur.Italic != last.Italic {
		codes = append(codes, boolCode(cur.Italic, 3, 23))
	}
	if cur.Underline != last.Underline {
		codes = append(codes, boolCode(cur.Underline, 4, 24))
	}
	if cur.Reverse != last.Reverse {
		codes = append(codes, boolCode(cur.Reverse, 7, 27))
	}
	if cur.Strike != last.Strike {
		codes = append(codes, boolCode(cur.Strike, 9, 29))
	}
	if cur.Fg != last.Fg {
		if cur.Fg < 0 {
			codes = append(codes, "39")
		} else {
			codes = append(codes, strconv.Itoa(30+cur.Fg))
		}
	}
	if cur.Bg != last.Bg {
		if cur.Bg < 0 {
			codes = append(codes, "49")
		} else {
			codes = append(codes, strconv.Itoa(40+cur.Bg))
		}
	}
	if len(codes) == 0 {
		return
	}
	out.WriteString("\x1b[")
	out.WriteString(strings.Join(codes, ";"))
	out.WriteString("m")
}

func boolCode(on bool, setCode, clearCode int) string {
	if on {
		return strconv.Itoa(setCode)
	}
	return strconv.Itoa(clearCode)
}
