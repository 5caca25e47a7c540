// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package normalize implements the byte normaliser (spec §4.1, C1): it turns
// whatever bytes a console backend delivers into a canonical, always-valid
// UTF-8 stream for subscribers, decoding UTF-8 when possible and falling
// back to CP437 (the classic PC/BIOS single-byte code page many serial
// console firmwares still emit) when it isn't.
package normalize

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// ctrlArrowUp and ctrlArrowDown are the low-ASCII control codes spec §4.1
// documents as translated to the Unicode arrows arrowUp and arrowDown when
// the terminal is not in G0-shifted mode (shift_in unset).
const (
	ctrlArrowUp   = 0x18
	ctrlArrowDown = 0x19
	arrowUp       = '↑'
	arrowDown     = '↓'
)

// Decoder holds the incremental UTF-8 decoding state across chunk
// boundaries: a trailing partial multibyte sequence from one chunk is
// carried forward and completed by the next. One Decoder belongs to exactly
// one ConsoleHandler (spec §3's utf8_decoder).
type Decoder struct {
	pending []byte // incomplete trailing sequence from the previous chunk
}

// NewDecoder returns a fresh Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Reset discards any buffered partial sequence, returning the decoder to a
// fresh UTF-8 state (spec §4.1 step 1, invoked on decode failure).
func (d *Decoder) Reset() {
	d.pending = nil
}

// Process normalises one chunk of backend bytes into valid UTF-8, given
// whether shift_in (G0 DEC special graphics designation) is currently
// latched. The result is always valid UTF-8 (spec invariant / testable
// property 3).
func (d *Decoder) Process(chunk []byte, shiftIn bool) []byte {
	combined := append(d.pending, chunk...)
	d.pending = nil

	valid, pending, ok := decodeUTF8(combined)
	var runes []byte
	if ok {
		runes = valid
		d.pending = pending
	} else {
		// Decode failure: reset decoder state and decode the chunk that was
		// just handed to us (not the stale pending fragment, which is
		// dropped along with the rest of the decoder's state) as CP437.
		d.Reset()
		runes = decodeCP437(chunk)
	}

	if !shiftIn {
		runes = translateArrows(runes)
	}
	return runes
}

// decodeUTF8 scans buf for a maximal run of complete, valid UTF-8 runes.
// It returns the valid prefix, any trailing bytes that look like the start
// of a rune but are incomplete (to be completed by a future chunk), and
// whether the scan found no actual invalid encoding.
func decodeUTF8(buf []byte) (valid []byte, pending []byte, ok bool) {
	i := 0
	for i < len(buf) {
		n := runeByteLen(buf[i])
		if n < 0 {
			return nil, nil, false
		}
		if i+n > len(buf) {
			// Not enough bytes yet. If what we do have looks like a valid
			// continuation so far, buffer it for the next chunk.
			for j := i + 1; j < len(buf); j++ {
				if buf[j]&0xC0 != 0x80 {
					return nil, nil, false
				}
			}
			return buf[:i], buf[i:], true
		}
		for j := i + 1; j < i+n; j++ {
			if buf[j]&0xC0 != 0x80 {
				return nil, nil, false
			}
		}
		r, size := utf8.DecodeRune(buf[i : i+n])
		if r == utf8.RuneError && size == 1 {
			return nil, nil, false
		}
		i += n
	}
	return buf[:i], nil, true
}

// runeByteLen returns the expected total length of the UTF-8 sequence
// starting with lead, or -1 if lead cannot start a valid sequence.
func runeByteLen(lead byte) int {
	switch {
	case lead&0x80 == 0x00:
		return 1
	case lead&0xE0 == 0xC0:
		return 2
	case lead&0xF0 == 0xE0:
		return 3
	case lead&0xF8 == 0xF0:
		return 4
	default:
		return -1
	}
}

// decodeCP437 reinterprets raw as single-byte CP437 codepoints (no
// continuation bytes, per spec §4.1) and re-encodes the result as UTF-8.
func decodeCP437(raw []byte) []byte {
	out := make([]byte, 0, len(raw)*2)
	decoder := charmap.CodePage437.NewDecoder()
	for _, b := range raw {
		r, _, err := decoder.Bytes([]byte{b})
		if err != nil || len(r) == 0 {
			out = utf8.AppendRune(out, utf8.RuneError)
			continue
		}
		out = append(out, r...)
	}
	return out
}

// translateArrows rewrites the two documented control codes into Unicode
// arrows, leaving every other byte untouched.
func translateArrows(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		switch r {
		case ctrlArrowUp:
			out = utf8.AppendRune(out, arrowUp)
		case ctrlArrowDown:
			out = utf8.AppendRune(out, arrowDown)
		default:
			out = append(out, data[i:i+size]...)
		}
		i += size
	}
	return out
}
