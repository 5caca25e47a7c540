package vtscreen

import "testing"

func TestFeedWritesPlainText(t *testing.T) {
	s := New()
	defer s.Close()
	s.Feed([]byte("hi"))
	grid := s.Grid()
	if grid[0][0].Rune != 'h' || grid[0][1].Rune != 'i' {
		t.Fatalf("got %q %q", grid[0][0].Rune, grid[0][1].Rune)
	}
}

func TestFeedTracksSGR(t *testing.T) {
	s := New()
	defer s.Close()
	s.Feed([]byte("\x1b[31mR\x1b[0mN"))
	grid := s.Grid()
	if grid[0][0].Rune != 'R' || grid[0][0].Fg != 1 {
		t.Fatalf("cell 0: %+v", grid[0][0])
	}
	if grid[0][1].Rune != 'N' || grid[0][1].Fg != -1 {
		t.Fatalf("cell 1: %+v", grid[0][1])
	}
}

func TestAppModeLatch(t *testing.T) {
	s := New()
	defer s.Close()
	if s.AppMode() {
		t.Fatalf("app mode should start unset")
	}
	s.Feed([]byte("\x1b[?1h"))
	if !s.AppMode() {
		t.Fatalf("expected app mode set")
	}
	s.Feed([]byte("\x1b[?1l"))
	if s.AppMode() {
		t.Fatalf("expected app mode cleared")
	}
}

func TestShiftInLatch(t *testing.T) {
	s := New()
	defer s.Close()
	if s.ShiftIn() != 0 {
		t.Fatalf("shift_in should start unset")
	}
	s.Feed([]byte("\x1b)0"))
	if s.ShiftIn() != '0' {
		t.Fatalf("expected shift_in latched to '0', got %q", s.ShiftIn())
	}
}

func TestResetClearsGrid(t *testing.T) {
	s := New()
	defer s.Close()
	s.Feed([]byte("hello"))
	s.Reset()
	grid := s.Grid()
	if grid[0][0].Rune != ' ' {
		t.Fatalf("expected blank cell after reset, got %q", grid[0][0].Rune)
	}
}

func TestCursorHiddenTracking(t *testing.T) {
	s := New()
	defer s.Close()
	if s.CursorHidden() {
		t.Fatalf("cursor should start visible")
	}
	s.Feed([]byte("\x1b[?25l"))
	if !s.CursorHidden() {
		t.Fatalf("expected cursor hidden")
	}
	s.Feed([]byte("\x1b[?25h"))
	if s.CursorHidden() {
		t.Fatalf("expected cursor visible again")
	}
}
