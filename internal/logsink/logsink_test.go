package logsink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeBits(t *testing.T) {
	cases := []struct {
		appMode bool
		shiftIn byte
		want    int
	}{
		{false, 0, 0},
		{true, 0, EventAppMode},
		{false, '0', EventShiftIn},
		{true, '0', EventAppMode | EventShiftIn},
	}
	for _, c := range cases {
		if got := Encode(c.appMode, c.shiftIn); got != c.want {
			t.Fatalf("Encode(%v,%v) = %d, want %d", c.appMode, c.shiftIn, got, c.want)
		}
	}
}

func TestFileSinkAppendsRecords(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, "node1")
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if err := sink.AppendBytes([]byte("hello"), EventAppMode); err != nil {
		t.Fatalf("AppendBytes: %v", err)
	}
	if err := sink.AppendEvent(EventConsoleConnect, "", 0); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "node1.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []record
	for scanner.Scan() {
		var r record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		lines = append(lines, r)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}
	if lines[0].Eventdata != EventAppMode {
		t.Fatalf("first record eventdata = %d", lines[0].Eventdata)
	}
	if lines[1].Kind != EventConsoleConnect {
		t.Fatalf("second record kind = %q", lines[1].Kind)
	}
}
