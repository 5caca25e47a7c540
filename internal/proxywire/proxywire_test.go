package proxywire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := ReadHeader(&buf); err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("XXXX\x01")
	if err := ReadHeader(buf); err != ErrInvalidMagic {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestBytesFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBytes(&buf, []byte("hello console")); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Kind != KindBytes || string(frame.Bytes) != "hello console" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestHandshakeRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := HandshakeRequest{Name: "sess1", User: "alice", Tenant: "t1", Node: "node1", SkipReplay: true}
	if err := WriteHandshakeRequest(&buf, req); err != nil {
		t.Fatalf("WriteHandshakeRequest: %v", err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Kind != KindControl {
		t.Fatalf("expected control frame, got %v", frame.Kind)
	}

	got, err := DecodeHandshakeRequest(frame.Control)
	if err != nil {
		t.Fatalf("DecodeHandshakeRequest: %v", err)
	}
	if got != req {
		t.Fatalf("handshake round-trip mismatch: got %+v want %+v", got, req)
	}
}

func TestOperationRecordUsesTrailingColonKey(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteOperation(&buf, OpBreak); err != nil {
		t.Fatalf("WriteOperation: %v", err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Contains(frame.Control, []byte(`"operation:"`)) {
		t.Fatalf("expected literal trailing-colon wire key, got %s", frame.Control)
	}

	rec, err := DecodeOperation(frame.Control)
	if err != nil {
		t.Fatalf("DecodeOperation: %v", err)
	}
	if rec.Operation != OpBreak {
		t.Fatalf("expected OpBreak, got %v", rec.Operation)
	}
}

func TestStatusRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	count := 3
	rec := StatusRecord{ConnectState: "connected", ClientCount: &count}
	if err := WriteStatus(&buf, rec); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	got, err := DecodeStatus(frame.Control)
	if err != nil {
		t.Fatalf("DecodeStatus: %v", err)
	}
	if got.ConnectState != "connected" || got.ClientCount == nil || *got.ClientCount != 3 {
		t.Fatalf("unexpected status record: %+v", got)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(KindBytes))
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	if _, err := ReadFrame(&buf); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	WriteBytes(&buf, []byte("a"))
	WriteOperation(&buf, OpStop)
	WriteBytes(&buf, []byte("b"))

	f1, _ := ReadFrame(&buf)
	f2, _ := ReadFrame(&buf)
	f3, _ := ReadFrame(&buf)

	if string(f1.Bytes) != "a" || string(f3.Bytes) != "b" {
		t.Fatalf("unexpected byte frames: %+v %+v", f1, f3)
	}
	if f2.Kind != KindControl {
		t.Fatalf("expected control frame in the middle, got %v", f2.Kind)
	}
}
