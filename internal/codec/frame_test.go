package codec

import (
	"bytes"
	"testing"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("session framing test payload")
	if err := EncodeFrame(&buf, payload); err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	got, err := DecodeFrame(&buf)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestEncodeFrameRejectsEmptyAndOversized(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeFrame(&buf, nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if err := EncodeFrame(&buf, make([]byte, MaxPayloadLen+1)); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestExtractFrameNeedsMoreData(t *testing.T) {
	var buf bytes.Buffer
	EncodeFrame(&buf, []byte("hello"))
	full := buf.Bytes()

	for n := 0; n < len(full); n++ {
		frame, consumed, err := ExtractFrame(full[:n])
		if err != nil {
			t.Fatalf("ExtractFrame(%d bytes): unexpected error %v", n, err)
		}
		if frame != nil || consumed != 0 {
			t.Fatalf("ExtractFrame(%d bytes): expected (nil, 0), got (%v, %d)", n, frame, consumed)
		}
	}

	frame, consumed, err := ExtractFrame(full)
	if err != nil {
		t.Fatalf("ExtractFrame(full): %v", err)
	}
	if consumed != len(full) {
		t.Fatalf("consumed = %d, want %d", consumed, len(full))
	}
	if !bytes.Equal(frame, []byte("hello")) {
		t.Fatalf("frame = %q, want %q", frame, "hello")
	}
}

func TestExtractFrameTrailingBytesPreserved(t *testing.T) {
	var buf bytes.Buffer
	EncodeFrame(&buf, []byte("first"))
	firstLen := buf.Len()
	EncodeFrame(&buf, []byte("second"))
	full := buf.Bytes()

	frame, consumed, err := ExtractFrame(full)
	if err != nil {
		t.Fatalf("ExtractFrame: %v", err)
	}
	if consumed != firstLen {
		t.Fatalf("consumed = %d, want %d", consumed, firstLen)
	}
	if string(frame) != "first" {
		t.Fatalf("frame = %q, want %q", frame, "first")
	}

	frame, consumed, err = ExtractFrame(full[consumed:])
	if err != nil {
		t.Fatalf("ExtractFrame: %v", err)
	}
	if consumed != len(full)-firstLen {
		t.Fatalf("consumed = %d, want %d", consumed, len(full)-firstLen)
	}
	if string(frame) != "second" {
		t.Fatalf("frame = %q, want %q", frame, "second")
	}
}

func TestExtractFrameRejectsBadFlag(t *testing.T) {
	buf := make([]byte, 5)
	buf[0] = 0x00
	if _, _, err := ExtractFrame(buf); err == nil {
		t.Fatal("expected error for bad frame flag")
	}
}

func TestExtractFrameRejectsZeroLength(t *testing.T) {
	buf := []byte{FrameFlag, 0, 0, 0, 0}
	if _, _, err := ExtractFrame(buf); err == nil {
		t.Fatal("expected error for zero-length frame")
	}
}
