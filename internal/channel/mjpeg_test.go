package channel

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func jpegBytes(payload string) []byte {
	var b bytes.Buffer
	b.Write(jpegSOI)
	b.WriteString(payload)
	b.Write(jpegEOI)
	return b.Bytes()
}

func TestFrameScanner_splits_frames(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(jpegBytes("first"))
	stream.Write(jpegBytes("second"))

	s := NewFrameScanner(&stream)

	f1, err := s.Next()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if !bytes.Equal(f1, jpegBytes("first")) {
		t.Errorf("first frame = %q", f1)
	}

	f2, err := s.Next()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if !bytes.Equal(f2, jpegBytes("second")) {
		t.Errorf("second frame = %q", f2)
	}

	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at end, got %v", err)
	}
}

func TestFrameScanner_skips_leading_garbage(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("ffmpeg noise")
	stream.Write(jpegBytes("frame"))

	s := NewFrameScanner(&stream)
	f, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !bytes.Equal(f, jpegBytes("frame")) {
		t.Errorf("frame = %q", f)
	}
}

func TestFrameScanner_discards_trailing_partial(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(jpegBytes("whole"))
	stream.Write(jpegSOI)
	stream.WriteString("truncated")

	s := NewFrameScanner(&stream)
	if _, err := s.Next(); err != nil {
		t.Fatalf("whole frame: %v", err)
	}
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("partial frame should yield io.EOF, got %v", err)
	}
}

func TestFrameScanner_empty_stream(t *testing.T) {
	s := NewFrameScanner(strings.NewReader(""))
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	frame := jpegBytes("img")
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "--frame\r\n") {
		t.Errorf("missing boundary prefix: %q", out)
	}
	if !strings.Contains(out, "Content-Type: image/jpeg\r\n") {
		t.Errorf("missing content type: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 7\r\n") {
		t.Errorf("missing content length: %q", out)
	}
	if !strings.HasSuffix(out, string(frame)+"\r\n") {
		t.Errorf("frame body not terminated: %q", out)
	}
}
