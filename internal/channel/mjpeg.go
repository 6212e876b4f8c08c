package channel

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// Boundary is the multipart boundary token used by the video feed responses.
const Boundary = "frame"

// FeedContentType is the Content-Type of a video feed response.
const FeedContentType = "multipart/x-mixed-replace; boundary=" + Boundary

var (
	jpegSOI = []byte{0xff, 0xd8} // start of image
	jpegEOI = []byte{0xff, 0xd9} // end of image
)

// FrameScanner splits a raw MJPEG byte stream (e.g. ffmpeg's `-f mjpeg`
// stdout) into individual JPEG frames using the start/end-of-image markers.
type FrameScanner struct {
	r   *bufio.Reader
	buf []byte
}

// NewFrameScanner returns a FrameScanner reading from r.
func NewFrameScanner(r io.Reader) *FrameScanner {
	return &FrameScanner{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next complete JPEG frame. It returns io.EOF when the
// underlying stream ends; a trailing partial frame is discarded.
func (s *FrameScanner) Next() ([]byte, error) {
	for {
		if frame, ok := s.scanBuffered(); ok {
			return frame, nil
		}

		chunk := make([]byte, 32<<10)
		n, err := s.r.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
			continue
		}
		if err == nil {
			continue
		}
		return nil, err
	}
}

// scanBuffered extracts one complete frame from the buffer if present.
func (s *FrameScanner) scanBuffered() ([]byte, bool) {
	start := bytes.Index(s.buf, jpegSOI)
	if start < 0 {
		// Nothing useful buffered; keep only the last byte in case it is
		// the first half of a split SOI marker.
		if len(s.buf) > 1 {
			s.buf = s.buf[len(s.buf)-1:]
		}
		return nil, false
	}
	end := bytes.Index(s.buf[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		s.buf = s.buf[start:]
		return nil, false
	}
	frameEnd := start + len(jpegSOI) + end + len(jpegEOI)
	frame := make([]byte, frameEnd-start)
	copy(frame, s.buf[start:frameEnd])
	s.buf = s.buf[frameEnd:]
	return frame, true
}

// WriteFrame writes one multipart part carrying a JPEG frame, headered and
// delimited the way MJPEG-over-HTTP clients expect.
func WriteFrame(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
