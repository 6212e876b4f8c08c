package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultFPS is assumed when a source's frame rate cannot be determined
// or is non-positive.
const DefaultFPS = 30.0

// ErrSourceUnavailable marks a video file that is missing or cannot be
// decoded. The player archives such files under the failure marker instead
// of letting them block the queue.
var ErrSourceUnavailable = errors.New("video source unavailable")

// Source yields the ordered, JPEG-encoded frames of one media file.
type Source interface {
	// Next returns the next frame. io.EOF signals clean exhaustion.
	Next(ctx context.Context) ([]byte, error)
	// Interval is the nominal wall-clock delay between frames, derived
	// from the source frame rate.
	Interval() time.Duration
	// Close releases the decode resource. Safe to call more than once.
	Close() error
}

// Opener opens a Source for a file path. The player depends on this
// interface so tests can substitute synthetic sources.
type Opener interface {
	Open(path string) (Source, error)
}

// FFmpegOpener decodes videos by running ffmpeg as a subprocess emitting an
// MJPEG stream on stdout, with the frame rate probed via ffprobe.
type FFmpegOpener struct {
	FFmpegPath  string
	FFprobePath string
	// ScaleWidth, when positive, downscales frames to this width before
	// JPEG encoding. Zero leaves the source resolution untouched.
	ScaleWidth int
}

// NewFFmpegOpener locates ffmpeg (required) and ffprobe (optional; without
// it every source falls back to DefaultFPS) on PATH. Explicit paths in the
// returned opener may be overwritten before use.
func NewFFmpegOpener(scaleWidth int) (*FFmpegOpener, error) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	ffprobe, _ := exec.LookPath("ffprobe")
	return &FFmpegOpener{FFmpegPath: ffmpeg, FFprobePath: ffprobe, ScaleWidth: scaleWidth}, nil
}

// Open implements Opener.
func (o *FFmpegOpener) Open(path string) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	fps := o.probeFPS(path)
	if fps <= 0 {
		fps = DefaultFPS
	}

	args := []string{"-v", "error", "-i", path}
	if o.ScaleWidth > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", o.ScaleWidth))
	}
	args = append(args, "-f", "mjpeg", "-q:v", "5", "pipe:1")

	cmd := exec.Command(o.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	src := &ffmpegSource{
		cmd:      cmd,
		stdout:   stdout,
		frames:   NewFrameScanner(stdout),
		interval: time.Duration(float64(time.Second) / fps),
	}

	// Decode the first frame up front: corrupt or mis-containered input
	// fails here, before the caller sees a Source that yields nothing.
	first, err := src.frames.Next()
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("%w: no frames decoded from %s", ErrSourceUnavailable, filepath.Base(path))
	}
	src.pending = first

	return src, nil
}

// probeFPS asks ffprobe for the average frame rate of the first video
// stream. Returns 0 when the rate cannot be determined.
func (o *FFmpegOpener) probeFPS(path string) float64 {
	if o.FFprobePath == "" {
		return 0
	}
	cmd := exec.Command(o.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}
	return parseFrameRate(strings.TrimSpace(string(out)))
}

// parseFrameRate parses ffprobe's rational frame rate notation ("30000/1001",
// "25/1") or a plain decimal. Returns 0 for anything unusable.
func parseFrameRate(s string) float64 {
	if s == "" {
		return 0
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

type ffmpegSource struct {
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	frames   *FrameScanner
	interval time.Duration
	pending  []byte
	closed   bool
}

func (s *ffmpegSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pending != nil {
		frame := s.pending
		s.pending = nil
		return frame, nil
	}
	return s.frames.Next()
}

func (s *ffmpegSource) Interval() time.Duration {
	return s.interval
}

func (s *ffmpegSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stdout.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}

// Loop replays one file forever, reopening it whenever it is exhausted.
// It backs a stream's offline clip and is never archived.
type Loop struct {
	opener Opener
	path   string
	src    Source
}

// NewLoop opens the first pass over the clip at path. An unreadable clip
// fails here, before any frame is produced.
func NewLoop(opener Opener, path string) (*Loop, error) {
	src, err := opener.Open(path)
	if err != nil {
		return nil, err
	}
	return &Loop{opener: opener, path: path, src: src}, nil
}

// Next implements Source. Exhaustion of the underlying clip restarts it
// from frame zero.
func (l *Loop) Next(ctx context.Context) ([]byte, error) {
	frame, err := l.src.Next(ctx)
	if !errors.Is(err, io.EOF) {
		return frame, err
	}
	l.src.Close()
	src, err := l.opener.Open(l.path)
	if err != nil {
		return nil, err
	}
	l.src = src
	return l.src.Next(ctx)
}

// Interval implements Source.
func (l *Loop) Interval() time.Duration {
	return l.src.Interval()
}

// Close implements Source.
func (l *Loop) Close() error {
	return l.src.Close()
}
