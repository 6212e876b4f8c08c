package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// stubSource yields a fixed frame list and then io.EOF.
type stubSource struct {
	frames   [][]byte
	interval time.Duration
	pos      int
}

func (s *stubSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	frame := s.frames[s.pos]
	s.pos++
	return frame, nil
}

func (s *stubSource) Interval() time.Duration { return s.interval }
func (s *stubSource) Close() error            { return nil }

// stubOpener fabricates sources without ffmpeg and records every open by
// base filename, in order.
type stubOpener struct {
	mu       sync.Mutex
	opened   []string
	fail     map[string]bool
	frames   func(path string) [][]byte
	interval time.Duration
}

func (o *stubOpener) Open(path string) (Source, error) {
	name := filepath.Base(path)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail[name] {
		return nil, fmt.Errorf("%w: stub refuses %s", ErrSourceUnavailable, name)
	}
	o.opened = append(o.opened, name)

	var frames [][]byte
	if o.frames != nil {
		frames = o.frames(path)
	} else {
		frames = [][]byte{[]byte(name + "-frame")}
	}
	interval := o.interval
	if interval == 0 {
		interval = time.Millisecond
	}
	return &stubSource{frames: frames, interval: interval}, nil
}

func (o *stubOpener) openedOrder() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

func (o *stubOpener) openCount(name string) int {
	n := 0
	for _, got := range o.openedOrder() {
		if got == name {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func historyNames(t *testing.T, root, stream string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, stream, "history"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func startPlayer(t *testing.T, root string, opener Opener) (*Player, *DirQueue, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	q := NewDirQueue(root)
	p := NewPlayer("tv", q, opener, filepath.Join(root, "tv", OfflineClip), 10*time.Millisecond, testLogger(), nil)
	go p.Run(ctx)
	t.Cleanup(cancel)
	return p, q, cancel
}

func TestPlayer_plays_pending_in_order_and_archives_each_once(t *testing.T) {
	root := seedStream(t, "tv", "b.mp4", "a.mp4", "c.mp4")
	opener := &stubOpener{fail: map[string]bool{OfflineClip: true}}

	p, _, _ := startPlayer(t, root, opener)
	frames, cancel := p.Subscribe()
	defer cancel()
	go func() {
		for range frames {
		}
	}()

	waitFor(t, 2*time.Second, "all videos archived", func() bool {
		return len(historyNames(t, root, "tv")) == 3
	})

	got := opener.openedOrder()
	want := []string{"a.mp4", "b.mp4", "c.mp4"}
	if len(got) < 3 {
		t.Fatalf("expected 3 opens, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("play order[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	history := historyNames(t, root, "tv")
	seen := make(map[string]int)
	for _, name := range history {
		seen[name]++
	}
	for _, name := range want {
		if seen[name] != 1 {
			t.Errorf("history entries for %s = %d, want 1", name, seen[name])
		}
	}

	pending, err := NewDirQueue(root).ListPending("tv")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending should be empty, got %v", pending)
	}
}

func TestPlayer_falls_back_to_offline_loop(t *testing.T) {
	root := seedStream(t, "tv")
	opener := &stubOpener{}

	p, _, _ := startPlayer(t, root, opener)
	frames, cancel := p.Subscribe()
	defer cancel()

	select {
	case frame := <-frames:
		if string(frame) != OfflineClip+"-frame" {
			t.Errorf("expected offline frame, got %q", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no offline frame delivered")
	}
	if p.State() != StatePlayingOffline {
		t.Errorf("state = %v, want playing_offline", p.State())
	}
}

func TestPlayer_offline_preempted_by_new_pending(t *testing.T) {
	root := seedStream(t, "tv")
	opener := &stubOpener{}

	p, _, _ := startPlayer(t, root, opener)
	frames, cancel := p.Subscribe()
	defer cancel()
	go func() {
		for range frames {
		}
	}()

	waitFor(t, 2*time.Second, "offline loop running", func() bool {
		return opener.openCount(OfflineClip) > 0
	})

	// Drop a new video into pending mid-loop; the player must switch at
	// the next frame boundary instead of finishing the offline pass.
	path := filepath.Join(root, "tv", "videos", "fresh.mp4")
	if err := os.WriteFile(path, []byte("v"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "queued video played and archived", func() bool {
		for _, name := range historyNames(t, root, "tv") {
			if name == "fresh.mp4" {
				return true
			}
		}
		return false
	})
}

func TestPlayer_unreadable_video_archived_with_marker(t *testing.T) {
	root := seedStream(t, "tv", "bad.mp4", "good.mp4")
	opener := &stubOpener{fail: map[string]bool{"bad.mp4": true, OfflineClip: true}}

	p, _, _ := startPlayer(t, root, opener)
	frames, cancel := p.Subscribe()
	defer cancel()
	go func() {
		for range frames {
		}
	}()

	waitFor(t, 2*time.Second, "both videos archived", func() bool {
		return len(historyNames(t, root, "tv")) == 2
	})

	history := historyNames(t, root, "tv")
	var hasMarker, hasGood bool
	for _, name := range history {
		if name == "bad.mp4"+FailedSuffix {
			hasMarker = true
		}
		if name == "good.mp4" {
			hasGood = true
		}
	}
	if !hasMarker {
		t.Errorf("bad.mp4 should be archived with failure marker, history = %v", history)
	}
	if !hasGood {
		t.Errorf("good.mp4 should be archived normally, history = %v", history)
	}
}

func TestPlayer_idles_without_sources_then_recovers(t *testing.T) {
	root := seedStream(t, "tv")
	opener := &stubOpener{fail: map[string]bool{OfflineClip: true}}

	p, _, _ := startPlayer(t, root, opener)

	waitFor(t, 2*time.Second, "idle state", func() bool {
		return p.State() == StateIdle
	})

	// New work after the backoff interval is picked up, proving the
	// player retried instead of terminating.
	path := filepath.Join(root, "tv", "videos", "later.mp4")
	if err := os.WriteFile(path, []byte("v"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "video played after idle", func() bool {
		return len(historyNames(t, root, "tv")) == 1
	})
}

func TestPlayer_viewer_cancel_does_not_disturb_others(t *testing.T) {
	root := seedStream(t, "tv")
	opener := &stubOpener{}

	p, _, _ := startPlayer(t, root, opener)

	frames1, cancel1 := p.Subscribe()
	frames2, cancel2 := p.Subscribe()
	defer cancel2()

	if p.Viewers() != 2 {
		t.Fatalf("viewers = %d, want 2", p.Viewers())
	}

	// First viewer leaves; second keeps receiving.
	cancel1()
	cancel1() // idempotent
	if _, ok := <-frames1; ok {
		// A buffered frame may still drain; the channel must be closed
		// shortly after.
		for range frames1 {
		}
	}

	select {
	case _, ok := <-frames2:
		if !ok {
			t.Fatal("remaining viewer's channel was closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remaining viewer stopped receiving frames")
	}
	if p.Viewers() != 1 {
		t.Errorf("viewers = %d, want 1", p.Viewers())
	}
}

func TestPlayer_shutdown_releases_claim(t *testing.T) {
	root := seedStream(t, "tv", "long.mp4")
	// Endless source so the video is mid-play when we cancel.
	opener := &stubOpener{
		fail: map[string]bool{OfflineClip: true},
		frames: func(string) [][]byte {
			frames := make([][]byte, 100000)
			for i := range frames {
				frames[i] = []byte("f")
			}
			return frames
		},
	}

	p, q, cancel := startPlayer(t, root, opener)
	frames, unsub := p.Subscribe()
	defer unsub()
	go func() {
		for range frames {
		}
	}()

	waitFor(t, 2*time.Second, "video playing", func() bool {
		return opener.openCount("long.mp4") == 1
	})
	cancel()

	// Shutdown mid-file must not archive; the claim is released and the
	// video remains pending for the next run.
	waitFor(t, 2*time.Second, "claim released", func() bool {
		pending, err := q.ListPending("tv")
		return err == nil && len(pending) == 1
	})
	if names := historyNames(t, root, "tv"); len(names) != 0 {
		t.Errorf("nothing should be archived on shutdown, got %v", names)
	}
}
