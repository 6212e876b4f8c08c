package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"mjpeg-tv/internal/platform/metrics"
)

// OfflineClip is the filename of a stream's fallback clip, looked up next to
// the videos/ and history/ directories.
const OfflineClip = "offline.mp4"

// DefaultIdleRetry is the backoff between attempts when a stream has neither
// pending videos nor a readable offline clip.
const DefaultIdleRetry = 3 * time.Second

// subscriberBuffer is the per-viewer frame channel depth. A viewer that
// falls further behind drops frames instead of slowing the shared decode.
const subscriberBuffer = 8

// Player is the per-stream playback state machine. One Player claims and
// decodes each queued video exactly once and broadcasts the frames to every
// subscribed viewer of the stream, so a file is consumed once regardless of
// viewer count. When the queue is empty it loops the offline clip, checking
// for new pending work at every frame boundary.
type Player struct {
	stream    StreamName
	queue     Queue
	opener    Opener
	offline   string
	idleRetry time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu    sync.Mutex
	subs  map[chan []byte]struct{}
	state PlayState
}

// NewPlayer builds a Player for one stream. offlinePath may point at a
// missing file; the player then idles between queue checks instead of
// looping it. metrics may be nil (e.g. in tests).
func NewPlayer(stream StreamName, queue Queue, opener Opener, offlinePath string, idleRetry time.Duration, log *slog.Logger, m *metrics.Metrics) *Player {
	if idleRetry <= 0 {
		idleRetry = DefaultIdleRetry
	}
	return &Player{
		stream:    stream,
		queue:     queue,
		opener:    opener,
		offline:   offlinePath,
		idleRetry: idleRetry,
		log:       log,
		metrics:   m,
		subs:      make(map[chan []byte]struct{}),
	}
}

// Run drives the state machine until ctx is cancelled. It never returns
// early: claim races, unreadable files and an absent offline clip are all
// recovered at stream scope.
func (p *Player) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		file, err := p.queue.ClaimNext(p.stream)
		switch {
		case err == nil:
			p.playQueued(ctx, file)
			continue
		case errors.Is(err, ErrNoPending):
			// Fall through to the offline loop.
		default:
			p.log.Error("claim failed", "stream", p.stream, "error", err)
		}

		if p.playOffline(ctx) {
			continue
		}

		p.setState(StateIdle)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.idleRetry):
		}
	}
}

// playQueued plays one claimed video to exhaustion (or ctx cancellation)
// and archives it exactly once. A file that fails to open is archived under
// the failure marker so it can never block the queue.
func (p *Player) playQueued(ctx context.Context, file VideoFile) {
	src, err := p.opener.Open(file.Path)
	if err != nil {
		p.log.Warn("video unreadable, archiving with failure marker",
			"stream", p.stream, "file", file.Name, "error", err)
		if aerr := p.queue.ArchiveFailed(p.stream, file); aerr != nil && !errors.Is(aerr, ErrAlreadyArchived) {
			p.log.Error("archive failed", "stream", p.stream, "file", file.Name, "error", aerr)
		}
		if p.metrics != nil {
			p.metrics.IncVideosFailed()
		}
		return
	}
	defer src.Close()

	p.setState(StatePlayingQueued)
	p.log.Info("playing queued video", "stream", p.stream, "file", file.Name)
	p.pump(ctx, src, nil)

	if ctx.Err() != nil {
		// Shutdown mid-file: the file was partially shown, not superseded.
		// Leave it pending for the next run rather than archiving.
		p.queue.Release(p.stream, file)
		return
	}

	switch err := p.queue.Archive(p.stream, file); {
	case err == nil:
		p.log.Info("archived video", "stream", p.stream, "file", file.Name)
		if p.metrics != nil {
			p.metrics.IncVideosPlayed()
		}
	case errors.Is(err, ErrAlreadyArchived):
		p.log.Warn("video was already archived", "stream", p.stream, "file", file.Name)
	default:
		p.log.Error("archive failed", "stream", p.stream, "file", file.Name, "error", err)
	}
}

// playOffline loops the offline clip until queued work appears or ctx ends.
// It reports whether any playback was attempted; false means the clip is
// missing or unreadable and the caller should idle.
func (p *Player) playOffline(ctx context.Context) bool {
	loop, err := NewLoop(p.opener, p.offline)
	if err != nil {
		p.log.Debug("offline clip unavailable", "stream", p.stream, "error", err)
		return false
	}
	defer loop.Close()

	p.setState(StatePlayingOffline)
	p.pump(ctx, loop, p.hasPending)
	return true
}

// hasPending is the offline loop's preemption check: queued content always
// wins over filler, evaluated at frame boundaries.
func (p *Player) hasPending() bool {
	pending, err := p.queue.ListPending(p.stream)
	return err == nil && len(pending) > 0
}

// pump is the frame pump: it paces frames from src to the subscribers at
// the source's frame interval, sleeping max(0, interval-elapsed) between
// emissions so jitter does not accumulate into drift. It returns when the
// source is exhausted or errors, ctx is cancelled, or preempt (checked
// before each frame, never mid-frame) reports pending work.
func (p *Player) pump(ctx context.Context, src Source, preempt func() bool) {
	interval := src.Interval()
	if interval <= 0 {
		fps := float64(DefaultFPS)
		interval = time.Duration(float64(time.Second) / fps)
	}
	prev := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}
		if preempt != nil && preempt() {
			return
		}

		frame, err := src.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				p.log.Warn("frame read failed", "stream", p.stream, "error", err)
			}
			return
		}
		if len(frame) == 0 {
			// A frame that failed to encode is skipped and does not
			// consume a pacing slot.
			continue
		}

		if wait := interval - time.Since(prev); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		prev = time.Now()
		p.broadcast(frame)
	}
}

// broadcast fans one frame out to all current subscribers. Sends never
// block: a full viewer channel drops the frame for that viewer only.
func (p *Player) broadcast(frame []byte) {
	p.mu.Lock()
	for ch := range p.subs {
		select {
		case ch <- frame:
		default:
		}
	}
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.IncFramesSent()
	}
}

// Subscribe attaches a viewer to the stream's broadcast. The returned
// channel carries JPEG frames until cancel is called; cancel is idempotent
// and never disturbs the decode or other viewers.
func (p *Player) Subscribe() (frames <-chan []byte, cancel func()) {
	ch := make(chan []byte, subscriberBuffer)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, ch)
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Viewers returns the number of attached subscribers.
func (p *Player) Viewers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// State returns what the player is currently doing.
func (p *Player) State() PlayState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) setState(s PlayState) {
	p.mu.Lock()
	changed := p.state != s
	p.state = s
	p.mu.Unlock()
	if changed {
		p.log.Debug("state change", "stream", p.stream, "state", s.String())
	}
}
