package channel

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"mjpeg-tv/internal/platform/metrics"
)

// Manager owns one Player per stream. Players are created lazily on first
// demand and are long-lived from then on: they keep broadcasting (or
// looping offline) until the manager's context ends, independent of any
// single viewer connection.
type Manager struct {
	ctx       context.Context
	root      string
	queue     Queue
	opener    Opener
	idleRetry time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	players map[StreamName]*Player
}

// NewManager builds a Manager whose players run until ctx is cancelled.
func NewManager(ctx context.Context, root string, queue Queue, opener Opener, idleRetry time.Duration, log *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		ctx:       ctx,
		root:      root,
		queue:     queue,
		opener:    opener,
		idleRetry: idleRetry,
		log:       log,
		metrics:   m,
		players:   make(map[StreamName]*Player),
	}
}

// Player returns the stream's player, creating and starting it on first use.
func (m *Manager) Player(stream StreamName) *Player {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.players[stream]; ok {
		return p
	}

	offline := filepath.Join(m.root, string(stream), OfflineClip)
	p := NewPlayer(stream, m.queue, m.opener, offline, m.idleRetry, m.log, m.metrics)
	m.players[stream] = p
	go p.Run(m.ctx)
	m.log.Info("player started", "stream", stream)
	return p
}

// ViewerCount sums attached viewers across all running players. Used to
// refresh the active viewers gauge at metrics scrape time.
func (m *Manager) ViewerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, p := range m.players {
		n += p.Viewers()
	}
	return n
}
