package channel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FailedSuffix marks history entries for videos that could not be decoded.
// "clip.mp4" archived after a decode failure becomes "clip.mp4.decode-failed".
const FailedSuffix = ".decode-failed"

var (
	// ErrNoPending is returned by ClaimNext when the stream has no
	// unclaimed pending video.
	ErrNoPending = errors.New("no pending video")

	// ErrAlreadyArchived is returned when a video is archived a second
	// time. The call is a no-op; callers treat it as success.
	ErrAlreadyArchived = errors.New("video already archived")
)

// VideoExtensions lists the lowercase file extensions accepted as queue
// entries and uploads.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".avi":  true,
	".webm": true,
}

// IsVideoFilename reports whether name carries an accepted video extension.
func IsVideoFilename(name string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(name))]
}

// Queue is the single owner of pending/history membership for every stream.
// All mutation of that membership goes through ClaimNext and the archive
// calls; nothing else may move files between the two sets.
type Queue interface {
	// ListPending returns the stream's not-yet-played videos in ascending
	// filename order. The result is a snapshot of the current directory
	// state minus archived and currently claimed entries.
	ListPending(stream StreamName) ([]VideoFile, error)

	// ClaimNext atomically removes the head of the pending list from
	// further consideration and returns it. Concurrent callers never
	// receive the same file. Returns ErrNoPending when nothing is left.
	ClaimNext(stream StreamName) (VideoFile, error)

	// Archive moves a claimed video into the stream's history. Archiving
	// is idempotent: a second call returns ErrAlreadyArchived and changes
	// nothing.
	Archive(stream StreamName, file VideoFile) error

	// ArchiveFailed archives a claimed video under an error marker so a
	// file that cannot be decoded never blocks the queue. Idempotent like
	// Archive.
	ArchiveFailed(stream StreamName, file VideoFile) error

	// Release drops the claim on a video without archiving it, returning
	// it to pending consideration. Only used when a claimed file was never
	// opened because playback is shutting down.
	Release(stream StreamName, file VideoFile)

	// PendingDir returns the stream's pending directory, creating it if
	// needed. Producers (the upload handler) write new videos there.
	PendingDir(stream StreamName) (string, error)
}

// DirQueue derives per-stream queues from the filesystem layout
// <root>/<stream>/videos (pending) and <root>/<stream>/history.
// Claims are tracked in memory only; they do not survive a restart, which
// matches the durable state being nothing but pending/history membership.
type DirQueue struct {
	root string

	mu      sync.Mutex
	locks   map[StreamName]*sync.Mutex
	claimed map[StreamName]map[string]bool
}

// NewDirQueue returns a DirQueue rooted at the given streams directory.
func NewDirQueue(root string) *DirQueue {
	return &DirQueue{
		root:    root,
		locks:   make(map[StreamName]*sync.Mutex),
		claimed: make(map[StreamName]map[string]bool),
	}
}

// streamLock returns the mutex serializing claim/archive for one stream.
// Different streams are fully independent.
func (q *DirQueue) streamLock(stream StreamName) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.locks[stream]
	if !ok {
		l = &sync.Mutex{}
		q.locks[stream] = l
	}
	return l
}

func (q *DirQueue) claimedSet(stream StreamName) map[string]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	set, ok := q.claimed[stream]
	if !ok {
		set = make(map[string]bool)
		q.claimed[stream] = set
	}
	return set
}

func (q *DirQueue) pendingDir(stream StreamName) string {
	return filepath.Join(q.root, string(stream), "videos")
}

func (q *DirQueue) historyDir(stream StreamName) string {
	return filepath.Join(q.root, string(stream), "history")
}

// PendingDir implements Queue.PendingDir.
func (q *DirQueue) PendingDir(stream StreamName) (string, error) {
	dir := q.pendingDir(stream)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create pending dir: %w", err)
	}
	return dir, nil
}

// ListPending implements Queue.ListPending.
func (q *DirQueue) ListPending(stream StreamName) ([]VideoFile, error) {
	lock := q.streamLock(stream)
	lock.Lock()
	defer lock.Unlock()
	return q.listPendingLocked(stream)
}

// listPendingLocked computes the pending snapshot. Caller holds the stream lock.
func (q *DirQueue) listPendingLocked(stream StreamName) ([]VideoFile, error) {
	pendingDir := q.pendingDir(stream)
	historyDir := q.historyDir(stream)
	for _, dir := range []string{pendingDir, historyDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	history, err := os.ReadDir(historyDir)
	if err != nil {
		return nil, fmt.Errorf("read history dir: %w", err)
	}
	archived := make(map[string]bool, len(history))
	for _, e := range history {
		archived[strings.TrimSuffix(e.Name(), FailedSuffix)] = true
	}

	entries, err := os.ReadDir(pendingDir)
	if err != nil {
		return nil, fmt.Errorf("read pending dir: %w", err)
	}

	claimed := q.claimedSet(stream)
	var pending []VideoFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !IsVideoFilename(name) {
			continue
		}
		if archived[name] || claimed[name] {
			continue
		}
		pending = append(pending, VideoFile{
			Name: name,
			Path: filepath.Join(pendingDir, name),
		})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Name < pending[j].Name })
	return pending, nil
}

// ClaimNext implements Queue.ClaimNext.
func (q *DirQueue) ClaimNext(stream StreamName) (VideoFile, error) {
	lock := q.streamLock(stream)
	lock.Lock()
	defer lock.Unlock()

	pending, err := q.listPendingLocked(stream)
	if err != nil {
		return VideoFile{}, err
	}
	if len(pending) == 0 {
		return VideoFile{}, ErrNoPending
	}

	head := pending[0]
	q.claimedSet(stream)[head.Name] = true
	return head, nil
}

// Archive implements Queue.Archive.
func (q *DirQueue) Archive(stream StreamName, file VideoFile) error {
	return q.archive(stream, file, file.Name)
}

// ArchiveFailed implements Queue.ArchiveFailed.
func (q *DirQueue) ArchiveFailed(stream StreamName, file VideoFile) error {
	return q.archive(stream, file, file.Name+FailedSuffix)
}

func (q *DirQueue) archive(stream StreamName, file VideoFile, historyName string) error {
	lock := q.streamLock(stream)
	lock.Lock()
	defer lock.Unlock()

	// The claim is spent either way; only one archive attempt may win.
	defer delete(q.claimedSet(stream), file.Name)

	historyDir := q.historyDir(stream)
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	if q.inHistoryLocked(stream, file.Name) {
		return ErrAlreadyArchived
	}
	if err := os.Rename(file.Path, filepath.Join(historyDir, historyName)); err != nil {
		return fmt.Errorf("archive %s: %w", file.Name, err)
	}
	return nil
}

// inHistoryLocked reports whether the video is already archived, under its
// plain name or the failure marker. Caller holds the stream lock.
func (q *DirQueue) inHistoryLocked(stream StreamName, name string) bool {
	historyDir := q.historyDir(stream)
	for _, candidate := range []string{name, name + FailedSuffix} {
		if _, err := os.Stat(filepath.Join(historyDir, candidate)); err == nil {
			return true
		}
	}
	return false
}

// Release implements Queue.Release.
func (q *DirQueue) Release(stream StreamName, file VideoFile) {
	lock := q.streamLock(stream)
	lock.Lock()
	defer lock.Unlock()
	delete(q.claimedSet(stream), file.Name)
}
