package channel

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"mjpeg-tv/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

//go:embed templates/*.html
var templateFS embed.FS

// DefaultMaxUploadSize caps upload request bodies at 512 MiB.
const DefaultMaxUploadSize int64 = 512 << 20

// Handler exposes the channel server's HTTP surface using go-chi.
type Handler struct {
	registry      *Registry
	manager       *Manager
	queue         Queue
	uploadSecret  string
	maxUploadSize int64
	log           *slog.Logger
	metrics       *metrics.Metrics
	tmpl          *template.Template
}

// NewHandler returns a Handler. uploadSecret may be empty, which disables
// uploads entirely. Metrics may be nil to disable metric recording.
func NewHandler(registry *Registry, manager *Manager, queue Queue, uploadSecret string, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		registry:      registry,
		manager:       manager,
		queue:         queue,
		uploadSecret:  uploadSecret,
		maxUploadSize: DefaultMaxUploadSize,
		log:           log,
		metrics:       m,
		tmpl:          template.Must(template.ParseFS(templateFS, "templates/*.html")),
	}
}

// Index handles GET /: the landing page listing all streams with their
// resolved display titles.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	streams, err := h.registry.ListStreams()
	if err != nil {
		h.log.Error("list streams failed", "error", err)
		http.Error(w, "failed to list streams", http.StatusInternalServerError)
		return
	}
	h.render(w, "index.html", map[string]any{"Streams": streams})
}

// StreamPage handles GET /{stream}: the viewer page.
func (h *Handler) StreamPage(w http.ResponseWriter, r *http.Request) {
	stream := StreamName(chi.URLParam(r, "stream"))
	if !h.registry.Exists(stream) {
		http.NotFound(w, r)
		return
	}
	h.render(w, "stream.html", map[string]any{
		"Stream": stream,
		"Title":  h.registry.DisplayName(stream),
	})
}

// VideoFeed handles GET /{stream}/video_feed: the long-lived MJPEG response.
// The body never completes under normal operation; it closes on viewer
// disconnect or server shutdown.
func (h *Handler) VideoFeed(w http.ResponseWriter, r *http.Request) {
	stream := StreamName(chi.URLParam(r, "stream"))
	if !h.registry.Exists(stream) {
		http.NotFound(w, r)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	viewer := uuid.New().String()
	player := h.manager.Player(stream)
	frames, cancel := player.Subscribe()
	defer cancel()

	h.log.Info("viewer connected", "stream", stream, "viewer", viewer, "remote", r.RemoteAddr)
	defer h.log.Info("viewer disconnected", "stream", stream, "viewer", viewer)

	w.Header().Set("Content-Type", FeedContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := WriteFrame(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// UploadPage handles GET /{stream}/upload: the upload form. Like the POST
// side, it answers 403 while uploads are disabled.
func (h *Handler) UploadPage(w http.ResponseWriter, r *http.Request) {
	stream := StreamName(chi.URLParam(r, "stream"))
	if !h.registry.Exists(stream) {
		http.NotFound(w, r)
		return
	}
	if h.uploadSecret == "" {
		http.Error(w, "uploads are disabled", http.StatusForbidden)
		return
	}
	h.render(w, "upload.html", map[string]any{"Stream": stream})
}

// Upload handles POST /{stream}/upload: shared-secret check, extension
// check, then an atomic write into the stream's pending directory and a
// redirect to the viewer page.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	stream := StreamName(chi.URLParam(r, "stream"))
	if !h.registry.Exists(stream) {
		http.NotFound(w, r)
		return
	}

	if h.uploadSecret == "" {
		http.Error(w, "uploads are disabled", http.StatusForbidden)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		http.Error(w, "invalid upload", http.StatusBadRequest)
		return
	}

	if r.FormValue("password") != h.uploadSecret {
		h.log.Warn("upload rejected: bad secret", "stream", stream, "remote", r.RemoteAddr)
		if h.metrics != nil {
			h.metrics.IncUploadsRejected()
		}
		http.Error(w, "invalid password", http.StatusForbidden)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) || !IsVideoFilename(name) {
		h.log.Warn("upload rejected: bad extension", "stream", stream, "file", header.Filename)
		if h.metrics != nil {
			h.metrics.IncUploadsRejected()
		}
		http.Error(w, "unsupported file format", http.StatusBadRequest)
		return
	}

	if err := h.savePending(stream, name, file); err != nil {
		h.log.Error("upload save failed", "stream", stream, "file", name, "error", err)
		http.Error(w, "failed to save upload", http.StatusInternalServerError)
		return
	}

	h.log.Info("upload accepted", "stream", stream, "file", name, "size", header.Size)
	if h.metrics != nil {
		h.metrics.IncUploads()
	}
	http.Redirect(w, r, "/"+string(stream), http.StatusSeeOther)
}

// savePending writes the upload to a temp name first and renames it into
// place, so the queue never observes a half-written video.
func (h *Handler) savePending(stream StreamName, name string, src io.Reader) error {
	dir, err := h.queue.PendingDir(stream)
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(dir, "."+uuid.New().String()+".part")
	dst, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish upload: %w", err)
	}
	return nil
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	var buf strings.Builder
	if err := h.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		h.log.Error("render failed", "template", name, "error", err)
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, buf.String())
}
