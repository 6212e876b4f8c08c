package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mjpeg-tv/internal/channel"
	"mjpeg-tv/internal/platform/config"
	"mjpeg-tv/internal/platform/logger"
	"mjpeg-tv/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	streamsDir := config.GetEnv("STREAMS_DIR", "./streams")
	uploadSecret := config.GetEnv("UPLOAD_PASSWORD", "")
	idleRetry := config.GetEnvDuration("IDLE_RETRY", channel.DefaultIdleRetry)
	scaleWidth := config.GetEnvInt("SCALE_WIDTH", 0)
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	if uploadSecret == "" {
		log.Warn("UPLOAD_PASSWORD is not set, file uploads are disabled")
	}

	var opener *channel.FFmpegOpener
	if path := config.GetEnv("FFMPEG_PATH", ""); path != "" {
		opener = &channel.FFmpegOpener{
			FFmpegPath:  path,
			FFprobePath: config.GetEnv("FFPROBE_PATH", ""),
			ScaleWidth:  scaleWidth,
		}
	} else {
		var err error
		opener, err = channel.NewFFmpegOpener(scaleWidth)
		if err != nil {
			log.Error("decoder unavailable", "error", err)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(streamsDir, 0o755); err != nil {
		log.Error("streams dir unavailable", "dir", streamsDir, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := channel.NewDirQueue(streamsDir)
	registry := channel.NewRegistry(streamsDir)
	met := metrics.New()
	manager := channel.NewManager(ctx, streamsDir, queue, opener, idleRetry, log, met)
	h := channel.NewHandler(registry, manager, queue, uploadSecret, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(cors.New(cors.Options{AllowedMethods: []string{http.MethodGet, http.MethodPost}}).Handler)
	r.Get("/", h.Index)
	r.Get("/healthz", h.Healthz)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveViewers(manager.ViewerCount()) }).ServeHTTP(w, r)
	})
	r.Route("/{stream}", func(r chi.Router) {
		r.Get("/", h.StreamPage)
		r.Get("/video_feed", h.VideoFeed)
		r.Get("/upload", h.UploadPage)
		r.Post("/upload", h.Upload)
	})

	addr := ":" + port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Feed responses never complete on their own; deriving request
		// contexts from the signal context lets Shutdown drain them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"streams_dir", streamsDir,
		"uploads_enabled", uploadSecret != "",
		"log_level", logLevel,
	)

	<-ctx.Done()
	stop()

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
