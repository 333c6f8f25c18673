package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavel-fokin/media-stash/internal/fs"
	"github.com/pavel-fokin/media-stash/internal/media"
	"github.com/pavel-fokin/media-stash/internal/metrics"
	"github.com/pavel-fokin/media-stash/internal/processing"
	"github.com/pavel-fokin/media-stash/internal/sqlite"
)

type Config struct {
	Addr    string   `env:"MEDIA_STASH_ADDR" envDefault:":8080"`
	APIKeys []string `env:"MEDIA_STASH_API_KEYS" envSeparator:","`
	DataDir string   `env:"MEDIA_STASH_DATA_DIR,required"`
	BaseURL string   `env:"MEDIA_STASH_BASE_URL"`
	DBPath  string   `env:"MEDIA_STASH_DB_PATH"`
	// Dirs overrides the directory of a media type, e.g. "image:photos".
	Dirs    map[string]string `env:"MEDIA_STASH_DIRS" envSeparator:"," envKeyValSeparator:":"`
	MaxSize int64             `env:"MEDIA_STASH_MAX_SIZE" envDefault:"104857600"`
	// PublicRead serves GET /{type}/{filename} without an API key.
	PublicRead bool `env:"MEDIA_STASH_PUBLIC_READ" envDefault:"false"`

	MaxDimension   int    `env:"MEDIA_STASH_MAX_DIMENSION" envDefault:"800"`
	DefaultQuality int    `env:"MEDIA_STASH_DEFAULT_QUALITY" envDefault:"80"`
	VideoPreset    string `env:"MEDIA_STASH_VIDEO_PRESET" envDefault:"default"`
	PresetFile     string `env:"MEDIA_STASH_PRESET_FILE"`
	FFmpegPath     string `env:"MEDIA_STASH_FFMPEG_PATH" envDefault:"ffmpeg"`
	MaxTranscodes  int64  `env:"MEDIA_STASH_MAX_TRANSCODES" envDefault:"2"`
	BestEffort     bool   `env:"MEDIA_STASH_BEST_EFFORT" envDefault:"false"`
	FallbackType   string `env:"MEDIA_STASH_FALLBACK_TYPE" envDefault:"doc"`
	RenditionCache int    `env:"MEDIA_STASH_RENDITION_CACHE" envDefault:"128"`

	ReadTimeout  time.Duration `env:"MEDIA_STASH_READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout time.Duration `env:"MEDIA_STASH_WRITE_TIMEOUT" envDefault:"5m"`
	LogLevel     slog.Level    `env:"MEDIA_STASH_LOG_LEVEL" envDefault:"info"`
}

// Layout builds the storage layout from DataDir and Dirs.
func (c *Config) Layout() (media.Layout, error) {
	overrides := make(map[media.Type]string, len(c.Dirs))
	for name, dir := range c.Dirs {
		t, err := media.ParseType(name)
		if err != nil {
			return media.Layout{}, fmt.Errorf("invalid directory override: %w", err)
		}
		overrides[t] = dir
	}
	return media.NewLayout(c.DataDir, overrides), nil
}

// DatabasePath returns DBPath, defaulting to media.db inside DataDir.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "media.db")
}

// New wires storage, processing, journal and metrics into an HTTP server.
func New(cfg *Config) (*http.Server, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("at least one API key is required")
	}
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d", cfg.MaxSize)
	}

	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}
	storage := fs.NewStorage(layout)
	if err := storage.EnsureLayout(); err != nil {
		return nil, err
	}

	presets := processing.DefaultPresets()
	if cfg.PresetFile != "" {
		loaded, err := processing.LoadPresetFile(cfg.PresetFile)
		if err != nil {
			return nil, err
		}
		presets = presets.Merge(loaded)
	}
	if cfg.VideoPreset == "" {
		cfg.VideoPreset = media.DefaultVideoPreset
	}
	if _, ok := presets.Get(cfg.VideoPreset); !ok {
		return nil, fmt.Errorf("unknown video preset %q", cfg.VideoPreset)
	}
	pipeline := processing.New(processing.Config{
		FFmpegPath:    cfg.FFmpegPath,
		MaxTranscodes: cfg.MaxTranscodes,
		Presets:       presets,
	})
	if err := pipeline.CheckFFmpeg(); err != nil {
		slog.Warn("Video uploads will fail", "error", err)
	}

	repo, err := sqlite.NewRepository(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer, err := metrics.NewObserver("", reg)
	if err != nil {
		repo.Close()
		return nil, err
	}

	svc, err := media.NewService(storage, pipeline, repo, media.Config{
		Links:              media.Links{BaseURL: cfg.BaseURL},
		MaxDimension:       cfg.MaxDimension,
		DefaultQuality:     cfg.DefaultQuality,
		VideoPreset:        cfg.VideoPreset,
		FallbackType:       media.Type(cfg.FallbackType),
		BestEffort:         cfg.BestEffort,
		RenditionCacheSize: cfg.RenditionCache,
		Observer:           observer,
	})
	if err != nil {
		repo.Close()
		return nil, err
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      routes(cfg, svc, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		if err := repo.Close(); err != nil {
			slog.Error("Failed to close repository", "error", err)
		}
	})
	return srv, nil
}

func routes(cfg *Config, svc *media.Service, metricsHandler http.Handler) http.Handler {
	keys := cfg.APIKeys
	upload := limitBody(cfg.MaxSize, uploadMedia(svc))

	read := retrieveMedia(svc, false)
	if !cfg.PublicRead {
		read = auth(keys, read)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthz)
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("POST /upload/{type}", auth(keys, upload))
	mux.HandleFunc("POST /upload", auth(keys, upload))
	mux.HandleFunc("POST /media/upload/{type}", auth(keys, upload))
	mux.HandleFunc("GET /media", auth(keys, listMedia(svc)))
	mux.HandleFunc("GET /history", auth(keys, history(svc)))
	mux.HandleFunc("GET /download/{type}/{filename}", auth(keys, retrieveMedia(svc, true)))
	mux.HandleFunc("DELETE /delete/{type}/{filename}", auth(keys, deleteMedia(svc)))
	mux.HandleFunc("GET /{type}/{filename}", read)

	return loggingMiddleware(cors(mux))
}
