// Package processing resizes and re-encodes uploaded media. Images are
// handled in process with the imaging library; videos are transcoded by an
// ffmpeg subprocess.
package processing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"

	"github.com/pavel-fokin/media-stash/internal/media"
)

const (
	defaultFFmpeg   = "ffmpeg"
	ffmpegWaitDelay = 5 * time.Second
	maxStderr       = 2048
)

// Config configures a Pipeline.
type Config struct {
	FFmpegPath string
	// TempDir holds transcoder work files; empty means os.TempDir().
	TempDir string
	// MaxTranscodes bounds the number of concurrent ffmpeg processes.
	MaxTranscodes int64
	Presets       *PresetLibrary
	Logger        *slog.Logger
}

// Pipeline implements media.Pipeline.
type Pipeline struct {
	ffmpeg  string
	tempDir string
	presets *PresetLibrary
	slots   *semaphore.Weighted
	logger  *slog.Logger
}

// New creates a processing pipeline.
func New(cfg Config) *Pipeline {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = defaultFFmpeg
	}
	if cfg.MaxTranscodes <= 0 {
		cfg.MaxTranscodes = 1
	}
	if cfg.Presets == nil {
		cfg.Presets = DefaultPresets()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		ffmpeg:  cfg.FFmpegPath,
		tempDir: cfg.TempDir,
		presets: cfg.Presets,
		slots:   semaphore.NewWeighted(cfg.MaxTranscodes),
		logger:  cfg.Logger.With(slog.String("component", "pipeline")),
	}
}

// CheckFFmpeg reports whether the ffmpeg binary can be found.
func (p *Pipeline) CheckFFmpeg() error {
	if _, err := exec.LookPath(p.ffmpeg); err != nil {
		return fmt.Errorf("ffmpeg not available: %w", err)
	}
	return nil
}

// ProcessImage decodes src, fits it within the bounds of opts without
// upscaling and encodes it as JPEG.
func (p *Pipeline) ProcessImage(ctx context.Context, src []byte, opts media.ImageOptions) ([]byte, error) {
	if opts.Quality < 1 || opts.Quality > 100 {
		return nil, fmt.Errorf("jpeg quality %d out of range 1-100", opts.Quality)
	}
	return await(ctx, func() ([]byte, error) {
		return encodeImage(src, opts)
	})
}

func encodeImage(src []byte, opts media.ImageOptions) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	if opts.MaxWidth > 0 && opts.MaxHeight > 0 {
		img = imaging.Fit(img, opts.MaxWidth, opts.MaxHeight, imaging.Lanczos)
	}

	// JPEG has no alpha channel, transparent areas become white.
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), color.White)
	flat := imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(opts.Quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// TranscodeVideo re-encodes src to MP4 with the named preset. The ffmpeg
// process is killed when ctx is cancelled.
func (p *Pipeline) TranscodeVideo(ctx context.Context, src []byte, preset string) ([]byte, error) {
	pr, ok := p.presets.Get(preset)
	if !ok {
		return nil, fmt.Errorf("unknown video preset %q", preset)
	}

	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.slots.Release(1)

	workDir, err := os.MkdirTemp(p.tempDir, "transcode-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	input := filepath.Join(workDir, "input")
	output := filepath.Join(workDir, "output.mp4")
	if err := os.WriteFile(input, src, 0600); err != nil {
		return nil, fmt.Errorf("write transcoder input: %w", err)
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y", "-i", input}
	args = append(args, pr.Args()...)
	args = append(args, output)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.ffmpeg, args...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = ffmpegWaitDelay

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), maxStderr))
	}
	p.logger.Debug("Transcoded video", "preset", pr.Name, "input_bytes", len(src), "duration_ms", time.Since(start).Milliseconds())

	out, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("read transcoder output: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("ffmpeg produced an empty file")
	}
	return out, nil
}

// await runs fn on its own goroutine and waits for it or for ctx.
func await(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := fn()
		done <- result{data: data, err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
