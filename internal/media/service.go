package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/pavel-fokin/media-stash/internal/page"
)

const (
	DefaultQuality      = 80
	DefaultMaxDimension = 800
	DefaultVideoPreset  = "default"
)

// Config tunes the media service.
type Config struct {
	Links          Links
	MaxDimension   int
	DefaultQuality int
	VideoPreset    string
	// FallbackType is used when neither the extension nor the request
	// names a type.
	FallbackType Type
	// BestEffort stores the unprocessed upload when the pipeline fails
	// instead of failing the upload.
	BestEffort bool
	// RenditionCacheSize is the number of re-encoded images kept in memory.
	RenditionCacheSize int
	Observer           Observer
	Logger             *slog.Logger
}

// Service provides upload, retrieval, listing and deletion of media files.
type Service struct {
	store    Store
	pipeline Pipeline
	journal  Journal
	catalog  *Catalog
	namer    *Namer
	cfg      Config

	observer   Observer
	logger     *slog.Logger
	renditions *lru.Cache[string, []byte]
	inflight   singleflight.Group
}

// NewService creates a media service. journal may be nil.
func NewService(store Store, pipeline Pipeline, journal Journal, cfg Config) (*Service, error) {
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = DefaultMaxDimension
	}
	if cfg.DefaultQuality == 0 {
		cfg.DefaultQuality = DefaultQuality
	}
	if cfg.DefaultQuality < 1 || cfg.DefaultQuality > 100 {
		return nil, fmt.Errorf("default quality %d out of range 1-100", cfg.DefaultQuality)
	}
	if cfg.VideoPreset == "" {
		cfg.VideoPreset = DefaultVideoPreset
	}
	if cfg.FallbackType == "" {
		cfg.FallbackType = Doc
	}
	if !cfg.FallbackType.Valid() {
		return nil, fmt.Errorf("invalid fallback type %q", cfg.FallbackType)
	}
	if cfg.RenditionCacheSize <= 0 {
		cfg.RenditionCacheSize = 128
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	renditions, err := lru.New[string, []byte](cfg.RenditionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create rendition cache: %w", err)
	}

	return &Service{
		store:      store,
		pipeline:   pipeline,
		journal:    journal,
		catalog:    NewCatalog(store, cfg.Links, cfg.Logger),
		namer:      NewNamer(),
		cfg:        cfg,
		observer:   cfg.Observer,
		logger:     cfg.Logger.With(slog.String("service", "media")),
		renditions: renditions,
	}, nil
}

// UploadRequest represents a media upload.
type UploadRequest struct {
	Filename string
	// Type is the declared type; empty means classify by extension.
	Type    Type
	Content []byte
	// Quality is the JPEG quality for images, 0 selects the default.
	Quality int
}

// UploadResult is returned for a stored upload.
type UploadResult struct {
	Record
	Processed bool `json:"processed"`
}

// Upload processes and stores an uploaded file.
func (s *Service) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	start := time.Now()
	t, result, err := s.upload(ctx, req)
	var size int64
	if result != nil {
		size = result.Size
	}
	s.observer.ObserveUpload(t, time.Since(start), size, err)
	return result, err
}

func (s *Service) upload(ctx context.Context, req *UploadRequest) (Type, *UploadResult, error) {
	if len(req.Content) == 0 {
		return req.Type, nil, ErrEmptyPayload
	}
	quality, err := s.quality(req.Quality)
	if err != nil {
		return req.Type, nil, err
	}
	t, err := s.classify(req.Filename, req.Type)
	if err != nil {
		return req.Type, nil, err
	}

	content, ext, processed, err := s.process(ctx, t, req, quality)
	if err != nil {
		return t, nil, err
	}

	name := s.namer.Name(req.Filename, ext)
	if _, err := s.store.Write(ctx, t, name, bytes.NewReader(content)); err != nil {
		s.logger.Error("Failed to store upload", "op", "upload", "type", t, "filename", name, "error", err)
		return t, nil, fmt.Errorf("store %s/%s: %w", t, name, err)
	}

	info, err := s.store.Stat(t, name)
	if err != nil {
		info = Info{Size: int64(len(content)), ModTime: time.Now()}
	}

	result := &UploadResult{
		Record: Record{
			Filename: name,
			Type:     t,
			Size:     info.Size,
			Created:  info.ModTime,
			URL:      s.cfg.Links.URL(t, name),
		},
		Processed: processed,
	}

	s.appendEvent(ctx, &Event{
		Action:       ActionUpload,
		Type:         t,
		Filename:     name,
		OriginalName: req.Filename,
		Size:         info.Size,
		Processed:    processed,
		At:           info.ModTime,
	})
	s.logger.Info("Stored upload", "type", t, "filename", name, "size", info.Size, "processed", processed)

	return t, result, nil
}

func (s *Service) quality(q int) (int, error) {
	if q == 0 {
		return s.cfg.DefaultQuality, nil
	}
	if q < 1 || q > 100 {
		return 0, fmt.Errorf("%w: quality %d out of range 1-100", ErrValidation, q)
	}
	return q, nil
}

func (s *Service) classify(filename string, declared Type) (Type, error) {
	if declared != "" && !declared.Valid() {
		return "", fmt.Errorf("%w: unknown media type %q", ErrValidation, declared)
	}
	detected, known := Classify(filename)
	switch {
	case known && declared != "" && detected != declared:
		return "", fmt.Errorf("%w: %q is not of type %s", ErrValidation, filename, declared)
	case known:
		return detected, nil
	case declared != "":
		return declared, nil
	}
	return s.cfg.FallbackType, nil
}

// process runs the pipeline for t and returns the bytes to store along with
// their extension.
func (s *Service) process(ctx context.Context, t Type, req *UploadRequest, quality int) ([]byte, string, bool, error) {
	var (
		out []byte
		ext string
		err error
	)
	start := time.Now()
	switch t {
	case Image:
		if mt := mimetype.Detect(req.Content); !strings.HasPrefix(mt.String(), "image/") {
			return nil, "", false, fmt.Errorf("%w: content is %s, not an image", ErrValidation, mt.String())
		}
		out, err = s.pipeline.ProcessImage(ctx, req.Content, s.imageOptions(quality))
		ext = "jpg"
	case Video:
		out, err = s.pipeline.TranscodeVideo(ctx, req.Content, s.cfg.VideoPreset)
		ext = "mp4"
	default:
		return req.Content, "", false, nil
	}
	s.observer.ObserveProcessing(t, time.Since(start), err)

	if err == nil {
		return out, ext, true, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, "", false, ctxErr
	}
	if s.cfg.BestEffort {
		s.logger.Warn("Processing failed, storing original", "op", "upload", "type", t, "filename", req.Filename, "error", err)
		return req.Content, "", false, nil
	}
	s.logger.Error("Processing failed", "op", "upload", "type", t, "filename", req.Filename, "error", err)
	return nil, "", false, fmt.Errorf("%w: %w", ErrProcessing, err)
}

func (s *Service) imageOptions(quality int) ImageOptions {
	return ImageOptions{
		MaxWidth:  s.cfg.MaxDimension,
		MaxHeight: s.cfg.MaxDimension,
		Quality:   quality,
	}
}

// Content is a retrieved file ready to be served.
type Content struct {
	Record
	ContentType string
	Body        io.ReadSeekCloser
}

// Retrieve opens a stored file. A non-zero quality re-encodes images at that
// quality; it is ignored for other types.
func (s *Service) Retrieve(ctx context.Context, t Type, name string, quality int) (*Content, error) {
	rendition := quality != 0 && t == Image
	content, err := s.retrieve(ctx, t, name, quality, rendition)
	s.observer.ObserveRetrieve(t, rendition, err)
	return content, err
}

func (s *Service) retrieve(ctx context.Context, t Type, name string, quality int, rendition bool) (*Content, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown media type %q", ErrValidation, t)
	}
	if err := ValidateFilename(name); err != nil {
		return nil, err
	}
	if quality != 0 {
		if _, err := s.quality(quality); err != nil {
			return nil, err
		}
	}

	if rendition {
		return s.rendition(ctx, t, name, quality)
	}

	body, info, err := s.store.Open(t, name)
	if err != nil {
		return nil, fmt.Errorf("open %s/%s: %w", t, name, err)
	}
	mt, err := mimetype.DetectReader(body)
	if err == nil {
		_, err = body.Seek(0, io.SeekStart)
	}
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("open %s/%s: %w: %w", t, name, ErrStorageRead, err)
	}

	return &Content{
		Record:      s.record(t, name, info),
		ContentType: mt.String(),
		Body:        body,
	}, nil
}

func (s *Service) rendition(ctx context.Context, t Type, name string, quality int) (*Content, error) {
	info, err := s.store.Stat(t, name)
	if err != nil {
		return nil, fmt.Errorf("stat %s/%s: %w", t, name, err)
	}
	key := renditionKey(t, name, quality, info)

	data, ok := s.renditions.Get(key)
	if !ok {
		// The encode is shared by every waiter, so it must outlive any one
		// of them. Each caller still stops waiting when its own ctx ends.
		shared := context.WithoutCancel(ctx)
		ch := s.inflight.DoChan(key, func() (any, error) {
			src, err := s.store.Read(t, name)
			if err != nil {
				return nil, err
			}
			out, err := s.pipeline.ProcessImage(shared, src, s.imageOptions(quality))
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrProcessing, err)
			}
			s.renditions.Add(key, out)
			return out, nil
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if res.Err != nil {
			s.logger.Error("Failed to render image", "op", "retrieve", "type", t, "filename", name, "quality", quality, "error", res.Err)
			return nil, fmt.Errorf("render %s/%s: %w", t, name, res.Err)
		}
		data = res.Val.([]byte)
	}

	rec := s.record(t, name, info)
	rec.Size = int64(len(data))
	return &Content{
		Record:      rec,
		ContentType: "image/jpeg",
		Body:        nopCloser{bytes.NewReader(data)},
	}, nil
}

func renditionKey(t Type, name string, quality int, info Info) string {
	return fmt.Sprintf("%s/%s?q=%d&size=%d&mtime=%d", t, name, quality, info.Size, info.ModTime.UnixNano())
}

func (s *Service) record(t Type, name string, info Info) Record {
	return Record{
		Filename: name,
		Type:     t,
		Size:     info.Size,
		Created:  info.ModTime,
		URL:      s.cfg.Links.URL(t, name),
	}
}

// ListQuery selects a page of media records.
type ListQuery struct {
	Type   Type
	Sort   Sort
	Search string
	Page   int
	Limit  int
}

// ListMedia returns one page of stored media.
func (s *Service) ListMedia(ctx context.Context, q ListQuery) (page.Result[Record], error) {
	if q.Page < 1 || q.Limit < 1 {
		return page.Result[Record]{}, fmt.Errorf("%w: page and limit must be positive", ErrValidation)
	}
	records, err := s.catalog.List(ctx, Query{Type: q.Type, Sort: q.Sort, Search: q.Search})
	if err != nil {
		return page.Result[Record]{}, err
	}
	return page.Paginate(records, q.Page, q.Limit), nil
}

// DeleteMedia removes exactly one stored file.
func (s *Service) DeleteMedia(ctx context.Context, t Type, name string) error {
	err := s.deleteMedia(ctx, t, name)
	s.observer.ObserveDelete(t, err)
	return err
}

func (s *Service) deleteMedia(ctx context.Context, t Type, name string) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown media type %q", ErrValidation, t)
	}
	if err := ValidateFilename(name); err != nil {
		return err
	}
	info, _ := s.store.Stat(t, name)
	if err := s.store.Delete(t, name); err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("Failed to delete", "op", "delete", "type", t, "filename", name, "error", err)
		}
		return fmt.Errorf("delete %s/%s: %w", t, name, err)
	}
	s.dropRenditions(t, name)

	s.appendEvent(ctx, &Event{
		Action:   ActionDelete,
		Type:     t,
		Filename: name,
		Size:     info.Size,
		At:       time.Now(),
	})
	s.logger.Info("Deleted media", "type", t, "filename", name)
	return nil
}

func (s *Service) dropRenditions(t Type, name string) {
	prefix := fmt.Sprintf("%s/%s?", t, name)
	for _, key := range s.renditions.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.renditions.Remove(key)
		}
	}
}

// History returns the most recent journal events, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]*Event, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrValidation)
	}
	if s.journal == nil {
		return []*Event{}, nil
	}
	events, err := s.journal.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return events, nil
}

func (s *Service) appendEvent(ctx context.Context, event *Event) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error("Failed to journal event", "action", event.Action, "type", event.Type, "filename", event.Filename, "error", err)
	}
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }
