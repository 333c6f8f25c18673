package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	mu         sync.Mutex
	imageCalls int
	videoCalls int
	err        error
	// delay makes ProcessImage behave like a slow encode that honours ctx.
	delay time.Duration
}

func (p *fakePipeline) ProcessImage(ctx context.Context, src []byte, opts ImageOptions) ([]byte, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.imageCalls++
	if p.err != nil {
		return nil, p.err
	}
	return []byte(fmt.Sprintf("jpeg q=%d max=%dx%d", opts.Quality, opts.MaxWidth, opts.MaxHeight)), nil
}

func (p *fakePipeline) TranscodeVideo(ctx context.Context, src []byte, preset string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoCalls++
	if p.err != nil {
		return nil, p.err
	}
	return []byte("mp4 preset=" + preset), nil
}

type memJournal struct {
	mu     sync.Mutex
	events []*Event
}

func (j *memJournal) Append(ctx context.Context, event *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	event.ID = int64(len(j.events) + 1)
	j.events = append(j.events, event)
	return nil
}

func (j *memJournal) Recent(ctx context.Context, limit int) ([]*Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*Event
	for i := len(j.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.events[i])
	}
	return out, nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestService(t *testing.T, cfg Config) (*Service, *memStore, *fakePipeline, *memJournal) {
	t.Helper()
	store := newMemStore()
	pipeline := &fakePipeline{}
	journal := &memJournal{}
	if cfg.Links.BaseURL == "" {
		cfg.Links.BaseURL = "http://media.test"
	}
	svc, err := NewService(store, pipeline, journal, cfg)
	require.NoError(t, err)
	return svc, store, pipeline, journal
}

func TestUploadImage(t *testing.T) {
	svc, store, pipeline, journal := newTestService(t, Config{MaxDimension: 640})

	res, err := svc.Upload(context.Background(), &UploadRequest{
		Filename: "Summer Trip.PNG",
		Type:     Image,
		Content:  pngBytes(t),
		Quality:  90,
	})
	require.NoError(t, err)

	assert.Equal(t, Image, res.Type)
	assert.True(t, res.Processed)
	assert.Regexp(t, `^summer-trip-\d+-[0-9a-f]{12}\.jpg$`, res.Filename)
	assert.Equal(t, "http://media.test/image/"+res.Filename, res.URL)
	assert.Equal(t, 1, pipeline.imageCalls)

	data, err := store.Read(Image, res.Filename)
	require.NoError(t, err)
	assert.Equal(t, "jpeg q=90 max=640x640", string(data))
	assert.EqualValues(t, len(data), res.Size)

	require.Len(t, journal.events, 1)
	assert.Equal(t, ActionUpload, journal.events[0].Action)
	assert.Equal(t, "Summer Trip.PNG", journal.events[0].OriginalName)
}

func TestUploadDefaults(t *testing.T) {
	svc, store, _, _ := newTestService(t, Config{})

	res, err := svc.Upload(context.Background(), &UploadRequest{Filename: "a.png", Content: pngBytes(t)})
	require.NoError(t, err)

	data, err := store.Read(Image, res.Filename)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("jpeg q=%d max=%dx%d", DefaultQuality, DefaultMaxDimension, DefaultMaxDimension), string(data))
}

func TestUploadVideo(t *testing.T) {
	svc, store, pipeline, _ := newTestService(t, Config{VideoPreset: "small"})

	res, err := svc.Upload(context.Background(), &UploadRequest{Filename: "clip.mov", Content: []byte("raw video")})
	require.NoError(t, err)

	assert.Equal(t, Video, res.Type)
	assert.Regexp(t, `\.mp4$`, res.Filename)
	assert.Equal(t, 1, pipeline.videoCalls)

	data, err := store.Read(Video, res.Filename)
	require.NoError(t, err)
	assert.Equal(t, "mp4 preset=small", string(data))
}

func TestUploadPassthrough(t *testing.T) {
	svc, store, pipeline, _ := newTestService(t, Config{})

	res, err := svc.Upload(context.Background(), &UploadRequest{Filename: "Report.PDF", Content: []byte("%PDF-1.4")})
	require.NoError(t, err)

	assert.Equal(t, PDF, res.Type)
	assert.False(t, res.Processed)
	assert.Regexp(t, `^report-\d+-[0-9a-f]{12}\.pdf$`, res.Filename)
	assert.Zero(t, pipeline.imageCalls+pipeline.videoCalls)

	data, err := store.Read(PDF, res.Filename)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))
}

func TestUploadClassification(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		declared Type
		fallback Type
		want     Type
		wantErr  error
	}{
		{name: "extension wins without declaration", filename: "song.mp3", want: Audio},
		{name: "declared matches extension", filename: "song.mp3", declared: Audio, want: Audio},
		{name: "declared type for unknown extension", filename: "data.bin", declared: Audio, want: Audio},
		{name: "fallback for unknown extension", filename: "data.bin", want: Doc},
		{name: "configured fallback", filename: "data.bin", fallback: PDF, want: PDF},
		{name: "mismatch is rejected", filename: "song.mp3", declared: Doc, wantErr: ErrValidation},
		{name: "unknown declared type", filename: "song.mp3", declared: "sticker", wantErr: ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _, _ := newTestService(t, Config{FallbackType: tt.fallback})
			res, err := svc.Upload(context.Background(), &UploadRequest{
				Filename: tt.filename,
				Type:     tt.declared,
				Content:  []byte("payload"),
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Type)
		})
	}
}

func TestUploadValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	ctx := context.Background()

	_, err := svc.Upload(ctx, &UploadRequest{Filename: "a.png", Type: Image})
	assert.ErrorIs(t, err, ErrEmptyPayload)
	assert.ErrorIs(t, err, ErrValidation)

	for _, q := range []int{-1, 101} {
		_, err = svc.Upload(ctx, &UploadRequest{Filename: "a.png", Content: pngBytes(t), Quality: q})
		assert.ErrorIs(t, err, ErrValidation)
	}

	_, err = svc.Upload(ctx, &UploadRequest{Filename: "fake.jpg", Content: []byte("definitely not an image")})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUploadProcessingFailure(t *testing.T) {
	svc, store, pipeline, _ := newTestService(t, Config{})
	pipeline.err = errors.New("ffmpeg exited with status 1")

	_, err := svc.Upload(context.Background(), &UploadRequest{Filename: "clip.mp4", Content: []byte("raw")})
	assert.ErrorIs(t, err, ErrProcessing)

	entries, err := store.Scan(Video)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadBestEffort(t *testing.T) {
	svc, store, pipeline, _ := newTestService(t, Config{BestEffort: true})
	pipeline.err = errors.New("ffmpeg exited with status 1")

	res, err := svc.Upload(context.Background(), &UploadRequest{Filename: "clip.avi", Content: []byte("raw")})
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Regexp(t, `\.avi$`, res.Filename)

	data, err := store.Read(Video, res.Filename)
	require.NoError(t, err)
	assert.Equal(t, "raw", string(data))
}

func TestRetrieve(t *testing.T) {
	svc, store, _, _ := newTestService(t, Config{})
	store.put(Doc, "notes.txt", []byte("hello world"), time.Now())

	content, err := svc.Retrieve(context.Background(), Doc, "notes.txt", 0)
	require.NoError(t, err)
	defer content.Body.Close()

	data, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Contains(t, content.ContentType, "text/plain")
	assert.EqualValues(t, 11, content.Size)

	_, err = svc.Retrieve(context.Background(), Doc, "missing.txt", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Retrieve(context.Background(), Doc, "../secret", 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRetrieveRendition(t *testing.T) {
	svc, store, pipeline, _ := newTestService(t, Config{})
	store.put(Image, "cat.jpg", pngBytes(t), time.Now())

	for range 3 {
		content, err := svc.Retrieve(context.Background(), Image, "cat.jpg", 30)
		require.NoError(t, err)
		data, err := io.ReadAll(content.Body)
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", content.ContentType)
		assert.Contains(t, string(data), "q=30")
	}
	assert.Equal(t, 1, pipeline.imageCalls, "renditions are cached")

	_, err := svc.Retrieve(context.Background(), Image, "cat.jpg", 101)
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, svc.DeleteMedia(context.Background(), Image, "cat.jpg"))
	assert.Empty(t, svc.renditions.Keys())

	_, err = svc.Retrieve(context.Background(), Image, "cat.jpg", 30)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetrieveRenditionSurvivesCancelledWaiter(t *testing.T) {
	svc, store, pipeline, _ := newTestService(t, Config{})
	store.put(Image, "cat.jpg", pngBytes(t), time.Now())
	pipeline.delay = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := svc.Retrieve(ctx, Image, "cat.jpg", 30)
		errA <- err
	}()

	type result struct {
		data []byte
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		// Join the encode already started by the first caller.
		time.Sleep(10 * time.Millisecond)
		content, err := svc.Retrieve(context.Background(), Image, "cat.jpg", 30)
		if err != nil {
			resB <- result{err: err}
			return
		}
		data, err := io.ReadAll(content.Body)
		resB <- result{data: data, err: err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errA, context.Canceled)
	b := <-resB
	require.NoError(t, b.err)
	assert.Contains(t, string(b.data), "q=30")

	pipeline.mu.Lock()
	defer pipeline.mu.Unlock()
	assert.Equal(t, 1, pipeline.imageCalls, "the encode is shared")
}

func TestRetrieveQualityIgnoredForVideo(t *testing.T) {
	svc, store, pipeline, _ := newTestService(t, Config{})
	store.put(Video, "clip.mp4", []byte("video bytes"), time.Now())

	content, err := svc.Retrieve(context.Background(), Video, "clip.mp4", 50)
	require.NoError(t, err)
	data, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	assert.Equal(t, "video bytes", string(data))
	assert.Zero(t, pipeline.imageCalls+pipeline.videoCalls)
}

func TestListMedia(t *testing.T) {
	svc, store, _, _ := newTestService(t, Config{})
	now := time.Now()
	const mb = 1 << 20
	store.put(Video, "five.mp4", make([]byte, 5*mb), now)
	store.put(Video, "one.mp4", make([]byte, 1*mb), now)
	store.put(Video, "three.mp4", make([]byte, 3*mb), now)

	res, err := svc.ListMedia(context.Background(), ListQuery{Type: Video, Sort: SortSize, Page: 1, Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"five.mp4", "three.mp4"}, filenames(res.Items))
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Pages)
	assert.True(t, res.HasNext)
	assert.False(t, res.HasPrevious)

	_, err = svc.ListMedia(context.Background(), ListQuery{Page: 0, Limit: 2})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDeleteMedia(t *testing.T) {
	svc, store, _, journal := newTestService(t, Config{})
	store.put(Image, "cat.jpg", []byte("x"), time.Now())

	require.NoError(t, svc.DeleteMedia(context.Background(), Image, "cat.jpg"))
	assert.False(t, store.Exists(Image, "cat.jpg"))

	_, err := svc.Retrieve(context.Background(), Image, "cat.jpg", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	err = svc.DeleteMedia(context.Background(), Image, "cat.jpg")
	assert.ErrorIs(t, err, ErrNotFound)

	err = svc.DeleteMedia(context.Background(), "sticker", "cat.jpg")
	assert.ErrorIs(t, err, ErrValidation)

	events, err := svc.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionDelete, events[0].Action)
	assert.Len(t, journal.events, 1)
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	_, err := NewService(newMemStore(), &fakePipeline{}, nil, Config{DefaultQuality: 150})
	assert.Error(t, err)

	_, err = NewService(newMemStore(), &fakePipeline{}, nil, Config{FallbackType: "sticker"})
	assert.Error(t, err)
}
