package media

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// Type is the closed set of media categories a stored file can belong to.
type Type string

const (
	Image Type = "image"
	Video Type = "video"
	Audio Type = "audio"
	PDF   Type = "pdf"
	Doc   Type = "doc"
)

// Types lists every media type in a stable order.
var Types = []Type{Image, Video, Audio, PDF, Doc}

// extensions is the single classification table from file extension to type.
var extensions = map[string]Type{
	"jpg": Image, "jpeg": Image, "png": Image, "gif": Image, "webp": Image, "bmp": Image,
	"mp4": Video, "avi": Video, "mov": Video, "webm": Video, "mkv": Video, "wmv": Video, "flv": Video,
	"mp3": Audio, "wav": Audio, "aac": Audio, "ogg": Audio, "flac": Audio, "m4a": Audio,
	"pdf": PDF,
	"doc": Doc, "docx": Doc, "xls": Doc, "xlsx": Doc, "ppt": Doc, "pptx": Doc, "txt": Doc, "rtf": Doc,
}

// ParseType converts s into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown media type %q", ErrValidation, s)
	}
	return t, nil
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	switch t {
	case Image, Video, Audio, PDF, Doc:
		return true
	}
	return false
}

func (t Type) String() string {
	return string(t)
}

// Title returns the capitalised type name used in client messages.
func (t Type) Title() string {
	switch t {
	case PDF:
		return "PDF"
	case "":
		return "File"
	}
	return strings.ToUpper(string(t[:1])) + string(t[1:])
}

// Classify returns the type for a filename based on its extension.
func Classify(filename string) (Type, bool) {
	t, ok := extensions[Ext(filename)]
	return t, ok
}

// Ext returns the lowercased extension of filename without the leading dot.
func Ext(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

// Record describes a stored media file.
type Record struct {
	Filename string    `json:"filename"`
	Type     Type      `json:"type"`
	Size     int64     `json:"size"`
	Created  time.Time `json:"created"`
	URL      string    `json:"url"`
}

// Info holds the filesystem metadata of a stored file.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Entry is a single directory entry returned by Store.Scan. Err is set when
// the entry could not be stat'ed.
type Entry struct {
	Name string
	Info Info
	Err  error
}

// ImageOptions bounds an image encode.
type ImageOptions struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
}

// Store is the physical media storage.
type Store interface {
	Write(ctx context.Context, t Type, name string, content io.Reader) (string, error)
	Read(t Type, name string) ([]byte, error)
	Open(t Type, name string) (io.ReadSeekCloser, Info, error)
	Stat(t Type, name string) (Info, error)
	Delete(t Type, name string) error
	Exists(t Type, name string) bool
	Scan(t Type) ([]Entry, error)
}

// Pipeline turns uploaded bytes into their stored form.
type Pipeline interface {
	ProcessImage(ctx context.Context, src []byte, opts ImageOptions) ([]byte, error)
	TranscodeVideo(ctx context.Context, src []byte, preset string) ([]byte, error)
}

// Journal keeps a history of media events.
type Journal interface {
	Append(ctx context.Context, event *Event) error
	Recent(ctx context.Context, limit int) ([]*Event, error)
}

// Observer receives telemetry about service operations.
type Observer interface {
	ObserveUpload(t Type, duration time.Duration, size int64, err error)
	ObserveProcessing(t Type, duration time.Duration, err error)
	ObserveRetrieve(t Type, rendition bool, err error)
	ObserveDelete(t Type, err error)
}

// Action is the kind of a journal event.
type Action string

const (
	ActionUpload Action = "upload"
	ActionDelete Action = "delete"
)

// Event is a single journal entry.
type Event struct {
	ID           int64     `json:"id"`
	Action       Action    `json:"action"`
	Type         Type      `json:"type"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"original_name,omitempty"`
	Size         int64     `json:"size"`
	Processed    bool      `json:"processed"`
	At           time.Time `json:"at"`
}

type noopObserver struct{}

func (noopObserver) ObserveUpload(Type, time.Duration, int64, error) {}
func (noopObserver) ObserveProcessing(Type, time.Duration, error)    {}
func (noopObserver) ObserveRetrieve(Type, bool, error)               {}
func (noopObserver) ObserveDelete(Type, error)                       {}
