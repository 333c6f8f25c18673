package media

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Layout maps every media type to exactly one base directory.
type Layout struct {
	dirs map[Type]string
}

// NewLayout builds a layout rooted at root. Each type lives in root/<type>
// unless overrides names another directory; relative overrides are taken
// relative to root.
func NewLayout(root string, overrides map[Type]string) Layout {
	dirs := make(map[Type]string, len(Types))
	for _, t := range Types {
		dir := filepath.Join(root, string(t))
		if o, ok := overrides[t]; ok && o != "" {
			dir = o
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(root, dir)
			}
		}
		dirs[t] = filepath.Clean(dir)
	}
	return Layout{dirs: dirs}
}

// Dir returns the base directory for t.
func (l Layout) Dir(t Type) string {
	return l.dirs[t]
}

// Resolve returns the canonical path of filename within the directory of t.
func (l Layout) Resolve(t Type, filename string) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown media type %q", ErrValidation, t)
	}
	if err := ValidateFilename(filename); err != nil {
		return "", err
	}
	return filepath.Join(l.dirs[t], filename), nil
}

// ValidateFilename rejects names that could escape their type directory.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty filename", ErrValidation)
	case strings.ContainsAny(name, `/\`+"\x00"),
		strings.Contains(name, ".."),
		strings.HasPrefix(name, "."),
		filepath.Base(name) != name:
		return fmt.Errorf("%w: invalid filename %q", ErrValidation, name)
	}
	return nil
}

// Links builds public URLs for stored files.
type Links struct {
	BaseURL string
}

// URL returns the retrieval URL of a stored file: <base>/<type>/<filename>.
func (l Links) URL(t Type, filename string) string {
	return strings.TrimRight(l.BaseURL, "/") + "/" + string(t) + "/" + url.PathEscape(filename)
}
