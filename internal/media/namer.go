package media

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxStemLength = 64

// Namer generates unique, filesystem-safe names for uploaded files.
type Namer struct {
	now func() time.Time
}

// NewNamer returns a Namer using the wall clock.
func NewNamer() *Namer {
	return &Namer{now: time.Now}
}

// Name derives a stored filename from the client supplied original name.
// ext replaces the original extension; when empty the original one is kept.
// The result has the form <stem>-<unix millis>-<12 hex chars>.<ext>.
func (n *Namer) Name(original, ext string) string {
	base := filepath.Base(strings.ReplaceAll(original, `\`, "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if ext == "" {
		ext = filepath.Ext(base)
	}

	name := fmt.Sprintf("%s-%d-%s", Sanitize(stem), n.now().UnixMilli(), disambiguator())
	if ext := cleanExt(ext); ext != "" {
		name += "." + ext
	}
	return name
}

// Sanitize lowercases s, replaces everything outside [a-z0-9] with '-',
// collapses repeated '-' and trims them from both ends.
func Sanitize(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > maxStemLength {
		out = strings.TrimRight(out[:maxStemLength], "-")
	}
	if out == "" {
		return "file"
	}
	return out
}

func cleanExt(ext string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ext) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func disambiguator() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:6])
}
