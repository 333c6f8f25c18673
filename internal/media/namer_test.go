package media

import (
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Holiday Photo", "holiday-photo"},
		{"  --Hello__World!!--  ", "hello-world"},
		{"../../etc/passwd", "etc-passwd"},
		{"ÜBER straße", "ber-stra-e"},
		{"", "file"},
		{"...", "file"},
		{"a/b\\c", "a-b-c"},
		{strings.Repeat("x", 100), strings.Repeat("x", maxStemLength)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestNamerName(t *testing.T) {
	n := &Namer{now: func() time.Time { return time.UnixMilli(1700000000123) }}

	name := n.Name("My Cat.PNG", "jpg")
	assert.Regexp(t, `^my-cat-1700000000123-[0-9a-f]{12}\.jpg$`, name)

	name = n.Name("report.PDF", "")
	assert.Regexp(t, `^report-1700000000123-[0-9a-f]{12}\.pdf$`, name)

	name = n.Name("noext", "")
	assert.Regexp(t, `^noext-1700000000123-[0-9a-f]{12}$`, name)
}

func TestNamerNeverEscapes(t *testing.T) {
	n := NewNamer()
	safe := regexp.MustCompile(`^[a-z0-9-]+(\.[a-z0-9]+)?$`)

	inputs := []string{
		"../../../etc/passwd",
		`..\..\windows\system32\cmd.exe`,
		"/absolute/path.jpg",
		"file.../..jpg",
		"..",
		".",
		"/",
		"\x00evil.jpg",
		"name.ex/t",
		"photo.j..pg",
	}
	for _, in := range inputs {
		for _, ext := range []string{"", "jpg", "../x", "."} {
			name := n.Name(in, ext)
			assert.NotContains(t, name, "..", "input %q ext %q", in, ext)
			assert.NotContains(t, name, "/", "input %q ext %q", in, ext)
			assert.NotContains(t, name, `\`, "input %q ext %q", in, ext)
			assert.Regexp(t, safe, name, "input %q ext %q", in, ext)
			assert.NoError(t, ValidateFilename(name))
		}
	}
}

func TestNamerUniqueUnderConcurrency(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	n := &Namer{now: func() time.Time { return fixed }}

	const workers, perWorker = 8, 250
	names := make(chan string, workers*perWorker)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				names <- n.Name("same.jpg", "jpg")
			}
		}()
	}
	wg.Wait()
	close(names)

	seen := make(map[string]bool)
	for name := range names {
		assert.False(t, seen[name], "duplicate name %s", name)
		seen[name] = true
	}
	assert.Len(t, seen, workers*perWorker)
}
