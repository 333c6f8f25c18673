package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu    sync.Mutex
	files map[Type]map[string]memFile
	// broken lists entries whose stat fails during Scan.
	broken map[Type][]string
	now    func() time.Time
}

type memFile struct {
	data    []byte
	modTime time.Time
}

func newMemStore() *memStore {
	return &memStore{
		files:  make(map[Type]map[string]memFile),
		broken: make(map[Type][]string),
		now:    time.Now,
	}
}

func (s *memStore) put(t Type, name string, data []byte, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files[t] == nil {
		s.files[t] = make(map[string]memFile)
	}
	s.files[t][name] = memFile{data: data, modTime: modTime}
}

func (s *memStore) Write(ctx context.Context, t Type, name string, content io.Reader) (string, error) {
	if err := ValidateFilename(name); err != nil {
		return "", err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return "", errors.Join(ErrStorageWrite, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.put(t, name, data, s.now())
	return string(t) + "/" + name, nil
}

func (s *memStore) get(t Type, name string) (memFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[t][name]
	if !ok {
		return memFile{}, ErrNotFound
	}
	return f, nil
}

func (s *memStore) Read(t Type, name string) ([]byte, error) {
	f, err := s.get(t, name)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(f.data), nil
}

func (s *memStore) Open(t Type, name string) (io.ReadSeekCloser, Info, error) {
	f, err := s.get(t, name)
	if err != nil {
		return nil, Info{}, err
	}
	return nopCloser{bytes.NewReader(f.data)}, Info{Size: int64(len(f.data)), ModTime: f.modTime}, nil
}

func (s *memStore) Stat(t Type, name string) (Info, error) {
	f, err := s.get(t, name)
	if err != nil {
		return Info{}, err
	}
	return Info{Size: int64(len(f.data)), ModTime: f.modTime}, nil
}

func (s *memStore) Delete(t Type, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[t][name]; !ok {
		return ErrNotFound
	}
	delete(s.files[t], name)
	return nil
}

func (s *memStore) Exists(t Type, name string) bool {
	_, err := s.get(t, name)
	return err == nil
}

func (s *memStore) Scan(t Type) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for name, f := range s.files[t] {
		out = append(out, Entry{Name: name, Info: Info{Size: int64(len(f.data)), ModTime: f.modTime}})
	}
	for _, name := range s.broken[t] {
		out = append(out, Entry{Name: name, Err: errors.New("permission denied")})
	}
	return out, nil
}
