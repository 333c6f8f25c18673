package media

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Sort orders catalog listings.
type Sort string

const (
	SortNewest Sort = "newest"
	SortOldest Sort = "oldest"
	SortName   Sort = "name"
	SortSize   Sort = "size"
	SortType   Sort = "type"
)

// ParseSort converts s into a Sort. Empty means newest first.
func ParseSort(s string) (Sort, error) {
	switch v := Sort(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return SortNewest, nil
	case SortNewest, SortOldest, SortName, SortSize, SortType:
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown sort %q", ErrValidation, s)
}

// Query selects catalog records. An empty Type lists every type.
type Query struct {
	Type   Type
	Sort   Sort
	Search string
}

// Catalog derives media records from what is on disk. It keeps no state
// between calls.
type Catalog struct {
	store  Store
	links  Links
	logger *slog.Logger
}

// NewCatalog creates a catalog over store.
func NewCatalog(store Store, links Links, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:  store,
		links:  links,
		logger: logger.With(slog.String("component", "catalog")),
	}
}

// List returns the records matching q in the requested order.
func (c *Catalog) List(ctx context.Context, q Query) ([]Record, error) {
	types := Types
	if q.Type != "" {
		if !q.Type.Valid() {
			return nil, fmt.Errorf("%w: unknown media type %q", ErrValidation, q.Type)
		}
		types = []Type{q.Type}
	}
	sortKey := q.Sort
	if sortKey == "" {
		sortKey = SortNewest
	}
	less, ok := comparators[sortKey]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sort %q", ErrValidation, q.Sort)
	}

	buckets := make([][]Record, len(types))
	g, ctx := errgroup.WithContext(ctx)
	for i, t := range types {
		g.Go(func() error {
			records, err := c.scan(ctx, t, strings.ToLower(q.Search))
			if err != nil {
				return err
			}
			buckets[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var records []Record
	for _, b := range buckets {
		records = append(records, b...)
	}
	sort.Slice(records, func(i, j int) bool {
		return less(records[i], records[j])
	})
	return records, nil
}

func (c *Catalog) scan(ctx context.Context, t Type, search string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := c.store.Scan(t)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", t, err)
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name, ".") {
			continue
		}
		if ct, known := Classify(e.Name); known && ct != t {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.Name), search) {
			continue
		}
		if e.Err != nil {
			c.logger.Warn("Skipping unreadable entry", "type", t, "filename", e.Name, "error", e.Err)
			continue
		}
		records = append(records, Record{
			Filename: e.Name,
			Type:     t,
			Size:     e.Info.Size,
			Created:  e.Info.ModTime,
			URL:      c.links.URL(t, e.Name),
		})
	}
	return records, nil
}

var comparators = map[Sort]func(a, b Record) bool{
	SortNewest: newer,
	SortOldest: func(a, b Record) bool {
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return byName(a, b)
	},
	SortName: byName,
	SortSize: func(a, b Record) bool {
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		return byName(a, b)
	},
	SortType: func(a, b Record) bool {
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return newer(a, b)
	},
}

func newer(a, b Record) bool {
	if !a.Created.Equal(b.Created) {
		return a.Created.After(b.Created)
	}
	return byName(a, b)
}

// byName breaks every tie so listings are stable across calls. The type is
// the last resort since a filename is only unique within its type.
func byName(a, b Record) bool {
	if a.Filename != b.Filename {
		return a.Filename < b.Filename
	}
	return a.Type < b.Type
}
