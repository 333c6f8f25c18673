package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/pavel-fokin/media-stash/internal/media"
)

// Repository implements media.Journal using SQLite
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite repository
func NewRepository(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	repo := &Repository{db: db}

	// Initialize database schema
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// dsn appends the connection pragmas to dbPath, keeping any query it
// already carries.
func dsn(dbPath string) string {
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + params.Encode()
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// initSchema creates the necessary database tables
func (r *Repository) initSchema() error {
	createTableQuery := `
	CREATE TABLE IF NOT EXISTS media_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		type TEXT NOT NULL,
		filename TEXT NOT NULL,
		original_name TEXT,
		size INTEGER NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT 0,
		at DATETIME NOT NULL
	);`
	if _, err := r.db.Exec(createTableQuery); err != nil {
		return fmt.Errorf("failed to create media_events table: %w", err)
	}

	createIndexesQuery := `
	CREATE INDEX IF NOT EXISTS idx_media_events_type_filename ON media_events(type, filename);
	`
	if _, err := r.db.Exec(createIndexesQuery); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

// Append stores a media event and sets its ID
func (r *Repository) Append(ctx context.Context, event *media.Event) error {
	query := `
	INSERT INTO media_events (action, type, filename, original_name, size, processed, at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		string(event.Action),
		string(event.Type),
		event.Filename,
		sql.NullString{String: event.OriginalName, Valid: event.OriginalName != ""},
		event.Size,
		event.Processed,
		event.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create event record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	event.ID = id

	return nil
}

// Recent retrieves the latest events, newest first
func (r *Repository) Recent(ctx context.Context, limit int) ([]*media.Event, error) {
	query := `
	SELECT id, action, type, filename, original_name, size, processed, at
	FROM media_events
	ORDER BY id DESC
	LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []*media.Event{}
	for rows.Next() {
		var (
			event        media.Event
			action, typ  string
			originalName sql.NullString
		)
		err := rows.Scan(
			&event.ID,
			&action,
			&typ,
			&event.Filename,
			&originalName,
			&event.Size,
			&event.Processed,
			&event.At,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.Action = media.Action(action)
		event.Type = media.Type(typ)
		if originalName.Valid {
			event.OriginalName = originalName.String
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	return events, nil
}
