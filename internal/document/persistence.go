package document

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Persistence stores the saved shared-document bytes locally, one row per
// room, so a client can edit offline and come back to its pending edits.
type Persistence struct {
	db *sql.DB
}

func OpenPersistence(path string) (*Persistence, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence db: %w", err)
	}

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS documents (
			room TEXT PRIMARY KEY,
			content BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}

	return &Persistence{db: db}, nil
}

// Load returns the saved document for a room, or nil when none exists.
func (p *Persistence) Load(room string) ([]byte, error) {
	var content []byte
	err := p.db.QueryRow(
		`SELECT content FROM documents WHERE room = ?`, room,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document for room %q: %w", room, err)
	}
	return content, nil
}

// Save writes the document bytes for a room, replacing any previous save.
func (p *Persistence) Save(room string, content []byte) error {
	_, err := p.db.Exec(
		`INSERT INTO documents (room, content, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(room) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		room, content, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save document for room %q: %w", room, err)
	}
	return nil
}

func (p *Persistence) Close() error {
	return p.db.Close()
}
