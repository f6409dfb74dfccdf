package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// archive is the sqlite cold store for evicted records. Rows are write-once;
// the table exists so audits can reach beyond the in-RAM cap.
type archive struct {
	mu sync.Mutex
	db *sql.DB
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS cold_records (
	id         INTEGER PRIMARY KEY,
	type       TEXT NOT NULL,
	importance REAL NOT NULL,
	created_at INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cold_type ON cold_records(type);
`

func openArchive(path string) (*archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive db: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init archive schema: %w", err)
	}
	return &archive{db: db}, nil
}

func (a *archive) store(recs []*Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO cold_records (id, type, importance, created_at, payload) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range recs {
		payload, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if _, err := stmt.Exec(rec.ID, string(rec.Type), rec.Importance, rec.CreatedAt.Unix(), string(payload)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// get retrieves an archived record by ID.
func (a *archive) get(id int64) (Record, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var payload string
	err := a.db.QueryRow(`SELECT payload FROM cold_records WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (a *archive) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

// GetArchived looks up an evicted record in the cold archive.
func (s *Store) GetArchived(id int64) (Record, bool, error) {
	s.mu.RLock()
	a := s.archive
	s.mu.RUnlock()
	if a == nil {
		return Record{}, false, nil
	}
	return a.get(id)
}
