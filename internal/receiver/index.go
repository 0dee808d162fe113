package receiver

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var ErrTransferNotIndexed = errors.New("transfer not found in index")

// TransferIndex is a SQLite-backed secondary catalog across every known
// file_id. It is not the authority for any one file_id's resumable
// state — state.json on disk is — it only answers cross-file_id
// enumeration questions ("what transfers are known, and in what state").
type TransferIndex struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewTransferIndex opens (or creates) the catalog database at dbPath.
func NewTransferIndex(dbPath string) (*TransferIndex, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open transfer index: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	idx := &TransferIndex{db: db}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *TransferIndex) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transfers (
			file_id TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			size INTEGER NOT NULL,
			total_chunks INTEGER NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transfers_state ON transfers(state);
		CREATE INDEX IF NOT EXISTS idx_transfers_updated ON transfers(updated_at);
	`
	if _, err := idx.db.Exec(schema); err != nil {
		return fmt.Errorf("init transfer index schema: %w", err)
	}
	return nil
}

// TransferRecord is one row of the catalog.
type TransferRecord struct {
	FileID      string
	FileName    string
	Size        int64
	TotalChunks int
	State       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Upsert records the current state of a transfer, creating the row on
// first sight and updating it (and updated_at) on every subsequent call.
func (idx *TransferIndex) Upsert(rec TransferRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := time.Now()
	_, err := idx.db.Exec(`
		INSERT INTO transfers (file_id, file_name, size, total_chunks, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET file_name = excluded.file_name, size = excluded.size, total_chunks = excluded.total_chunks, state = excluded.state, updated_at = excluded.updated_at
	`, rec.FileID, rec.FileName, rec.Size, rec.TotalChunks, rec.State, now, now)
	if err != nil {
		return fmt.Errorf("upsert transfer %s: %w", rec.FileID, err)
	}
	return nil
}

// Get returns the catalog row for file_id.
func (idx *TransferIndex) Get(fileID string) (*TransferRecord, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var rec TransferRecord
	rec.FileID = fileID
	err := idx.db.QueryRow(`
		SELECT file_name, size, total_chunks, state, created_at, updated_at
		FROM transfers WHERE file_id = ?
	`, fileID).Scan(&rec.FileName, &rec.Size, &rec.TotalChunks, &rec.State, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransferNotIndexed
	} else if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", fileID, err)
	}
	return &rec, nil
}

// List returns every catalog row, most recently updated first, optionally
// filtered by state.
func (idx *TransferIndex) List(stateFilter string) ([]TransferRecord, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var (
		rows *sql.Rows
		err  error
	)
	if stateFilter != "" {
		rows, err = idx.db.Query(`
			SELECT file_id, file_name, size, total_chunks, state, created_at, updated_at
			FROM transfers WHERE state = ? ORDER BY updated_at DESC
		`, stateFilter)
	} else {
		rows, err = idx.db.Query(`
			SELECT file_id, file_name, size, total_chunks, state, created_at, updated_at
			FROM transfers ORDER BY updated_at DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []TransferRecord
	for rows.Next() {
		var rec TransferRecord
		if err := rows.Scan(&rec.FileID, &rec.FileName, &rec.Size, &rec.TotalChunks, &rec.State, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes a file_id's catalog row.
func (idx *TransferIndex) Delete(fileID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	result, err := idx.db.Exec("DELETE FROM transfers WHERE file_id = ?", fileID)
	if err != nil {
		return fmt.Errorf("delete transfer %s: %w", fileID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransferNotIndexed
	}
	return nil
}

// Ping verifies the catalog database connection is alive.
func (idx *TransferIndex) Ping() error {
	return idx.db.Ping()
}

// Close closes the catalog database.
func (idx *TransferIndex) Close() error {
	if idx.db != nil {
		return idx.db.Close()
	}
	return nil
}
