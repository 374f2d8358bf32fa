package contentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ipfs/go-cid"
	_ "modernc.org/sqlite"
)

// Local is a content-addressed store kept in a sqlite file
type Local struct {
	db *sql.DB
}

// NewLocal opens (or creates) the sqlite database at dbPath
func NewLocal(dbPath string) (*Local, error) {
	if dbPath == "" {
		return nil, errors.New("content db path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create content directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Local{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS content (
			cid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) Put(ctx context.Context, name string, data []byte) (string, error) {
	id, err := ComputeCID(data)
	if err != nil {
		return "", &Error{Op: "put", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = l.db.ExecContext(ctx, `INSERT INTO content (cid, name, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cid) DO NOTHING`, id, name, data, time.Now().Unix())
	if err != nil {
		return "", &Error{Op: "put", ID: id, Err: err}
	}
	return id, nil
}

func (l *Local) Get(ctx context.Context, id string) ([]byte, error) {
	if _, err := cid.Decode(id); err != nil {
		return nil, &Error{Op: "get", ID: id, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var data []byte
	err := l.db.QueryRowContext(ctx, `SELECT data FROM content WHERE cid = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Op: "get", ID: id, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &Error{Op: "get", ID: id, Err: err}
	}
	return data, nil
}

// names lists the stored content ids by the name they were published under
func (l *Local) names(ctx context.Context) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT name, cid FROM content ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, rows.Err()
}

func (l *Local) Close() error {
	return l.db.Close()
}
