package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/osvaldoandrade/inspectq/pkg/domain"
	"github.com/osvaldoandrade/inspectq/pkg/storage"

	_ "github.com/mattn/go-sqlite3"
)

// Backend stores artifacts as rows of a SQLite database, bytes inline.
type Backend struct {
	name  string
	db    *sql.DB
	owned bool
}

// New wraps an open database and makes sure the artifacts table exists.
func New(name string, db *sql.DB) (*Backend, error) {
	if name == "" {
		name = "sqlite"
	}
	b := &Backend{name: name, db: db}
	if err := b.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return b, nil
}

func newFromConfig(cfg storage.Config) (storage.Backend, error) {
	path := cfg.Option("path", "/tmp/inspectq-artifacts.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}
	b, err := New(cfg.Name, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

func init() {
	storage.RegisterProvider("sqlite", newFromConfig)
}

func (b *Backend) createTables() error {
	createArtifactsTable := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		mission_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		kind TEXT NOT NULL,
		file_type TEXT NOT NULL,
		content_type TEXT NOT NULL,
		checksum TEXT NOT NULL,
		captured_at TEXT NOT NULL,
		record TEXT NOT NULL,
		data BLOB,
		stored_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_mission ON artifacts(mission_id);`

	_, err := b.db.Exec(createArtifactsTable)
	return err
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Store(ctx context.Context, a domain.Artifact, m domain.MissionContext) (string, error) {
	rec, err := storage.NewRecord(a, m).JSON()
	if err != nil {
		return "", err
	}
	query := `
	INSERT OR REPLACE INTO artifacts
		(id, mission_id, sequence, kind, file_type, content_type, checksum, captured_at, record, data, stored_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = b.db.ExecContext(ctx, query,
		a.ID,
		a.MissionID,
		a.Sequence,
		string(a.Kind),
		a.Metadata.FileType,
		a.ContentType(),
		a.Checksum(),
		a.Metadata.CapturedAt.UTC().Format(time.RFC3339Nano),
		string(rec),
		a.Data,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("sqlite storage: %w", err)
	}
	return "sqlite://" + b.name + "/artifacts/" + a.ID, nil
}

func (b *Backend) Exists(ctx context.Context, a domain.Artifact) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM artifacts WHERE id = ?`, a.ID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the stored bytes and checksum of an artifact.
func (b *Backend) Get(ctx context.Context, artifactID string) ([]byte, string, error) {
	var data []byte
	var checksum string
	err := b.db.QueryRowContext(ctx, `SELECT data, checksum FROM artifacts WHERE id = ?`, artifactID).Scan(&data, &checksum)
	if err == sql.ErrNoRows {
		return nil, "", storage.ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return data, checksum, nil
}

// CountByMission returns how many artifacts of a mission are stored.
func (b *Backend) CountByMission(ctx context.Context, missionID string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM artifacts WHERE mission_id = ?`, missionID).Scan(&n)
	return n, err
}

func (b *Backend) Health(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}
