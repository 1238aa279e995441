package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNoDocument is returned by writes that target a missing document.
var ErrNoDocument = errors.New("document does not exist")

// ErrDocumentExists is returned when creating a document whose id is taken.
var ErrDocumentExists = errors.New("document already exists")

type Database struct {
	db     *sql.DB
	driver string
}

type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Language  string    `json:"language"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Stats struct {
	DocumentCount int `json:"document_count"`
	TotalBytes    int `json:"total_bytes"`
}

// New opens (or creates) the SQLite database at dbPath.
func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL lets readers proceed while a persistence write is in flight
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	d := &Database{db: db, driver: "sqlite"}
	if err := d.createTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("database initialized", "driver", d.driver, "path", dbPath)
	return d, nil
}

// OpenPostgres connects to PostgreSQL through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, databaseURL string) (*Database, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &Database{db: db, driver: "pgx"}
	if err := d.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("database initialized", "driver", d.driver)
	return d, nil
}

func (d *Database) createTables(ctx context.Context) error {
	timestamp := "DATETIME"
	if d.driver == "pgx" {
		timestamp = "TIMESTAMPTZ"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		created_at %[1]s NOT NULL,
		updated_at %[1]s NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at DESC);
	`, timestamp)

	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d *Database) rebind(query string) string {
	if d.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Document operations

func (d *Database) CreateDocument(ctx context.Context, id, title, language, content string) (*Document, error) {
	existing, err := d.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrDocumentExists
	}

	now := time.Now().UTC()
	_, err = d.db.ExecContext(ctx, d.rebind(
		"INSERT INTO documents (id, title, language, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)"),
		id, title, language, content, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}

	return d.GetDocument(ctx, id)
}

// GetDocument returns nil, nil when the document does not exist.
func (d *Database) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := d.db.QueryRowContext(ctx, d.rebind(
		"SELECT id, title, language, content, created_at, updated_at FROM documents WHERE id = ?"),
		id,
	)

	var doc Document
	err := row.Scan(&doc.ID, &doc.Title, &doc.Language, &doc.Content, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &doc, nil
}

func (d *Database) UpdateDocumentContent(ctx context.Context, id, content string) error {
	res, err := d.db.ExecContext(ctx, d.rebind(
		"UPDATE documents SET content = ?, updated_at = ? WHERE id = ?"),
		content, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update document %s: %w", id, ErrNoDocument)
	}
	return nil
}

// ListDocuments returns metadata only; Content is left empty.
func (d *Database) ListDocuments(ctx context.Context, limit, offset int) ([]Document, error) {
	rows, err := d.db.QueryContext(ctx, d.rebind(
		"SELECT id, title, language, created_at, updated_at FROM documents ORDER BY updated_at DESC LIMIT ? OFFSET ?"),
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Language, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (d *Database) DeleteDocument(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, d.rebind("DELETE FROM documents WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoDocument
	}
	return nil
}

// Stats

func (d *Database) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0) FROM documents",
	).Scan(&stats.DocumentCount, &stats.TotalBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}
