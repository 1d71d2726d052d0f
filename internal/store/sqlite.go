// Package store persists notebooks, their paragraphs and their investigation context in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/miradorstack/mirador-investigator/internal/models"
	"github.com/miradorstack/mirador-investigator/internal/utils"
)

// ErrNotFound is returned when a notebook or paragraph does not exist.
var ErrNotFound = errors.New("not found")

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS notebooks (
    id          TEXT PRIMARY KEY,
    path        TEXT NOT NULL,
    context     TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS paragraphs (
    id           TEXT PRIMARY KEY,
    notebook_id  TEXT NOT NULL REFERENCES notebooks(id) ON DELETE CASCADE,
    position     INTEGER NOT NULL,
    input        TEXT NOT NULL,
    output       TEXT NOT NULL DEFAULT '[]',
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_paragraphs_notebook ON paragraphs(notebook_id, position);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_notebooks_updated_at ON notebooks(updated_at DESC);
`,
	},
}

// Store is the SQLite-backed notebook store.
type Store struct {
	db     *sql.DB
	runner Runner
	now    func() time.Time
}

// NewSQLiteStore opens dsn and runs pending migrations. ":memory:" yields an in-memory store.
// runner executes paragraphs; nil selects the markdown runner.
func NewSQLiteStore(dsn string, runner Runner) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	// One connection keeps in-memory databases alive and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !strings.Contains(dsn, ":memory:") {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	if runner == nil {
		runner = MarkdownRunner{}
	}
	s := &Store{db: db, runner: runner, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// CreateNotebook stores a new empty notebook with the given context.
func (s *Store) CreateNotebook(ctx context.Context, path string, nc models.NotebookContext) (models.Notebook, error) {
	data, err := json.Marshal(nc)
	if err != nil {
		return models.Notebook{}, fmt.Errorf("marshal context: %w", err)
	}
	now := s.now()
	nb := models.Notebook{
		ID:           uuid.NewString(),
		Path:         path,
		Context:      nc,
		DateCreated:  now,
		DateModified: now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notebooks(id, path, context, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
		nb.ID, nb.Path, string(data), formatTime(now), formatTime(now))
	if err != nil {
		return models.Notebook{}, fmt.Errorf("insert notebook: %w", err)
	}
	return nb, nil
}

// GetNotebook loads a notebook and its paragraphs.
func (s *Store) GetNotebook(ctx context.Context, notebookID string) (models.Notebook, error) {
	var (
		nb                   models.Notebook
		rawContext           string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, path, context, created_at, updated_at FROM notebooks WHERE id = ?`, notebookID,
	).Scan(&nb.ID, &nb.Path, &rawContext, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Notebook{}, fmt.Errorf("notebook %s: %w", notebookID, ErrNotFound)
	}
	if err != nil {
		return models.Notebook{}, fmt.Errorf("load notebook: %w", err)
	}
	if err := json.Unmarshal([]byte(rawContext), &nb.Context); err != nil {
		return models.Notebook{}, fmt.Errorf("decode context: %w", err)
	}
	nb.DateCreated, _ = parseTime(createdAt)
	nb.DateModified, _ = parseTime(updatedAt)

	nb.Paragraphs, err = s.ListParagraphs(ctx, notebookID)
	if err != nil {
		return models.Notebook{}, err
	}
	return nb, nil
}

// GetContext returns the persisted notebook context.
func (s *Store) GetContext(ctx context.Context, notebookID string) (models.NotebookContext, error) {
	return loadContext(ctx, s.db, notebookID)
}

// UpdateContext applies a partial context update atomically.
func (s *Store) UpdateContext(ctx context.Context, notebookID string, update models.ContextUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		nc, err := loadContext(ctx, tx, notebookID)
		if err != nil {
			return err
		}
		if update.Summary != nil {
			nc.Summary = *update.Summary
		}
		if update.MemoryID != nil {
			nc.MemoryID = *update.MemoryID
		}
		if update.Hypotheses != nil {
			nc.Hypotheses = *update.Hypotheses
		}
		return s.saveContext(ctx, tx, notebookID, nc)
	})
}

// ListParagraphs returns the paragraphs of a notebook in order.
func (s *Store) ListParagraphs(ctx context.Context, notebookID string) ([]models.Paragraph, error) {
	if err := notebookExists(ctx, s.db, notebookID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, input, output, created_at, updated_at FROM paragraphs WHERE notebook_id = ? ORDER BY position ASC`,
		notebookID)
	if err != nil {
		return nil, fmt.Errorf("list paragraphs: %w", err)
	}
	defer rows.Close()

	paragraphs := make([]models.Paragraph, 0)
	for rows.Next() {
		p, err := scanParagraph(rows)
		if err != nil {
			return nil, err
		}
		paragraphs = append(paragraphs, p)
	}
	return paragraphs, rows.Err()
}

// CreateParagraph inserts a paragraph at index. Out-of-range indexes append.
func (s *Store) CreateParagraph(ctx context.Context, notebookID string, index int, input models.ParagraphInput) (models.Paragraph, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return models.Paragraph{}, fmt.Errorf("marshal input: %w", err)
	}
	now := s.now()
	p := models.Paragraph{ID: uuid.NewString(), Input: input, DateCreated: now, DateModified: now}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := notebookExists(ctx, tx, notebookID); err != nil {
			return err
		}
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM paragraphs WHERE notebook_id = ?`, notebookID).Scan(&count); err != nil {
			return fmt.Errorf("count paragraphs: %w", err)
		}
		if index < 0 || index > count {
			index = count
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE paragraphs SET position = position + 1 WHERE notebook_id = ? AND position >= ?`,
			notebookID, index); err != nil {
			return fmt.Errorf("shift paragraphs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO paragraphs(id, notebook_id, position, input, output, created_at, updated_at) VALUES(?, ?, ?, ?, '[]', ?, ?)`,
			p.ID, notebookID, index, string(inputJSON), formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("insert paragraph: %w", err)
		}
		return touchNotebook(ctx, tx, notebookID, now)
	})
	if err != nil {
		return models.Paragraph{}, err
	}
	return p, nil
}

// UpdateParagraph replaces a paragraph's input and clears its output.
func (s *Store) UpdateParagraph(ctx context.Context, notebookID, paragraphID string, input models.ParagraphInput) (models.Paragraph, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return models.Paragraph{}, fmt.Errorf("marshal input: %w", err)
	}
	now := s.now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE paragraphs SET input = ?, output = '[]', updated_at = ? WHERE id = ? AND notebook_id = ?`,
			string(inputJSON), formatTime(now), paragraphID, notebookID)
		if err != nil {
			return fmt.Errorf("update paragraph: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("paragraph %s: %w", paragraphID, ErrNotFound)
		}
		return touchNotebook(ctx, tx, notebookID, now)
	})
	if err != nil {
		return models.Paragraph{}, err
	}
	return s.getParagraph(ctx, notebookID, paragraphID)
}

// RunParagraph executes a paragraph through the runner and stores its output.
func (s *Store) RunParagraph(ctx context.Context, notebookID, paragraphID string) (models.Paragraph, error) {
	p, err := s.getParagraph(ctx, notebookID, paragraphID)
	if err != nil {
		return models.Paragraph{}, err
	}
	output, err := s.runner.Run(ctx, p)
	if err != nil {
		return models.Paragraph{}, utils.NewAppError("run_paragraph", "paragraph "+paragraphID, err)
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return models.Paragraph{}, fmt.Errorf("marshal output: %w", err)
	}

	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE paragraphs SET output = ?, updated_at = ? WHERE id = ? AND notebook_id = ?`,
		string(outputJSON), formatTime(now), paragraphID, notebookID); err != nil {
		return models.Paragraph{}, fmt.Errorf("store output: %w", err)
	}
	p.Output = output
	p.DateModified = now
	return p, nil
}

// DeleteParagraph removes a paragraph and every hypothesis reference to it.
func (s *Store) DeleteParagraph(ctx context.Context, notebookID, paragraphID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var position int
		err := tx.QueryRowContext(ctx,
			`SELECT position FROM paragraphs WHERE id = ? AND notebook_id = ?`, paragraphID, notebookID,
		).Scan(&position)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("paragraph %s: %w", paragraphID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load paragraph: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM paragraphs WHERE id = ?`, paragraphID); err != nil {
			return fmt.Errorf("delete paragraph: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE paragraphs SET position = position - 1 WHERE notebook_id = ? AND position > ?`,
			notebookID, position); err != nil {
			return fmt.Errorf("shift paragraphs: %w", err)
		}

		nc, err := loadContext(ctx, tx, notebookID)
		if err != nil {
			return err
		}
		for i := range nc.Hypotheses {
			nc.Hypotheses[i].SupportingFindingParagraphIDs = without(nc.Hypotheses[i].SupportingFindingParagraphIDs, paragraphID)
			nc.Hypotheses[i].NewAddedFindingIDs = without(nc.Hypotheses[i].NewAddedFindingIDs, paragraphID)
		}
		return s.saveContext(ctx, tx, notebookID, nc)
	})
}

func (s *Store) getParagraph(ctx context.Context, notebookID, paragraphID string) (models.Paragraph, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, input, output, created_at, updated_at FROM paragraphs WHERE id = ? AND notebook_id = ?`,
		paragraphID, notebookID)
	p, err := scanParagraph(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Paragraph{}, fmt.Errorf("paragraph %s: %w", paragraphID, ErrNotFound)
	}
	return p, err
}

func (s *Store) saveContext(ctx context.Context, tx *sql.Tx, notebookID string, nc models.NotebookContext) error {
	data, err := json.Marshal(nc)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE notebooks SET context = ?, updated_at = ? WHERE id = ?`,
		string(data), formatTime(s.now()), notebookID); err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func loadContext(ctx context.Context, q queryer, notebookID string) (models.NotebookContext, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT context FROM notebooks WHERE id = ?`, notebookID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotebookContext{}, fmt.Errorf("notebook %s: %w", notebookID, ErrNotFound)
	}
	if err != nil {
		return models.NotebookContext{}, fmt.Errorf("load context: %w", err)
	}
	var nc models.NotebookContext
	if err := json.Unmarshal([]byte(raw), &nc); err != nil {
		return models.NotebookContext{}, fmt.Errorf("decode context: %w", err)
	}
	return nc, nil
}

func notebookExists(ctx context.Context, q queryer, notebookID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM notebooks WHERE id = ?`, notebookID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("notebook %s: %w", notebookID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load notebook: %w", err)
	}
	return nil
}

func touchNotebook(ctx context.Context, tx *sql.Tx, notebookID string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE notebooks SET updated_at = ? WHERE id = ?`, formatTime(now), notebookID); err != nil {
		return fmt.Errorf("touch notebook: %w", err)
	}
	return nil
}

func scanParagraph(row rowScanner) (models.Paragraph, error) {
	var (
		p                    models.Paragraph
		input, output        string
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &input, &output, &createdAt, &updatedAt); err != nil {
		return models.Paragraph{}, err
	}
	if err := json.Unmarshal([]byte(input), &p.Input); err != nil {
		return models.Paragraph{}, fmt.Errorf("decode paragraph input: %w", err)
	}
	if err := json.Unmarshal([]byte(output), &p.Output); err != nil {
		return models.Paragraph{}, fmt.Errorf("decode paragraph output: %w", err)
	}
	if len(p.Output) == 0 {
		p.Output = nil
	}
	p.DateCreated, _ = parseTime(createdAt)
	p.DateModified, _ = parseTime(updatedAt)
	return p, nil
}

func without(ids []string, drop string) []string {
	if ids == nil {
		return nil
	}
	out := ids[:0:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
