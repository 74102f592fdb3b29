// Package store is the relational source of truth for keywords, viewpoints
// and evidence.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite" // SQLite driver

	"evcache/internal/adapter/store/migrations"
	"evcache/internal/domain"
	"evcache/internal/port"
)

// SQLiteStore implements port.EvidenceStore on a single SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ port.EvidenceStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and
// applies pending migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) CreateKeyword(ctx context.Context, kw domain.Keyword) (domain.Keyword, error) {
	if kw.CreatedAt.IsZero() {
		kw.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO keywords (text, embedding, model, created_at) VALUES (?, ?, ?, ?)",
		kw.Text, encodeVector(kw.Embedding), kw.Model, kw.CreatedAt.UnixMilli())
	if err != nil {
		return domain.Keyword{}, fmt.Errorf("inserting keyword: %w", err)
	}
	kw.ID, err = res.LastInsertId()
	if err != nil {
		return domain.Keyword{}, fmt.Errorf("reading keyword id: %w", err)
	}
	return kw, nil
}

func (s *SQLiteStore) GetKeyword(ctx context.Context, id int64) (domain.Keyword, error) {
	var (
		kw      domain.Keyword
		blob    []byte
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, text, embedding, model, created_at FROM keywords WHERE id = ?", id).
		Scan(&kw.ID, &kw.Text, &blob, &kw.Model, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Keyword{}, goerr.Wrap(domain.ErrNotFound, "keyword not found", goerr.V("keyword_id", id))
	}
	if err != nil {
		return domain.Keyword{}, fmt.Errorf("reading keyword: %w", err)
	}
	kw.Embedding = decodeVector(blob)
	kw.CreatedAt = time.UnixMilli(created).UTC()
	return kw, nil
}

func (s *SQLiteStore) CreateViewpoint(ctx context.Context, vp domain.Viewpoint) (domain.Viewpoint, error) {
	if vp.CreatedAt.IsZero() {
		vp.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO viewpoints (keyword_id, text, topic, embedding, model, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		vp.KeywordID, vp.Text, string(vp.Topic), encodeVector(vp.Embedding), vp.Model, vp.CreatedAt.UnixMilli())
	if err != nil {
		return domain.Viewpoint{}, fmt.Errorf("inserting viewpoint: %w", err)
	}
	vp.ID, err = res.LastInsertId()
	if err != nil {
		return domain.Viewpoint{}, fmt.Errorf("reading viewpoint id: %w", err)
	}
	return vp, nil
}

func (s *SQLiteStore) GetViewpoint(ctx context.Context, id int64) (domain.Viewpoint, error) {
	var (
		vp      domain.Viewpoint
		topic   string
		blob    []byte
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, keyword_id, text, topic, embedding, model, created_at FROM viewpoints WHERE id = ?", id).
		Scan(&vp.ID, &vp.KeywordID, &vp.Text, &topic, &blob, &vp.Model, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Viewpoint{}, goerr.Wrap(domain.ErrNotFound, "viewpoint not found", goerr.V("viewpoint_id", id))
	}
	if err != nil {
		return domain.Viewpoint{}, fmt.Errorf("reading viewpoint: %w", err)
	}
	vp.Topic = domain.ParseTopic(topic)
	vp.Embedding = decodeVector(blob)
	vp.CreatedAt = time.UnixMilli(created).UTC()
	return vp, nil
}

func (s *SQLiteStore) ViewpointIDsByKeyword(ctx context.Context, keywordID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM viewpoints WHERE keyword_id = ? ORDER BY id", keywordID)
	if err != nil {
		return nil, fmt.Errorf("listing viewpoints: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning viewpoint id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceEvidence deletes the viewpoint's evidence and inserts the new set
// in one transaction. Ranks of zero are assigned from slice order.
func (s *SQLiteStore) ReplaceEvidence(ctx context.Context, viewpointID int64, evidence []domain.Evidence) ([]domain.Evidence, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM viewpoints WHERE id = ?", viewpointID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(domain.ErrNotFound, "viewpoint not found", goerr.V("viewpoint_id", viewpointID))
	}
	if err != nil {
		return nil, fmt.Errorf("checking viewpoint: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM evidence WHERE viewpoint_id = ?", viewpointID); err != nil {
		return nil, fmt.Errorf("clearing evidence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO evidence (viewpoint_id, source, text, score, rank, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	out := make([]domain.Evidence, len(evidence))
	for i, ev := range evidence {
		ev.ViewpointID = viewpointID
		if ev.Rank == 0 {
			ev.Rank = i + 1
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		res, err := stmt.ExecContext(ctx, viewpointID, ev.Source, ev.Text, ev.Score, ev.Rank, ev.CreatedAt.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("inserting evidence: %w", err)
		}
		if ev.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("reading evidence id: %w", err)
		}
		out[i] = ev
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing evidence: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListEvidence(ctx context.Context, viewpointID int64, limit int) ([]domain.Evidence, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, viewpoint_id, source, text, score, rank, created_at
		FROM evidence
		WHERE viewpoint_id = ?
		ORDER BY score DESC, rank ASC
		LIMIT ?`, viewpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing evidence: %w", err)
	}
	defer rows.Close()

	var out []domain.Evidence
	for rows.Next() {
		var (
			ev      domain.Evidence
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.ViewpointID, &ev.Source, &ev.Text, &ev.Score, &ev.Rank, &created); err != nil {
			return nil, fmt.Errorf("scanning evidence: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (domain.StoreStats, error) {
	var stats domain.StoreStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM keywords),
			(SELECT COUNT(*) FROM viewpoints),
			(SELECT COUNT(*) FROM evidence)`).
		Scan(&stats.Keywords, &stats.Viewpoints, &stats.Evidence)
	if err != nil {
		return stats, fmt.Errorf("reading stats: %w", err)
	}
	return stats, nil
}

// StreamRows calls fn for every row of the table behind name in ascending
// id order.
func (s *SQLiteStore) StreamRows(ctx context.Context, name domain.IndexName, fn func(domain.Row) error) error {
	var query string
	switch name {
	case domain.IndexKeyword:
		query = "SELECT id, text FROM keywords ORDER BY id ASC"
	case domain.IndexViewpoint:
		query = "SELECT id, text FROM viewpoints ORDER BY id ASC"
	default:
		return goerr.Wrap(domain.ErrInvalidInput, "unknown index", goerr.V("index", string(name)))
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("streaming %s rows: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var row domain.Row
		if err := rows.Scan(&row.ID, &row.Text); err != nil {
			return fmt.Errorf("scanning %s row: %w", name, err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountRows counts the rows of the table behind name.
func (s *SQLiteStore) CountRows(ctx context.Context, name domain.IndexName) (int, error) {
	var query string
	switch name {
	case domain.IndexKeyword:
		query = "SELECT COUNT(*) FROM keywords"
	case domain.IndexViewpoint:
		query = "SELECT COUNT(*) FROM viewpoints"
	default:
		return 0, goerr.Wrap(domain.ErrInvalidInput, "unknown index", goerr.V("index", string(name)))
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s rows: %w", name, err)
	}
	return n, nil
}

// encodeVector packs vec as little-endian float32 values.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	if len(data)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec
}
