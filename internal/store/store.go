// Package store keeps the album catalog in PostgreSQL with pgvector. It can
// load the catalog into memory or answer similarity queries in SQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/menta2k/cover-identifier/pkg/catalog"
	"github.com/menta2k/cover-identifier/pkg/index"
	"github.com/menta2k/cover-identifier/pkg/types"
)

// Store manages the PostgreSQL connection pool and pgvector operations.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

// New connects to the database and ensures the catalog table exists.
func New(ctx context.Context, connString, table string) (*Store, error) {
	if table == "" {
		table = catalog.DefaultTable
	}
	if !catalog.ValidTableName(table) {
		return nil, fmt.Errorf("invalid catalog table name %q", table)
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	s := &Store{pool: pool, table: table}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS %s (
			position INT PRIMARY KEY,
			label TEXT NOT NULL,
			embedding VECTOR NOT NULL
		);
	`, s.table)
	_, err := s.pool.Exec(ctx, query)
	return err
}

// Close terminates the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Table returns the catalog table name
func (s *Store) Table() string { return s.table }

// Replace swaps the stored catalog for c in one transaction. Row i of c is
// stored at position i.
func (s *Store) Replace(ctx context.Context, c *catalog.Catalog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return err
	}

	insert := fmt.Sprintf("INSERT INTO %s (position, label, embedding) VALUES ($1, $2, $3::vector)", s.table)
	batch := &pgx.Batch{}
	for i := 0; i < c.Len(); i++ {
		batch.Queue(insert, i, c.Label(i), vecToString(c.Row(i)))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert catalog rows: %w", err)
	}
	return tx.Commit(ctx)
}

// LoadCatalog reads every row ordered by position. Positions need not be
// contiguous; the catalog index is the rank of the position.
func (s *Store) LoadCatalog(ctx context.Context) (*catalog.Catalog, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT label, embedding::text FROM %s ORDER BY position", s.table))
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var (
		labels     []string
		embeddings [][]float64
	)
	for rows.Next() {
		var lbl, vec string
		if err := rows.Scan(&lbl, &vec); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		v, err := parseVector(vec)
		if err != nil {
			return nil, fmt.Errorf("catalog row %d: %w", len(labels), err)
		}
		labels = append(labels, lbl)
		embeddings = append(embeddings, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	c, err := catalog.New(embeddings, labels)
	if err != nil {
		return nil, err
	}
	return c.WithSource("postgres:" + s.table), nil
}

// Count returns the number of stored entries
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", s.table)).Scan(&n)
	return n, err
}

// Index answers BestMatch with a pgvector inner product query. Match indices
// are ranks by position, so they line up with LoadCatalog's labels.
type Index struct {
	store *Store
	n     int
}

var _ index.Index = (*Index)(nil)

// Index snapshots the row count and returns a SQL-backed index.
func (s *Store) Index(ctx context.Context) (*Index, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count catalog rows: %w", err)
	}
	return &Index{store: s, n: n}, nil
}

// Len returns the number of rows counted when the index was created
func (i *Index) Len() int { return i.n }

// BestMatch returns the row with the largest inner product. <#> is the
// negated inner product, so the score is its negation; ties go to the
// lowest position.
func (i *Index) BestMatch(ctx context.Context, query []float64) (index.Match, error) {
	q := fmt.Sprintf(`
		SELECT idx, score FROM (
			SELECT ROW_NUMBER() OVER (ORDER BY position) - 1 AS idx,
			       -(embedding <#> $1::vector) AS score,
			       position
			FROM %s
		) ranked
		ORDER BY score DESC, position ASC
		LIMIT 1`, i.store.table)

	var m index.Match
	var idx int64
	err := i.store.pool.QueryRow(ctx, q, vecToString(query)).Scan(&idx, &m.Score)
	if errors.Is(err, pgx.ErrNoRows) {
		return index.Match{}, types.Errorf(types.KindEmptyCatalog, "catalog table %s has no entries", i.store.table)
	}
	if err != nil {
		return index.Match{}, types.NewError(types.KindInferenceError, "similarity query failed", err)
	}
	m.Index = int(idx)
	return m, nil
}

// vecToString formats a float slice into a PostgreSQL vector literal "[1,2,...]"
func vecToString(vec []float64) string {
	b := make([]byte, 0, len(vec)*10+2)
	b = append(b, '[')
	for i, v := range vec {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendFloat(b, v, 'g', -1, 64)
	}
	b = append(b, ']')
	return string(b)
}

// parseVector reads the text form of a pgvector value
func parseVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("malformed vector %q", s)
	}
	s = s[1 : len(s)-1]
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed vector element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
