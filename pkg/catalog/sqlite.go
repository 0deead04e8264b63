package catalog

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"regexp"

	_ "modernc.org/sqlite"
)

// DefaultTable is the table read by LoadSQLite when none is configured.
const DefaultTable = "album_embeddings"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidTableName reports whether name can be interpolated into SQL as a table.
func ValidTableName(name string) bool {
	return identifierPattern.MatchString(name)
}

// LoadSQLite reads (position, label, embedding) rows ordered by position.
// Embeddings are little-endian float32 blobs.
func LoadSQLite(ctx context.Context, path, table string) (*Catalog, error) {
	if table == "" {
		table = DefaultTable
	}
	if !ValidTableName(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	// Opening a missing path would silently create an empty database.
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT label, embedding FROM %s ORDER BY position`, table))
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	var (
		data   []float64
		labels []string
		dim    int
	)
	for rows.Next() {
		var (
			lbl  string
			blob []byte
		)
		if err := rows.Scan(&lbl, &blob); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		vec, err := DecodeFloat32Blob(blob)
		if err != nil {
			return nil, fmt.Errorf("catalog row %d (%s): %w", len(labels), lbl, err)
		}
		if dim == 0 {
			dim = len(vec)
		} else if len(vec) != dim {
			return nil, fmt.Errorf("catalog row %d has %d values, expected %d", len(labels), len(vec), dim)
		}
		data = append(data, vec...)
		labels = append(labels, lbl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog: %w", err)
	}

	c, err := fromFlat(data, dim, labels)
	if err != nil {
		return nil, err
	}
	c.source = path
	return c, nil
}

// WriteSQLite stores c in table at path, replacing any previous content of
// the table. Row i is written at position i.
func WriteSQLite(ctx context.Context, path, table string, c *Catalog) error {
	if table == "" {
		table = DefaultTable
	}
	if !ValidTableName(table) {
		return fmt.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			position INTEGER PRIMARY KEY,
			label TEXT NOT NULL,
			embedding BLOB NOT NULL
		)`, table),
		fmt.Sprintf(`DELETE FROM %s`, table),
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("prepare table: %w", err)
		}
	}

	insert, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (position, label, embedding) VALUES (?, ?, ?)`, table))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	for i := 0; i < c.Len(); i++ {
		if _, err := insert.ExecContext(ctx, i, c.Label(i), EncodeFloat32Blob(c.Row(i))); err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// DecodeFloat32Blob decodes a little-endian float32 array
func DecodeFloat32Blob(blob []byte) ([]float64, error) {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a positive multiple of 4", len(blob))
	}
	out := make([]float64, len(blob)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:])))
	}
	return out, nil
}

// EncodeFloat32Blob is the inverse of DecodeFloat32Blob
func EncodeFloat32Blob(v []float64) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(x)))
	}
	return buf
}
