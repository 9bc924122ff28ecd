package destination

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/arkilian/buffertable/internal/block"
	"github.com/arkilian/buffertable/internal/pipeline"
	"github.com/arkilian/buffertable/pkg/types"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteTable is a destination persisting flushed blocks into a SQLite
// database file.
type SQLiteTable struct {
	ref    types.TableRef
	schema types.Schema
	db     *sql.DB

	structLock StructLock
}

// NewSQLiteTable opens (creating if needed) a SQLite-backed destination at
// path. The table is created from the schema if it does not exist.
func NewSQLiteTable(ctx context.Context, path string, ref types.TableRef, schema types.Schema) (*SQLiteTable, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite destination: failed to open database: %w", err)
	}

	// Enable WAL mode for better write performance under concurrent flushes
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite destination: failed to set journal mode: %w", err)
	}

	cols := make([]string, 0, len(schema.Columns))
	for _, c := range schema.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(c.Name), sqliteType(c.Kind)))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(ref.Table), strings.Join(cols, ", "))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite destination: failed to create table: %w", err)
	}

	return &SQLiteTable{ref: ref, schema: schema.Clone(), db: db}, nil
}

// Close closes the underlying database.
func (t *SQLiteTable) Close() error { return t.db.Close() }

func (t *SQLiteTable) Ref() types.TableRef   { return t.ref }
func (t *SQLiteTable) Columns() types.Schema { return t.schema }

func (t *SQLiteTable) SampleBlock() (*block.Block, error) {
	return block.New(t.schema)
}

func (t *SQLiteTable) SampleBlockNonMaterialized() (*block.Block, error) {
	return block.New(t.schema.NonMaterialized())
}

// Write inserts all rows of the block inside a single transaction.
func (t *SQLiteTable) Write(ctx context.Context, b *block.Block) error {
	if b == nil || b.Rows() == 0 {
		return nil
	}

	names := make([]string, 0, b.Columns())
	placeholders := make([]string, 0, b.Columns())
	for i := 0; i < b.Columns(); i++ {
		names = append(names, quoteIdent(b.Name(i)))
		placeholders = append(placeholders, "?")
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(t.ref.Table), strings.Join(names, ", "), strings.Join(placeholders, ", "))

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite destination: failed to begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite destination: failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, b.Columns())
	for row := 0; row < b.Rows(); row++ {
		for col := 0; col < b.Columns(); col++ {
			args[col] = b.ColumnAt(col).Value(row)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite destination: failed to insert row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite destination: failed to commit: %w", err)
	}
	return nil
}

// Read scans the requested columns, emitting blocks of at most
// info.MaxBlockSize rows each.
func (t *SQLiteTable) Read(ctx context.Context, cols []string, info pipeline.QueryInfo) ([]pipeline.Pipe, error) {
	defs := make([]types.ColumnDef, 0, len(cols))
	quoted := make([]string, 0, len(cols))
	for _, name := range cols {
		def, ok := t.schema.Column(name)
		if !ok {
			return nil, fmt.Errorf("sqlite destination: no column %q in table %s", name, t.ref)
		}
		defs = append(defs, def)
		quoted = append(quoted, quoteIdent(name))
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), quoteIdent(t.ref.Table))
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite destination: query failed: %w", err)
	}
	defer rows.Close()

	maxBlock := info.MaxBlockSize
	if maxBlock <= 0 {
		maxBlock = 65536
	}

	var out []*block.Block
	cur, err := block.New(types.Schema{Columns: defs})
	if err != nil {
		return nil, err
	}

	dest := make([]any, len(defs))
	holders := make([]any, len(defs))
	for rows.Next() {
		for i, def := range defs {
			switch def.Kind {
			case types.KindInt64:
				holders[i] = new(int64)
			case types.KindFloat64:
				holders[i] = new(float64)
			case types.KindString:
				holders[i] = new(string)
			default:
				holders[i] = new([]byte)
			}
			dest[i] = holders[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("sqlite destination: scan failed: %w", err)
		}
		vals := make([]any, len(defs))
		for i, def := range defs {
			switch def.Kind {
			case types.KindInt64:
				vals[i] = *(holders[i].(*int64))
			case types.KindFloat64:
				vals[i] = *(holders[i].(*float64))
			case types.KindString:
				vals[i] = *(holders[i].(*string))
			default:
				vals[i] = *(holders[i].(*[]byte))
			}
		}
		if err := cur.AppendValues(vals); err != nil {
			return nil, err
		}
		if cur.Rows() >= maxBlock {
			out = append(out, cur)
			cur, err = block.New(types.Schema{Columns: defs})
			if err != nil {
				return nil, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite destination: row iteration failed: %w", err)
	}
	if cur.Rows() > 0 {
		out = append(out, cur)
	}

	pipe := pipeline.NewSlice(out)
	if info.Prewhere != nil {
		pw := info.Prewhere
		pipe = pipeline.Map(pipe, func(b *block.Block) (*block.Block, error) {
			return pipeline.ApplyPrewhere(b, pw)
		})
	}
	return []pipeline.Pipe{pipe}, nil
}

func (t *SQLiteTable) LockStructureShared(timeout time.Duration) (UnlockFunc, error) {
	return t.structLock.LockShared(timeout)
}

// MayBenefitFromIndexForIn reports whether SQLite has an index whose
// leading column is the filter column.
func (t *SQLiteTable) MayBenefitFromIndexForIn(column string) bool {
	rows, err := t.db.Query(
		"SELECT il.name FROM pragma_index_list(?) AS il JOIN pragma_index_info(il.name) AS ii WHERE ii.seqno = 0 AND ii.name = ?",
		t.ref.Table, column)
	if err != nil {
		return false
	}
	defer rows.Close()
	return rows.Next()
}

func (t *SQLiteTable) TotalRows() (uint64, bool) {
	var n uint64
	if err := t.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(t.ref.Table))).Scan(&n); err != nil {
		return 0, false
	}
	return n, true
}

func sqliteType(kind types.ColumnKind) string {
	switch kind {
	case types.KindInt64:
		return "INTEGER"
	case types.KindFloat64:
		return "REAL"
	case types.KindString:
		return "TEXT"
	default:
		return "BLOB"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
