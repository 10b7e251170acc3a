// Package bulk writes rows of sqltype values into PostgreSQL, either as one
// multi-row INSERT or through a binary COPY channel.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rindexer/rindexer-pg/internal/pgclient"
	"github.com/rindexer/rindexer-pg/internal/sqltype"
)

// MaxParams is the bind parameter limit of one extended-protocol statement.
const MaxParams = 65535

var (
	ErrInvalidConfig  = errors.New("bulk: invalid config")
	ErrColumnMismatch = errors.New("bulk: column mismatch")
	ErrTooManyParams  = errors.New("bulk: too many parameters")
	ErrCopyAborted    = errors.New("bulk: copy aborted")
)

type Writer struct {
	db  *pgclient.Client
	log *slog.Logger
}

func New(db *pgclient.Client, log *slog.Logger) (*Writer, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{db: db, log: log}, nil
}

// MaxRows is the largest INSERT batch for a table of ncols columns.
func MaxRows(ncols int) int {
	if ncols <= 0 {
		return 0
	}
	return MaxParams / ncols
}

// Insert writes rows with one INSERT statement and one round trip. Batches
// over MaxParams parameters are rejected, not split.
func (w *Writer) Insert(ctx context.Context, table string, columns []string, rows [][]sqltype.Value) error {
	if w == nil || w.db == nil {
		return fmt.Errorf("%w: nil writer", ErrInvalidConfig)
	}
	if len(rows) == 0 {
		return nil
	}
	sql, err := BuildInsert(table, columns, len(rows))
	if err != nil {
		return err
	}
	values, oids, formats, err := EncodeParams(columns, rows)
	if err != nil {
		return err
	}

	err = w.db.AcquireFunc(ctx, func(conn *pgconn.PgConn) error {
		res := conn.ExecParams(ctx, sql, values, oids, formats, nil).Read()
		return pgclient.Wrap("insert", res.Err)
	})
	if err != nil {
		return fmt.Errorf("bulk: insert into %s: %w", table, err)
	}
	w.log.Debug("bulk insert", "table", table, "rows", len(rows))
	return nil
}

// ExecEach runs the same parameterized statement once per row inside a
// single transaction.
func (w *Writer) ExecEach(ctx context.Context, sql string, rows [][]sqltype.Value) error {
	if w == nil || w.db == nil {
		return fmt.Errorf("%w: nil writer", ErrInvalidConfig)
	}
	if len(rows) == 0 {
		return nil
	}
	enc := sqltype.NewEncoder()
	return w.db.WithTx(ctx, func(tx pgx.Tx) error {
		conn := tx.Conn().PgConn()
		for i, row := range rows {
			values, oids, formats, err := encodeRow(enc, row)
			if err != nil {
				return fmt.Errorf("bulk: row %d: %w", i, err)
			}
			res := conn.ExecParams(ctx, sql, values, oids, formats, nil).Read()
			if res.Err != nil {
				return fmt.Errorf("bulk: row %d: %w", i, pgclient.Wrap("exec", res.Err))
			}
		}
		return nil
	})
}

// BuildInsert renders INSERT INTO table (cols) VALUES ($1, ...), (...) for
// nrows rows. table must already be quoted.
func BuildInsert(table string, columns []string, nrows int) (string, error) {
	if table == "" || len(columns) == 0 {
		return "", fmt.Errorf("%w: empty table or columns", ErrInvalidConfig)
	}
	if nrows <= 0 {
		return "", fmt.Errorf("%w: no rows", ErrInvalidConfig)
	}
	if n := nrows * len(columns); n > MaxParams {
		return "", fmt.Errorf("%w: %d rows x %d columns = %d > %d", ErrTooManyParams, nrows, len(columns), n, MaxParams)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(quoteColumns(columns))
	b.WriteString(") VALUES ")
	p := 1
	for r := 0; r < nrows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(p))
			p++
		}
		b.WriteByte(')')
	}
	return b.String(), nil
}

// EncodeParams flattens rows into binary bind parameters in row-major order.
// A nil value is SQL NULL.
func EncodeParams(columns []string, rows [][]sqltype.Value) (values [][]byte, oids []uint32, formats []int16, err error) {
	n := len(rows) * len(columns)
	values = make([][]byte, 0, n)
	oids = make([]uint32, 0, n)
	formats = make([]int16, 0, n)

	enc := sqltype.NewEncoder()
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, nil, nil, fmt.Errorf("%w: row %d has %d values for %d columns", ErrColumnMismatch, i, len(row), len(columns))
		}
		v, o, f, err := encodeRow(enc, row)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("bulk: row %d: %w", i, err)
		}
		values = append(values, v...)
		oids = append(oids, o...)
		formats = append(formats, f...)
	}
	return values, oids, formats, nil
}

func encodeRow(enc *sqltype.Encoder, row []sqltype.Value) (values [][]byte, oids []uint32, formats []int16, err error) {
	values = make([][]byte, len(row))
	oids = make([]uint32, len(row))
	formats = make([]int16, len(row))
	for i, v := range row {
		b, err := enc.Encode(v)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("column %d: %w", i, err)
		}
		values[i] = b
		oids[i] = v.ColumnType().OID
		formats[i] = pgtype.BinaryFormatCode
	}
	return values, oids, formats, nil
}

func quoteColumns(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
