package bulk

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rindexer/rindexer-pg/internal/pgclient"
	"github.com/rindexer/rindexer-pg/internal/sqltype"
)

var copySignature = []byte("PGCOPY\n\xff\r\n\x00")

var errCopyDone = errors.New("bulk: copy finished")

// Copy streams rows into table through COPY ... FROM STDIN in binary
// format. columnOIDs are the column types of the target table, in the same
// order as columns; every value must be wire compatible with its column.
// Any failure aborts the channel and nothing is committed.
func (w *Writer) Copy(ctx context.Context, table string, columns []string, columnOIDs []uint32, rows [][]sqltype.Value) (int64, error) {
	if w == nil || w.db == nil {
		return 0, fmt.Errorf("%w: nil writer", ErrInvalidConfig)
	}
	if len(columns) != len(columnOIDs) {
		return 0, fmt.Errorf("%w: %d columns, %d column types", ErrColumnMismatch, len(columns), len(columnOIDs))
	}
	if len(rows) == 0 {
		return 0, nil
	}
	sql, err := BuildCopy(table, columns)
	if err != nil {
		return 0, err
	}

	var copied int64
	err = w.db.AcquireFunc(ctx, func(conn *pgconn.PgConn) error {
		pr, pw := io.Pipe()
		encErr := make(chan error, 1)
		go func() {
			err := WriteCopyStream(pw, columnOIDs, rows)
			_ = pw.CloseWithError(err)
			encErr <- err
		}()

		tag, err := conn.CopyFrom(ctx, pr, sql)
		_ = pr.CloseWithError(errCopyDone)
		if werr := <-encErr; werr != nil && !errors.Is(werr, errCopyDone) {
			return fmt.Errorf("%w: %w", ErrCopyAborted, werr)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCopyAborted, pgclient.Wrap("copy", err))
		}
		copied = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bulk: copy into %s: %w", table, err)
	}
	w.log.Debug("bulk copy", "table", table, "rows", copied)
	return copied, nil
}

// BuildCopy renders the COPY statement. table must already be quoted.
func BuildCopy(table string, columns []string) (string, error) {
	if table == "" || len(columns) == 0 {
		return "", fmt.Errorf("%w: empty table or columns", ErrInvalidConfig)
	}
	return "COPY " + table + " (" + quoteColumns(columns) + ") FROM STDIN WITH (FORMAT binary)", nil
}

// WriteCopyStream writes the binary COPY representation of rows to out:
// signature, flags and header extension, one tuple per row, then the
// trailer. Values are checked against columnOIDs before encoding.
func WriteCopyStream(out io.Writer, columnOIDs []uint32, rows [][]sqltype.Value) error {
	bw := bufio.NewWriterSize(out, 64<<10)

	hdr := make([]byte, 0, len(copySignature)+8)
	hdr = append(hdr, copySignature...)
	hdr = binary.BigEndian.AppendUint32(hdr, 0)
	hdr = binary.BigEndian.AppendUint32(hdr, 0)
	if _, err := bw.Write(hdr); err != nil {
		return err
	}

	enc := sqltype.NewEncoder()
	var buf []byte
	for i, row := range rows {
		if len(row) != len(columnOIDs) {
			return fmt.Errorf("%w: row %d has %d values for %d columns", ErrColumnMismatch, i, len(row), len(columnOIDs))
		}
		buf = binary.BigEndian.AppendUint16(buf[:0], uint16(len(row)))
		for c, v := range row {
			if !sqltype.CompatibleOID(columnOIDs[c], v.ColumnType().OID) {
				return fmt.Errorf("%w: row %d column %d: %s value (oid %d) for column oid %d",
					ErrColumnMismatch, i, c, v.Kind(), v.ColumnType().OID, columnOIDs[c])
			}
			lenAt := len(buf)
			buf = append(buf, 0, 0, 0, 0)
			var (
				null bool
				err  error
			)
			buf, null, err = enc.Append(buf, v)
			if err != nil {
				return fmt.Errorf("row %d column %d: %w", i, c, err)
			}
			if null {
				binary.BigEndian.PutUint32(buf[lenAt:], 0xFFFFFFFF)
				continue
			}
			binary.BigEndian.PutUint32(buf[lenAt:], uint32(len(buf)-lenAt-4))
		}
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}

	if _, err := bw.Write([]byte{0xFF, 0xFF}); err != nil {
		return err
	}
	return bw.Flush()
}
