// Package pgclient wraps a pgx pool with the small set of operations the
// indexer needs: one-shot statements, scripts, single-row reads, scoped
// transactions and scoped raw connections for COPY.
package pgclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrInvalidConfig = errors.New("pgclient: invalid config")

	// ErrConnectivity marks failures talking to the database: pool
	// exhaustion, dial failures and query errors. They are plausibly
	// transient; callers decide whether to retry.
	ErrConnectivity = errors.New("pgclient: connectivity")

	// ErrCannotConnect is returned when the initial connectivity check fails.
	ErrCannotConnect = errors.New("pgclient: cannot connect")
)

// DefaultConnectTimeout bounds the connectivity check in Connect.
const DefaultConnectTimeout = 500 * time.Millisecond

// Executor is the statement surface shared by *Client and transactions.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Client struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

type Config struct {
	DSN            string
	ConnectTimeout time.Duration
	MaxConns       int32
}

// Connect opens a pool and verifies the database is reachable within
// ConnectTimeout, so a misconfigured database fails fast.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: empty dsn", ErrInvalidConfig)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %v", ErrInvalidConfig, err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrConnectivity, ErrCannotConnect, err)
	}
	pctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w: %v", ErrConnectivity, ErrCannotConnect, err)
	}
	return New(pool, log)
}

// New wraps an existing pool. The caller keeps ownership unless Close is
// called.
func New(pool *pgxpool.Pool, log *slog.Logger) (*Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{pool: pool, log: log}, nil
}

func (c *Client) Pool() *pgxpool.Pool { return c.pool }

func (c *Client) Close() {
	if c != nil && c.pool != nil {
		c.pool.Close()
	}
}

// Exec runs one parameterized statement.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if c == nil || c.pool == nil {
		return pgconn.CommandTag{}, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	tag, err := c.pool.Exec(ctx, sql, args...)
	if err != nil {
		return tag, Wrap("exec", err)
	}
	return tag, nil
}

// BatchExecute runs a multi-statement script with the simple protocol. No
// parameters are allowed.
func (c *Client) BatchExecute(ctx context.Context, script string) error {
	if c == nil || c.pool == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	c.log.Debug("batch execute", "bytes", len(script))
	err := c.pool.AcquireFunc(ctx, func(conn *pgxpool.Conn) error {
		return conn.Conn().PgConn().Exec(ctx, script).Close()
	})
	if err != nil {
		return Wrap("batch execute", err)
	}
	return nil
}

// QueryOneOrNone scans the first row of a query into dest. It reports false
// when the query returned no rows.
func (c *Client) QueryOneOrNone(ctx context.Context, sql string, args []any, dest ...any) (bool, error) {
	if c == nil || c.pool == nil {
		return false, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	err := c.pool.QueryRow(ctx, sql, args...).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, Wrap("query one", err)
	}
	return true, nil
}

// WithTx runs fn inside one transaction. The transaction commits when fn
// returns nil and rolls back otherwise; it never outlives the call. Errors
// returned by fn come back unchanged, so fn wraps its own database failures
// with Wrap.
func (c *Client) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	if c == nil || c.pool == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	if fn == nil {
		return fmt.Errorf("%w: nil tx func", ErrInvalidConfig)
	}
	var fnErr error
	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		fnErr = fn(tx)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return Wrap("tx", err)
	}
	return nil
}

// AcquireFunc holds one connection for the duration of fn. As with WithTx,
// errors from fn are returned unchanged.
func (c *Client) AcquireFunc(ctx context.Context, fn func(*pgconn.PgConn) error) error {
	if c == nil || c.pool == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	var fnErr error
	err := c.pool.AcquireFunc(ctx, func(conn *pgxpool.Conn) error {
		fnErr = fn(conn.Conn().PgConn())
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return Wrap("acquire", err)
	}
	return nil
}

// Wrap tags a database failure as ErrConnectivity, keeping op for context.
// Context cancellation and already classified errors are not re-tagged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsConnectivity(err) || errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidConfig) {
		return fmt.Errorf("pgclient: %s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrConnectivity, op, err)
}

// IsConnectivity reports whether err is a connectivity-class failure.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}
