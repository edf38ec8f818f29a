package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Table is the relational table shared by the SQL sinks.
const Table = "process_history"

// Dialect describes how a database/sql driver spells the history table.
type Dialect struct {
	Driver string
	// Schema statements run in order on open; they must be idempotent.
	Schema []string
	// Placeholder returns the bind parameter for the 1-based column n.
	Placeholder func(n int) string
	// MaxOpenConns limits the pool when > 0.
	MaxOpenConns int
}

// SQLWriter appends events to Table through a prepared INSERT.
type SQLWriter struct {
	db     *sql.DB
	insert *sql.Stmt
}

// OpenTimeout bounds connecting, migrating and preparing in OpenSQL.
const OpenTimeout = 10 * time.Second

// OpenSQL connects with d, creates the schema and prepares the insert.
func OpenSQL(d Dialect, dsn string) (*SQLWriter, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("empty %s DSN", d.Driver)
	}
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if d.MaxOpenConns > 0 {
		db.SetMaxOpenConns(d.MaxOpenConns)
	}
	ctx, cancel := context.WithTimeout(context.Background(), OpenTimeout)
	defer cancel()

	w := &SQLWriter{db: db}
	if err := w.init(ctx, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s history sink: %w", d.Driver, err)
	}
	return w, nil
}

func (w *SQLWriter) init(ctx context.Context, d Dialect) error {
	if err := w.db.PingContext(ctx); err != nil {
		return err
	}
	for _, q := range d.Schema {
		if _, err := w.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	n := len(strings.Split(Columns, ","))
	binds := make([]string, n)
	for i := range binds {
		binds[i] = d.Placeholder(i + 1)
	}
	stmt, err := w.db.PrepareContext(ctx,
		"INSERT INTO "+Table+"("+Columns+") VALUES("+strings.Join(binds, ", ")+")")
	if err != nil {
		return err
	}
	w.insert = stmt
	return nil
}

func (w *SQLWriter) Send(ctx context.Context, e Event) error {
	_, err := w.insert.ExecContext(ctx, e.Row()...)
	return err
}

// DB exposes the handle for queries in tests and tooling.
func (w *SQLWriter) DB() *sql.DB { return w.db }

func (w *SQLWriter) Close() error {
	var errs []error
	if w.insert != nil {
		errs = append(errs, w.insert.Close())
	}
	if w.db != nil {
		errs = append(errs, w.db.Close())
	}
	return errors.Join(errs...)
}
