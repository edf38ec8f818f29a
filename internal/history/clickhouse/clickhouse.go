package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/tether/internal/history"
)

// Options configures the native-protocol connection.
type Options struct {
	Addr     string // host:port of the native interface, default port 9000
	Database string
	Username string
	Password string
	Table    string
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func (o Options) withDefaults() (Options, error) {
	if o.Addr == "" {
		return o, fmt.Errorf("clickhouse: address required")
	}
	if o.Table == "" {
		o.Table = history.Table
	}
	if !identRe.MatchString(o.Table) {
		return o, fmt.Errorf("invalid ClickHouse table name %q", o.Table)
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	return o, nil
}

// Sink appends events to a MergeTree table, one batch per event.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(o Options) (*Sink, error) {
	o, err := o.withDefaults()
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), history.OpenTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	s := &Sink{conn: conn, table: o.Table}
	if err := s.conn.Exec(ctx, s.schema()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return s, nil
}

func (s *Sink) schema() string {
	return `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		occurred_at DateTime64(3, 'UTC'),
		event LowCardinality(String),
		name String,
		app String,
		instance Int32,
		pid Int32,
		started_at DateTime64(3, 'UTC'),
		reason LowCardinality(String),
		exit_code Int32,
		restart Bool,
		restart_delay_ms Int64,
		rss_bytes UInt64
	) ENGINE = MergeTree()
	ORDER BY (name, occurred_at)`
}

func (s *Sink) Name() string { return "clickhouse" }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table+" ("+history.Columns+")")
	if err != nil {
		return fmt.Errorf("clickhouse prepare: %w", err)
	}
	if err := batch.Append(row(e)...); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("clickhouse append: %w", err)
	}
	return batch.Send()
}

// row matches the column types of the table; the driver does not convert
// between integer widths.
func row(e history.Event) []any {
	return []any{
		e.OccurredAt.UTC(), string(e.Type), e.Name, e.App,
		int32(e.Instance), int32(e.PID), // #nosec G115 -- pids and instance indexes fit
		e.StartedAt.UTC(), e.Reason,
		int32(e.ExitCode), // #nosec G115
		e.Restart, e.RestartDelayMS, e.RSS,
	}
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
