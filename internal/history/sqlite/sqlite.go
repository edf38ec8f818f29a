package sqlite

import (
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/tether/internal/history"
)

var dialect = history.Dialect{
	Driver: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS ` + history.Table + `(
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			name TEXT NOT NULL,
			app TEXT NOT NULL,
			instance INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL DEFAULT 0,
			restart BOOLEAN NOT NULL DEFAULT 0,
			restart_delay_ms INTEGER NOT NULL DEFAULT 0,
			rss_bytes INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_process_history_name ON ` + history.Table + `(name)`,
	},
	Placeholder: func(int) string { return "?" },
	// One writer avoids SQLITE_BUSY between pooled connections.
	MaxOpenConns: 1,
}

// Sink writes history events to a SQLite database file.
type Sink struct {
	*history.SQLWriter
}

// New opens a SQLite history sink. Accepted forms:
//   - "sqlite:///path/to/file.db"
//   - "/path/to/file.db"
//   - "file:/path/to/file.db?_pragma=busy_timeout(5000)" or ":memory:"
//
// The parent directory of a plain path is created.
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn != "" && !strings.HasPrefix(dsn, "file:") && !strings.HasPrefix(dsn, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, err
		}
	}
	w, err := history.OpenSQL(dialect, dsn)
	if err != nil {
		return nil, err
	}
	return &Sink{SQLWriter: w}, nil
}

func (s *Sink) Name() string { return "sqlite" }
