package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tphummel/fleetwatch/internal/models"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width and always UTC so stored timestamps compare
// correctly as strings inside SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB wraps a SQLite connection holding the server registry and the admin
// credential.
type DB struct {
	conn *sql.DB
}

// New opens the SQLite database at path, enables WAL mode, and runs migrations.
// The special path ":memory:" opens a private in-memory database.
func New(path string) (*DB, error) {
	memory := path == ":memory:"
	dsn := path
	if !memory {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if memory {
		// Every pooled connection to :memory: would see its own empty database.
		conn.SetMaxOpenConns(1)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn}, nil
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS servers (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			id            TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL UNIQUE,
			agent_key     TEXT NOT NULL,
			override      TEXT NOT NULL DEFAULT '',
			order_index   INTEGER NOT NULL DEFAULT 0,
			type          TEXT NOT NULL DEFAULT '',
			location      TEXT NOT NULL DEFAULT '',
			ip_address    TEXT NOT NULL DEFAULT '',
			os_type       TEXT NOT NULL DEFAULT '',
			cpu_info      TEXT NOT NULL DEFAULT '',
			uptime        INTEGER NOT NULL DEFAULT 0,
			network_in    REAL NOT NULL DEFAULT 0,
			network_out   REAL NOT NULL DEFAULT 0,
			cpu           REAL NOT NULL DEFAULT 0,
			memory        REAL NOT NULL DEFAULT 0,
			disk          REAL NOT NULL DEFAULT 0,
			total_memory  REAL NOT NULL DEFAULT 0,
			total_disk    REAL NOT NULL DEFAULT 0,
			last_update   TEXT,
			created_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_servers_order ON servers(order_index DESC, seq ASC);

		CREATE TABLE IF NOT EXISTS admin_credential (
			id             INTEGER PRIMARY KEY CHECK (id = 1),
			password_hash  TEXT NOT NULL,
			token_version  INTEGER NOT NULL DEFAULT 1,
			initialized_at TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.conn.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// unavailable marks a driver failure as the store being unreachable.
func unavailable(err error) error {
	return fmt.Errorf("%w: %w", models.ErrUnavailable, err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
