package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	_ "modernc.org/sqlite"             // Встроенный SQLite без cgo
)

// Dialect — различия SQLite и Postgres, которые важны для ledger_entries.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DriverName возвращает имя драйвера database/sql.
func (d Dialect) DriverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// Rebind переводит плейсхолдеры ? в $n для Postgres.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schema() string {
	if d == DialectPostgres {
		return `CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			stream TEXT NOT NULL,
			fact TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	}
	return `CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stream TEXT NOT NULL,
		fact TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
}

// SQLSink — транзакционная таблица с автоинкрементным ключом.
// Порядок внутри потока задается id.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLSink открывает базу и создает схему.
func OpenSQLSink(ctx context.Context, dialect Dialect, dsn string) (*SQLSink, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// Один писатель на файл: WAL + сериализация через пул из одного соединения
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger: sqlite pragma: %w", err)
		}
	}
	s := NewSQLSink(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLSink(db *sql.DB, dialect Dialect) *SQLSink {
	return &SQLSink{db: db, dialect: dialect}
}

func (s *SQLSink) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema()); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_stream ON ledger_entries (stream, id)`); err != nil {
		return fmt.Errorf("ledger: migrate index: %w", err)
	}
	return nil
}

// WriteBatch вставляет пачку одним INSERT ... VALUES (...),(...) в транзакции.
func (s *SQLSink) WriteBatch(ctx context.Context, stream string, facts [][]byte) error {
	if len(facts) == 0 {
		return nil
	}
	if !ValidStream(stream) {
		return fmt.Errorf("%w: %q", ErrInvalidStream, stream)
	}

	placeholders := make([]string, 0, len(facts))
	args := make([]interface{}, 0, len(facts)*2)
	for _, f := range facts {
		placeholders = append(placeholders, "(?, ?)")
		args = append(args, stream, string(f))
	}
	query := s.dialect.Rebind(
		"INSERT INTO ledger_entries (stream, fact) VALUES " + strings.Join(placeholders, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("ledger: insert batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

func (s *SQLSink) Scan(ctx context.Context, stream string, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind(`SELECT fact FROM ledger_entries WHERE stream = ? ORDER BY id`), stream)
	if err != nil {
		return fmt.Errorf("ledger: scan %s: %w", stream, err)
	}
	defer rows.Close()

	for rows.Next() {
		var fact string
		if err := rows.Scan(&fact); err != nil {
			return fmt.Errorf("ledger: scan row: %w", err)
		}
		if err := fn([]byte(fact)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}
