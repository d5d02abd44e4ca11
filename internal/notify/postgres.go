package notify

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenPostgres opens and pings a PostgreSQL handle for dsn.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("notify: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("notify: ping postgres: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations. Running it against an
// up-to-date database is a no-op.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("notify: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("notify: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("notify: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("notify: migrate up: %w", err)
	}
	return nil
}

// PostgresSink records every event in the moderation_events audit table.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a sink on a migrated database.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

// Deliver inserts the event. A duplicate event id is ignored.
func (s *PostgresSink) Deliver(ctx context.Context, ev Event) error {
	const query = `
		INSERT INTO moderation_events
			(id, action, label, score, reason, chat_id, user_id, message_id,
			 original_text, sanitized_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		ev.ID,
		ev.Action,
		ev.Label,
		ev.Score,
		ev.Reason,
		idText(ev.ChatID),
		idText(ev.UserID),
		idText(ev.MessageID),
		ev.OriginalText,
		ev.SanitizedText,
		ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("notify: insert event: %w", err)
	}
	return nil
}

// idText renders an opaque JSON id as a text column value: strings are
// unquoted, numbers keep their literal form, absent ids become NULL.
func idText(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return sql.NullString{String: s, Valid: true}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
