package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"quickdrop/internal/models"
)

// DefaultHistoryLimit caps RecentEvents when the caller asks for nothing specific.
const DefaultHistoryLimit = 50

// Store persists the room lifecycle audit trail in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS room_events (
			id          BIGSERIAL PRIMARY KEY,
			room_code   CHAR(6) NOT NULL,
			kind        TEXT NOT NULL,
			conn_id     TEXT NOT NULL,
			device_name TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS room_events_created_at_idx ON room_events (created_at DESC);
	`)
	return err
}

// WriteEvent appends one lifecycle event.
func (s *Store) WriteEvent(ctx context.Context, event models.RoomEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_events (room_code, kind, conn_id, device_name, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.RoomCode, string(event.Kind), event.ConnID, event.DeviceName, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert room event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]models.RoomEvent, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_code, kind, conn_id, device_name, created_at
		 FROM room_events ORDER BY created_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query room events: %w", err)
	}
	defer rows.Close()

	events := []models.RoomEvent{}
	for rows.Next() {
		var e models.RoomEvent
		var kind string
		if err := rows.Scan(&e.RoomCode, &kind, &e.ConnID, &e.DeviceName, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan room event: %w", err)
		}
		e.Kind = models.RoomEventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
