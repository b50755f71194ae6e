package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxConn is the subset of *pgxpool.Pool the store uses.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore keeps items as jsonb rows in poolwatch.queue_items.
type PostgresStore struct {
	db PgxConn
}

func NewPostgresStore(db PgxConn) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Push(ctx context.Context, path string, item json.RawMessage) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO poolwatch.queue_items (path, id, payload) VALUES ($1, $2, $3::jsonb)`,
		path, id.String(), string(item))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *PostgresStore) Get(ctx context.Context, path, id string) (json.RawMessage, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var payload []byte
	err := s.db.QueryRow(ctx,
		`SELECT payload FROM poolwatch.queue_items WHERE path = $1 AND id = $2`,
		path, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

func (s *PostgresStore) ReadAll(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id::text, payload FROM poolwatch.queue_items WHERE path = $1 ORDER BY created_at`,
		path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		out[id] = json.RawMessage(payload)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Remove(ctx context.Context, path, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`DELETE FROM poolwatch.queue_items WHERE path = $1 AND id = $2`, path, id)
	return err
}

func (s *PostgresStore) SetField(ctx context.Context, path, id, field string, value any) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE poolwatch.queue_items
		    SET payload = payload || jsonb_build_object($3::text, $4::jsonb)
		  WHERE path = $1 AND id = $2`,
		path, id, field, string(b))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }
