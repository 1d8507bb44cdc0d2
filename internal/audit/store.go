package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists and queries log entries.
type Store interface {
	Insert(ctx context.Context, event Event) error
	List(ctx context.Context, filters Filters, limit, offset int) ([]Entry, int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Insert appends an event to the logs table.
func (s *PGStore) Insert(ctx context.Context, event Event) error {
	var details []byte
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		details = data
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO logs (log_type, level, message, source, user_id, ip_address, details, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, NOW())`,
		event.Type, event.Level, event.Message, event.Source, event.UserID, event.IPAddress, details)
	return err
}

// List returns entries matching the filters, newest first, plus the total count.
func (s *PGStore) List(ctx context.Context, filters Filters, limit, offset int) ([]Entry, int, error) {
	where := "WHERE 1=1"
	args := make([]any, 0, 8)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filters.Type != "" {
		where += " AND log_type = " + arg(filters.Type)
	}
	if filters.Level != "" {
		where += " AND level = " + arg(filters.Level)
	}
	if filters.UserID != 0 {
		where += " AND user_id = " + arg(filters.UserID)
	}
	if filters.Source != "" {
		where += " AND source = " + arg(filters.Source)
	}
	if filters.Search != "" {
		where += " AND message ILIKE " + arg("%"+filters.Search+"%")
	}
	if !filters.From.IsZero() {
		where += " AND created_at >= " + arg(filters.From)
	}
	if !filters.To.IsZero() {
		where += " AND created_at <= " + arg(filters.To)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM logs "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, log_type, level, message, COALESCE(source, ''), user_id, COALESCE(ip_address, ''), details, created_at
		FROM logs ` + where + ` ORDER BY created_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var details []byte
		if err := rows.Scan(&entry.ID, &entry.Type, &entry.Level, &entry.Message, &entry.Source, &entry.UserID, &entry.IPAddress, &details, &entry.CreatedAt); err != nil {
			return nil, 0, err
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &entry.Details)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// DeleteOlderThan removes entries created before the cutoff.
func (s *PGStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var _ Store = (*PGStore)(nil)
