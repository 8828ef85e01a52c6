package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulseproof/pulseproof/internal/models"
)

// PGStore is the durable Store backed by Postgres.
//
// Expected schema:
//
//	CREATE TABLE IF NOT EXISTS events (
//		id              TEXT PRIMARY KEY,
//		type            TEXT NOT NULL,
//		version         TEXT NOT NULL,
//		time            TIMESTAMPTZ NOT NULL,
//		source          TEXT NOT NULL DEFAULT '',
//		organization_id TEXT NOT NULL DEFAULT '',
//		site_id         TEXT NOT NULL DEFAULT '',
//		user_id         TEXT NOT NULL DEFAULT '',
//		session_id      TEXT NOT NULL DEFAULT '',
//		correlation_id  TEXT NOT NULL DEFAULT '',
//		metadata        JSONB NOT NULL DEFAULT '{}',
//		data            JSONB NOT NULL DEFAULT '{}'
//	);
//	CREATE INDEX IF NOT EXISTS idx_events_type ON events (type);
//	CREATE INDEX IF NOT EXISTS idx_events_organization ON events (organization_id);
//	CREATE INDEX IF NOT EXISTS idx_events_time ON events (time);
//	CREATE INDEX IF NOT EXISTS idx_events_correlation ON events (correlation_id) WHERE correlation_id <> '';
type PGStore struct {
	db *pgxpool.Pool
}

var _ Store = &PGStore{}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const eventColumns = `id, type, version, time, source, organization_id, site_id, user_id, session_id, correlation_id, metadata, data`

const insertEventQuery = `
	INSERT INTO events (` + eventColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

func eventArgs(event *models.Event) []any {
	metadata := event.Metadata
	if metadata == nil {
		metadata = models.Metadata{}
	}
	data := event.Data
	if data == nil {
		data = models.Data{}
	}
	return []any{
		event.ID,
		event.Type,
		event.Version,
		event.Time,
		event.Source,
		event.OrganizationID,
		event.SiteID,
		event.UserID,
		event.SessionID,
		event.CorrelationID,
		metadata,
		data,
	}
}

func (s *PGStore) Store(ctx context.Context, event *models.Event) error {
	if _, err := s.db.Exec(ctx, insertEventQuery, eventArgs(event)...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, event.ID)
		}
		return fmt.Errorf("store event %s: %w", event.ID, err)
	}
	return nil
}

func (s *PGStore) StoreBatch(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(insertEventQuery, eventArgs(event)...)
	}
	results := s.db.SendBatch(ctx, batch)
	defer results.Close()
	for _, event := range events {
		if _, err := results.Exec(); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateID, event.ID)
			}
			return fmt.Errorf("store event %s: %w", event.ID, err)
		}
	}
	return nil
}

func (s *PGStore) FindByID(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("find event %s: %w", id, err)
	}
	return event, nil
}

func (s *PGStore) FindByCorrelationID(ctx context.Context, correlationID string) ([]*models.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE correlation_id = $1 ORDER BY time ASC, id ASC`,
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("find by correlation %s: %w", correlationID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

const filterConditions = `
	WHERE (array_length($1::text[], 1) IS NULL OR type = ANY($1))
	AND ($2::text = '' OR organization_id = $2)
	AND ($3::text = '' OR site_id = $3)
	AND ($4::text = '' OR user_id = $4)
	AND ($5::text = '' OR session_id = $5)
	AND ($6::text = '' OR correlation_id = $6)
	AND ($7::timestamptz IS NULL OR time >= $7)
	AND ($8::timestamptz IS NULL OR time <= $8)
`

func filterArgs(filter *Filter) []any {
	var from, to *time.Time
	if !filter.From.IsZero() {
		from = &filter.From
	}
	if !filter.To.IsZero() {
		to = &filter.To
	}
	return []any{
		filter.EventTypes,     // $1
		filter.OrganizationID, // $2
		filter.SiteID,         // $3
		filter.UserID,         // $4
		filter.SessionID,      // $5
		filter.CorrelationID,  // $6
		from,                  // $7
		to,                    // $8
	}
}

func (s *PGStore) Query(ctx context.Context, filter *Filter) (*QueryResult, error) {
	sortDir := "ASC"
	if filter.SortOrder == SortDescending {
		sortDir = "DESC"
	}
	limit := filter.limit()

	query := fmt.Sprintf(`
		SELECT %s, count(*) OVER() AS total
		FROM events
		%s
		ORDER BY time %s, id %s
		LIMIT $9 OFFSET $10
	`, eventColumns, filterConditions, sortDir, sortDir)

	args := append(filterArgs(filter), limit, filter.Offset)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	total := 0
	events := make([]*models.Event, 0, limit)
	for rows.Next() {
		event := &models.Event{}
		if err := rows.Scan(
			&event.ID, &event.Type, &event.Version, &event.Time, &event.Source,
			&event.OrganizationID, &event.SiteID, &event.UserID, &event.SessionID,
			&event.CorrelationID, &event.Metadata, &event.Data, &total,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	// An out-of-range page returns no rows, so the window total is lost.
	if len(events) == 0 && filter.Offset > 0 {
		row := s.db.QueryRow(ctx, `SELECT count(*) FROM events `+filterConditions, filterArgs(filter)...)
		if err := row.Scan(&total); err != nil {
			return nil, fmt.Errorf("count events: %w", err)
		}
	}

	next := filter.Offset + len(events)
	return &QueryResult{
		Events:     events,
		TotalCount: total,
		HasMore:    next < total,
		NextOffset: next,
	}, nil
}

func (s *PGStore) Stream(ctx context.Context, filter *Filter) (<-chan *models.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY time ASC, id ASC`, eventColumns, filterConditions)
	rows, err := s.db.Query(ctx, query, filterArgs(filter)...)
	if err != nil {
		return nil, fmt.Errorf("stream events: %w", err)
	}

	out := make(chan *models.Event)
	go func() {
		defer close(out)
		defer rows.Close()
		for rows.Next() {
			event := &models.Event{}
			if err := rows.Scan(
				&event.ID, &event.Type, &event.Version, &event.Time, &event.Source,
				&event.OrganizationID, &event.SiteID, &event.UserID, &event.SessionID,
				&event.CorrelationID, &event.Metadata, &event.Data,
			); err != nil {
				return
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *PGStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM events WHERE time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{EventsByType: make(map[string]int64)}

	var oldest, newest *time.Time
	row := s.db.QueryRow(ctx, `SELECT count(*), min(time), max(time) FROM events`)
	if err := row.Scan(&stats.TotalEvents, &oldest, &newest); err != nil {
		return nil, fmt.Errorf("event stats: %w", err)
	}
	if oldest != nil {
		stats.OldestEvent = *oldest
	}
	if newest != nil {
		stats.NewestEvent = *newest
	}

	rows, err := s.db.Query(ctx, `SELECT type, count(*) FROM events GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("event stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("event stats: %w", err)
		}
		stats.EventsByType[eventType] = count
	}
	return stats, rows.Err()
}

func (s *PGStore) HealthCheck(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	event := &models.Event{}
	err := row.Scan(
		&event.ID, &event.Type, &event.Version, &event.Time, &event.Source,
		&event.OrganizationID, &event.SiteID, &event.UserID, &event.SessionID,
		&event.CorrelationID, &event.Metadata, &event.Data,
	)
	if err != nil {
		return nil, err
	}
	return event, nil
}

func scanEvents(rows pgx.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// 23505 is unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
