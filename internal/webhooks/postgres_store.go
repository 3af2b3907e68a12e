package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists webhook events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, e *Event) error {
	headersJSON, err := json.Marshal(e.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_events
			(id, tenant_id, gateway, connector_id, type, provider_event_id, transaction_id,
			 payload, headers, signature, verified,
			 status, attempts, max_attempts, last_error, next_attempt, received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			transaction_id = EXCLUDED.transaction_id,
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			next_attempt = EXCLUDED.next_attempt,
			updated_at = EXCLUDED.updated_at
	`,
		e.ID, e.TenantID, e.Gateway, e.ConnectorID, e.Type, e.ProviderEventID, e.TransactionID,
		e.Payload, headersJSON, e.Signature, e.Verified,
		string(e.Status), e.Attempts, e.MaxAttempts, e.LastError, nullableTime(e), e.ReceivedAt, e.UpdatedAt,
	)
	if err != nil {
		// Unique violation on the dedup index means another delivery of
		// the same provider event won the insert.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to save webhook event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, selectEvent+` WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) GetByProviderEventID(ctx context.Context, gateway, tenantID, providerEventID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, selectEvent+`
		WHERE gateway = $1 AND tenant_id = $2 AND provider_event_id = $3
		ORDER BY received_at ASC
		LIMIT 1
	`, gateway, tenantID, providerEventID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up webhook event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvent+`
		WHERE status = $1
		ORDER BY received_at ASC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

const selectEvent = `
	SELECT id, tenant_id, gateway, connector_id, type, provider_event_id, transaction_id,
	       payload, headers, signature, verified,
	       status, attempts, max_attempts, last_error, next_attempt, received_at, updated_at
	FROM webhook_events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	e := &Event{}
	var status string
	var headersJSON []byte
	var nextAttempt sql.NullTime
	err := row.Scan(
		&e.ID, &e.TenantID, &e.Gateway, &e.ConnectorID, &e.Type, &e.ProviderEventID, &e.TransactionID,
		&e.Payload, &headersJSON, &e.Signature, &e.Verified,
		&status, &e.Attempts, &e.MaxAttempts, &e.LastError, &nextAttempt, &e.ReceivedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if nextAttempt.Valid {
		e.NextAttempt = nextAttempt.Time
	}
	_ = json.Unmarshal(headersJSON, &e.Headers)
	return e, nil
}

func nullableTime(e *Event) any {
	if e.NextAttempt.IsZero() {
		return nil
	}
	return e.NextAttempt
}
