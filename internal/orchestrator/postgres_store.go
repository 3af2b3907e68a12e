package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/dkosta/paycore/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, tx *Transaction) error {
	auditJSON, err := json.Marshal(tx.Audit)
	if err != nil {
		return fmt.Errorf("failed to marshal audit trail: %w", err)
	}
	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions
			(id, tenant_id, customer_id, invoice_id, amount, currency, method,
			 gateway_id, provider, gateway_ref, gateway_response,
			 status, failure_reason, retry_count, max_retries, risk_score, risk_level,
			 attempted_gateways, metadata, audit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			gateway_id = EXCLUDED.gateway_id,
			provider = EXCLUDED.provider,
			gateway_ref = EXCLUDED.gateway_ref,
			gateway_response = EXCLUDED.gateway_response,
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			retry_count = EXCLUDED.retry_count,
			risk_score = EXCLUDED.risk_score,
			risk_level = EXCLUDED.risk_level,
			attempted_gateways = EXCLUDED.attempted_gateways,
			metadata = EXCLUDED.metadata,
			audit = EXCLUDED.audit,
			updated_at = EXCLUDED.updated_at
	`,
		tx.ID, tx.TenantID, tx.CustomerID, tx.InvoiceID, tx.Amount, tx.Currency, tx.Method,
		tx.GatewayID, tx.Provider, tx.GatewayRef, tx.GatewayResponse,
		string(tx.Status), tx.FailureReason, tx.RetryCount, tx.MaxRetries, tx.RiskScore, tx.RiskLevel,
		pq.Array(tx.AttemptedGateways), metadataJSON, auditJSON, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, customer_id, invoice_id, amount, currency, method,
		       gateway_id, provider, gateway_ref, gateway_response,
		       status, failure_reason, retry_count, max_retries, risk_score, risk_level,
		       attempted_gateways, metadata, audit, created_at, updated_at
		FROM transactions
		WHERE id = $1
	`, id)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	query := `
		SELECT id, tenant_id, customer_id, invoice_id, amount, currency, method,
		       gateway_id, provider, gateway_ref, gateway_response,
		       status, failure_reason, retry_count, max_retries, risk_score, risk_level,
		       attempted_gateways, metadata, audit, created_at, updated_at
		FROM transactions
		WHERE tenant_id = $1`
	args := []any{tenantID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	tx := &Transaction{}
	var status string
	var metadataJSON, auditJSON []byte
	err := row.Scan(
		&tx.ID, &tx.TenantID, &tx.CustomerID, &tx.InvoiceID, &tx.Amount, &tx.Currency, &tx.Method,
		&tx.GatewayID, &tx.Provider, &tx.GatewayRef, &tx.GatewayResponse,
		&status, &tx.FailureReason, &tx.RetryCount, &tx.MaxRetries, &tx.RiskScore, &tx.RiskLevel,
		pq.Array(&tx.AttemptedGateways), &metadataJSON, &auditJSON, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Status = Status(status)
	_ = json.Unmarshal(metadataJSON, &tx.Metadata)
	_ = json.Unmarshal(auditJSON, &tx.Audit)
	return tx, nil
}
