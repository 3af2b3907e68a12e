package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists risk assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	indicatorsJSON, err := json.Marshal(a.FraudIndicators)
	if err != nil {
		return fmt.Errorf("failed to marshal fraud indicators: %w", err)
	}
	recsJSON, err := json.Marshal(a.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments
			(id, transaction_id, score, level, blocked, manual_review, factors, fraud_indicators, recommendations, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		a.ID,
		a.TransactionID,
		a.Score,
		string(a.Level),
		a.Blocked,
		a.ManualReview,
		factorsJSON,
		indicatorsJSON,
		recsJSON,
		a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByTransaction(ctx context.Context, transactionID string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, score, level, blocked, manual_review, factors, fraud_indicators, recommendations, evaluated_at
		FROM risk_assessments
		WHERE transaction_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, transactionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		a := &Assessment{}
		var level string
		var factorsJSON, indicatorsJSON, recsJSON []byte
		if err := rows.Scan(
			&a.ID, &a.TransactionID, &a.Score, &level, &a.Blocked, &a.ManualReview,
			&factorsJSON, &indicatorsJSON, &recsJSON, &a.EvaluatedAt,
		); err != nil {
			return nil, err
		}
		a.Level = Level(level)
		if err := json.Unmarshal(factorsJSON, &a.Factors); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(indicatorsJSON, &a.FraudIndicators)
		_ = json.Unmarshal(recsJSON, &a.Recommendations)
		result = append(result, a)
	}
	return result, rows.Err()
}
