package database

import (
	"context"
	"fmt"

	"beamer/agent/internal/models"
)

// ==================== Transaction Queries ====================

// RecordTransaction appends tx to the journal and sets its ID
func (db *DB) RecordTransaction(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions (chain_id, tx_hash, kind, request_id, claim_id, outcome, error_message, created_at)
		VALUES (:chain_id, :tx_hash, :kind, :request_id, :claim_id, :outcome, :error_message, :created_at)
		RETURNING id
	`
	rows, err := db.NamedQueryContext(ctx, query, tx)
	if err != nil {
		return fmt.Errorf("failed to record %s transaction: %w", tx.Kind, err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&tx.ID); err != nil {
			return fmt.Errorf("failed to read transaction id: %w", err)
		}
	}
	return rows.Err()
}

// TransactionsByRequest lists the journal entries of a request, oldest first
func (db *DB) TransactionsByRequest(ctx context.Context, requestID string) ([]models.Transaction, error) {
	var txs []models.Transaction
	query := `
		SELECT id, chain_id, tx_hash, kind, request_id, claim_id, outcome, error_message, created_at
		FROM transactions
		WHERE request_id = $1
		ORDER BY id
	`
	if err := db.SelectContext(ctx, &txs, query, requestID); err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	return txs, nil
}
