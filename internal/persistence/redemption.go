package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"HedgeEngine/internal/redemption"
)

// Enqueue appends a pre-signed contract transaction in PENDING state.
func (s *Store) Enqueue(ctx context.Context, tx *redemption.ContractTx) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO redemption_queue
			(id, contract_address, tx_type, raw_tx_hex, token_category,
			 status, result_message, broadcast_txid, retry_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,'','',0,NOW(),NOW())
		ON CONFLICT (id) DO NOTHING`,
		tx.ID, tx.ContractAddress, string(tx.TxType), tx.RawTxHex, tx.TokenCategory,
		string(redemption.StatusPending),
	)
	return err
}

// OldestPendingPerAddress picks at most one PENDING transaction per distinct
// address, oldest first. Addresses with an IN_PROGRESS transaction are
// skipped entirely so per-address ordering is never violated.
func (s *Store) OldestPendingPerAddress(ctx context.Context, limit int) ([]*redemption.ContractTx, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (contract_address)
		       id, contract_address, tx_type, raw_tx_hex, token_category,
		       status, result_message, broadcast_txid, retry_count, created_at, updated_at
		FROM redemption_queue q
		WHERE status = $1
		  AND NOT EXISTS (
			SELECT 1 FROM redemption_queue p
			WHERE p.contract_address = q.contract_address AND p.status = $2
		  )
		ORDER BY contract_address, created_at
		LIMIT $3`,
		string(redemption.StatusPending), string(redemption.StatusInProgress), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*redemption.ContractTx
	for rows.Next() {
		tx, err := scanContractTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// MarkInProgress claims a PENDING transaction. A concurrent claim of the
// same row affects zero rows and reports false.
func (s *Store) MarkInProgress(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE redemption_queue SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, string(redemption.StatusInProgress), string(redemption.StatusPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Complete finalizes a transaction with its broadcast txid.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, txid string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE redemption_queue
		SET status = $2, broadcast_txid = $3, result_message = '', updated_at = NOW()
		WHERE id = $1`,
		id, string(redemption.StatusCompleted), txid,
	)
	return err
}

// Fail finalizes a transaction with a classified failure message.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE redemption_queue
		SET status = $2, result_message = $3, updated_at = NOW()
		WHERE id = $1`,
		id, string(redemption.StatusFailed), message,
	)
	return err
}

// Requeue returns an IN_PROGRESS transaction to PENDING with a bumped retry
// count.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE redemption_queue
		SET status = $2, retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, string(redemption.StatusPending), string(redemption.StatusInProgress),
	)
	return err
}

// StuckInProgress lists transactions that have sat IN_PROGRESS longer than
// age. These are crash leftovers: the worker died between claim and outcome.
func (s *Store) StuckInProgress(ctx context.Context, age time.Duration) ([]*redemption.ContractTx, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contract_address, tx_type, raw_tx_hex, token_category,
		       status, result_message, broadcast_txid, retry_count, created_at, updated_at
		FROM redemption_queue
		WHERE status = $1 AND updated_at < NOW() - $2::interval
		ORDER BY updated_at`,
		string(redemption.StatusInProgress), age.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*redemption.ContractTx
	for rows.Next() {
		tx, err := scanContractTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// IsRedemptionTx reports whether the txid was broadcast from the redemption
// queue for this contract. The settlement engine uses this to classify a
// chain-observed spend as a mutual redemption.
func (s *Store) IsRedemptionTx(ctx context.Context, address, txid string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM redemption_queue
		WHERE contract_address = $1 AND broadcast_txid = $2`,
		address, txid,
	).Scan(&n)
	return n > 0, err
}

// CountPending returns the queue depth.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM redemption_queue WHERE status = $1`,
		string(redemption.StatusPending),
	).Scan(&n)
	return n, err
}

func scanContractTx(row rowScanner) (*redemption.ContractTx, error) {
	var tx redemption.ContractTx
	var txType, status string
	err := row.Scan(
		&tx.ID, &tx.ContractAddress, &txType, &tx.RawTxHex, &tx.TokenCategory,
		&status, &tx.ResultMessage, &tx.BroadcastTxID, &tx.RetryCount,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.TxType = redemption.TxType(txType)
	tx.Status = redemption.Status(status)
	return &tx, nil
}
