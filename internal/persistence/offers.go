package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"HedgeEngine/internal/contract"
)

// SaveOffer inserts a new open offer.
func (s *Store) SaveOffer(ctx context.Context, o *contract.Offer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offers
			(id, wallet_hash, pubkey, payout_address, side, satoshis, duration_seconds,
			 low_liquidation_multiplier, high_liquidation_multiplier,
			 oracle_pubkey, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.WalletHash, o.Pubkey, o.PayoutAddress, o.Side.String(), o.Satoshis, o.DurationSeconds,
		o.LowMultiplier, o.HighMultiplier,
		o.OraclePubkey, string(o.Status), o.CreatedAt,
	)
	return err
}

// PendingOffers lists open offers for one oracle on the given side.
func (s *Store) PendingOffers(ctx context.Context, oraclePubkey string, side contract.Side) ([]*contract.Offer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_hash, pubkey, payout_address, side, satoshis, duration_seconds,
		       low_liquidation_multiplier, high_liquidation_multiplier,
		       oracle_pubkey, status, created_at
		FROM offers
		WHERE oracle_pubkey = $1 AND side = $2 AND status = $3
		ORDER BY created_at`, oraclePubkey, side.String(), string(contract.OfferPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []*contract.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// ClaimMatchedOffers settles both offers of a match in one transaction.
// Either offer already claimed by a concurrent matcher aborts the claim and
// reports false, leaving both rows untouched.
func (s *Store) ClaimMatchedOffers(ctx context.Context, a, b uuid.UUID) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	for _, id := range []uuid.UUID{a, b} {
		res, err := tx.ExecContext(ctx, `
			UPDATE offers SET status = $2 WHERE id = $1 AND status = $3`,
			id, string(contract.OfferSettled), string(contract.OfferPending),
		)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
	}

	return true, tx.Commit()
}

// CancelOffer cancels a pending offer owned by the wallet. Reports false
// when the offer is unknown, already settled, or owned by someone else.
func (s *Store) CancelOffer(ctx context.Context, id uuid.UUID, walletHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offers SET status = $3
		WHERE id = $1 AND wallet_hash = $2 AND status = $4`,
		id, walletHash, string(contract.OfferCancelled), string(contract.OfferPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetOffer loads one offer, nil when unknown.
func (s *Store) GetOffer(ctx context.Context, id uuid.UUID) (*contract.Offer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, wallet_hash, pubkey, payout_address, side, satoshis, duration_seconds,
		       low_liquidation_multiplier, high_liquidation_multiplier,
		       oracle_pubkey, status, created_at
		FROM offers WHERE id = $1`, id)

	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func scanOffer(row rowScanner) (*contract.Offer, error) {
	var o contract.Offer
	var side, status string
	err := row.Scan(
		&o.ID, &o.WalletHash, &o.Pubkey, &o.PayoutAddress, &side, &o.Satoshis, &o.DurationSeconds,
		&o.LowMultiplier, &o.HighMultiplier,
		&o.OraclePubkey, &status, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, ok := contract.ParseSide(side)
	if !ok {
		return nil, fmt.Errorf("offer %s: unknown side %q", o.ID, side)
	}
	o.Side = parsed
	o.Status = contract.OfferStatus(status)
	return &o, nil
}
