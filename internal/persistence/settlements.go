package persistence

import (
	"context"
	"database/sql"

	"HedgeEngine/internal/contract"
)

// UpsertSettlement attaches the terminal settlement. At most one settlement
// row exists per contract; a replayed attach updates the existing row with
// identical facts instead of duplicating it.
func (s *Store) UpsertSettlement(ctx context.Context, st *contract.Settlement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements
			(contract_address, spending_transaction, settlement_type,
			 short_satoshis, long_satoshis,
			 settlement_price, settlement_price_sequence, settlement_message_sequence,
			 settlement_message, settlement_signature, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
		ON CONFLICT (contract_address) DO UPDATE SET
			spending_transaction = EXCLUDED.spending_transaction,
			settlement_type = EXCLUDED.settlement_type,
			short_satoshis = EXCLUDED.short_satoshis,
			long_satoshis = EXCLUDED.long_satoshis,
			settlement_price = EXCLUDED.settlement_price,
			settlement_price_sequence = EXCLUDED.settlement_price_sequence,
			settlement_message_sequence = EXCLUDED.settlement_message_sequence,
			settlement_message = EXCLUDED.settlement_message,
			settlement_signature = EXCLUDED.settlement_signature`,
		st.ContractAddress, st.SpendingTransaction, string(st.SettlementType),
		st.ShortSatoshis, st.LongSatoshis,
		st.SettlementPrice, st.SettlementPriceSequence, st.SettlementMessageSequence,
		st.SettlementMessage, st.SettlementSignature,
	)
	return err
}

// GetSettlement loads the settlement for a contract, nil when unsettled.
func (s *Store) GetSettlement(ctx context.Context, address string) (*contract.Settlement, error) {
	var st contract.Settlement
	var settlementType string
	err := s.db.QueryRowContext(ctx, `
		SELECT contract_address, spending_transaction, settlement_type,
		       short_satoshis, long_satoshis,
		       settlement_price, settlement_price_sequence, settlement_message_sequence,
		       settlement_message, settlement_signature, created_at
		FROM settlements WHERE contract_address = $1`, address,
	).Scan(
		&st.ContractAddress, &st.SpendingTransaction, &settlementType,
		&st.ShortSatoshis, &st.LongSatoshis,
		&st.SettlementPrice, &st.SettlementPriceSequence, &st.SettlementMessageSequence,
		&st.SettlementMessage, &st.SettlementSignature, &st.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.SettlementType = contract.SettlementType(settlementType)
	return &st, nil
}
