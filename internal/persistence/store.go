// Package persistence is the Postgres layer. One Store owns all tables;
// component packages see only the narrow interfaces they declare, wired to
// the Store at startup.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"HedgeEngine/internal/contract"
)

// Store implements the storage interfaces of the lifecycle components
// against a single Postgres database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns / 2)
	}
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

const contractColumns = `
	address, contract_version,
	short_wallet_hash, short_pubkey, short_payout_address,
	long_wallet_hash, long_pubkey, long_payout_address,
	satoshis, start_timestamp, maturity_timestamp,
	oracle_pubkey, start_price,
	low_liquidation_multiplier, high_liquidation_multiplier,
	low_liquidation_price, high_liquidation_price,
	funding_tx_hash, funding_satoshis, created_at`

// SaveContract inserts a new contract. Saving an address that already exists
// is a no-op so a crashed registration can be replayed safely.
func (s *Store) SaveContract(ctx context.Context, c *contract.Contract) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (address) DO NOTHING`,
		c.Address, c.ContractVersion,
		c.Short.WalletHash, c.Short.Pubkey, c.Short.PayoutAddress,
		c.Long.WalletHash, c.Long.Pubkey, c.Long.PayoutAddress,
		c.Satoshis, c.StartTimestamp, c.MaturityTimestamp,
		c.OraclePubkey, c.StartPrice,
		c.LowLiquidationMultiplier, c.HighLiquidationMultiplier,
		c.LowLiquidationPrice, c.HighLiquidationPrice,
		nullIfEmpty(c.FundingTxHash), c.FundingSatoshis, c.CreatedAt,
	)
	return err
}

// GetContract loads one contract with its settlement, if attached.
// Returns nil when the address is unknown.
func (s *Store) GetContract(ctx context.Context, address string) (*contract.Contract, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+contractColumns+` FROM contracts WHERE address = $1`, address)

	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	settlement, err := s.GetSettlement(ctx, address)
	if err != nil {
		return nil, err
	}
	c.Settlement = settlement
	return c, nil
}

// RecordFunding sets the funding transaction facts exactly once. A second
// call with the same txid is a no-op; a different txid for an already funded
// contract affects no rows and the caller treats the stored value as truth.
func (s *Store) RecordFunding(ctx context.Context, address, fundingTxHash string, fundingSatoshis int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contracts
		SET funding_tx_hash = $2, funding_satoshis = $3
		WHERE address = $1 AND funding_tx_hash IS NULL`,
		address, fundingTxHash, fundingSatoshis,
	)
	return err
}

// FundedUnsettledContracts lists contracts eligible for a settlement check:
// funded but with no settlement row attached yet.
func (s *Store) FundedUnsettledContracts(ctx context.Context, limit int) ([]*contract.Contract, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM contracts c
		WHERE c.funding_tx_hash IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM settlements s WHERE s.contract_address = c.address)
		ORDER BY c.maturity_timestamp
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []*contract.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

// ContractsByWallet lists contracts where the wallet holds either side.
func (s *Store) ContractsByWallet(ctx context.Context, walletHash string) ([]*contract.Contract, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contractColumns+` FROM contracts
		WHERE short_wallet_hash = $1 OR long_wallet_hash = $1
		ORDER BY created_at DESC`, walletHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []*contract.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(row rowScanner) (*contract.Contract, error) {
	var c contract.Contract
	var fundingTxHash sql.NullString
	err := row.Scan(
		&c.Address, &c.ContractVersion,
		&c.Short.WalletHash, &c.Short.Pubkey, &c.Short.PayoutAddress,
		&c.Long.WalletHash, &c.Long.Pubkey, &c.Long.PayoutAddress,
		&c.Satoshis, &c.StartTimestamp, &c.MaturityTimestamp,
		&c.OraclePubkey, &c.StartPrice,
		&c.LowLiquidationMultiplier, &c.HighLiquidationMultiplier,
		&c.LowLiquidationPrice, &c.HighLiquidationPrice,
		&fundingTxHash, &c.FundingSatoshis, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.FundingTxHash = fundingTxHash.String
	return &c, nil
}

// UpsertFundingProposal stores one side's funding proposal, replacing any
// prior proposal for the same (contract, side). The coordinator guarantees
// the contract is still unfunded before calling.
func (s *Store) UpsertFundingProposal(ctx context.Context, p *contract.FundingProposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funding_proposals
			(contract_address, side, tx_hash, tx_index, tx_value, script_sig, pubkey, input_tx_hashes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())
		ON CONFLICT (contract_address, side) DO UPDATE SET
			tx_hash = EXCLUDED.tx_hash,
			tx_index = EXCLUDED.tx_index,
			tx_value = EXCLUDED.tx_value,
			script_sig = EXCLUDED.script_sig,
			pubkey = EXCLUDED.pubkey,
			input_tx_hashes = EXCLUDED.input_tx_hashes,
			updated_at = NOW()`,
		p.ContractAddress, p.Side.String(), p.TxHash, p.TxIndex, p.TxValue,
		p.ScriptSig, p.Pubkey, pq.Array(p.InputTxHashes),
	)
	return err
}

// FundingProposals returns the proposals attached to a contract, keyed by side.
func (s *Store) FundingProposals(ctx context.Context, address string) (map[contract.Side]*contract.FundingProposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contract_address, side, tx_hash, tx_index, tx_value, script_sig, pubkey, input_tx_hashes, created_at, updated_at
		FROM funding_proposals WHERE contract_address = $1`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	proposals := make(map[contract.Side]*contract.FundingProposal)
	for rows.Next() {
		var p contract.FundingProposal
		var side string
		var hashes pq.StringArray
		if err := rows.Scan(
			&p.ContractAddress, &side, &p.TxHash, &p.TxIndex, &p.TxValue,
			&p.ScriptSig, &p.Pubkey, &hashes, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		parsed, ok := contract.ParseSide(side)
		if !ok {
			return nil, fmt.Errorf("funding proposal %s: unknown side %q", address, side)
		}
		p.Side = parsed
		p.InputTxHashes = hashes
		proposals[parsed] = &p
	}
	return proposals, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
