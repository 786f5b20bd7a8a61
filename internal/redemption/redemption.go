// Package redemption drains the queue of pre-signed contract transactions
// (reserve deposits, injections and redemptions, plus mutual redemptions and
// early payouts) to the chain. Transactions for the same contract address
// chain off each other, so the queue is strictly serial per address and
// parallel across addresses.
package redemption

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the queue lifecycle of one transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// TxType distinguishes what the pre-signed transaction does.
type TxType string

const (
	TxDeposit          TxType = "deposit"
	TxInject           TxType = "inject"
	TxRedeem           TxType = "redeem"
	TxMutualRedemption TxType = "mutual_redemption"
	TxPayout           TxType = "payout"
)

// ContractTx is one queued pre-signed transaction.
type ContractTx struct {
	ID              uuid.UUID
	ContractAddress string
	TxType          TxType
	RawTxHex        string

	// Expected reserve-token category of the spent output. Empty when the
	// transaction spends a plain BCH output.
	TokenCategory string

	Status        Status
	ResultMessage string
	BroadcastTxID string
	RetryCount    int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Queue is the storage surface of the worker.
type Queue interface {
	// Enqueue appends a transaction in PENDING state.
	Enqueue(ctx context.Context, tx *ContractTx) error

	// OldestPendingPerAddress returns at most one PENDING transaction per
	// distinct contract address, oldest first, skipping addresses that
	// already have an IN_PROGRESS transaction.
	OldestPendingPerAddress(ctx context.Context, limit int) ([]*ContractTx, error)

	// MarkInProgress transitions PENDING -> IN_PROGRESS. Returns false when
	// the row was already claimed.
	MarkInProgress(ctx context.Context, id uuid.UUID) (bool, error)

	// Complete transitions to COMPLETED with the broadcast txid.
	Complete(ctx context.Context, id uuid.UUID, txid string) error

	// Fail transitions to FAILED with a classified result message.
	Fail(ctx context.Context, id uuid.UUID, message string) error

	// Requeue returns an IN_PROGRESS transaction to PENDING, bumping its
	// retry count. Used by crash recovery.
	Requeue(ctx context.Context, id uuid.UUID) error

	// StuckInProgress lists transactions left IN_PROGRESS longer than age,
	// candidates for self-healing recovery.
	StuckInProgress(ctx context.Context, age time.Duration) ([]*ContractTx, error)

	// CountPending returns the queue depth.
	CountPending(ctx context.Context) (int, error)
}
