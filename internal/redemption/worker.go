package redemption

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"HedgeEngine/internal/chain"
	"HedgeEngine/internal/contract"
	"HedgeEngine/internal/fault"
	"HedgeEngine/internal/notify"
	"HedgeEngine/internal/observability"
)

// Contracts resolves queue entries back to their contracts for wallet
// notifications.
type Contracts interface {
	GetContract(ctx context.Context, address string) (*contract.Contract, error)
}

// Worker drains the queue: one transaction at a time per contract address,
// many addresses in parallel. Per-address order is enforced by the claim
// protocol (an IN_PROGRESS row blocks its whole address), so the pool can
// schedule freely.
type Worker struct {
	queue     Queue
	node      chain.Client
	contracts Contracts
	notifier  notify.Publisher
	metrics   *observability.Metrics
	log       zerolog.Logger
	pool      *ants.Pool

	pollInterval time.Duration
	stuckAge     time.Duration
	maxRetries   int
}

func NewWorker(queue Queue, node chain.Client, contracts Contracts, notifier notify.Publisher, poolSize int, metrics *observability.Metrics) (*Worker, error) {
	if poolSize <= 0 {
		poolSize = 8
	}
	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Worker{
		queue:        queue,
		node:         node,
		contracts:    contracts,
		notifier:     notifier,
		metrics:      metrics,
		log:          observability.NewLogger("redemption"),
		pool:         pool,
		pollInterval: time.Second,
		stuckAge:     2 * time.Minute,
		maxRetries:   3,
	}, nil
}

// Run polls until ctx is cancelled, then waits for in-flight work.
func (w *Worker) Run(ctx context.Context, health *observability.HealthChecker) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	defer w.pool.Release()

	for {
		err := w.tick(ctx)
		if health != nil {
			health.SetComponent("redemption", err == nil, "")
		}
		if err != nil {
			w.log.Warn().Err(err).Msg("queue poll failed, will retry")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) tick(ctx context.Context) error {
	if err := w.recoverStuck(ctx); err != nil {
		w.log.Warn().Err(err).Msg("stuck transaction recovery failed")
	}

	if w.metrics != nil {
		if depth, err := w.queue.CountPending(ctx); err == nil {
			w.metrics.RedemptionQueueDepth.Set(float64(depth))
		}
	}

	batch, err := w.queue.OldestPendingPerAddress(ctx, w.pool.Cap())
	if err != nil {
		return err
	}

	for _, tx := range batch {
		tx := tx
		if err := w.pool.Submit(func() { w.process(ctx, tx) }); err != nil {
			w.log.Warn().Err(err).Str("queued_tx", tx.ID.String()).Msg("pool submit failed")
		}
	}
	return nil
}

// ValidateAndEnqueue checks a transaction before it ever reaches the queue.
// A reserve-token transaction whose raw hex moves the wrong token category is
// rejected here as invalid; the queue never sees it.
func ValidateAndEnqueue(ctx context.Context, node chain.Client, queue Queue, tx *ContractTx) error {
	if tx.TokenCategory != "" {
		decoded, err := node.DecodeTransaction(ctx, tx.RawTxHex)
		if err != nil {
			return fault.Retryable("redemption", err)
		}
		found := false
		for _, out := range decoded.Outputs {
			if out.TokenCategory == tx.TokenCategory {
				found = true
				break
			}
		}
		if !found {
			return fault.Invalid("redemption",
				fmt.Sprintf("token category mismatch: no output carries %s", tx.TokenCategory))
		}
	}
	if tx.Status == "" {
		tx.Status = StatusPending
	}
	return queue.Enqueue(ctx, tx)
}

// process takes one queued transaction through claim, validate, dry-run,
// broadcast, and record.
func (w *Worker) process(ctx context.Context, tx *ContractTx) {
	claimed, err := w.queue.MarkInProgress(ctx, tx.ID)
	if err != nil {
		w.log.Warn().Err(err).Str("queued_tx", tx.ID.String()).Msg("claim failed")
		return
	}
	if !claimed {
		return
	}

	if err := w.validate(ctx, tx); err != nil {
		// A decode transport failure says nothing about the transaction;
		// only a genuine category mismatch is terminal.
		if fault.KindOf(err) == fault.KindInvalid {
			w.fail(ctx, tx, err.Error())
		} else {
			w.requeueOrFail(ctx, tx, err.Error())
		}
		return
	}

	accept, err := w.node.TestMempoolAccept(ctx, tx.RawTxHex)
	if err != nil {
		w.requeueOrFail(ctx, tx, err.Error())
		return
	}
	if !accept.Allowed {
		if fault.TransientBroadcast(accept.RejectReason) {
			w.recover(ctx, tx, accept.RejectReason)
			return
		}
		w.fail(ctx, tx, "rejected: "+accept.RejectReason)
		return
	}

	txid, err := w.node.Broadcast(ctx, tx.RawTxHex)
	if err != nil {
		if fault.TransientBroadcast(err.Error()) {
			w.recover(ctx, tx, err.Error())
			return
		}
		w.requeueOrFail(ctx, tx, err.Error())
		return
	}

	w.complete(ctx, tx, txid, "broadcast")
}

// validate rejects transactions whose reserve-token category does not match
// what they claim to move. A category mismatch would be accepted by the node
// but misallocate the reserve, so it fails here, before any broadcast.
func (w *Worker) validate(ctx context.Context, tx *ContractTx) error {
	if tx.TokenCategory == "" {
		return nil
	}
	decoded, err := w.node.DecodeTransaction(ctx, tx.RawTxHex)
	if err != nil {
		return fault.Retryable("redemption.validate", err)
	}
	for _, out := range decoded.Outputs {
		if out.TokenCategory == tx.TokenCategory {
			return nil
		}
	}
	return fault.Invalid("redemption.validate",
		fmt.Sprintf("token category mismatch: no output carries %s", tx.TokenCategory))
}

// recover self-heals a transient broadcast failure by asking the chain who
// actually spent the transaction's first input. Our own txid means the
// broadcast took effect despite the error; a foreign txid means we lost a
// race and the entry is dead; an unspent input earns a bounded requeue.
func (w *Worker) recover(ctx context.Context, tx *ContractTx, reason string) {
	decoded, err := w.node.DecodeTransaction(ctx, tx.RawTxHex)
	if err != nil || len(decoded.Inputs) == 0 {
		w.requeueOrFail(ctx, tx, reason)
		return
	}

	in := decoded.Inputs[0]
	spender, err := w.node.SpendingTransaction(ctx, in.TxID, in.Vout)
	if err != nil {
		w.requeueOrFail(ctx, tx, reason)
		return
	}

	switch {
	case spender == nil:
		w.countRecovery("requeued")
		w.requeueOrFail(ctx, tx, reason)
	case spender.TxID == decoded.TxID:
		w.countRecovery("confirmed_own")
		w.complete(ctx, tx, spender.TxID, "recovered")
	default:
		w.countRecovery("lost_race")
		w.fail(ctx, tx, fmt.Sprintf("input spent by competing tx %s (%s)", spender.TxID, reason))
	}
}

// recoverStuck picks up IN_PROGRESS rows abandoned by a crash and runs them
// through the same chain-side recovery as transient failures.
func (w *Worker) recoverStuck(ctx context.Context) error {
	stuck, err := w.queue.StuckInProgress(ctx, w.stuckAge)
	if err != nil {
		return err
	}
	for _, tx := range stuck {
		w.log.Warn().
			Str("queued_tx", tx.ID.String()).
			Str("contract", tx.ContractAddress).
			Msg("recovering stuck transaction")
		w.recover(ctx, tx, "worker crashed mid-broadcast")
	}
	return nil
}

func (w *Worker) requeueOrFail(ctx context.Context, tx *ContractTx, reason string) {
	if tx.RetryCount >= w.maxRetries {
		w.fail(ctx, tx, fmt.Sprintf("retries exhausted: %s", reason))
		return
	}
	if err := w.queue.Requeue(ctx, tx.ID); err != nil {
		w.log.Error().Err(err).Str("queued_tx", tx.ID.String()).Msg("requeue failed")
	}
}

func (w *Worker) complete(ctx context.Context, tx *ContractTx, txid, how string) {
	if err := w.queue.Complete(ctx, tx.ID, txid); err != nil {
		w.log.Error().Err(err).Str("queued_tx", tx.ID.String()).Msg("complete failed")
		return
	}
	w.count(tx.TxType, "completed")
	w.notifyResult(ctx, tx, "completed", txid)
	w.log.Info().
		Str("queued_tx", tx.ID.String()).
		Str("contract", tx.ContractAddress).
		Str("txid", txid).
		Str("how", how).
		Msg("redemption transaction completed")
}

func (w *Worker) fail(ctx context.Context, tx *ContractTx, message string) {
	if err := w.queue.Fail(ctx, tx.ID, message); err != nil {
		w.log.Error().Err(err).Str("queued_tx", tx.ID.String()).Msg("fail transition failed")
		return
	}
	w.count(tx.TxType, "failed")
	w.notifyResult(ctx, tx, "failed", "")
	w.log.Warn().
		Str("queued_tx", tx.ID.String()).
		Str("contract", tx.ContractAddress).
		Str("reason", message).
		Msg("redemption transaction failed")
}

func (w *Worker) notifyResult(ctx context.Context, tx *ContractTx, status, txid string) {
	if w.contracts == nil {
		return
	}
	c, err := w.contracts.GetContract(ctx, tx.ContractAddress)
	if err != nil || c == nil {
		return
	}
	payload := map[string]string{"status": status, "tx_type": string(tx.TxType), "txid": txid}
	for _, side := range []contract.Side{contract.SideShort, contract.SideLong} {
		w.notifier.Publish(ctx, notify.Notification{
			Event:           notify.EventRedemptionResult,
			WalletHash:      c.Key(side).WalletHash,
			ContractAddress: tx.ContractAddress,
			Payload:         payload,
		})
	}
}

func (w *Worker) count(txType TxType, status string) {
	if w.metrics != nil {
		w.metrics.RedemptionProcessed.WithLabelValues(string(txType), status).Inc()
	}
}

func (w *Worker) countRecovery(outcome string) {
	if w.metrics != nil {
		w.metrics.RedemptionRecoveries.WithLabelValues(outcome).Inc()
	}
}
