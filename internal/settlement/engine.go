// Package settlement decides when and how a funded contract terminates, and
// drives the terminal transaction onto the chain. The engine never trusts a
// cached lifecycle state: every check recomputes it from the funding output,
// the verified price history, and the clock.
package settlement

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"HedgeEngine/internal/chain"
	"HedgeEngine/internal/compiler"
	"HedgeEngine/internal/contract"
	"HedgeEngine/internal/fault"
	"HedgeEngine/internal/notify"
	"HedgeEngine/internal/observability"
	"HedgeEngine/internal/oracle"
)

// Store is the storage surface of the engine.
type Store interface {
	FundedUnsettledContracts(ctx context.Context, limit int) ([]*contract.Contract, error)
	UpsertSettlement(ctx context.Context, st *contract.Settlement) error
	PriceMessagesInRange(ctx context.Context, pubkey string, fromTimestamp, toTimestamp int64) ([]*oracle.PriceMessage, error)
	PriceMessageAtOrAfter(ctx context.Context, pubkey string, ts int64) (*oracle.PriceMessage, error)
	IsRedemptionTx(ctx context.Context, address, txid string) (bool, error)
}

// History backfills persisted oracle history before a scan window is read.
type History interface {
	EnsureHistory(ctx context.Context, pubkey string, fromTimestamp, toTimestamp int64) error
}

// Engine checks funded contracts for settlement conditions and settles them.
type Engine struct {
	store    Store
	comp     compiler.Compiler
	node     chain.Client
	notifier notify.Publisher
	history  History
	metrics  *observability.Metrics
	log      zerolog.Logger

	now func() time.Time
}

func NewEngine(store Store, comp compiler.Compiler, node chain.Client, notifier notify.Publisher, metrics *observability.Metrics) *Engine {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Engine{
		store:    store,
		comp:     comp,
		node:     node,
		notifier: notifier,
		metrics:  metrics,
		log:      observability.NewLogger("settlement"),
		now:      time.Now,
	}
}

// SetHistory attaches a backfiller consulted before each price scan. Without
// one the engine trusts whatever history the ingest loop has persisted.
func (e *Engine) SetHistory(h History) { e.history = h }

// Decision is the computed lifecycle verdict for one contract at one instant.
type Decision struct {
	State contract.State

	// Trigger is the oracle message authorizing the settlement. Set for
	// liquidation (the first crossing message) and maturation (the first
	// message at or after maturity). Nil while the contract stays Funded.
	Trigger *oracle.PriceMessage
}

// ComputeState derives the lifecycle state from first principles. The price
// history must cover [start, min(now, maturity)] in message-sequence order.
// Liquidation takes precedence over maturation: a crossing before the
// maturity timestamp liquidates even when both conditions hold by the time
// of the check.
func ComputeState(c *contract.Contract, history []*oracle.PriceMessage, now time.Time) Decision {
	if !c.Funded() {
		return Decision{State: contract.StateUnfunded}
	}

	for _, msg := range history {
		if msg.MessageTimestamp < c.StartTimestamp || msg.MessageTimestamp >= c.MaturityTimestamp {
			continue
		}
		if c.PriceOutOfBounds(msg.PriceValue) {
			return Decision{State: contract.StateLiquidated, Trigger: msg}
		}
	}

	if now.Unix() >= c.MaturityTimestamp {
		return Decision{State: contract.StateMatured}
	}
	return Decision{State: contract.StateFunded}
}

// Payout splits the funding total for a settlement price. The price is
// clamped to the liquidation band first; the short side's claim is rounded
// once and capped by the total, the long side takes the remainder.
func Payout(c *contract.Contract, settlementPrice int64) (shortSats, longSats int64) {
	price := settlementPrice
	if price < c.LowLiquidationPrice {
		price = c.LowLiquidationPrice
	}
	if price > c.HighLiquidationPrice {
		price = c.HighLiquidationPrice
	}

	shortSats = int64(math.Round(float64(c.Satoshis) * float64(c.StartPrice) / float64(price)))
	if shortSats > c.FundingSatoshis {
		shortSats = c.FundingSatoshis
	}
	if shortSats < 0 {
		shortSats = 0
	}
	return shortSats, c.FundingSatoshis - shortSats
}

// Run scans funded contracts on a fixed interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration, health *observability.HealthChecker) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := e.scanOnce(ctx)
		if health != nil {
			health.SetComponent("settlement", err == nil, "")
		}
		if err != nil {
			e.log.Warn().Err(err).Msg("settlement scan failed, will retry")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) scanOnce(ctx context.Context) error {
	contracts, err := e.store.FundedUnsettledContracts(ctx, 500)
	if err != nil {
		return err
	}

	for _, c := range contracts {
		if err := e.CheckContract(ctx, c); err != nil {
			switch fault.KindOf(err) {
			case fault.KindIntegrity:
				// Never retried blindly; this contract needs an operator.
				e.count("integrity")
				e.log.Error().Err(err).Str("contract", c.Address).Msg("settlement aborted on integrity failure")
			default:
				e.count("retry")
				if e.metrics != nil {
					e.metrics.SettlementRetries.Inc()
				}
				e.log.Warn().Err(err).Str("contract", c.Address).Msg("settlement deferred")
			}
			continue
		}
	}
	return nil
}

// CheckContract runs one settlement check for one contract. The resolution
// order is fixed: the chain is consulted first, because a spent funding
// output is authoritative regardless of what this process thinks should
// happen; only an unspent output leads to building a settlement locally.
func (e *Engine) CheckContract(ctx context.Context, c *contract.Contract) error {
	if c.Settled() {
		e.count("already_settled")
		return nil
	}
	if err := compiler.VerifyIntegrity(ctx, e.comp, c); err != nil {
		return err
	}

	fundingOut, err := e.fundingOutpoint(ctx, c)
	if err != nil {
		return err
	}

	spender, err := e.node.SpendingTransaction(ctx, c.FundingTxHash, fundingOut)
	if err != nil {
		return err
	}
	if spender != nil {
		return e.adoptChainSettlement(ctx, c, spender)
	}

	now := e.now()
	scanEnd := now.Unix()
	if c.MaturityTimestamp < scanEnd {
		scanEnd = c.MaturityTimestamp
	}
	if e.history != nil {
		// Best effort: a failed backfill still leaves whatever the ingest
		// loop has already persisted.
		if err := e.history.EnsureHistory(ctx, c.OraclePubkey, c.StartTimestamp, scanEnd); err != nil {
			e.log.Warn().Err(err).Str("contract", c.Address).Msg("history backfill failed")
		}
	}
	history, err := e.store.PriceMessagesInRange(ctx, c.OraclePubkey, c.StartTimestamp, scanEnd)
	if err != nil {
		return fault.Retryable("settlement.check", err)
	}

	decision := ComputeState(c, history, now)
	switch decision.State {
	case contract.StateLiquidated:
		return e.settle(ctx, c, contract.SettlementLiquidation, decision.Trigger)
	case contract.StateMatured:
		trigger, err := e.store.PriceMessageAtOrAfter(ctx, c.OraclePubkey, c.MaturityTimestamp)
		if err != nil {
			return fault.Retryable("settlement.check", err)
		}
		if trigger == nil {
			// The oracle has not published past maturity yet.
			e.count("awaiting_maturation_price")
			return nil
		}
		return e.settle(ctx, c, contract.SettlementMaturation, trigger)
	default:
		e.count("no_action")
		return nil
	}
}

// fundingOutpoint locates the contract's output in the funding transaction.
func (e *Engine) fundingOutpoint(ctx context.Context, c *contract.Contract) (uint32, error) {
	tx, err := e.node.GetTransaction(ctx, c.FundingTxHash)
	if err != nil {
		return 0, err
	}
	out, ok := tx.OutputTo(c.Address)
	if !ok {
		return 0, fault.Integrity("settlement.funding",
			fmt.Sprintf("funding tx %s has no output to %s", c.FundingTxHash, c.Address))
	}
	return out.Index, nil
}

// settle builds, broadcasts, and records a settlement authorized by the
// trigger message. Broadcast and record are separate idempotent steps.
func (e *Engine) settle(ctx context.Context, c *contract.Contract, settlementType contract.SettlementType, trigger *oracle.PriceMessage) error {
	build, err := e.comp.BuildSettlement(ctx, c, settlementType, trigger.Message, trigger.Signature)
	if err != nil {
		return err
	}
	if err := checkBuildSplit(c, build); err != nil {
		return err
	}

	txid, err := e.node.Broadcast(ctx, build.TxHex)
	if err != nil {
		if fault.TransientBroadcast(err.Error()) {
			// Likely raced with another settler; the next scan adopts the
			// chain's version.
			return fault.Retryable("settlement.broadcast", err)
		}
		return err
	}

	st := &contract.Settlement{
		ContractAddress:           c.Address,
		SpendingTransaction:       txid,
		SettlementType:            settlementType,
		ShortSatoshis:             build.ShortSatoshis,
		LongSatoshis:              build.LongSatoshis,
		SettlementPrice:           build.SettlementPrice,
		SettlementPriceSequence:   trigger.PriceSequence,
		SettlementMessageSequence: trigger.MessageSequence,
		SettlementMessage:         trigger.Message,
		SettlementSignature:       trigger.Signature,
	}
	return e.record(ctx, c, st)
}

// checkBuildSplit cross-checks the compiler's payout split against the
// normative division before anything is broadcast. The transaction fee may
// come out of either side, so a side can fall short of its claim; a side
// paid more than its claim, or a total above the funding input, means the
// build does not settle the contract it was given.
func checkBuildSplit(c *contract.Contract, build *compiler.SettlementBuild) error {
	shortClaim, longClaim := Payout(c, build.SettlementPrice)
	switch {
	case build.ShortSatoshis+build.LongSatoshis > c.FundingSatoshis:
		return fault.Integrity("settlement.build",
			fmt.Sprintf("split %d+%d exceeds funding %d",
				build.ShortSatoshis, build.LongSatoshis, c.FundingSatoshis))
	case build.ShortSatoshis > shortClaim:
		return fault.Integrity("settlement.build",
			fmt.Sprintf("short side paid %d, claim at price %d is %d",
				build.ShortSatoshis, build.SettlementPrice, shortClaim))
	case build.LongSatoshis > longClaim:
		return fault.Integrity("settlement.build",
			fmt.Sprintf("long side paid %d, claim at price %d is %d",
				build.LongSatoshis, build.SettlementPrice, longClaim))
	}
	return nil
}

// adoptChainSettlement records a settlement already executed on-chain. The
// spending transaction is the source of truth for payouts; the settlement
// type is classified from what this process knows about the spend.
func (e *Engine) adoptChainSettlement(ctx context.Context, c *contract.Contract, spender *chain.Transaction) error {
	st := &contract.Settlement{
		ContractAddress:     c.Address,
		SpendingTransaction: spender.TxID,
		SettlementType:      contract.SettlementMaturation,
	}

	fromQueue, err := e.store.IsRedemptionTx(ctx, c.Address, spender.TxID)
	if err != nil {
		return fault.Retryable("settlement.adopt", err)
	}
	switch {
	case fromQueue:
		st.SettlementType = contract.SettlementMutualRedemption
	case e.now().Unix() < c.MaturityTimestamp:
		st.SettlementType = contract.SettlementLiquidation
	}

	for _, out := range spender.Outputs {
		switch out.Address {
		case c.Short.PayoutAddress:
			st.ShortSatoshis += out.Value
		case c.Long.PayoutAddress:
			st.LongSatoshis += out.Value
		}
	}

	return e.record(ctx, c, st)
}

func (e *Engine) record(ctx context.Context, c *contract.Contract, st *contract.Settlement) error {
	if err := e.store.UpsertSettlement(ctx, st); err != nil {
		return fault.Retryable("settlement.record", err)
	}
	if e.metrics != nil {
		e.metrics.SettlementAttached.WithLabelValues(string(st.SettlementType)).Inc()
	}

	for _, side := range []contract.Side{contract.SideShort, contract.SideLong} {
		e.notifier.Publish(ctx, notify.Notification{
			Event:           notify.EventContractSettled,
			WalletHash:      c.Key(side).WalletHash,
			ContractAddress: c.Address,
			Payload: map[string]interface{}{
				"settlement_type": string(st.SettlementType),
				"spending_tx":     st.SpendingTransaction,
				"short_satoshis":  st.ShortSatoshis,
				"long_satoshis":   st.LongSatoshis,
			},
		})
	}

	e.log.Info().
		Str("contract", c.Address).
		Str("type", string(st.SettlementType)).
		Str("spending_tx", st.SpendingTransaction).
		Int64("short_satoshis", st.ShortSatoshis).
		Int64("long_satoshis", st.LongSatoshis).
		Msg("settlement recorded")
	return nil
}

func (e *Engine) count(outcome string) {
	if e.metrics != nil {
		e.metrics.SettlementChecks.WithLabelValues(outcome).Inc()
	}
}
