package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"HedgeEngine/internal/contract"
	"HedgeEngine/internal/oracle"
	"HedgeEngine/internal/redemption"
	"HedgeEngine/internal/testutil"
)

// setupStore migrates the test database and returns a Store over it.
func setupStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	ctx := context.Background()
	require.NoError(t, NewMigrator(db, "../../migrations").Up(ctx), "migrate")
	return NewStore(db), ctx
}

func TestContractRoundTrip(t *testing.T) {
	store, ctx := setupStore(t)
	c := testutil.FundedContract()
	c.FundingTxHash = ""
	c.FundingSatoshis = 0

	require.NoError(t, store.SaveContract(ctx, c))
	// Replayed registration is a no-op.
	require.NoError(t, store.SaveContract(ctx, c))

	got, err := store.GetContract(ctx, c.Address)
	require.NoError(t, err)
	require.NotNil(t, got, "contract not found")
	assert.Equal(t, c.Short.Pubkey, got.Short.Pubkey)
	assert.Equal(t, c.Long.PayoutAddress, got.Long.PayoutAddress)
	assert.False(t, got.Funded(), "unfunded contract reports funded")
	assert.Equal(t, c.LowLiquidationPrice, got.LowLiquidationPrice)
	assert.Equal(t, c.StartPrice, got.StartPrice)

	missing, err := store.GetContract(ctx, "bitcoincash:pnowhere")
	require.NoError(t, err)
	assert.Nil(t, missing, "unknown address must load as nil")
}

func TestRecordFundingIsWriteOnce(t *testing.T) {
	store, ctx := setupStore(t)
	c := testutil.FundedContract()
	c.FundingTxHash = ""
	c.FundingSatoshis = 0
	require.NoError(t, store.SaveContract(ctx, c))

	require.NoError(t, store.RecordFunding(ctx, c.Address, "first-txid", 13_333_333))
	// A different txid for an already funded contract changes nothing.
	require.NoError(t, store.RecordFunding(ctx, c.Address, "second-txid", 1))

	got, err := store.GetContract(ctx, c.Address)
	require.NoError(t, err)
	assert.Equal(t, "first-txid", got.FundingTxHash)
	assert.Equal(t, int64(13_333_333), got.FundingSatoshis)
}

func TestFundedUnsettledContracts(t *testing.T) {
	store, ctx := setupStore(t)

	funded := testutil.FundedContract()
	require.NoError(t, store.SaveContract(ctx, funded))

	unfunded := testutil.FundedContract()
	unfunded.Address = "bitcoincash:punfunded00000000000000000000000000000000000"
	unfunded.FundingTxHash = ""
	require.NoError(t, store.SaveContract(ctx, unfunded))

	eligible, err := store.FundedUnsettledContracts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, funded.Address, eligible[0].Address)

	// Attaching a settlement removes it from the scan set.
	require.NoError(t, store.UpsertSettlement(ctx, &contract.Settlement{
		ContractAddress:     funded.Address,
		SpendingTransaction: "spend-txid",
		SettlementType:      contract.SettlementLiquidation,
		ShortSatoshis:       funded.FundingSatoshis,
	}))
	eligible, err = store.FundedUnsettledContracts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, eligible, "settled contract still eligible")

	// And the settlement rides along on contract loads.
	got, err := store.GetContract(ctx, funded.Address)
	require.NoError(t, err)
	require.True(t, got.Settled())
	assert.Equal(t, contract.SettlementLiquidation, got.Settlement.SettlementType)
}

func TestUpsertSettlementReplaces(t *testing.T) {
	store, ctx := setupStore(t)
	c := testutil.FundedContract()
	require.NoError(t, store.SaveContract(ctx, c))

	require.NoError(t, store.UpsertSettlement(ctx, &contract.Settlement{
		ContractAddress:     c.Address,
		SpendingTransaction: "tx-a",
		SettlementType:      contract.SettlementMaturation,
	}))
	require.NoError(t, store.UpsertSettlement(ctx, &contract.Settlement{
		ContractAddress:     c.Address,
		SpendingTransaction: "tx-b",
		SettlementType:      contract.SettlementMutualRedemption,
	}))

	got, err := store.GetSettlement(ctx, c.Address)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tx-b", got.SpendingTransaction, "replay must update the single row")
	assert.Equal(t, contract.SettlementMutualRedemption, got.SettlementType)
}

func TestFundingProposalUpsert(t *testing.T) {
	store, ctx := setupStore(t)
	c := testutil.FundedContract()
	require.NoError(t, store.SaveContract(ctx, c))

	p := &contract.FundingProposal{
		ContractAddress: c.Address,
		Side:            contract.SideShort,
		TxHash:          "utxo-a",
		TxIndex:         1,
		TxValue:         c.Satoshis,
		ScriptSig:       "sig-a",
		Pubkey:          c.Short.Pubkey,
		InputTxHashes:   []string{"in-1", "in-2"},
	}
	require.NoError(t, store.UpsertFundingProposal(ctx, p))

	p.TxHash = "utxo-b"
	require.NoError(t, store.UpsertFundingProposal(ctx, p))

	proposals, err := store.FundingProposals(ctx, c.Address)
	require.NoError(t, err)
	require.Len(t, proposals, 1, "resubmission must replace, not duplicate")
	got := proposals[contract.SideShort]
	require.NotNil(t, got)
	assert.Equal(t, "utxo-b", got.TxHash)
	assert.Equal(t, []string{"in-1", "in-2"}, got.InputTxHashes)
}

func TestPriceMessageQueries(t *testing.T) {
	store, ctx := setupStore(t)
	const pubkey = "03cc"

	for seq := int64(1); seq <= 5; seq++ {
		msg := &oracle.PriceMessage{
			Pubkey:           pubkey,
			Signature:        "sig",
			Message:          oracle.EncodeMessage(1_700_000_000+seq*60, seq, seq, 10_000+seq),
			MessageTimestamp: 1_700_000_000 + seq*60,
			MessageSequence:  seq,
			PriceSequence:    seq,
			PriceValue:       10_000 + seq,
		}
		inserted, err := store.SavePriceMessage(ctx, msg)
		require.NoError(t, err)
		require.True(t, inserted, "message %d not inserted", seq)
	}

	// Redelivery of an existing sequence is a no-op.
	dup := &oracle.PriceMessage{Pubkey: pubkey, Signature: "sig", Message: "00", MessageSequence: 3, MessageTimestamp: 1}
	inserted, err := store.SavePriceMessage(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate sequence reported inserted")

	latest, err := store.LatestPriceMessage(ctx, pubkey)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(5), latest.MessageSequence)

	window, err := store.PriceMessagesInRange(ctx, pubkey, 1_700_000_000+2*60, 1_700_000_000+4*60)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, int64(2), window[0].MessageSequence)
	assert.Equal(t, int64(4), window[2].MessageSequence)

	after, err := store.PriceMessageAtOrAfter(ctx, pubkey, 1_700_000_000+4*60)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, int64(4), after.MessageSequence)

	none, err := store.LatestPriceMessage(ctx, "03unknown")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClaimMatchedOffersIsAtomic(t *testing.T) {
	store, ctx := setupStore(t)

	save := func(wallet string, side contract.Side) *contract.Offer {
		o := &contract.Offer{
			ID:              uuid.New(),
			WalletHash:      wallet,
			Pubkey:          "02" + wallet,
			PayoutAddress:   "bitcoincash:q" + wallet,
			Side:            side,
			Satoshis:        1_000_000,
			DurationSeconds: 3600,
			LowMultiplier:   0.75,
			HighMultiplier:  10,
			OraclePubkey:    "03cc",
			Status:          contract.OfferPending,
			CreatedAt:       time.Now().UTC(),
		}
		require.NoError(t, store.SaveOffer(ctx, o))
		return o
	}

	a := save("alice", contract.SideShort)
	b := save("bob", contract.SideLong)
	c := save("carol", contract.SideLong)

	claimed, err := store.ClaimMatchedOffers(ctx, a.ID, b.ID)
	require.NoError(t, err)
	require.True(t, claimed, "first claim must succeed")

	// Either offer being settled blocks a second claim entirely.
	claimed, err = store.ClaimMatchedOffers(ctx, a.ID, c.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "settled offer claimed twice")

	// The untouched counterpart stays pending for other matches.
	pending, err := store.PendingOffers(ctx, "03cc", contract.SideLong)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, c.ID, pending[0].ID)

	// Cancel only works for the owner of a pending offer.
	ok, err := store.CancelOffer(ctx, c.ID, "mallory")
	require.NoError(t, err)
	assert.False(t, ok, "foreign cancel succeeded")
	ok, err = store.CancelOffer(ctx, c.ID, "carol")
	require.NoError(t, err)
	assert.True(t, ok, "owner cancel failed")
}

func TestRedemptionQueueClaimProtocol(t *testing.T) {
	store, ctx := setupStore(t)

	enqueue := func(address string) *redemption.ContractTx {
		tx := &redemption.ContractTx{
			ID:              uuid.New(),
			ContractAddress: address,
			TxType:          redemption.TxMutualRedemption,
			RawTxHex:        "aa00",
		}
		require.NoError(t, store.Enqueue(ctx, tx))
		return tx
	}

	first := enqueue("bitcoincash:paddr1")
	second := enqueue("bitcoincash:paddr1")
	other := enqueue("bitcoincash:paddr2")

	batch, err := store.OldestPendingPerAddress(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2, "want one per address")

	claimed, err := store.MarkInProgress(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = store.MarkInProgress(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "claimed twice")

	// The claimed address disappears from the batch; the other address stays.
	batch, err = store.OldestPendingPerAddress(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, other.ID, batch[0].ID)

	require.NoError(t, store.Complete(ctx, first.ID, "done-txid"))

	// With the blocker gone, the second transaction for the address surfaces.
	batch, err = store.OldestPendingPerAddress(ctx, 10)
	require.NoError(t, err)
	ids := map[uuid.UUID]bool{}
	for _, tx := range batch {
		ids[tx.ID] = true
	}
	assert.True(t, ids[second.ID] && ids[other.ID], "batch = %+v", batch)

	fromQueue, err := store.IsRedemptionTx(ctx, "bitcoincash:paddr1", "done-txid")
	require.NoError(t, err)
	assert.True(t, fromQueue)
	fromQueue, err = store.IsRedemptionTx(ctx, "bitcoincash:paddr1", "someone-elses")
	require.NoError(t, err)
	assert.False(t, fromQueue)
}

func TestRedemptionRequeueAndFail(t *testing.T) {
	store, ctx := setupStore(t)

	tx := &redemption.ContractTx{
		ID:              uuid.New(),
		ContractAddress: "bitcoincash:paddr",
		TxType:          redemption.TxPayout,
		RawTxHex:        "aa00",
	}
	require.NoError(t, store.Enqueue(ctx, tx))
	claimed, err := store.MarkInProgress(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.Requeue(ctx, tx.ID))

	batch, err := store.OldestPendingPerAddress(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].RetryCount, "retry count not bumped")

	require.NoError(t, store.Fail(ctx, tx.ID, "retries exhausted: missing inputs"))
	depth, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}
