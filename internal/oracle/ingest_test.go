package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// testOracle signs messages under one stable identity so a sequence of
// relayed messages verifies against the same pubkey.
type testOracle struct {
	priv   *secp256k1.PrivateKey
	Pubkey string
}

func newTestOracle(t *testing.T) *testOracle {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &testOracle{
		priv:   priv,
		Pubkey: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
	}
}

func (o *testOracle) relay(t *testing.T, timestamp, seq, price int64) RelayMessage {
	t.Helper()
	msgHex := EncodeMessage(timestamp, seq, seq, price)
	raw, _ := hex.DecodeString(msgHex)
	digest := sha256.Sum256(raw)
	sig, err := schnorr.Sign(o.priv, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return RelayMessage{Message: msgHex, Signature: hex.EncodeToString(sig.Serialize())}
}

type fakeFeed struct {
	messages []RelayMessage
	lastOpts FetchOptions
	err      error
}

func (f *fakeFeed) GetPriceMessages(ctx context.Context, pubkey string, opts FetchOptions) ([]RelayMessage, error) {
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	var out []RelayMessage
	for _, rm := range f.messages {
		msg, err := ParseMessage(rm.Message)
		if err != nil {
			continue
		}
		if opts.MinMessageSequence > 0 && msg.MessageSequence < opts.MinMessageSequence {
			continue
		}
		out = append(out, rm)
	}
	return out, nil
}

type fakeMessageStore struct {
	saved    []*PriceMessage
	latest   *PriceMessage
	failNext bool
}

func (s *fakeMessageStore) SavePriceMessage(ctx context.Context, msg *PriceMessage) (bool, error) {
	if s.failNext {
		s.failNext = false
		return false, errors.New("db unavailable")
	}
	for _, existing := range s.saved {
		if existing.MessageSequence == msg.MessageSequence {
			return false, nil
		}
	}
	s.saved = append(s.saved, msg)
	return true, nil
}

func (s *fakeMessageStore) LatestPriceMessage(ctx context.Context, pubkey string) (*PriceMessage, error) {
	if len(s.saved) > 0 {
		return s.saved[len(s.saved)-1], nil
	}
	return s.latest, nil
}

func TestPollOnceIngestsInOrder(t *testing.T) {
	o := newTestOracle(t)
	feed := &fakeFeed{messages: []RelayMessage{
		o.relay(t, 1_700_000_000, 1, 10_000),
		o.relay(t, 1_700_000_060, 2, 10_050),
		o.relay(t, 1_700_000_120, 3, 10_020),
	}}
	store := &fakeMessageStore{}
	ing := NewIngest(feed, store, []string{o.Pubkey}, 0, nil)

	if err := ing.pollOnce(context.Background(), o.Pubkey); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if len(store.saved) != 3 {
		t.Fatalf("saved %d messages, want 3", len(store.saved))
	}
	if store.saved[2].PriceValue != 10_020 {
		t.Errorf("last price = %d", store.saved[2].PriceValue)
	}

	// The next poll resumes just past the persisted watermark.
	if err := ing.pollOnce(context.Background(), o.Pubkey); err != nil {
		t.Fatalf("second pollOnce: %v", err)
	}
	if feed.lastOpts.MinMessageSequence != 4 {
		t.Errorf("resume sequence = %d, want 4", feed.lastOpts.MinMessageSequence)
	}
	if len(store.saved) != 3 {
		t.Errorf("redelivery persisted duplicates: %d", len(store.saved))
	}
}

func TestPollOnceResumesFromStore(t *testing.T) {
	o := newTestOracle(t)
	feed := &fakeFeed{}
	store := &fakeMessageStore{latest: &PriceMessage{MessageSequence: 17}}
	ing := NewIngest(feed, store, []string{o.Pubkey}, 0, nil)

	if err := ing.pollOnce(context.Background(), o.Pubkey); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if feed.lastOpts.MinMessageSequence != 18 {
		t.Errorf("resume sequence = %d, want 18", feed.lastOpts.MinMessageSequence)
	}
}

func TestHandleRelayMessageRejectsTampered(t *testing.T) {
	o := newTestOracle(t)
	store := &fakeMessageStore{}
	ing := NewIngest(&fakeFeed{}, store, []string{o.Pubkey}, 0, nil)

	rm := o.relay(t, 1_700_000_000, 1, 10_000)
	rm.Message = EncodeMessage(1_700_000_000, 1, 1, 99_999)
	ing.handleRelayMessage(context.Background(), o.Pubkey, rm)

	if len(store.saved) != 0 {
		t.Fatal("tampered message persisted")
	}
	// A later genuine message with the same sequence must still land.
	ing.handleRelayMessage(context.Background(), o.Pubkey, o.relay(t, 1_700_000_000, 1, 10_000))
	if len(store.saved) != 1 {
		t.Fatal("genuine message blocked by rejected predecessor")
	}
}

func TestHandleRelayMessageRollsBackWatermarkOnStoreFailure(t *testing.T) {
	o := newTestOracle(t)
	store := &fakeMessageStore{failNext: true}
	ing := NewIngest(&fakeFeed{}, store, []string{o.Pubkey}, 0, nil)

	rm := o.relay(t, 1_700_000_000, 5, 10_000)
	ing.handleRelayMessage(context.Background(), o.Pubkey, rm)
	if len(store.saved) != 0 {
		t.Fatal("message persisted despite store failure")
	}

	// The watermark rolled back, so the redelivered message is not treated
	// as stale and persists this time.
	ing.handleRelayMessage(context.Background(), o.Pubkey, rm)
	if len(store.saved) != 1 {
		t.Fatal("redelivered message dropped after watermark rollback")
	}
}

func TestEnsureHistoryFillsGapBelowWatermark(t *testing.T) {
	o := newTestOracle(t)
	feed := &fakeFeed{messages: []RelayMessage{o.relay(t, 1_700_000_600, 10, 10_100)}}
	store := &fakeMessageStore{}
	ing := NewIngest(feed, store, []string{o.Pubkey}, 0, nil)

	// The live poll has advanced the watermark to sequence 10, but the
	// relay skipped 5..7 earlier.
	if err := ing.pollOnce(context.Background(), o.Pubkey); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saved %d messages, want 1", len(store.saved))
	}

	feed.messages = []RelayMessage{
		o.relay(t, 1_700_000_300, 5, 9_900),
		o.relay(t, 1_700_000_360, 6, 8_200), // a crossing the scan must see
		o.relay(t, 1_700_000_420, 7, 9_950),
	}
	if err := ing.EnsureHistory(context.Background(), o.Pubkey, 1_700_000_000, 1_700_000_600); err != nil {
		t.Fatalf("EnsureHistory: %v", err)
	}
	if len(store.saved) != 4 {
		t.Fatalf("saved %d messages after backfill, want 4", len(store.saved))
	}

	// The backfill never lowers the watermark: the next poll still resumes
	// past sequence 10.
	if err := ing.pollOnce(context.Background(), o.Pubkey); err != nil {
		t.Fatalf("pollOnce after backfill: %v", err)
	}
	if feed.lastOpts.MinMessageSequence != 11 {
		t.Errorf("resume sequence = %d, want 11", feed.lastOpts.MinMessageSequence)
	}
	if len(store.saved) != 4 {
		t.Errorf("backfilled messages re-persisted: %d", len(store.saved))
	}
}

func TestEnsureHistoryRequestsWindow(t *testing.T) {
	o := newTestOracle(t)
	feed := &fakeFeed{messages: []RelayMessage{o.relay(t, 1_700_000_000, 1, 10_000)}}
	store := &fakeMessageStore{}
	ing := NewIngest(feed, store, []string{o.Pubkey}, 0, nil)

	if err := ing.EnsureHistory(context.Background(), o.Pubkey, 1_699_999_000, 1_700_001_000); err != nil {
		t.Fatalf("EnsureHistory: %v", err)
	}
	if feed.lastOpts.MinTimestamp != 1_699_999_000 || feed.lastOpts.MaxTimestamp != 1_700_001_000 {
		t.Errorf("window = [%d, %d]", feed.lastOpts.MinTimestamp, feed.lastOpts.MaxTimestamp)
	}
	if len(store.saved) != 1 {
		t.Errorf("saved %d, want 1", len(store.saved))
	}
}
