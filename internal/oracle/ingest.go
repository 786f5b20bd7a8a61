package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"HedgeEngine/internal/observability"
)

// Store persists verified price messages. Append-only; saving an already
// known (pubkey, signature, message) triple is a no-op.
type Store interface {
	SavePriceMessage(ctx context.Context, msg *PriceMessage) (inserted bool, err error)
	LatestPriceMessage(ctx context.Context, pubkey string) (*PriceMessage, error)
}

// Ingest polls the relay feed for each tracked oracle, verifies every
// message independently, and persists the verified history. An optional
// websocket stream delivers live messages between polls through the same
// verification path.
type Ingest struct {
	feed    Feed
	store   Store
	metrics *observability.Metrics
	log     zerolog.Logger

	pollInterval time.Duration
	batchCount   int
	oracles      []string

	mu      sync.Mutex
	lastSeq map[string]int64 // oracle pubkey -> highest persisted message sequence
}

func NewIngest(feed Feed, store Store, oracles []string, pollInterval time.Duration, metrics *observability.Metrics) *Ingest {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Ingest{
		feed:         feed,
		store:        store,
		metrics:      metrics,
		log:          observability.NewLogger("oracle-ingest"),
		pollInterval: pollInterval,
		batchCount:   100,
		oracles:      oracles,
		lastSeq:      make(map[string]int64),
	}
}

// Run polls until ctx is cancelled. Fetch failures are retryable: logged,
// surfaced to health, and retried on the next tick.
func (ing *Ingest) Run(ctx context.Context, health *observability.HealthChecker) error {
	ticker := time.NewTicker(ing.pollInterval)
	defer ticker.Stop()

	for {
		healthy := true
		for _, pubkey := range ing.oracles {
			if err := ing.pollOnce(ctx, pubkey); err != nil {
				healthy = false
				ing.log.Warn().Err(err).Str("oracle", pubkey).Msg("price poll failed, will retry")
			}
		}
		if health != nil {
			health.SetComponent("oracle-ingest", healthy, "")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (ing *Ingest) pollOnce(ctx context.Context, pubkey string) error {
	from, err := ing.resumeSequence(ctx, pubkey)
	if err != nil {
		return err
	}

	start := time.Now()
	relayed, err := ing.feed.GetPriceMessages(ctx, pubkey, FetchOptions{
		MinMessageSequence: from + 1,
		Count:              ing.batchCount,
	})
	if ing.metrics != nil {
		ing.metrics.OracleFetchDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}

	for _, rm := range relayed {
		ing.ingestMessage(ctx, pubkey, rm, false)
	}
	return nil
}

// resumeSequence returns the highest persisted message sequence, consulting
// the store on the first poll after startup.
func (ing *Ingest) resumeSequence(ctx context.Context, pubkey string) (int64, error) {
	ing.mu.Lock()
	seq, ok := ing.lastSeq[pubkey]
	ing.mu.Unlock()
	if ok {
		return seq, nil
	}

	latest, err := ing.store.LatestPriceMessage(ctx, pubkey)
	if err != nil {
		return 0, err
	}
	if latest != nil {
		seq = latest.MessageSequence
	}
	ing.mu.Lock()
	ing.lastSeq[pubkey] = seq
	ing.mu.Unlock()
	return seq, nil
}

// handleRelayMessage verifies, parses, and persists one relayed message.
// Invalid messages are dropped with a reason; sequence gaps are tolerated
// (the relay backfills on the next bounded range request) but counted.
func (ing *Ingest) handleRelayMessage(ctx context.Context, pubkey string, rm RelayMessage) {
	ing.ingestMessage(ctx, pubkey, rm, false)
}

// ingestMessage is the single verify-then-persist path. The live path uses
// the sequence watermark to drop stale redeliveries; a backfill exists to
// fill holes below the watermark, so it persists unconditionally and lets
// the store's unique key absorb what is already there. The watermark is only
// ever raised.
func (ing *Ingest) ingestMessage(ctx context.Context, pubkey string, rm RelayMessage, backfill bool) {
	msg, err := ParseAndVerify(pubkey, rm.Signature, rm.Message)
	if err != nil {
		ing.reject(pubkey, "verify")
		ing.log.Warn().Err(err).Str("oracle", pubkey).Msg("rejecting unverifiable price message")
		return
	}

	ing.mu.Lock()
	last := ing.lastSeq[pubkey]
	if msg.MessageSequence <= last && !backfill {
		ing.mu.Unlock()
		// Stale redelivery, already persisted. Not an error.
		return
	}
	if msg.MessageSequence > last {
		if !backfill && last > 0 && msg.MessageSequence > last+1 && ing.metrics != nil {
			ing.metrics.OracleSequenceGaps.WithLabelValues(pubkey).Inc()
		}
		ing.lastSeq[pubkey] = msg.MessageSequence
	}
	ing.mu.Unlock()

	inserted, err := ing.store.SavePriceMessage(ctx, msg)
	if err != nil {
		// Roll back the sequence watermark so the next poll refetches it.
		ing.mu.Lock()
		if ing.lastSeq[pubkey] == msg.MessageSequence {
			ing.lastSeq[pubkey] = last
		}
		ing.mu.Unlock()
		ing.reject(pubkey, "store")
		ing.log.Error().Err(err).Str("oracle", pubkey).Msg("persist price message failed")
		return
	}
	if !inserted {
		return
	}

	if ing.metrics != nil {
		ing.metrics.OracleMessagesIngested.WithLabelValues(pubkey).Inc()
		ing.metrics.OracleLatestPrice.WithLabelValues(pubkey).Set(float64(msg.PriceValue))
	}
	ing.log.Debug().
		Str("oracle", pubkey).
		Int64("price", msg.PriceValue).
		Int64("message_sequence", msg.MessageSequence).
		Msg("price message ingested")
}

func (ing *Ingest) reject(pubkey, reason string) {
	if ing.metrics != nil {
		ing.metrics.OracleMessagesRejected.WithLabelValues(pubkey, reason).Inc()
	}
}

// Streamer is the optional live-feed surface of the relay client.
type Streamer interface {
	StreamMessages(ctx context.Context, pubkey string, out chan<- RelayMessage) error
}

// RunStream consumes the relay websocket for one oracle, reconnecting with
// a fixed backoff. Messages flow through the same verify-then-persist path
// as polled ones, so a flaky stream never weakens the history.
func (ing *Ingest) RunStream(ctx context.Context, streamer Streamer, pubkey string) {
	const reconnectDelay = 5 * time.Second

	out := make(chan RelayMessage, 64)
	go func() {
		for {
			err := streamer.StreamMessages(ctx, pubkey, out)
			if ctx.Err() != nil {
				close(out)
				return
			}
			ing.log.Warn().Err(err).Str("oracle", pubkey).Msg("oracle stream dropped, reconnecting")
			select {
			case <-ctx.Done():
				close(out)
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case rm, ok := <-out:
			if !ok {
				return
			}
			ing.handleRelayMessage(ctx, pubkey, rm)
		}
	}
}

// EnsureHistory backfills persisted history for [fromTimestamp, toTimestamp]
// so a liquidation scan never runs against a partial window. The window may
// lie entirely below the live watermark; backfilled messages bypass the
// staleness check and dedupe against the store instead.
func (ing *Ingest) EnsureHistory(ctx context.Context, pubkey string, fromTimestamp, toTimestamp int64) error {
	relayed, err := ing.feed.GetPriceMessages(ctx, pubkey, FetchOptions{
		MinTimestamp: fromTimestamp,
		MaxTimestamp: toTimestamp,
	})
	if err != nil {
		return err
	}
	for _, rm := range relayed {
		ing.ingestMessage(ctx, pubkey, rm, true)
	}
	return nil
}
