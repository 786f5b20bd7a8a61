// Package notify publishes contract lifecycle notifications to wallets over
// NATS JetStream. Delivery is best-effort: a wallet that misses a
// notification re-reads contract state on its next sync, so publish failures
// are logged and counted, never retried or propagated.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"HedgeEngine/internal/observability"
)

// Event types carried on the wallet subjects.
const (
	EventFundingProposal  = "funding_proposal"
	EventContractFunded   = "contract_funded"
	EventContractSettled  = "contract_settled"
	EventRedemptionResult = "redemption_result"
	EventOfferMatched     = "offer_matched"
)

// Notification is one wallet-visible lifecycle fact.
type Notification struct {
	Event           string      `json:"event"`
	WalletHash      string      `json:"wallet_hash"`
	ContractAddress string      `json:"contract_address,omitempty"`
	Payload         interface{} `json:"payload,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Publisher is the notification surface the lifecycle components use.
type Publisher interface {
	Publish(ctx context.Context, n Notification)
}

// JetStreamPublisher publishes to hedge.wallet.{wallet_hash}.{event}.
type JetStreamPublisher struct {
	js      jetstream.JetStream
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewJetStreamPublisher(js jetstream.JetStream, metrics *observability.Metrics) *JetStreamPublisher {
	return &JetStreamPublisher{
		js:      js,
		metrics: metrics,
		log:     observability.NewLogger("notify"),
	}
}

// Publish sends one notification. Failures are non-fatal: wallets reconcile
// from contract state, the stream is a latency optimization.
func (p *JetStreamPublisher) Publish(ctx context.Context, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(n)
	if err != nil {
		p.drop(n, err)
		return
	}

	subject := fmt.Sprintf("hedge.wallet.%s.%s", n.WalletHash, n.Event)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.drop(n, err)
		return
	}

	if p.metrics != nil {
		p.metrics.NotificationsPublished.WithLabelValues(n.Event).Inc()
	}
}

func (p *JetStreamPublisher) drop(n Notification, err error) {
	if p.metrics != nil {
		p.metrics.NotificationsDropped.Inc()
	}
	p.log.Warn().Err(err).
		Str("event", n.Event).
		Str("wallet", n.WalletHash).
		Msg("notification dropped")
}

// EnsureStream creates the wallet notification stream. Short retention: the
// stream only bridges the gap until the wallet's next full sync.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "HEDGE_WALLET_EVENTS",
		Subjects:  []string{"hedge.wallet.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create notification stream: %w", err)
	}
	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// Noop is a Publisher that discards everything. Used when notifications are
// disabled in config and in tests.
type Noop struct{}

func (Noop) Publish(context.Context, Notification) {}
