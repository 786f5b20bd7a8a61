package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// FetchOptions bound a relay range request. Zero values are omitted.
type FetchOptions struct {
	MinMessageSequence int64
	MaxMessageSequence int64
	MinTimestamp       int64
	MaxTimestamp       int64
	Count              int
}

// RelayMessage is the feed's wire representation of one signed observation.
// The embedded priceData is advisory only; the payload is re-parsed and the
// signature re-verified locally before anything is trusted.
type RelayMessage struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	PriceData struct {
		Timestamp     int64 `json:"timestamp"`
		Sequence      int64 `json:"sequence"`
		PriceSequence int64 `json:"priceSequence"`
		Price         int64 `json:"price"`
	} `json:"priceData"`
}

// Feed fetches signed price messages from an oracle relay.
type Feed interface {
	GetPriceMessages(ctx context.Context, pubkey string, opts FetchOptions) ([]RelayMessage, error)
}

// RelayClient talks to the oracle relay over HTTP and, optionally, a
// websocket stream for live messages.
type RelayClient struct {
	baseURL string
	wsURL   string
	client  *http.Client
}

func NewRelayClient(baseURL, wsURL string, timeout time.Duration) *RelayClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RelayClient{
		baseURL: baseURL,
		wsURL:   wsURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// GetPriceMessages requests a bounded range of messages for one oracle.
func (rc *RelayClient) GetPriceMessages(ctx context.Context, pubkey string, opts FetchOptions) ([]RelayMessage, error) {
	q := url.Values{}
	q.Set("publicKey", pubkey)
	if opts.MinMessageSequence > 0 {
		q.Set("minMessageSequence", strconv.FormatInt(opts.MinMessageSequence, 10))
	}
	if opts.MaxMessageSequence > 0 {
		q.Set("maxMessageSequence", strconv.FormatInt(opts.MaxMessageSequence, 10))
	}
	if opts.MinTimestamp > 0 {
		q.Set("minMessageTimestamp", strconv.FormatInt(opts.MinTimestamp, 10))
	}
	if opts.MaxTimestamp > 0 {
		q.Set("maxMessageTimestamp", strconv.FormatInt(opts.MaxTimestamp, 10))
	}
	if opts.Count > 0 {
		q.Set("count", strconv.Itoa(opts.Count))
	}

	reqURL := fmt.Sprintf("%s/api/v1/oracleMessages?%s", rc.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle relay request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("oracle relay read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle relay status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		OracleMessages []RelayMessage `json:"oracleMessages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("oracle relay decode: %w", err)
	}
	return payload.OracleMessages, nil
}

// StreamMessages subscribes to the relay's websocket feed for one oracle and
// delivers raw messages until ctx is cancelled or the connection drops.
// Callers are expected to reconnect; the ingest loop handles that.
func (rc *RelayClient) StreamMessages(ctx context.Context, pubkey string, out chan<- RelayMessage) error {
	if rc.wsURL == "" {
		return fmt.Errorf("oracle relay websocket URL not configured")
	}

	u := fmt.Sprintf("%s?publicKey=%s", rc.wsURL, url.QueryEscape(pubkey))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("oracle ws dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg RelayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("oracle ws read: %w", err)
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
