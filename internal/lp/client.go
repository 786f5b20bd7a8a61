// Package lp is the boundary to the external liquidity provider HTTP
// service, which takes the long side of treasury short positions.
package lp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"HedgeEngine/internal/fault"
	"HedgeEngine/internal/observability"
)

// Constraints are the LP's published bounds for contract intents. Proposals
// outside the bounds are clamped by the caller, never rejected outright.
type Constraints struct {
	MinSatoshis        int64   `json:"minSatoshis"`
	MaxSatoshis        int64   `json:"maxSatoshis"`
	MinDurationSeconds int64   `json:"minDurationSeconds"`
	MaxDurationSeconds int64   `json:"maxDurationSeconds"`
	MinLowMultiplier   float64 `json:"minLowLiquidationMultiplier"`
	MaxLowMultiplier   float64 `json:"maxLowLiquidationMultiplier"`
	MinHighMultiplier  float64 `json:"minHighLiquidationMultiplier"`
	MaxHighMultiplier  float64 `json:"maxHighLiquidationMultiplier"`
	AvailableLiquidity int64   `json:"availableLiquidity"`
}

// ClampSatoshis fits an amount into the published bounds.
func (c Constraints) ClampSatoshis(v int64) int64 {
	if c.MinSatoshis > 0 && v < c.MinSatoshis {
		v = c.MinSatoshis
	}
	if c.MaxSatoshis > 0 && v > c.MaxSatoshis {
		v = c.MaxSatoshis
	}
	return v
}

// ClampDuration fits a duration into the published bounds.
func (c Constraints) ClampDuration(v int64) int64 {
	if c.MinDurationSeconds > 0 && v < c.MinDurationSeconds {
		v = c.MinDurationSeconds
	}
	if c.MaxDurationSeconds > 0 && v > c.MaxDurationSeconds {
		v = c.MaxDurationSeconds
	}
	return v
}

// ClampMultipliers fits both multipliers into the published bounds.
func (c Constraints) ClampMultipliers(low, high float64) (float64, float64) {
	low = clampFloat(low, c.MinLowMultiplier, c.MaxLowMultiplier)
	high = clampFloat(high, c.MinHighMultiplier, c.MaxHighMultiplier)
	return low, high
}

func clampFloat(v, min, max float64) float64 {
	if min > 0 && v < min {
		v = min
	}
	if max > 0 && v > max {
		v = max
	}
	return v
}

// Position is the LP's counterparty side for a prepared contract.
type Position struct {
	PayoutAddress             string `json:"payoutAddress"`
	PublicKey                 string `json:"publicKey"`
	AvailableLiquidity        int64  `json:"availableLiquidity"`
	RenegotiateAfterTimestamp int64  `json:"renegotiateAfterTimestamp"`
}

// FeeEstimate is the LP's quote for taking the position.
type FeeEstimate struct {
	LiquidityFeeSats int64 `json:"liquidityFeeSats"`
	ServiceFeeSats   int64 `json:"serviceFeeSats"`
}

// Total returns the combined fee.
func (f FeeEstimate) Total() int64 { return f.LiquidityFeeSats + f.ServiceFeeSats }

// ProposalAck is the LP's acceptance of a compiled contract.
type ProposalAck struct {
	Accepted                  bool   `json:"accepted"`
	SettlementServiceHost     string `json:"settlementServiceHost"`
	SettlementServiceScheme   string `json:"settlementServiceScheme"`
	SettlementServicePort     int    `json:"settlementServicePort"`
	AuthToken                 string `json:"authenticationToken"`
	RenegotiateAfterTimestamp int64  `json:"renegotiateAfterTimestamp"`
}

// SettlementServiceURL assembles the base URL of the settlement service the
// LP designated for the accepted contract. Empty when the ack named none.
func (a ProposalAck) SettlementServiceURL() string {
	if a.SettlementServiceHost == "" {
		return ""
	}
	scheme := a.SettlementServiceScheme
	if scheme == "" {
		scheme = "https"
	}
	if a.SettlementServicePort > 0 {
		return fmt.Sprintf("%s://%s:%d", scheme, a.SettlementServiceHost, a.SettlementServicePort)
	}
	return fmt.Sprintf("%s://%s", scheme, a.SettlementServiceHost)
}

// FundingResult is the LP's response after funding its side of a contract.
type FundingResult struct {
	FundingTxHash string `json:"fundingTransactionHash"`
}

// Client is the LP surface used by the short-proposal saga.
type Client interface {
	Constraints(ctx context.Context, oraclePubkey string) (*Constraints, error)
	PrepareContractPosition(ctx context.Context, oraclePubkey string, amountSats int64) (*Position, error)
	EstimateFee(ctx context.Context, oraclePubkey string, amountSats, durationSeconds int64, lowMult, highMult float64) (*FeeEstimate, error)
	ProposeContract(ctx context.Context, contractData json.RawMessage) (*ProposalAck, error)
	FundContract(ctx context.Context, contractAddress string, contractData json.RawMessage) (*FundingResult, error)
}

// Error carries the LP's structured error list so callers can surface the
// provider's own words.
type Error struct {
	Endpoint string
	Status   int
	Messages []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("lp %s (status %d): %s", e.Endpoint, e.Status, strings.Join(e.Messages, "; "))
}

// HTTPClient implements Client against the LP's REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	metrics *observability.Metrics
}

func NewHTTPClient(baseURL string, timeout time.Duration, metrics *observability.Metrics) *HTTPClient {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		metrics: metrics,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, payload, result interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.record(endpoint, "transport_error")
		return fault.Retryable("lp"+endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.record(endpoint, "transport_error")
		return fault.Retryable("lp"+endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.record(endpoint, "rejected")
		return &Error{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Messages: extractErrors(raw),
		}
	}

	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			c.record(endpoint, "decode_error")
			return fault.Retryable("lp"+endpoint, fmt.Errorf("decode: %w", err))
		}
	}
	c.record(endpoint, "ok")
	return nil
}

// extractErrors pulls the LP's {errors:[...]} list out of a failure body,
// tolerating both string arrays and {message} objects.
func extractErrors(raw []byte) []string {
	var messages []string
	for _, item := range gjson.GetBytes(raw, "errors").Array() {
		if item.IsObject() {
			messages = append(messages, item.Get("message").String())
		} else {
			messages = append(messages, item.String())
		}
	}
	if len(messages) == 0 {
		if detail := gjson.GetBytes(raw, "detail").String(); detail != "" {
			messages = append(messages, detail)
		} else {
			messages = append(messages, strings.TrimSpace(string(raw)))
		}
	}
	return messages
}

func (c *HTTPClient) record(endpoint, outcome string) {
	if c.metrics != nil {
		c.metrics.LPRequests.WithLabelValues(endpoint, outcome).Inc()
	}
}

func (c *HTTPClient) Constraints(ctx context.Context, oraclePubkey string) (*Constraints, error) {
	var constraints Constraints
	endpoint := "/api/v1/constraints?oraclePublicKey=" + oraclePubkey
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &constraints); err != nil {
		return nil, err
	}
	return &constraints, nil
}

func (c *HTTPClient) PrepareContractPosition(ctx context.Context, oraclePubkey string, amountSats int64) (*Position, error) {
	payload := map[string]interface{}{
		"oraclePublicKey": oraclePubkey,
		"poolSide":        "long",
		"amountSats":      amountSats,
	}
	var position Position
	if err := c.do(ctx, http.MethodPost, "/api/v2/prepareContractPosition", payload, &position); err != nil {
		return nil, err
	}
	return &position, nil
}

func (c *HTTPClient) EstimateFee(ctx context.Context, oraclePubkey string, amountSats, durationSeconds int64, lowMult, highMult float64) (*FeeEstimate, error) {
	payload := map[string]interface{}{
		"oraclePublicKey":           oraclePubkey,
		"amountSats":                amountSats,
		"durationSeconds":           durationSeconds,
		"lowLiquidationMultiplier":  lowMult,
		"highLiquidationMultiplier": highMult,
	}
	var estimate FeeEstimate
	if err := c.do(ctx, http.MethodPost, "/api/v2/estimateFee", payload, &estimate); err != nil {
		return nil, err
	}
	return &estimate, nil
}

func (c *HTTPClient) ProposeContract(ctx context.Context, contractData json.RawMessage) (*ProposalAck, error) {
	var ack ProposalAck
	if err := c.do(ctx, http.MethodPost, "/api/v2/proposeContract", json.RawMessage(contractData), &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *HTTPClient) FundContract(ctx context.Context, contractAddress string, contractData json.RawMessage) (*FundingResult, error) {
	payload := map[string]interface{}{
		"contractAddress": contractAddress,
		"contractData":    contractData,
	}
	var result FundingResult
	if err := c.do(ctx, http.MethodPost, "/api/v2/fundContract", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
