// Package chain is the boundary to the blockchain node / transaction index.
// Every call is idempotent from the caller's perspective: re-broadcasting an
// already-accepted transaction reports success with the same txid.
package chain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"HedgeEngine/internal/fault"
	"HedgeEngine/internal/observability"
)

// Output is one transaction output as reported by the index.
type Output struct {
	Index         uint32 `json:"index"`
	Address       string `json:"address"`
	Value         int64  `json:"value"` // satoshis
	TokenCategory string `json:"tokenCategory,omitempty"`
	TokenAmount   int64  `json:"tokenAmount,omitempty"`
}

// Input is one transaction input.
type Input struct {
	TxID    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Address string `json:"address,omitempty"`
	Value   int64  `json:"value,omitempty"`
}

// Transaction is the index's view of a confirmed or mempool transaction.
type Transaction struct {
	TxID          string   `json:"txid"`
	Inputs        []Input  `json:"inputs"`
	Outputs       []Output `json:"outputs"`
	Confirmations int64    `json:"confirmations"`
}

// OutputTo returns the first output paying the given address, if any.
func (t *Transaction) OutputTo(address string) (Output, bool) {
	for _, out := range t.Outputs {
		if out.Address == address {
			return out, true
		}
	}
	return Output{}, false
}

// MempoolAcceptResult is the node's dry-run validation verdict.
type MempoolAcceptResult struct {
	Allowed      bool
	TxID         string
	RejectReason string
}

// Client is the node/index surface the lifecycle components depend on.
type Client interface {
	GetTransaction(ctx context.Context, txid string) (*Transaction, error)
	DecodeTransaction(ctx context.Context, txHex string) (*Transaction, error)
	TestMempoolAccept(ctx context.Context, txHex string) (*MempoolAcceptResult, error)
	Broadcast(ctx context.Context, txHex string) (string, error)
	GetTxOut(ctx context.Context, txid string, vout uint32) (bool, error)
	SpendingTransaction(ctx context.Context, txid string, vout uint32) (*Transaction, error)
}

// RPCClient talks JSON-RPC to the node.
type RPCClient struct {
	url     string
	client  *http.Client
	metrics *observability.Metrics
}

func NewRPCClient(url string, timeout time.Duration, metrics *observability.Metrics) *RPCClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		metrics: metrics,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	start := time.Now()
	err := c.doCall(ctx, method, params, result)
	if c.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.ChainRequests.WithLabelValues(method, outcome).Inc()
		c.metrics.ChainRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	return err
}

func (c *RPCClient) doCall(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fault.Retryable("chain."+method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fault.Retryable("chain."+method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fault.Retryable("chain."+method, fmt.Errorf("decode response: %w", err))
	}
	if rpcResp.Error != nil {
		return &NodeError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fault.Retryable("chain."+method, fmt.Errorf("decode result: %w", err))
		}
	}
	return nil
}

// NodeError is a structured node rejection (not a transport failure).
type NodeError struct {
	Method  string
	Code    int
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s (code %d)", e.Method, e.Message, e.Code)
}

// GetTransaction fetches a transaction with decoded inputs and outputs.
func (c *RPCClient) GetTransaction(ctx context.Context, txid string) (*Transaction, error) {
	var raw struct {
		TxID string `json:"txid"`
		Vin  []struct {
			TxID string `json:"txid"`
			Vout uint32 `json:"vout"`
		} `json:"vin"`
		Vout []struct {
			Value        float64 `json:"value"` // whole coins
			N            uint32  `json:"n"`
			ScriptPubKey struct {
				Addresses []string `json:"addresses"`
				Address   string   `json:"address"`
			} `json:"scriptPubKey"`
			TokenData struct {
				Category string `json:"category"`
				Amount   string `json:"amount"`
			} `json:"tokenData"`
		} `json:"vout"`
		Confirmations int64 `json:"confirmations"`
	}

	if err := c.call(ctx, "getrawtransaction", []interface{}{txid, true}, &raw); err != nil {
		return nil, err
	}

	tx := &Transaction{TxID: raw.TxID, Confirmations: raw.Confirmations}
	for _, in := range raw.Vin {
		tx.Inputs = append(tx.Inputs, Input{TxID: in.TxID, Vout: in.Vout})
	}
	for _, out := range raw.Vout {
		addr := out.ScriptPubKey.Address
		if addr == "" && len(out.ScriptPubKey.Addresses) > 0 {
			addr = out.ScriptPubKey.Addresses[0]
		}
		var tokenAmount int64
		fmt.Sscanf(out.TokenData.Amount, "%d", &tokenAmount)
		tx.Outputs = append(tx.Outputs, Output{
			Index:         out.N,
			Address:       addr,
			Value:         int64(out.Value*1e8 + 0.5),
			TokenCategory: out.TokenData.Category,
			TokenAmount:   tokenAmount,
		})
	}
	return tx, nil
}

// DecodeTransaction decodes a raw transaction without broadcasting it.
// Used to validate assembled transactions before they touch the network and
// to locate the outpoints a queued transaction spends.
func (c *RPCClient) DecodeTransaction(ctx context.Context, txHex string) (*Transaction, error) {
	var raw struct {
		TxID string `json:"txid"`
		Vin  []struct {
			TxID string `json:"txid"`
			Vout uint32 `json:"vout"`
		} `json:"vin"`
		Vout []struct {
			Value        float64 `json:"value"`
			N            uint32  `json:"n"`
			ScriptPubKey struct {
				Addresses []string `json:"addresses"`
				Address   string   `json:"address"`
			} `json:"scriptPubKey"`
			TokenData struct {
				Category string `json:"category"`
				Amount   string `json:"amount"`
			} `json:"tokenData"`
		} `json:"vout"`
	}
	if err := c.call(ctx, "decoderawtransaction", []interface{}{txHex}, &raw); err != nil {
		return nil, err
	}

	tx := &Transaction{TxID: raw.TxID}
	for _, in := range raw.Vin {
		tx.Inputs = append(tx.Inputs, Input{TxID: in.TxID, Vout: in.Vout})
	}
	for _, out := range raw.Vout {
		addr := out.ScriptPubKey.Address
		if addr == "" && len(out.ScriptPubKey.Addresses) > 0 {
			addr = out.ScriptPubKey.Addresses[0]
		}
		var tokenAmount int64
		fmt.Sscanf(out.TokenData.Amount, "%d", &tokenAmount)
		tx.Outputs = append(tx.Outputs, Output{
			Index:         out.N,
			Address:       addr,
			Value:         int64(out.Value*1e8 + 0.5),
			TokenCategory: out.TokenData.Category,
			TokenAmount:   tokenAmount,
		})
	}
	return tx, nil
}

// TestMempoolAccept dry-runs a raw transaction against the node's mempool
// acceptance rules without broadcasting it.
func (c *RPCClient) TestMempoolAccept(ctx context.Context, txHex string) (*MempoolAcceptResult, error) {
	var results []struct {
		TxID         string `json:"txid"`
		Allowed      bool   `json:"allowed"`
		RejectReason string `json:"reject-reason"`
	}
	if err := c.call(ctx, "testmempoolaccept", []interface{}{[]string{txHex}}, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fault.Retryable("chain.testmempoolaccept", fmt.Errorf("empty result"))
	}
	r := results[0]
	if !r.Allowed && fault.AlreadyDone(r.RejectReason) {
		// The transaction is already known; acceptance is moot.
		return &MempoolAcceptResult{Allowed: true, TxID: r.TxID}, nil
	}
	return &MempoolAcceptResult{Allowed: r.Allowed, TxID: r.TxID, RejectReason: r.RejectReason}, nil
}

// Broadcast submits a raw transaction. "Already have transaction" style
// rejections are normalized to success: the txid is recomputed locally.
func (c *RPCClient) Broadcast(ctx context.Context, txHex string) (string, error) {
	var txid string
	err := c.call(ctx, "sendrawtransaction", []interface{}{txHex}, &txid)
	if err == nil {
		return txid, nil
	}

	var nodeErr *NodeError
	if asNodeError(err, &nodeErr) && fault.AlreadyDone(nodeErr.Message) {
		return TxIDFromRawHex(txHex)
	}
	return "", err
}

// GetTxOut reports whether an outpoint is still unspent.
func (c *RPCClient) GetTxOut(ctx context.Context, txid string, vout uint32) (bool, error) {
	var result json.RawMessage
	if err := c.call(ctx, "gettxout", []interface{}{txid, vout, true}, &result); err != nil {
		return false, err
	}
	// Null result means spent (or never existed).
	return len(result) > 0 && string(result) != "null", nil
}

// SpendingTransaction looks up the transaction consuming the given outpoint,
// returning nil when it is unspent.
func (c *RPCClient) SpendingTransaction(ctx context.Context, txid string, vout uint32) (*Transaction, error) {
	var results []struct {
		SpendingTxID string `json:"spendingtxid"`
	}
	err := c.call(ctx, "gettxspendingprevout", []interface{}{
		[]map[string]interface{}{{"txid": txid, "vout": vout}},
	}, &results)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0].SpendingTxID == "" {
		return nil, nil
	}
	return c.GetTransaction(ctx, results[0].SpendingTxID)
}

func asNodeError(err error, target **NodeError) bool {
	for err != nil {
		if ne, ok := err.(*NodeError); ok {
			*target = ne
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// TxIDFromRawHex computes the txid of a raw transaction locally:
// double-sha256 of the serialized bytes, byte-reversed, hex-encoded.
func TxIDFromRawHex(txHex string) (string, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return "", fmt.Errorf("decode raw tx: %w", err)
	}
	first := sha256.Sum256(raw)
	second := sha256.Sum256(first[:])
	for i, j := 0, len(second)-1; i < j; i, j = i+1, j-1 {
		second[i], second[j] = second[j], second[i]
	}
	return hex.EncodeToString(second[:]), nil
}
