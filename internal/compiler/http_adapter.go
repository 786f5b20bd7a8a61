package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"HedgeEngine/internal/contract"
	"HedgeEngine/internal/fault"
)

// HTTPAdapter talks to the script-compiler sidecar over its local HTTP
// interface. It owns the transport entirely; callers only see the Compiler
// interface.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAdapter(baseURL string, timeout time.Duration) *HTTPAdapter {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTPAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAdapter) post(ctx context.Context, path string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fault.Retryable("compiler"+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fault.Retryable("compiler"+path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fault.Retryable("compiler"+path, fmt.Errorf("status %d: %s", resp.StatusCode, string(raw)))
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fault.Retryable("compiler"+path, fmt.Errorf("decode: %w", err))
		}
	}
	return nil
}

func (a *HTTPAdapter) Compile(ctx context.Context, params contract.CompileParams) (*Compiled, error) {
	var compiled Compiled
	if err := a.post(ctx, "/compile", params, &compiled); err != nil {
		return nil, err
	}
	return &compiled, nil
}

func (a *HTTPAdapter) AssembleFunding(ctx context.Context, c *contract.Contract, short, long *contract.FundingProposal) (string, error) {
	payload := map[string]interface{}{
		"contract":      c.Params(),
		"address":       c.Address,
		"shortProposal": short,
		"longProposal":  long,
	}
	var result struct {
		TxHex string `json:"txHex"`
	}
	if err := a.post(ctx, "/funding/assemble", payload, &result); err != nil {
		return "", err
	}
	return result.TxHex, nil
}

func (a *HTTPAdapter) BuildSettlement(ctx context.Context, c *contract.Contract, settlementType contract.SettlementType, priceMessage, priceSignature string) (*SettlementBuild, error) {
	payload := map[string]interface{}{
		"contract":       c.Params(),
		"address":        c.Address,
		"fundingTxHash":  c.FundingTxHash,
		"settlementType": string(settlementType),
		"priceMessage":   priceMessage,
		"priceSignature": priceSignature,
	}
	var build SettlementBuild
	if err := a.post(ctx, "/settlement/build", payload, &build); err != nil {
		return nil, err
	}
	return &build, nil
}

func (a *HTTPAdapter) SignProposal(ctx context.Context, utxo UTXO, wif string) (string, error) {
	payload := map[string]interface{}{
		"utxo": utxo,
		"wif":  wif,
	}
	var result struct {
		Signature string `json:"signature"`
	}
	if err := a.post(ctx, "/sign", payload, &result); err != nil {
		return "", err
	}
	return result.Signature, nil
}

func (a *HTTPAdapter) VerifyMultisig(ctx context.Context, redeemScript string, slot int, pubkey, signature, digest string) (bool, error) {
	payload := map[string]interface{}{
		"redeemScript": redeemScript,
		"slot":         slot,
		"pubkey":       pubkey,
		"signature":    signature,
		"digest":       digest,
	}
	var result struct {
		Valid bool `json:"valid"`
	}
	if err := a.post(ctx, "/multisig/verify", payload, &result); err != nil {
		return false, err
	}
	return result.Valid, nil
}
