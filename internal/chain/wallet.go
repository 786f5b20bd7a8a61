package chain

import (
	"context"
)

// Unspent is one spendable output of the node wallet.
type Unspent struct {
	TxID     string
	Vout     uint32
	Address  string
	Satoshis int64
}

// Wallet is the node's built-in wallet surface. The treasury uses it to fund
// proxy addresses and to sweep them back.
type Wallet interface {
	Balance(ctx context.Context) (int64, error)
	SendToAddress(ctx context.Context, address string, satoshis int64) (string, error)
	SweepToAddress(ctx context.Context, address string) (string, error)
	ListUnspent(ctx context.Context, address string) ([]Unspent, error)
}

// Balance returns the wallet's confirmed balance in satoshis.
func (c *RPCClient) Balance(ctx context.Context) (int64, error) {
	var coins float64
	if err := c.call(ctx, "getbalance", nil, &coins); err != nil {
		return 0, err
	}
	return int64(coins*1e8 + 0.5), nil
}

// SendToAddress pays the given amount from the wallet.
func (c *RPCClient) SendToAddress(ctx context.Context, address string, satoshis int64) (string, error) {
	var txid string
	amount := float64(satoshis) / 1e8
	if err := c.call(ctx, "sendtoaddress", []interface{}{address, amount}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// SweepToAddress sends the entire wallet balance, fee deducted from the
// swept amount. Used by the compensating sweep of the proxy wallet.
func (c *RPCClient) SweepToAddress(ctx context.Context, address string) (string, error) {
	balance, err := c.Balance(ctx)
	if err != nil {
		return "", err
	}
	amount := float64(balance) / 1e8
	var txid string
	err = c.call(ctx, "sendtoaddress", []interface{}{address, amount, "", "", true}, &txid)
	if err != nil {
		return "", err
	}
	return txid, nil
}

// ListUnspent lists spendable outputs paying the given address.
func (c *RPCClient) ListUnspent(ctx context.Context, address string) ([]Unspent, error) {
	var raw []struct {
		TxID    string  `json:"txid"`
		Vout    uint32  `json:"vout"`
		Address string  `json:"address"`
		Amount  float64 `json:"amount"`
	}
	params := []interface{}{1, 9999999, []string{address}}
	if err := c.call(ctx, "listunspent", params, &raw); err != nil {
		return nil, err
	}

	unspent := make([]Unspent, 0, len(raw))
	for _, u := range raw {
		unspent = append(unspent, Unspent{
			TxID:     u.TxID,
			Vout:     u.Vout,
			Address:  u.Address,
			Satoshis: int64(u.Amount*1e8 + 0.5),
		})
	}
	return unspent, nil
}
