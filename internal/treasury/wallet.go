package treasury

import (
	"context"
	"fmt"

	"HedgeEngine/internal/chain"
	"HedgeEngine/internal/compiler"
	"HedgeEngine/internal/contract"
	"HedgeEngine/internal/fault"
)

// Wallet is the treasury's funding surface: the short-side key, the proxy
// address transactions are staged through, and the sweep path back.
type Wallet interface {
	Key() contract.WalletKey
	TreasuryAddress() string
	ProxyAddress() string
	SpendableBalance(ctx context.Context) (int64, error)
	FundProxy(ctx context.Context, satoshis int64) (compiler.UTXO, error)
	SignFundingUTXO(ctx context.Context, utxo compiler.UTXO) (string, error)
	SweepProxy(ctx context.Context) (string, error)
}

// ProxyWallet stages contract funding through a dedicated proxy address so a
// failed saga can sweep exactly one address back to the treasury without
// touching unrelated treasury funds.
type ProxyWallet struct {
	node chain.Wallet
	comp compiler.Compiler

	key             contract.WalletKey
	treasuryAddress string
	proxyAddress    string
	wif             string
}

func NewProxyWallet(node chain.Wallet, comp compiler.Compiler, key contract.WalletKey, treasuryAddress, proxyAddress, wif string) *ProxyWallet {
	return &ProxyWallet{
		node:            node,
		comp:            comp,
		key:             key,
		treasuryAddress: treasuryAddress,
		proxyAddress:    proxyAddress,
		wif:             wif,
	}
}

func (w *ProxyWallet) Key() contract.WalletKey { return w.key }
func (w *ProxyWallet) TreasuryAddress() string { return w.treasuryAddress }
func (w *ProxyWallet) ProxyAddress() string    { return w.proxyAddress }

func (w *ProxyWallet) SpendableBalance(ctx context.Context) (int64, error) {
	return w.node.Balance(ctx)
}

// FundProxy moves satoshis onto the proxy address and returns the created
// UTXO.
func (w *ProxyWallet) FundProxy(ctx context.Context, satoshis int64) (compiler.UTXO, error) {
	txid, err := w.node.SendToAddress(ctx, w.proxyAddress, satoshis)
	if err != nil {
		return compiler.UTXO{}, err
	}

	unspent, err := w.node.ListUnspent(ctx, w.proxyAddress)
	if err != nil {
		return compiler.UTXO{}, err
	}
	for _, u := range unspent {
		if u.TxID == txid {
			return compiler.UTXO{TxID: u.TxID, Vout: u.Vout, Satoshis: u.Satoshis}, nil
		}
	}
	return compiler.UTXO{}, fault.Retryable("treasury.fundproxy",
		fmt.Errorf("proxy funding tx %s not yet visible in wallet", txid))
}

func (w *ProxyWallet) SignFundingUTXO(ctx context.Context, utxo compiler.UTXO) (string, error) {
	return w.comp.SignProposal(ctx, utxo, w.wif)
}

// SweepProxy returns everything on the proxy address to the treasury.
func (w *ProxyWallet) SweepProxy(ctx context.Context) (string, error) {
	return w.node.SweepToAddress(ctx, w.treasuryAddress)
}
