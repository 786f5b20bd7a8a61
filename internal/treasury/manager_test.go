package treasury

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"HedgeEngine/internal/chain"
	"HedgeEngine/internal/compiler"
	"HedgeEngine/internal/contract"
	"HedgeEngine/internal/fault"
	"HedgeEngine/internal/funding"
	"HedgeEngine/internal/lp"
	"HedgeEngine/internal/oracle"
)

const testContractAddress = "bitcoincash:ptreasurycontract"

type fakeWallet struct {
	balance   int64
	fundErr   error
	fundCalls int
	swept     int
}

func (w *fakeWallet) Key() contract.WalletKey {
	return contract.WalletKey{
		WalletHash:    "treasury",
		Pubkey:        "02treasury",
		PayoutAddress: "bitcoincash:qtreasurypayout",
	}
}

func (w *fakeWallet) TreasuryAddress() string { return "bitcoincash:qtreasury" }
func (w *fakeWallet) ProxyAddress() string    { return "bitcoincash:qproxy" }

func (w *fakeWallet) SpendableBalance(ctx context.Context) (int64, error) {
	return w.balance, nil
}

func (w *fakeWallet) FundProxy(ctx context.Context, satoshis int64) (compiler.UTXO, error) {
	w.fundCalls++
	if w.fundErr != nil {
		return compiler.UTXO{}, w.fundErr
	}
	return compiler.UTXO{TxID: "proxy-utxo", Vout: 0, Satoshis: satoshis}, nil
}

func (w *fakeWallet) SignFundingUTXO(ctx context.Context, utxo compiler.UTXO) (string, error) {
	return "scriptsig", nil
}

func (w *fakeWallet) SweepProxy(ctx context.Context) (string, error) {
	w.swept++
	return "sweep-txid", nil
}

// memStore backs both the treasury manager and the funding coordinator.
type memStore struct {
	contracts map[string]*contract.Contract
	proposals map[string]map[contract.Side]*contract.FundingProposal
	latest    *oracle.PriceMessage
	saveErr   error
}

func newMemStore(latest *oracle.PriceMessage) *memStore {
	return &memStore{
		contracts: make(map[string]*contract.Contract),
		proposals: make(map[string]map[contract.Side]*contract.FundingProposal),
		latest:    latest,
	}
}

func (s *memStore) SaveContract(ctx context.Context, c *contract.Contract) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.contracts[c.Address] = c
	return nil
}

func (s *memStore) LatestPriceMessage(ctx context.Context, pubkey string) (*oracle.PriceMessage, error) {
	return s.latest, nil
}

func (s *memStore) GetContract(ctx context.Context, address string) (*contract.Contract, error) {
	return s.contracts[address], nil
}

func (s *memStore) RecordFunding(ctx context.Context, address, txHash string, sats int64) error {
	if c := s.contracts[address]; c != nil {
		c.FundingTxHash = txHash
		c.FundingSatoshis = sats
	}
	return nil
}

func (s *memStore) UpsertFundingProposal(ctx context.Context, p *contract.FundingProposal) error {
	byAddr := s.proposals[p.ContractAddress]
	if byAddr == nil {
		byAddr = make(map[contract.Side]*contract.FundingProposal)
		s.proposals[p.ContractAddress] = byAddr
	}
	byAddr[p.Side] = p
	return nil
}

func (s *memStore) FundingProposals(ctx context.Context, address string) (map[contract.Side]*contract.FundingProposal, error) {
	return s.proposals[address], nil
}

type fakeLP struct {
	store *memStore

	constraints      lp.Constraints
	constraintsCalls int
	position         lp.Position
	fee              lp.FeeEstimate
	ack              lp.ProposalAck
	fundErr          error
	fundCalls        int
}

func (f *fakeLP) Constraints(ctx context.Context, oraclePubkey string) (*lp.Constraints, error) {
	f.constraintsCalls++
	c := f.constraints
	return &c, nil
}

func (f *fakeLP) PrepareContractPosition(ctx context.Context, oraclePubkey string, amountSats int64) (*lp.Position, error) {
	p := f.position
	return &p, nil
}

func (f *fakeLP) EstimateFee(ctx context.Context, oraclePubkey string, amountSats, durationSeconds int64, lowMult, highMult float64) (*lp.FeeEstimate, error) {
	fee := f.fee
	return &fee, nil
}

func (f *fakeLP) ProposeContract(ctx context.Context, contractData json.RawMessage) (*lp.ProposalAck, error) {
	ack := f.ack
	return &ack, nil
}

// FundContract emulates the LP submitting its long-side proposal before
// acknowledging, the way the real provider does.
func (f *fakeLP) FundContract(ctx context.Context, contractAddress string, contractData json.RawMessage) (*lp.FundingResult, error) {
	f.fundCalls++
	if f.fundErr != nil {
		return nil, f.fundErr
	}
	f.store.UpsertFundingProposal(ctx, &contract.FundingProposal{
		ContractAddress: contractAddress,
		Side:            contract.SideLong,
		TxHash:          "lp-utxo",
		TxValue:         1,
		ScriptSig:       "lp-scriptsig",
		Pubkey:          f.position.PublicKey,
	})
	return &lp.FundingResult{FundingTxHash: "lp-funding"}, nil
}

type fakeCompiler struct{}

func (fakeCompiler) Compile(ctx context.Context, params contract.CompileParams) (*compiler.Compiled, error) {
	return &compiler.Compiled{Address: testContractAddress, Parameters: json.RawMessage(`{}`)}, nil
}

func (fakeCompiler) AssembleFunding(ctx context.Context, c *contract.Contract, short, long *contract.FundingProposal) (string, error) {
	return "aa00", nil
}

func (fakeCompiler) BuildSettlement(ctx context.Context, c *contract.Contract, settlementType contract.SettlementType, priceMessage, priceSignature string) (*compiler.SettlementBuild, error) {
	return nil, errors.New("not used")
}

func (fakeCompiler) SignProposal(ctx context.Context, utxo compiler.UTXO, wif string) (string, error) {
	return "scriptsig", nil
}

func (fakeCompiler) VerifyMultisig(ctx context.Context, redeemScript string, slot int, pubkey, signature, digest string) (bool, error) {
	return true, nil
}

type fakeNode struct {
	decoded *chain.Transaction
}

func (n *fakeNode) GetTransaction(ctx context.Context, txid string) (*chain.Transaction, error) {
	return nil, errors.New("not used")
}

func (n *fakeNode) DecodeTransaction(ctx context.Context, txHex string) (*chain.Transaction, error) {
	return n.decoded, nil
}

func (n *fakeNode) TestMempoolAccept(ctx context.Context, txHex string) (*chain.MempoolAcceptResult, error) {
	return &chain.MempoolAcceptResult{Allowed: true}, nil
}

func (n *fakeNode) Broadcast(ctx context.Context, txHex string) (string, error) {
	return "funding-txid", nil
}

func (n *fakeNode) GetTxOut(ctx context.Context, txid string, vout uint32) (bool, error) {
	return true, nil
}

func (n *fakeNode) SpendingTransaction(ctx context.Context, txid string, vout uint32) (*chain.Transaction, error) {
	return nil, nil
}

type fixture struct {
	manager *Manager
	wallet  *fakeWallet
	lp      *fakeLP
	store   *memStore
}

// newFixture wires a manager whose happy path establishes a position:
// 12M sats balance, 10% reserve, start price 10000, permissive LP.
func newFixture() *fixture {
	const startPrice = 10_000
	store := newMemStore(&oracle.PriceMessage{
		MessageTimestamp: 1_700_000_000,
		MessageSequence:  1,
		PriceValue:       startPrice,
	})

	// shortSats = 12M * 0.9; the funding total follows from the price band.
	shortSats := int64(10_800_000)
	lowPrice := contract.LiquidationPrice(startPrice, 0.75)
	fundingSats := contract.TotalFundingSats(shortSats, startPrice, lowPrice)

	wallet := &fakeWallet{balance: 12_000_000}
	lpClient := &fakeLP{
		store:       store,
		constraints: lp.Constraints{AvailableLiquidity: fundingSats},
		position:    lp.Position{PublicKey: "02lp", PayoutAddress: "bitcoincash:qlppayout"},
		fee:         lp.FeeEstimate{LiquidityFeeSats: 1_000, ServiceFeeSats: 500},
		ack:         lp.ProposalAck{Accepted: true},
	}
	node := &fakeNode{decoded: &chain.Transaction{Outputs: []chain.Output{
		{Index: 0, Address: testContractAddress, Value: fundingSats},
	}}}

	comp := fakeCompiler{}
	funder := funding.NewCoordinator(store, comp, node, nil, "", nil)

	params := DefaultParams()
	params.OraclePubkey = "03oracle"
	params.ContractVersion = "v4"
	params.MultisigRedeemScript = "5221treasuryscript"
	manager := NewManager(params, wallet, lpClient, comp, funder, store, nil)

	return &fixture{manager: manager, wallet: wallet, lp: lpClient, store: store}
}

// submitQuorum endorses the cached proposal with two verified slot
// signatures, the default quorum.
func (f *fixture) submitQuorum(t *testing.T) {
	t.Helper()
	addr := f.manager.wallet.TreasuryAddress()
	sigs := []SlotSignature{
		{Slot: 1, Pubkey: "02treasury", Signature: "sig1"},
		{Slot: 2, Pubkey: "02lp", Signature: "sig2"},
	}
	for _, sig := range sigs {
		if err := f.manager.SubmitSlotSignature(context.Background(), addr, sig); err != nil {
			t.Fatalf("submit slot %d: %v", sig.Slot, err)
		}
	}
}

// establishWithQuorum runs the saga once to cache the proposal, submits the
// signature quorum, and returns the second attempt's outcome.
func (f *fixture) establishWithQuorum(t *testing.T) (*Result, error) {
	t.Helper()
	result, err := f.manager.EstablishShortPosition(context.Background())
	if err != nil {
		t.Fatalf("pre-quorum attempt: %v", err)
	}
	if !result.Skipped || !strings.Contains(result.Message, "awaiting multisig") {
		t.Fatalf("pre-quorum result = %+v, want awaiting-signatures skip", result)
	}
	f.submitQuorum(t)
	return f.manager.EstablishShortPosition(context.Background())
}

func TestEstablishShortPosition(t *testing.T) {
	f := newFixture()

	result, err := f.establishWithQuorum(t)
	if err != nil {
		t.Fatalf("EstablishShortPosition: %v", err)
	}
	if !result.Established || result.Skipped {
		t.Fatalf("result = %+v, want established", result)
	}
	if result.ContractAddress != testContractAddress {
		t.Errorf("contract address = %s", result.ContractAddress)
	}
	if result.FundingTxHash != "funding-txid" {
		t.Errorf("funding tx = %s", result.FundingTxHash)
	}

	c := f.store.contracts[testContractAddress]
	if c == nil {
		t.Fatal("contract not persisted")
	}
	if c.Satoshis != 10_800_000 {
		t.Errorf("position size = %d, want 90%% of balance", c.Satoshis)
	}
	if !c.Funded() {
		t.Error("contract not recorded as funded")
	}
	if f.wallet.swept != 0 {
		t.Error("sweep ran on the happy path")
	}

	// The consumed proposal must not linger in the cache.
	if _, ok := f.manager.proposals.Get(f.manager.wallet.TreasuryAddress()); ok {
		t.Error("established proposal still cached")
	}
}

func TestEstablishSkipsBelowMinimum(t *testing.T) {
	f := newFixture()
	f.wallet.balance = 50_000 // 45k after reserve, below the 100k floor

	result, err := f.manager.EstablishShortPosition(context.Background())
	if err != nil {
		t.Fatalf("EstablishShortPosition: %v", err)
	}
	if !result.Skipped || result.Established {
		t.Fatalf("result = %+v, want skipped", result)
	}
	if !strings.Contains(result.Message, "below minimum") {
		t.Errorf("message = %q", result.Message)
	}
	if f.wallet.fundCalls != 0 {
		t.Error("proxy funded despite guard")
	}
}

func TestEstablishSkipsOnInsufficientLiquidity(t *testing.T) {
	f := newFixture()
	f.lp.constraints.AvailableLiquidity = 1_000

	result, err := f.manager.EstablishShortPosition(context.Background())
	if err != nil {
		t.Fatalf("EstablishShortPosition: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("result = %+v, want skipped", result)
	}
	if !strings.Contains(result.Message, "liquidity") {
		t.Errorf("message = %q", result.Message)
	}
}

func TestEstablishSkipsOnExcessiveFee(t *testing.T) {
	f := newFixture()
	// 5% of 10.8M is 540k; quote far above it.
	f.lp.fee = lp.FeeEstimate{LiquidityFeeSats: 600_000, ServiceFeeSats: 1}

	result, err := f.manager.EstablishShortPosition(context.Background())
	if err != nil {
		t.Fatalf("EstablishShortPosition: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("result = %+v, want skipped", result)
	}
	if !strings.Contains(result.Message, "fee") {
		t.Errorf("message = %q", result.Message)
	}
	if f.wallet.fundCalls != 0 {
		t.Error("proxy funded despite fee guard")
	}
	if f.lp.fundCalls != 0 {
		t.Error("lp asked to fund despite fee guard")
	}
}

func TestEstablishSkipsWhenLPDeclines(t *testing.T) {
	f := newFixture()
	f.lp.ack = lp.ProposalAck{Accepted: false}

	result, err := f.manager.EstablishShortPosition(context.Background())
	if err != nil {
		t.Fatalf("EstablishShortPosition: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("result = %+v, want skipped", result)
	}
	if f.wallet.swept != 0 {
		t.Error("sweep ran before any proxy funding")
	}
}

func TestEstablishSweepsOnCompletionFailure(t *testing.T) {
	f := newFixture()
	f.lp.fundErr = errors.New("lp offline")

	_, err := f.establishWithQuorum(t)
	if err == nil {
		t.Fatal("expected failure")
	}
	if f.wallet.fundCalls != 1 {
		t.Errorf("fund calls = %d", f.wallet.fundCalls)
	}
	if f.wallet.swept != 1 {
		t.Errorf("swept = %d, want compensating sweep", f.wallet.swept)
	}
}

func TestEstablishSweepsOnSignFailure(t *testing.T) {
	f := newFixture()
	f.wallet.fundErr = errors.New("proxy funding not yet visible")

	_, err := f.establishWithQuorum(t)
	if err == nil {
		t.Fatal("expected failure")
	}
	if f.wallet.swept != 1 {
		t.Errorf("swept = %d, want compensating sweep", f.wallet.swept)
	}
}

func TestEstablishSingleFlight(t *testing.T) {
	f := newFixture()

	lease, ok := f.manager.leaser.Acquire("short:"+f.manager.wallet.TreasuryAddress(), f.manager.params.LeaseTTL)
	if !ok {
		t.Fatal("test lease acquire failed")
	}
	defer lease.Release()

	result, err := f.manager.EstablishShortPosition(context.Background())
	if err != nil {
		t.Fatalf("EstablishShortPosition: %v", err)
	}
	if !result.Skipped || !strings.Contains(result.Message, "in flight") {
		t.Fatalf("result = %+v, want in-flight skip", result)
	}
}

func TestPreparedProposalIsReusedAcrossAttempts(t *testing.T) {
	f := newFixture()
	// First attempt stops at the fee guard, leaving the proposal cached.
	f.lp.fee = lp.FeeEstimate{LiquidityFeeSats: 600_000}

	if _, err := f.manager.EstablishShortPosition(context.Background()); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if f.lp.constraintsCalls != 1 {
		t.Fatalf("constraints calls = %d", f.lp.constraintsCalls)
	}

	// Second attempt revalidates the cached proposal instead of negotiating
	// again; the guard message is unchanged.
	result, err := f.manager.EstablishShortPosition(context.Background())
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("result = %+v", result)
	}
	if f.lp.constraintsCalls != 1 {
		t.Errorf("constraints calls = %d, want cached proposal reuse", f.lp.constraintsCalls)
	}
}

func TestEstablishBlocksBelowSignatureQuorum(t *testing.T) {
	f := newFixture()
	addr := f.manager.wallet.TreasuryAddress()

	result, err := f.manager.EstablishShortPosition(context.Background())
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if !result.Skipped || !strings.Contains(result.Message, "awaiting multisig") {
		t.Fatalf("result = %+v, want awaiting-signatures skip", result)
	}
	if f.wallet.fundCalls != 0 {
		t.Fatal("proxy funded before the quorum signed")
	}

	// One signature of two: still blocked, and the collected signature
	// survives in the cached proposal across attempts.
	sig := SlotSignature{Slot: 1, Pubkey: "02treasury", Signature: "sig1"}
	if err := f.manager.SubmitSlotSignature(context.Background(), addr, sig); err != nil {
		t.Fatalf("submit slot 1: %v", err)
	}
	result, err = f.manager.EstablishShortPosition(context.Background())
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if !result.Skipped || !strings.Contains(result.Message, "1 of 2") {
		t.Fatalf("result = %+v, want 1-of-2 skip", result)
	}

	sig = SlotSignature{Slot: 2, Pubkey: "02lp", Signature: "sig2"}
	if err := f.manager.SubmitSlotSignature(context.Background(), addr, sig); err != nil {
		t.Fatalf("submit slot 2: %v", err)
	}
	result, err = f.manager.EstablishShortPosition(context.Background())
	if err != nil {
		t.Fatalf("quorum attempt: %v", err)
	}
	if !result.Established {
		t.Fatalf("result = %+v, want established", result)
	}
}

func TestSubmitSlotSignatureRejections(t *testing.T) {
	f := newFixture()
	addr := f.manager.wallet.TreasuryAddress()
	sig := SlotSignature{Slot: 1, Pubkey: "02treasury", Signature: "sig1"}

	// Nothing cached yet: nothing to sign.
	if err := f.manager.SubmitSlotSignature(context.Background(), addr, sig); fault.KindOf(err) != fault.KindInvalid {
		t.Errorf("no proposal: err = %v, want invalid", err)
	}

	if _, err := f.manager.EstablishShortPosition(context.Background()); err != nil {
		t.Fatalf("cache proposal: %v", err)
	}

	badSlot := sig
	badSlot.Slot = 4
	if err := f.manager.SubmitSlotSignature(context.Background(), addr, badSlot); fault.KindOf(err) != fault.KindInvalid {
		t.Errorf("slot out of range: err = %v, want invalid", err)
	}

	f.manager.comp = multisigCompiler{invalidSlots: map[int]bool{3: true}}
	forged := SlotSignature{Slot: 3, Pubkey: "02arbiter", Signature: "forged"}
	if err := f.manager.SubmitSlotSignature(context.Background(), addr, forged); fault.KindOf(err) != fault.KindInvalid {
		t.Errorf("unverifiable signature: err = %v, want invalid", err)
	}

	if err := f.manager.SubmitSlotSignature(context.Background(), addr, sig); err != nil {
		t.Fatalf("submit slot 1: %v", err)
	}
	if err := f.manager.SubmitSlotSignature(context.Background(), addr, sig); fault.KindOf(err) != fault.KindInvalid {
		t.Errorf("duplicate slot: err = %v, want invalid", err)
	}
}

func TestProposalCarriesSettlementService(t *testing.T) {
	f := newFixture()
	f.lp.ack = lp.ProposalAck{
		Accepted:                true,
		SettlementServiceHost:   "settle.example",
		SettlementServiceScheme: "https",
		SettlementServicePort:   8443,
		AuthToken:               "token-123",
	}

	if _, err := f.manager.EstablishShortPosition(context.Background()); err != nil {
		t.Fatalf("EstablishShortPosition: %v", err)
	}

	p, ok := f.manager.proposals.Get(f.manager.wallet.TreasuryAddress())
	if !ok {
		t.Fatal("proposal not cached")
	}
	if p.SettlementService != "https://settle.example:8443" {
		t.Errorf("settlement service = %q", p.SettlementService)
	}
	if p.SettlementServiceAuth != "token-123" {
		t.Errorf("auth token = %q", p.SettlementServiceAuth)
	}
	if p.SigningHash == "" {
		t.Error("proposal has no signing hash")
	}
}
