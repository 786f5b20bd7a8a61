package contract

import "testing"

func TestParseSide(t *testing.T) {
	cases := []struct {
		in   string
		want Side
		ok   bool
	}{
		{"short", SideShort, true},
		{"hedge", SideShort, true}, // legacy alias
		{"long", SideLong, true},
		{"", 0, false},
		{"Short", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseSide(tc.in)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("ParseSide(%q) = (%v, %v), want (%v, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	if SideShort.Opposite() != SideLong || SideLong.Opposite() != SideShort {
		t.Error("Opposite must swap the two sides")
	}
}

func TestStateTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateUnfunded, StateFunded},
		{StateFunded, StateLiquidated},
		{StateFunded, StateMatured},
		{StateFunded, StateMutuallyRedeemed},
		{StateLiquidated, StateSettled},
		{StateMatured, StateSettled},
		{StateMutuallyRedeemed, StateSettled},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%v -> %v should be allowed", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to State }{
		{StateUnfunded, StateLiquidated},
		{StateUnfunded, StateSettled},
		{StateFunded, StateUnfunded},
		{StateFunded, StateSettled}, // must pass through a terminal-cause state
		{StateLiquidated, StateMatured},
		{StateSettled, StateFunded},
		{StateSettled, StateSettled},
	}
	for _, tr := range denied {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%v -> %v should be denied", tr.from, tr.to)
		}
	}

	if !StateSettled.Terminal() {
		t.Error("Settled must be terminal")
	}
	if StateLiquidated.Terminal() {
		t.Error("Liquidated is not terminal, it still settles")
	}
}

func TestPriceOutOfBounds(t *testing.T) {
	c := &Contract{LowLiquidationPrice: 7_500, HighLiquidationPrice: 100_000}

	cases := []struct {
		price int64
		out   bool
	}{
		{7_499, true},
		{7_500, true}, // boundary prices liquidate
		{7_501, false},
		{10_000, false},
		{99_999, false},
		{100_000, true},
		{100_001, true},
	}
	for _, tc := range cases {
		if got := c.PriceOutOfBounds(tc.price); got != tc.out {
			t.Errorf("PriceOutOfBounds(%d) = %v, want %v", tc.price, got, tc.out)
		}
	}
}

func TestSettlementTypeTerminalState(t *testing.T) {
	cases := []struct {
		typ  SettlementType
		want State
	}{
		{SettlementLiquidation, StateLiquidated},
		{SettlementMaturation, StateMatured},
		{SettlementMutualRedemption, StateMutuallyRedeemed},
	}
	for _, tc := range cases {
		if got := tc.typ.TerminalState(); got != tc.want {
			t.Errorf("%s.TerminalState() = %v, want %v", tc.typ, got, tc.want)
		}
	}

	if SettlementType("expiry").Valid() {
		t.Error("unknown settlement type must not validate")
	}
}

func TestContractParamsRoundTrip(t *testing.T) {
	c := &Contract{
		ContractVersion: "v4",
		Short:           WalletKey{Pubkey: "02aa", PayoutAddress: "bitcoincash:qshort"},
		Long:            WalletKey{Pubkey: "03bb", PayoutAddress: "bitcoincash:qlong"},
		Satoshis:        1_000_000,
		StartTimestamp:  1_700_000_000,

		MaturityTimestamp:         1_700_000_000 + 3600,
		OraclePubkey:              "03cc",
		StartPrice:                10_000,
		LowLiquidationMultiplier:  0.75,
		HighLiquidationMultiplier: 10,
	}
	p := c.Params()
	if p.ShortPubkey != "02aa" || p.LongPubkey != "03bb" {
		t.Error("Params must carry both pubkeys")
	}
	if p.Satoshis != c.Satoshis || p.StartPrice != c.StartPrice {
		t.Error("Params must carry the economic terms unchanged")
	}
	if c.Key(SideShort).Pubkey != "02aa" || c.Key(SideLong).Pubkey != "03bb" {
		t.Error("Key(side) must select the matching wallet")
	}
}
