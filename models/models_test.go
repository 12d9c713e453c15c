package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRawTickMid(t *testing.T) {
	two := RawTick{Bid: decimal.RequireFromString("1.1000"), Ask: decimal.RequireFromString("1.1002")}
	if got := two.Mid(); !got.Equal(decimal.RequireFromString("1.1001")) {
		t.Fatalf("two-sided mid = %s", got)
	}

	one := RawTick{Price: decimal.NewFromInt(65000)}
	if one.TwoSided() {
		t.Fatalf("tick without bid/ask reported as two-sided")
	}
	if got := one.Mid(); !got.Equal(decimal.NewFromInt(65000)) {
		t.Fatalf("last-price mid = %s", got)
	}
}

func TestSpreadRuleUsable(t *testing.T) {
	cases := []struct {
		rule SpreadRule
		want bool
	}{
		{SpreadRule{SpreadPips: decimal.NewFromInt(2), IsActive: true}, true},
		{SpreadRule{SpreadPips: decimal.Zero, IsActive: true}, false},
		{SpreadRule{SpreadPips: decimal.NewFromInt(2), IsActive: false}, false},
		{SpreadRule{SpreadPips: decimal.NewFromInt(-1), IsActive: true}, false},
	}
	for i, c := range cases {
		if got := c.rule.Usable(); got != c.want {
			t.Errorf("case %d: Usable() = %v, want %v", i, got, c.want)
		}
	}
}

func TestConnectionStateString(t *testing.T) {
	if StateReconnecting.String() != "reconnecting" {
		t.Fatalf("unexpected state name %q", StateReconnecting.String())
	}
	if ConnectionState(42).String() != "unknown" {
		t.Fatalf("unexpected name for unknown state")
	}
}

func TestTickUpdate(t *testing.T) {
	tick := Tick{
		Symbol:          "EURUSD",
		Bid:             decimal.RequireFromString("1.09993"),
		Ask:             decimal.RequireFromString("1.10008"),
		Mid:             decimal.RequireFromString("1.100005"),
		Spread:          decimal.RequireFromString("0.00015"),
		TimestampMillis: 1700000000000,
	}
	u := tick.Update()
	if u.Symbol != "EURUSD" || !u.Bid.Equal(tick.Bid) || !u.Ask.Equal(tick.Ask) || u.Time != tick.TimestampMillis {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestProviderEventKindTerminal(t *testing.T) {
	if !EventMaxAttemptsExceeded.Terminal() {
		t.Fatalf("max attempts exceeded must be terminal")
	}
	for _, k := range []ProviderEventKind{EventConnected, EventDisconnected, EventReconnecting, EventError} {
		if k.Terminal() {
			t.Fatalf("%s must not be terminal", k)
		}
	}
}
