package symbols

import (
	"testing"

	"pricefeed/models"
)

func TestToVendor(t *testing.T) {
	m := Default()
	tests := []struct {
		in   string
		want string
	}{
		{"BTCUSD", "BTCUSDT"},
		{"ETHUSD", "ETHUSDT"},
		{"DOGEUSD", "DOGEUSDT"},
		{"flokiusd", "FLOKIUSDT"},
		{"XAUUSD", "XAUUSD"},
		{"XAGUSD", "XAGUSD"},
		{"EURUSD", "EURUSD"},
		{"USDJPY", "USDJPY"},
		{"US30", "US30"},
		{"BTCEUR", "BTCEUR"},
		{"FOOUSD", "FOOUSD"},
	}
	for _, tt := range tests {
		if got := m.ToVendor(tt.in); got != tt.want {
			t.Errorf("ToVendor(%s)=%s want %s", tt.in, got, tt.want)
		}
	}
}

func TestToInternal(t *testing.T) {
	m := Default()
	tests := []struct {
		in   string
		want string
	}{
		{"BTCUSDT", "BTCUSD"},
		{"SOLUSDT", "SOLUSD"},
		{"XAUUSD", "XAUUSD"},
		{"GBPJPY", "GBPJPY"},
		{"FOOUSDT", "FOOUSDT"},
	}
	for _, tt := range tests {
		if got := m.ToInternal(tt.in); got != tt.want {
			t.Errorf("ToInternal(%s)=%s want %s", tt.in, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	m := Default()
	for _, s := range DefaultSymbols() {
		if got := m.ToInternal(m.ToVendor(s)); got != s {
			t.Errorf("round trip of %s gave %s", s, got)
		}
	}
}

func TestOverridesAndExtraBases(t *testing.T) {
	m := NewMapper([]string{"wif"}, map[string]string{"US30": "DJI.IDX"})
	if got := m.ToVendor("WIFUSD"); got != "WIFUSDT" {
		t.Errorf("extra base not mapped: %s", got)
	}
	if got := m.ToVendor("US30"); got != "DJI.IDX" {
		t.Errorf("override not applied: %s", got)
	}
	if got := m.ToInternal("DJI.IDX"); got != "US30" {
		t.Errorf("reverse override not applied: %s", got)
	}
}

func TestSegment(t *testing.T) {
	m := Default()
	tests := []struct {
		in   string
		want models.Segment
	}{
		{"EURUSD", models.SegmentForex},
		{"USDJPY", models.SegmentForex},
		{"XAUUSD", models.SegmentMetals},
		{"XAGUSD", models.SegmentMetals},
		{"BTCUSD", models.SegmentCrypto},
		{"BTCUSDT", models.SegmentCrypto},
		{"DOGEUSD", models.SegmentCrypto},
		{"US30", models.SegmentIndices},
		{"NAS100", models.SegmentIndices},
		{"USOIL", models.SegmentEnergy},
	}
	for _, tt := range tests {
		if got := m.Segment(tt.in); got != tt.want {
			t.Errorf("Segment(%s)=%s want %s", tt.in, got, tt.want)
		}
	}
}

func TestBaseAndQuote(t *testing.T) {
	m := Default()
	if b := m.Base("DOGEUSD"); b != "DOGE" {
		t.Errorf("Base(DOGEUSD)=%s", b)
	}
	if q := m.Quote("USDJPY"); q != "JPY" {
		t.Errorf("Quote(USDJPY)=%s", q)
	}
	if q := m.Quote("US30"); q != "" {
		t.Errorf("Quote(US30)=%s", q)
	}
	if q := m.Quote("BTCUSDT"); q != "USDT" {
		t.Errorf("Quote(BTCUSDT)=%s", q)
	}
}
