package types

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestPriceLevelPairEncoding(t *testing.T) {
	t.Parallel()

	var lvl PriceLevel
	if err := json.Unmarshal([]byte(`["43210.50","1.250"]`), &lvl); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if lvl.Price != "43210.50" || lvl.Qty != "1.250" {
		t.Fatalf("level = %+v", lvl)
	}

	out, err := json.Marshal(lvl)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `["43210.50","1.250"]` {
		t.Fatalf("encoded = %s", out)
	}
}

func TestDepthSnapshotDecode(t *testing.T) {
	t.Parallel()

	raw := `{"lastUpdateId":1027024,"bids":[["4.00000000","431.10000000"]],"asks":[["4.00000200","12.00000000"]]}`
	var snap DepthSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.LastUpdateID != 1027024 {
		t.Errorf("lastUpdateId = %d", snap.LastUpdateID)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Price != "4.00000000" {
		t.Errorf("bids = %+v", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Qty != "12.00000000" {
		t.Errorf("asks = %+v", snap.Asks)
	}
}

func TestKlinePositionalDecode(t *testing.T) {
	t.Parallel()

	raw := `[1607444700000,"18879.99","18900.00","18870.00","18896.13","492.363",1607444759999,"9302145.66",1874,"385.983","7292402.33","0"]`
	var k Kline
	if err := json.Unmarshal([]byte(raw), &k); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if k.OpenTime != 1607444700000 || k.CloseTime != 1607444759999 {
		t.Errorf("times = %d/%d", k.OpenTime, k.CloseTime)
	}
	if k.Open != "18879.99" || k.High != "18900.00" || k.Low != "18870.00" || k.Close != "18896.13" {
		t.Errorf("ohlc = %s/%s/%s/%s", k.Open, k.High, k.Low, k.Close)
	}
	if k.Volume != "492.363" {
		t.Errorf("volume = %s", k.Volume)
	}
}

func TestKlineTooFewFields(t *testing.T) {
	t.Parallel()

	var k Kline
	err := json.Unmarshal([]byte(`[1607444700000,"1","2","3"]`), &k)
	if err == nil {
		t.Fatal("expected error for short candle array")
	}
}

func TestMetricSnapshotNullBookFields(t *testing.T) {
	t.Parallel()

	snap := MetricSnapshot{
		Type:   "metrics",
		Symbol: "BTCUSDT",
		State:  StateResyncing,
	}
	out, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"bestBid":null`, `"bestAsk":null`, `"midPrice":null`, `"spreadPct":null`} {
		if !strings.Contains(string(out), field) {
			t.Errorf("payload missing %s: %s", field, out)
		}
	}
	if !strings.Contains(string(out), `"state":"RESYNCING"`) {
		t.Errorf("payload missing state: %s", out)
	}
}

func TestPublishable(t *testing.T) {
	t.Parallel()

	for _, st := range []SymbolState{StateInit, StateSnapshotPending, StateApplyingSnapshot, StateResyncing, StateHalted} {
		if st.Publishable() {
			t.Errorf("%s must not be publishable", st)
		}
	}
	if !StateLive.Publishable() {
		t.Error("LIVE must be publishable")
	}
}
