package destination

import (
	"encoding/json"
	"strings"
	"testing"
)

func format(t *testing.T, kind Kind, eventType string, data map[string]any) map[string]any {
	t.Helper()
	d := &Destination{Name: "d", Kind: kind}
	b, err := d.Format(eventType, data)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestFormatBackendEnvelope(t *testing.T) {
	out := format(t, KindBackend, "trade", map[string]any{"symbol": "BTCUSDT"})
	if out["event"] != "trade" {
		t.Fatalf("event = %v", out["event"])
	}
	data, ok := out["data"].(map[string]any)
	if !ok || data["symbol"] != "BTCUSDT" {
		t.Fatalf("data = %v", out["data"])
	}
	if _, ok := out["ts"].(string); !ok {
		t.Fatalf("missing ts: %v", out)
	}
}

func TestFormatChannels(t *testing.T) {
	data := map[string]any{"symbol": "ETHUSDT", "price": 1850.5}

	tg := format(t, KindTelegram, "alert", data)
	text, _ := tg["text"].(string)
	if !strings.Contains(text, "price=1850.5") || !strings.Contains(text, "symbol=ETHUSDT") {
		t.Fatalf("telegram text = %q", text)
	}
	if tg["parse_mode"] != "HTML" {
		t.Fatalf("parse_mode = %v", tg["parse_mode"])
	}

	dc := format(t, KindDiscord, "alert", data)
	if _, ok := dc["content"].(string); !ok {
		t.Fatalf("discord body = %v", dc)
	}

	sl := format(t, KindSlack, "alert", data)
	if _, ok := sl["text"].(string); !ok {
		t.Fatalf("slack body = %v", sl)
	}

	em := format(t, KindEmail, "alert", data)
	if em["subject"] != "Price alert" {
		t.Fatalf("subject = %v", em["subject"])
	}
}

func TestSummarizeIsStable(t *testing.T) {
	data := map[string]any{"b": 2, "a": 1, "c": 3}
	first := summarize("trade", data)
	for i := 0; i < 10; i++ {
		if got := summarize("trade", data); got != first {
			t.Fatalf("unstable output: %q vs %q", got, first)
		}
	}
	if first != "Trade executed | a=1 | b=2 | c=3" {
		t.Fatalf("summary = %q", first)
	}
}
