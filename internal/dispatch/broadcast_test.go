package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"courier/internal/config"
)

func TestBroadcastFormatsPerKindAndCollectsOutcomes(t *testing.T) {
	var mu sync.Mutex
	bodies := map[string]map[string]any{}
	handler := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			bodies[name] = body
			mu.Unlock()
			w.Write([]byte("ok"))
		}
	}
	backend := httptest.NewServer(handler("backend"))
	defer backend.Close()
	telegram := httptest.NewServer(handler("telegram"))
	defer telegram.Close()
	discord := httptest.NewServer(handler("discord"))
	defer discord.Close()

	deps := newDeps(t, []config.DestinationConfig{
		backendCfg("core", backend.URL, nil),
		backendCfg("tg", telegram.URL, func(c *config.DestinationConfig) {
			c.Kind = "telegram"
			c.Token = "tok-tg"
		}),
		backendCfg("dc", discord.URL, func(c *config.DestinationConfig) {
			c.Kind = "discord"
			c.Token = "tok-dc"
		}),
	})
	deps.Filter = nil
	deps.Cache = nil
	d := New(deps)

	data := map[string]any{"symbol": "BTCUSDT", "side": "buy"}
	outcomes := d.Broadcast(context.Background(), "trade", data, []string{"core", "tg", "dc"}, SendOptions{})

	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}
	for _, o := range outcomes {
		if !o.Success {
			t.Fatalf("%s failed: %v", o.Destination, o.Err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got := bodies["backend"]["event"]; got != "trade" {
		t.Fatalf("backend event = %v", got)
	}
	if _, ok := bodies["telegram"]["text"]; !ok {
		t.Fatalf("telegram body missing text: %v", bodies["telegram"])
	}
	if bodies["telegram"]["parse_mode"] != "HTML" {
		t.Fatalf("telegram parse_mode = %v", bodies["telegram"]["parse_mode"])
	}
	if _, ok := bodies["discord"]["content"]; !ok {
		t.Fatalf("discord body missing content: %v", bodies["discord"])
	}
}

func TestBroadcastPartialFailureIsIndependent(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bad.Close()

	deps := newDeps(t, []config.DestinationConfig{
		backendCfg("a", good.URL, nil),
		backendCfg("b", bad.URL, nil),
	})
	deps.Filter = nil
	deps.Cache = nil
	d := New(deps)

	outcomes := d.Broadcast(context.Background(), "alert", map[string]any{"msg": "disk full"}, []string{"a", "b"}, SendOptions{})

	if !outcomes[0].Success {
		t.Fatalf("a failed: %v", outcomes[0].Err)
	}
	if outcomes[1].Success || outcomes[1].Err == nil {
		t.Fatalf("b should have failed, got %+v", outcomes[1])
	}
}

func TestBroadcastSkipsUnconfiguredChannel(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer good.Close()

	deps := newDeps(t, []config.DestinationConfig{
		backendCfg("a", good.URL, nil),
		// Telegram channel without a token: configured-but-disabled.
		backendCfg("tg", "https://api.telegram.example", func(c *config.DestinationConfig) {
			c.Kind = "telegram"
		}),
	})
	deps.Filter = nil
	deps.Cache = nil
	d := New(deps)

	outcomes := d.Broadcast(context.Background(), "alert", map[string]any{"msg": "hi"}, []string{"a", "tg", "ghost"}, SendOptions{})

	if !outcomes[0].Success {
		t.Fatalf("a failed: %v", outcomes[0].Err)
	}
	for _, i := range []int{1, 2} {
		if !errors.Is(outcomes[i].Err, ErrNotConfigured) {
			t.Fatalf("outcome[%d].Err = %v, want ErrNotConfigured", i, outcomes[i].Err)
		}
	}
}
