package gateway

import (
	"encoding/json"
	"testing"
	"time"
)

func TestWaitForAvailabilityNoRecordReturnsImmediately(t *testing.T) {
	c := New(Config{URL: "ws://unused"})
	start := time.Now()
	if err := c.waitForAvailability(OpHeartbeat); err != nil {
		t.Fatalf("waitForAvailability: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("expected no wait with no recorded rate limit")
	}
}

func TestRecordRateLimitDelaysSubsequentAvailability(t *testing.T) {
	c := New(Config{URL: "ws://unused"})

	payload, _ := json.Marshal(rateLimitedPayload{Opcode: OpHeartbeat, RetryAfter: 0.05})
	c.recordRateLimit(payload)

	start := time.Now()
	if err := c.waitForAvailability(OpHeartbeat); err != nil {
		t.Fatalf("waitForAvailability: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected waitForAvailability to sleep out the retry window, elapsed=%v", elapsed)
	}
}

func TestConfigDefaultsMatchBackoffPolicy(t *testing.T) {
	cfg := Config{URL: "ws://unused"}
	cfg.withDefaults()

	if cfg.ReconnectBaseDelay != 200*time.Millisecond {
		t.Fatalf("expected base delay 200ms, got %v", cfg.ReconnectBaseDelay)
	}
	if cfg.ReconnectFactor != 2 {
		t.Fatalf("expected factor 2, got %v", cfg.ReconnectFactor)
	}
	if cfg.ReconnectCap != 5*time.Second {
		t.Fatalf("expected cap 5s, got %v", cfg.ReconnectCap)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Fatalf("expected 5 max attempts, got %d", cfg.MaxReconnectAttempts)
	}
}

func TestStateStringsAreDistinct(t *testing.T) {
	states := []State{StateDisconnected, StateConnecting, StateHelloReceived, StateIdentifying, StateResuming, StateReady}
	seen := map[string]bool{}
	for _, s := range states {
		str := s.String()
		if seen[str] {
			t.Fatalf("duplicate state string %q", str)
		}
		seen[str] = true
	}
}
