package link

import (
	"testing"
	"time"
)

func TestWithDefaultsKeepsZeroSettles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectSettle = 0
	cfg.Cooldown = 0
	cfg.Negotiation = NegotiatorConfig{}

	got := cfg.WithDefaults()
	if got.Negotiation != (NegotiatorConfig{}) {
		t.Fatalf("negotiation got=%+v want=zero", got.Negotiation)
	}
	if got.ConnectSettle != 0 || got.Cooldown != 0 {
		t.Fatalf("settles got connect=%v cooldown=%v want=0", got.ConnectSettle, got.Cooldown)
	}
}

func TestWithDefaultsFillsTimeouts(t *testing.T) {
	got := Config{}.WithDefaults()
	d := DefaultConfig()
	if got.ConnectTimeout != d.ConnectTimeout || got.SecurityTimeout != d.SecurityTimeout || got.Scan != d.Scan {
		t.Fatalf("timeouts got=%+v want=%+v", got, d)
	}
	if got.MaxRetries != 3 || got.TickInterval != 50*time.Millisecond {
		t.Fatalf("retries=%d tick=%v", got.MaxRetries, got.TickInterval)
	}
	if got.Service != d.Service {
		t.Fatalf("service got=%+v want=%+v", got.Service, d.Service)
	}
}
