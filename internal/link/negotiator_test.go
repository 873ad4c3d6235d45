package link

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/chamctl/internal/testutil/testlog"
)

func newTestNegotiator(tr *fakeTransport, cfg NegotiatorConfig) *Negotiator {
	n := NewNegotiator(cfg, tr)
	n.Sleep = noSleep
	return n
}

func TestConfigEnabled(t *testing.T) {
	cases := []struct {
		in   []byte
		want bool
	}{
		{[]byte{0x01, 0x00}, true},
		{[]byte{0x02, 0x00}, true},
		{[]byte{0x00, 0x00}, false},
		{[]byte{0x03, 0x00}, false},
		{[]byte{0x00, 0x01}, false},
		{[]byte{0x01}, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := ConfigEnabled(tc.in); got != tc.want {
			t.Fatalf("ConfigEnabled(% x) got=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNegotiatorFastPathWhenAlreadyEnabled(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport()
	tr.cccd = []byte{0x01, 0x00}
	tier, err := newTestNegotiator(tr, DefaultNegotiatorConfig()).Enable(context.Background(), nusService().TX, nil)
	if err != nil || tier != TierFast {
		t.Fatalf("tier=%q err=%v", tier, err)
	}
	if tr.count("subscribe_write") != 0 || tr.count("write_cccd") != 0 {
		t.Fatalf("later tiers invoked: %v", tr.calls)
	}
	if tr.count("subscribe_attach") != 1 {
		t.Fatalf("callback not attached")
	}
}

func TestNegotiatorSubscribeTierStopsEarly(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport()
	tier, err := newTestNegotiator(tr, DefaultNegotiatorConfig()).Enable(context.Background(), nusService().TX, nil)
	if err != nil || tier != TierSubscribe {
		t.Fatalf("tier=%q err=%v", tier, err)
	}
	if tr.count("write_cccd") != 0 {
		t.Fatalf("manual write ran after subscribe verified: %v", tr.calls)
	}
	if tr.count("read_cccd") != 2 {
		t.Fatalf("descriptor reads got=%d want=2", tr.count("read_cccd"))
	}
}

func TestNegotiatorManualWriteVerified(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport()
	tr.subscribeSets = []byte{0x00, 0x00}
	tier, err := newTestNegotiator(tr, DefaultNegotiatorConfig()).Enable(context.Background(), nusService().TX, nil)
	if err != nil || tier != TierManual {
		t.Fatalf("tier=%q err=%v", tier, err)
	}
	if tr.count("write_cccd") != 1 {
		t.Fatalf("manual writes got=%d want=1", tr.count("write_cccd"))
	}
}

func TestNegotiatorManualWriteNotStickingFails(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport()
	tr.subscribeSets = []byte{0x00, 0x00}
	tr.manualSticks = false
	_, err := newTestNegotiator(tr, DefaultNegotiatorConfig()).Enable(context.Background(), nusService().TX, nil)
	var serr *SubscriptionError
	if !errors.As(err, &serr) || !errors.Is(err, ErrSubscribeFailed) {
		t.Fatalf("err got=%v", err)
	}
	if tr.count("subscribe_attach") != 0 {
		t.Fatalf("callback attached on failure")
	}
}

func TestNegotiatorTrustManualWrite(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport()
	tr.subscribeSets = []byte{0x00, 0x00}
	tr.manualSticks = false
	cfg := DefaultNegotiatorConfig()
	cfg.TrustManualWrite = true
	tier, err := newTestNegotiator(tr, cfg).Enable(context.Background(), nusService().TX, nil)
	if err != nil || tier != TierManual {
		t.Fatalf("tier=%q err=%v", tier, err)
	}
}

func TestNegotiatorVerifyTierAfterWriteError(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport()
	tr.subscribeErr = errors.New("notify busy")
	tr.manualErr = errors.New("write timed out")
	cfg := DefaultNegotiatorConfig()
	n := newTestNegotiator(tr, cfg)
	// the peer applies the write late; it is visible after the long settle
	n.Sleep = func(ctx context.Context, d time.Duration) error {
		if d == cfg.ManualWriteSettle {
			tr.mu.Lock()
			tr.cccd = []byte{0x01, 0x00}
			tr.mu.Unlock()
		}
		return nil
	}
	tier, err := n.Enable(context.Background(), nusService().TX, nil)
	if err != nil || tier != TierVerify {
		t.Fatalf("tier=%q err=%v", tier, err)
	}
}

func TestNegotiatorMissingDescriptor(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport()
	ch := nusService().TX
	ch.Config = nil
	_, err := newTestNegotiator(tr, DefaultNegotiatorConfig()).Enable(context.Background(), ch, nil)
	if !errors.Is(err, ErrDescriptorMissing) {
		t.Fatalf("err got=%v", err)
	}
	if len(tr.calls) != 0 {
		t.Fatalf("transport touched without a descriptor: %v", tr.calls)
	}
}

func TestNegotiatorCancelledDuringSettle(t *testing.T) {
	testlog.Start(t)

	tr := newFakeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestNegotiator(tr, DefaultNegotiatorConfig()).Enable(ctx, nusService().TX, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err got=%v", err)
	}
}
