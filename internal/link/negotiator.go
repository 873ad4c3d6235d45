package link

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/danmuck/chamctl/internal/observability"
	"github.com/rs/zerolog/log"
)

// Tier names the negotiation step that enabled notifications.
type Tier string

const (
	TierNone      Tier = ""
	TierFast      Tier = "fast"
	TierSubscribe Tier = "subscribe"
	TierManual    Tier = "manual"
	TierVerify    Tier = "verify"
)

var cccdEnable = []byte{0x01, 0x00}

type NegotiatorConfig struct {
	SubscribeSettle   time.Duration
	ManualWriteSettle time.Duration
	// TrustManualWrite accepts a successful manual descriptor write without
	// reading it back.
	TrustManualWrite bool
}

func DefaultNegotiatorConfig() NegotiatorConfig {
	return NegotiatorConfig{
		SubscribeSettle:   200 * time.Millisecond,
		ManualWriteSettle: 500 * time.Millisecond,
	}
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Negotiator enables notifications on a characteristic. It does not retry;
// the caller's retry budget owns that.
type Negotiator struct {
	cfg   NegotiatorConfig
	sub   Subscriber
	Sleep SleepFunc
}

func NewNegotiator(cfg NegotiatorConfig, sub Subscriber) *Negotiator {
	return &Negotiator{cfg: cfg, sub: sub, Sleep: sleepCtx}
}

// ConfigEnabled reports whether a descriptor value has notify or indicate set.
func ConfigEnabled(v []byte) bool {
	if len(v) < 2 {
		return false
	}
	n := binary.LittleEndian.Uint16(v[:2])
	return n == 1 || n == 2
}

// Enable runs the tiers in order and returns the tier that succeeded.
func (n *Negotiator) Enable(ctx context.Context, ch Characteristic, cb NotifyFunc) (Tier, error) {
	if ch.Config == nil {
		return TierNone, &SubscriptionError{Reason: "descriptor lookup", Err: ErrDescriptorMissing}
	}
	desc := *ch.Config

	if n.readEnabled(ctx, desc, "current") {
		log.Debug().Str("char", ch.UUID).Msg("link.Negotiator already enabled; linking callback")
		return n.attach(ctx, ch, cb, TierFast)
	}

	if err := n.sub.Subscribe(ctx, ch, true, cb); err != nil {
		log.Warn().Err(err).Msg("link.Negotiator standard subscribe failed")
		observability.RecordSubscribeTier(string(TierSubscribe), false)
	} else {
		if err := n.Sleep(ctx, n.cfg.SubscribeSettle); err != nil {
			return TierNone, &SubscriptionError{Reason: "settle", Err: err}
		}
		if n.readEnabled(ctx, desc, "verify") {
			return n.attach(ctx, ch, cb, TierSubscribe)
		}
		observability.RecordSubscribeTier(string(TierSubscribe), false)
	}

	werr := n.sub.WriteDescriptor(ctx, desc, cccdEnable, true)
	if werr == nil {
		if n.cfg.TrustManualWrite {
			log.Debug().Msg("link.Negotiator manual write ok; trusting without read-back")
			return n.attach(ctx, ch, cb, TierManual)
		}
		if err := n.Sleep(ctx, n.cfg.SubscribeSettle); err != nil {
			return TierNone, &SubscriptionError{Reason: "settle", Err: err}
		}
		if n.readEnabled(ctx, desc, "manual-verify") {
			return n.attach(ctx, ch, cb, TierManual)
		}
	} else {
		log.Warn().Err(werr).Msg("link.Negotiator manual descriptor write failed; verifying if it stuck")
	}
	observability.RecordSubscribeTier(string(TierManual), false)

	if err := n.Sleep(ctx, n.cfg.ManualWriteSettle); err != nil {
		return TierNone, &SubscriptionError{Reason: "settle", Err: err}
	}
	if n.readEnabled(ctx, desc, "final") {
		return n.attach(ctx, ch, cb, TierVerify)
	}
	observability.RecordSubscribeTier(string(TierVerify), false)
	return TierNone, &SubscriptionError{Reason: "enable notifications", Err: ErrSubscribeFailed}
}

func (n *Negotiator) readEnabled(ctx context.Context, d Descriptor, stage string) bool {
	v, err := n.sub.ReadDescriptor(ctx, d)
	if err != nil {
		log.Debug().Err(err).Str("stage", stage).Msg("link.Negotiator descriptor read failed")
		return false
	}
	ok := ConfigEnabled(v)
	log.Debug().Str("stage", stage).Hex("cccd", v).Bool("enabled", ok).Msg("link.Negotiator descriptor read")
	return ok
}

func (n *Negotiator) attach(ctx context.Context, ch Characteristic, cb NotifyFunc, tier Tier) (Tier, error) {
	if err := n.sub.Subscribe(ctx, ch, false, cb); err != nil {
		observability.RecordSubscribeTier(string(tier), false)
		return TierNone, &SubscriptionError{Reason: "attach callback", Err: err}
	}
	observability.RecordSubscribeTier(string(tier), true)
	log.Info().Str("tier", string(tier)).Msg("link.Negotiator notifications enabled")
	return tier, nil
}
