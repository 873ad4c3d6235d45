package security

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/chamctl/internal/link"
	"github.com/rs/zerolog/log"
)

var ErrInvalidPin = errors.New("security: pin must be 0..999999")

const MaxPin uint32 = 999999

var (
	JustWorks = link.SecurityPolicy{Name: "just-works", Bonding: true, MITM: false, IOCap: link.IONoInputNoOutput}
	PinEntry  = link.SecurityPolicy{Name: "pin", Bonding: true, MITM: true, IOCap: link.IOKeyboardOnly}
)

// PolicyFor selects the pairing policy for a PIN configuration.
func PolicyFor(cfg link.PinConfig) link.SecurityPolicy {
	if cfg.Enabled {
		return PinEntry
	}
	return JustWorks
}

// Applier is the transport surface the manager configures.
type Applier interface {
	ApplySecurity(policy link.SecurityPolicy) error
}

// Manager owns the PIN configuration and answers pairing agent callbacks.
type Manager struct {
	mu      sync.RWMutex
	cfg     link.PinConfig
	store   link.PeerStore
	applier Applier
}

// NewManager loads the PIN configuration from store. A store without a saved
// configuration yields Just-Works with the default PIN.
func NewManager(store link.PeerStore, applier Applier) (*Manager, error) {
	m := &Manager{
		cfg:     link.PinConfig{Pin: link.DefaultPin},
		store:   store,
		applier: applier,
	}
	if store != nil {
		cfg, err := store.PinConfig()
		if err != nil {
			return nil, fmt.Errorf("security: load pin config: %w", err)
		}
		if cfg.Pin == 0 && !cfg.Enabled {
			cfg.Pin = link.DefaultPin
		}
		m.cfg = cfg
	}
	mode := "Just-Works"
	if m.cfg.Enabled {
		mode = "PIN"
	}
	log.Info().Str("mode", mode).Msg("security.Manager loaded pairing config")
	return m, nil
}

func (m *Manager) Config() link.PinConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Policy() link.SecurityPolicy {
	return PolicyFor(m.Config())
}

// Passkey is the value returned to a passkey request.
func (m *Manager) Passkey() uint32 {
	cfg := m.Config()
	if cfg.Enabled {
		return cfg.Pin
	}
	return link.DefaultPin
}

// ConfirmPasskey accepts every numeric comparison.
func (m *Manager) ConfirmPasskey(uint32) bool {
	return true
}

// Save persists the configuration and pushes the new policy to the transport.
// It takes effect on the next connection attempt.
func (m *Manager) Save(pin uint32, enabled bool) error {
	if pin > MaxPin {
		return fmt.Errorf("%w: got %d", ErrInvalidPin, pin)
	}
	cfg := link.PinConfig{Pin: pin, Enabled: enabled}
	if m.store != nil {
		if err := m.store.SetPinConfig(cfg); err != nil {
			return fmt.Errorf("security: save pin config: %w", err)
		}
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	log.Info().Bool("pin_mode", enabled).Msg("security.Manager pin config saved; effective next connection")
	return m.Apply()
}

// Apply pushes the current policy to the transport.
func (m *Manager) Apply() error {
	if m.applier == nil {
		return nil
	}
	policy := m.Policy()
	if err := m.applier.ApplySecurity(policy); err != nil {
		return fmt.Errorf("security: apply %s: %w", policy.Name, err)
	}
	log.Debug().Str("policy", policy.Name).Str("io_cap", string(policy.IOCap)).Bool("mitm", policy.MITM).Msg("security.Manager policy applied")
	return nil
}
