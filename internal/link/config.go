package link

import "time"

const (
	NUSServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	NUSRXUUID      = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	NUSTXUUID      = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

// Config holds lifecycle timing and matching policy.
type Config struct {
	Service     ServiceSpec
	NameMarkers []string
	MaxRetries  int

	Scan   ScanParams
	Rescan ScanParams

	ConnectTimeout  time.Duration
	ConnectSettle   time.Duration
	SecurityTimeout time.Duration
	SecuritySettle  time.Duration
	DiscoverTimeout time.Duration
	Cooldown        time.Duration
	TickInterval    time.Duration

	Negotiation NegotiatorConfig
}

func DefaultConfig() Config {
	return Config{
		Service: ServiceSpec{
			ServiceUUID: NUSServiceUUID,
			RXUUID:      NUSRXUUID,
			TXUUID:      NUSTXUUID,
		},
		NameMarkers: []string{"Chameleon", "Ultra"},
		MaxRetries:  3,
		Scan: ScanParams{
			Timeout:  10 * time.Second,
			Interval: 100,
			Window:   100,
		},
		Rescan: ScanParams{
			Timeout:  5 * time.Second,
			Interval: 80,
			Window:   40,
		},
		ConnectTimeout:  20 * time.Second,
		ConnectSettle:   300 * time.Millisecond,
		SecurityTimeout: 15 * time.Second,
		SecuritySettle:  time.Second,
		DiscoverTimeout: 10 * time.Second,
		Cooldown:        2 * time.Second,
		TickInterval:    50 * time.Millisecond,
		Negotiation:     DefaultNegotiatorConfig(),
	}
}

// WithDefaults fills zero values from DefaultConfig. Settle and cooldown
// durations, including the negotiation settles, are kept as given: zero means
// no wait.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Service.ServiceUUID == "" {
		c.Service = d.Service
	}
	if c.NameMarkers == nil {
		c.NameMarkers = d.NameMarkers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Scan.Timeout <= 0 {
		c.Scan = d.Scan
	}
	if c.Rescan.Timeout <= 0 {
		c.Rescan = d.Rescan
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.SecurityTimeout <= 0 {
		c.SecurityTimeout = d.SecurityTimeout
	}
	if c.DiscoverTimeout <= 0 {
		c.DiscoverTimeout = d.DiscoverTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	return c
}
