// Package config loads and validates the chamctl runtime configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/chamctl/internal/link"
)

// App is the resolved runtime configuration.
type App struct {
	Adapter     string
	StorePath   string
	DiagAddr    string
	CorsOrigins []string
	Link        link.Config
}

func Default() App {
	return App{
		Adapter:     "hci0",
		StorePath:   "local/chamctl/store.toml",
		DiagAddr:    "127.0.0.1:9210",
		CorsOrigins: []string{"http://localhost:3000"},
		Link:        link.DefaultConfig(),
	}
}

type fileConfig struct {
	Adapter           string   `toml:"adapter"`
	ServiceUUID       string   `toml:"service_uuid"`
	RXUUID            string   `toml:"rx_uuid"`
	TXUUID            string   `toml:"tx_uuid"`
	NameMarkers       []string `toml:"name_markers"`
	MaxRetries        int      `toml:"max_retries"`
	ScanTimeout       string   `toml:"scan_timeout"`
	RescanTimeout     string   `toml:"rescan_timeout"`
	ConnectTimeout    string   `toml:"connect_timeout"`
	ConnectSettle     string   `toml:"connect_settle"`
	SecurityTimeout   string   `toml:"security_timeout"`
	SecuritySettle    string   `toml:"security_settle"`
	Cooldown          string   `toml:"cooldown"`
	SubscribeSettle   string   `toml:"subscribe_settle"`
	ManualWriteSettle string   `toml:"manual_write_settle"`
	TrustManualWrite  bool     `toml:"trust_manual_write"`
	StorePath         string   `toml:"store_path"`
	DiagAddr          string   `toml:"diag_addr"`
	CorsOrigins       []string `toml:"cors_origins"`
}

// Load decodes path over Default and validates the result. Keys absent from
// the file keep their defaults.
func Load(path string) (App, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return App{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if meta.IsDefined("adapter") {
		cfg.Adapter = strings.TrimSpace(raw.Adapter)
	}
	if meta.IsDefined("service_uuid") {
		cfg.Link.Service.ServiceUUID = strings.TrimSpace(raw.ServiceUUID)
	}
	if meta.IsDefined("rx_uuid") {
		cfg.Link.Service.RXUUID = strings.TrimSpace(raw.RXUUID)
	}
	if meta.IsDefined("tx_uuid") {
		cfg.Link.Service.TXUUID = strings.TrimSpace(raw.TXUUID)
	}
	if meta.IsDefined("name_markers") {
		cfg.Link.NameMarkers = normalizeList(raw.NameMarkers)
	}
	if meta.IsDefined("max_retries") {
		cfg.Link.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("trust_manual_write") {
		cfg.Link.Negotiation.TrustManualWrite = raw.TrustManualWrite
	}
	if meta.IsDefined("store_path") {
		cfg.StorePath = strings.TrimSpace(raw.StorePath)
	}
	if meta.IsDefined("diag_addr") {
		cfg.DiagAddr = strings.TrimSpace(raw.DiagAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"scan_timeout", raw.ScanTimeout, &cfg.Link.Scan.Timeout},
		{"rescan_timeout", raw.RescanTimeout, &cfg.Link.Rescan.Timeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Link.ConnectTimeout},
		{"connect_settle", raw.ConnectSettle, &cfg.Link.ConnectSettle},
		{"security_timeout", raw.SecurityTimeout, &cfg.Link.SecurityTimeout},
		{"security_settle", raw.SecuritySettle, &cfg.Link.SecuritySettle},
		{"cooldown", raw.Cooldown, &cfg.Link.Cooldown},
		{"subscribe_settle", raw.SubscribeSettle, &cfg.Link.Negotiation.SubscribeSettle},
		{"manual_write_settle", raw.ManualWriteSettle, &cfg.Link.Negotiation.ManualWriteSettle},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return App{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := Validate(cfg); err != nil {
		return App{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg App) error {
	if strings.TrimSpace(cfg.Adapter) == "" {
		return fmt.Errorf("adapter is required")
	}
	if strings.TrimSpace(cfg.StorePath) == "" {
		return fmt.Errorf("store_path is required")
	}
	if cfg.DiagAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.DiagAddr); err != nil {
			return fmt.Errorf("diag_addr %q: %w", cfg.DiagAddr, err)
		}
	}
	for key, uuid := range map[string]string{
		"service_uuid": cfg.Link.Service.ServiceUUID,
		"rx_uuid":      cfg.Link.Service.RXUUID,
		"tx_uuid":      cfg.Link.Service.TXUUID,
	} {
		if !validUUID(uuid) {
			return fmt.Errorf("%s %q is not a 128-bit uuid", key, uuid)
		}
	}
	if cfg.Link.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}

	l := cfg.Link
	positive := map[string]time.Duration{
		"scan_timeout":     l.Scan.Timeout,
		"rescan_timeout":   l.Rescan.Timeout,
		"connect_timeout":  l.ConnectTimeout,
		"security_timeout": l.SecurityTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	nonNegative := map[string]time.Duration{
		"connect_settle":      l.ConnectSettle,
		"security_settle":     l.SecuritySettle,
		"cooldown":            l.Cooldown,
		"subscribe_settle":    l.Negotiation.SubscribeSettle,
		"manual_write_settle": l.Negotiation.ManualWriteSettle,
	}
	for key, d := range nonNegative {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	return nil
}

func validUUID(s string) bool {
	n := link.NormalizeUUID(s)
	if len(n) != 32 {
		return false
	}
	_, err := hex.DecodeString(n)
	return err == nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
