package link

import (
	"strings"
	"time"
)

// Address is a normalized (upper case, colon separated) device address.
type Address string

func ParseAddress(raw string) Address {
	return Address(strings.ToUpper(strings.TrimSpace(raw)))
}

func (a Address) String() string { return string(a) }

func (a Address) Empty() bool { return a == "" }

// Peer is one advertisement seen during a scan.
type Peer struct {
	Address      Address  `json:"address"`
	AddressType  uint8    `json:"address_type"`
	Name         string   `json:"name,omitempty"`
	RSSI         int      `json:"rssi"`
	Connectable  bool     `json:"connectable"`
	ServiceUUIDs []string `json:"service_uuids,omitempty"`
}

// Advertises reports whether the peer lists uuid among its advertised services.
func (p Peer) Advertises(uuid string) bool {
	want := NormalizeUUID(uuid)
	for _, u := range p.ServiceUUIDs {
		if NormalizeUUID(u) == want {
			return true
		}
	}
	return false
}

func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(uuid), "-", ""))
}

// ScanParams mirrors the controller's scan window configuration.
type ScanParams struct {
	Timeout  time.Duration
	Active   bool
	Interval uint16
	Window   uint16
}

// ServiceSpec names the service and its write (RX) and notify (TX) characteristics.
type ServiceSpec struct {
	ServiceUUID string
	RXUUID      string
	TXUUID      string
}

const CCCDUUID = "00002902-0000-1000-8000-00805f9b34fb"

type Props struct {
	Read        bool `json:"read"`
	Write       bool `json:"write"`
	WriteNoResp bool `json:"write_no_resp"`
	Notify      bool `json:"notify"`
	Indicate    bool `json:"indicate"`
}

// Descriptor handles are transport specific (an ATT handle, a D-Bus path).
type Descriptor struct {
	UUID   string `json:"uuid"`
	Handle string `json:"handle"`
}

type Characteristic struct {
	UUID   string      `json:"uuid"`
	Handle string      `json:"handle"`
	Props  Props       `json:"props"`
	Config *Descriptor `json:"config,omitempty"`
}

// Service is a discovered instance of a ServiceSpec.
type Service struct {
	UUID   string         `json:"uuid"`
	Handle string         `json:"handle"`
	RX     Characteristic `json:"rx"`
	TX     Characteristic `json:"tx"`
}

// PinConfig selects between Just-Works and PIN pairing.
type PinConfig struct {
	Pin     uint32 `json:"pin" toml:"ble_pin"`
	Enabled bool   `json:"enabled" toml:"pin_mode"`
}

const DefaultPin uint32 = 123456

type IOCapability string

const (
	IONoInputNoOutput IOCapability = "NoInputNoOutput"
	IOKeyboardOnly    IOCapability = "KeyboardOnly"
)

// SecurityPolicy is applied by the transport on the next connection attempt.
type SecurityPolicy struct {
	Name    string       `json:"name"`
	Bonding bool         `json:"bonding"`
	MITM    bool         `json:"mitm"`
	IOCap   IOCapability `json:"io_cap"`
}

// PeerIdentity is the remembered pairing target.
type PeerIdentity struct {
	Address          Address `json:"address"`
	HasStoredAddress bool    `json:"has_stored_address"`
	CachedName       string  `json:"cached_name,omitempty"`
}
