package link

import "context"

// NotifyFunc receives raw notification chunks in arrival order.
type NotifyFunc func([]byte)

// EventPoster accepts asynchronous transport events for the state machine.
type EventPoster interface {
	Post(Event)
}

// Subscriber is the part of the transport the notification negotiator uses.
type Subscriber interface {
	// Subscribe attaches cb to ch. When writeConfig is true the stack also
	// writes the configuration descriptor itself.
	Subscribe(ctx context.Context, ch Characteristic, writeConfig bool, cb NotifyFunc) error
	ReadDescriptor(ctx context.Context, d Descriptor) ([]byte, error)
	WriteDescriptor(ctx context.Context, d Descriptor, value []byte, withResponse bool) error
}

// Transport is the wireless stack capability surface. Scan results, scan
// completion, disconnects and authentication completion are delivered through
// the EventPoster the transport was built with.
type Transport interface {
	Subscriber

	StartScan(ctx context.Context, params ScanParams) error
	StopScan() error
	Connect(ctx context.Context, peer Peer) error
	Disconnect() error
	Connected() bool
	Encrypted() bool
	// Secure starts link encryption; completion arrives as AuthComplete.
	Secure(ctx context.Context) error
	DeleteBonds() error
	ApplySecurity(policy SecurityPolicy) error
	DiscoverService(ctx context.Context, spec ServiceSpec) (Service, error)
	WriteCharacteristic(ctx context.Context, ch Characteristic, value []byte, withResponse bool) error
}

// PeerStore persists the bonded address and PIN configuration.
type PeerStore interface {
	BondedAddress() (Address, bool, error)
	SetBondedAddress(addr Address) error
	ClearBondedAddress() error
	PinConfig() (PinConfig, error)
	SetPinConfig(cfg PinConfig) error
}
