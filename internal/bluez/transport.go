// Package bluez implements link.Transport on top of the BlueZ D-Bus API.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/chamctl/internal/link"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const pairTimeout = 30 * time.Second

type Config struct {
	Adapter        string
	PollInterval   time.Duration
	ResolveTimeout time.Duration
	RegisterAgent  bool
}

func DefaultConfig() Config {
	return Config{
		Adapter:        "hci0",
		PollInterval:   500 * time.Millisecond,
		ResolveTimeout: 15 * time.Second,
		RegisterAgent:  true,
	}
}

// Transport drives one peripheral through BlueZ. Asynchronous events are
// posted to the poster given to Bind.
type Transport struct {
	cfg  Config
	conn *dbus.Conn

	mu         sync.Mutex
	poster     link.EventPoster
	device     dbus.ObjectPath
	lastDevice dbus.ObjectPath
	connected  bool
	notify     map[dbus.ObjectPath]link.NotifyFunc
	scanCancel context.CancelFunc
	policy     link.SecurityPolicy
	agent      *Agent

	signals chan *dbus.Signal
	done    chan struct{}
}

var _ link.Transport = (*Transport)(nil)

// Dial connects to the system bus and starts the signal watcher.
func Dial(cfg Config) (*Transport, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: system bus: %w", err)
	}
	return New(conn, cfg)
}

func New(conn *dbus.Conn, cfg Config) (*Transport, error) {
	d := DefaultConfig()
	if cfg.Adapter == "" {
		cfg.Adapter = d.Adapter
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = d.ResolveTimeout
	}
	t := &Transport{
		cfg:     cfg,
		conn:    conn,
		notify:  make(map[dbus.ObjectPath]link.NotifyFunc),
		policy:  link.SecurityPolicy{Name: "just-works", Bonding: true, IOCap: link.IONoInputNoOutput},
		signals: make(chan *dbus.Signal, 128),
		done:    make(chan struct{}),
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(busName),
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return nil, fmt.Errorf("bluez: add match: %w", err)
	}
	conn.Signal(t.signals)
	go t.watch()
	log.Info().Str("adapter", cfg.Adapter).Msg("bluez transport ready")
	return t, nil
}

// Bind sets the receiver of scan, disconnect and auth events.
func (t *Transport) Bind(p link.EventPoster) {
	t.mu.Lock()
	t.poster = p
	t.mu.Unlock()
}

// RegisterAgent exports the pairing agent with the current policy's IO
// capability. Later ApplySecurity calls re-register it.
func (t *Transport) RegisterAgent(provider PasskeyProvider) error {
	t.mu.Lock()
	if t.agent != nil {
		t.agent.SetProvider(provider)
		t.mu.Unlock()
		return nil
	}
	t.agent = NewAgent(provider)
	io := t.policy.IOCap
	t.mu.Unlock()
	return exportAgent(t.conn, t.agent, io)
}

func (t *Transport) Close() error {
	_ = t.StopScan()
	t.conn.RemoveSignal(t.signals)
	close(t.done)
	t.mu.Lock()
	hasAgent := t.agent != nil
	t.mu.Unlock()
	if hasAgent {
		unregisterAgent(t.conn)
	}
	return nil
}

func (t *Transport) post(ev link.Event) {
	t.mu.Lock()
	p := t.poster
	t.mu.Unlock()
	if p != nil {
		p.Post(ev)
	}
}

func (t *Transport) adapter() dbus.BusObject {
	return t.conn.Object(busName, adapterPath(t.cfg.Adapter))
}

func (t *Transport) managedObjects(ctx context.Context) (managedObjects, error) {
	var objects managedObjects
	call := t.conn.Object(busName, "/").CallWithContext(ctx, objectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: managed objects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: parse managed objects: %w", err)
	}
	return objects, nil
}

// Scanning.

func (t *Transport) StartScan(ctx context.Context, params link.ScanParams) error {
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(false),
	}
	if call := t.adapter().CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("bluez: discovery filter: %w", call.Err)
	}
	if call := t.adapter().CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("bluez: start discovery: %w", call.Err)
	}

	scanCtx, cancel := context.WithTimeout(context.Background(), params.Timeout)
	t.mu.Lock()
	if t.scanCancel != nil {
		t.scanCancel()
	}
	t.scanCancel = cancel
	t.mu.Unlock()

	log.Debug().Dur("timeout", params.Timeout).Uint16("interval", params.Interval).Uint16("window", params.Window).Msg("bluez scan started")
	go t.pollScan(scanCtx)
	return nil
}

func (t *Transport) pollScan(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	reported := make(map[dbus.ObjectPath]string)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				t.adapter().Call(adapterIface+".StopDiscovery", 0)
				t.post(link.ScanComplete{})
			}
			return
		case <-ticker.C:
		}
		objects, err := t.managedObjects(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("bluez scan poll failed")
			continue
		}
		for _, s := range peersUnder(t.cfg.Adapter, objects) {
			if name, seen := reported[s.path]; seen && name == s.peer.Name {
				continue
			}
			reported[s.path] = s.peer.Name
			t.post(link.ScanResult{Peer: s.peer})
		}
	}
}

func (t *Transport) StopScan() error {
	t.mu.Lock()
	cancel := t.scanCancel
	t.scanCancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if call := t.adapter().Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
		return fmt.Errorf("bluez: stop discovery: %w", call.Err)
	}
	return nil
}

// Connection.

func (t *Transport) Connect(ctx context.Context, peer link.Peer) error {
	path := devicePath(t.cfg.Adapter, peer.Address)
	obj := t.conn.Object(busName, path)
	if call := obj.CallWithContext(ctx, deviceIface+".Connect", 0); call.Err != nil {
		return fmt.Errorf("bluez: connect %s: %w", peer.Address, call.Err)
	}
	connected, err := property[bool](t.conn, path, deviceIface, "Connected")
	if err != nil || !connected {
		return fmt.Errorf("bluez: %s did not confirm connection", peer.Address)
	}
	t.mu.Lock()
	t.device = path
	t.lastDevice = path
	t.connected = true
	t.mu.Unlock()
	if mtu, err := property[uint16](t.conn, path, deviceIface, "MTU"); err == nil {
		log.Debug().Uint16("mtu", mtu).Msg("bluez negotiated MTU")
	}
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	path := t.device
	subs := make([]dbus.ObjectPath, 0, len(t.notify))
	for p := range t.notify {
		subs = append(subs, p)
	}
	t.notify = make(map[dbus.ObjectPath]link.NotifyFunc)
	t.connected = false
	t.device = ""
	t.mu.Unlock()
	if path == "" {
		return nil
	}
	for _, p := range subs {
		t.conn.Object(busName, p).Call(gattCharIface+".StopNotify", 0)
	}
	if call := t.conn.Object(busName, path).Call(deviceIface+".Disconnect", 0); call.Err != nil {
		return fmt.Errorf("bluez: disconnect: %w", call.Err)
	}
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Encrypted reports a paired link. BlueZ encrypts bonded LE links on connect.
func (t *Transport) Encrypted() bool {
	t.mu.Lock()
	path := t.device
	t.mu.Unlock()
	if path == "" {
		return false
	}
	paired, err := property[bool](t.conn, path, deviceIface, "Paired")
	return err == nil && paired
}

// Secure starts pairing in the background and posts AuthComplete.
func (t *Transport) Secure(ctx context.Context) error {
	t.mu.Lock()
	path := t.device
	t.mu.Unlock()
	if path == "" {
		return link.ErrNotConnected
	}
	// the caller's ctx ends when Secure returns; keep only its deadline
	pairCtx, cancel := context.WithTimeout(context.Background(), pairTimeout)
	if dl, ok := ctx.Deadline(); ok {
		cancel()
		pairCtx, cancel = context.WithDeadline(context.Background(), dl)
	}
	go func() {
		defer cancel()
		call := t.conn.Object(busName, path).CallWithContext(pairCtx, deviceIface+".Pair", 0)
		encrypted := call.Err == nil || errorName(call.Err) == "org.bluez.Error.AlreadyExists"
		if !encrypted {
			log.Warn().Err(call.Err).Msg("bluez pair failed")
		} else {
			t.conn.Object(busName, path).Call(propertiesIface+".Set", 0, deviceIface, "Trusted", dbus.MakeVariant(true))
		}
		t.post(link.AuthComplete{Encrypted: encrypted})
	}()
	return nil
}

// DeleteBonds removes the current (or last) device so its keys are dropped.
func (t *Transport) DeleteBonds() error {
	t.mu.Lock()
	path := t.device
	if path == "" {
		path = t.lastDevice
	}
	t.mu.Unlock()
	if path == "" {
		return nil
	}
	if call := t.adapter().Call(adapterIface+".RemoveDevice", 0, path); call.Err != nil {
		return fmt.Errorf("bluez: remove device: %w", call.Err)
	}
	return nil
}

func (t *Transport) ApplySecurity(policy link.SecurityPolicy) error {
	t.mu.Lock()
	changed := t.policy.IOCap != policy.IOCap
	t.policy = policy
	hasAgent := t.agent != nil
	t.mu.Unlock()
	if !hasAgent || !changed {
		return nil
	}
	unregisterAgent(t.conn)
	return registerAgent(t.conn, policy.IOCap)
}

// GATT.

func (t *Transport) DiscoverService(ctx context.Context, spec link.ServiceSpec) (link.Service, error) {
	t.mu.Lock()
	path := t.device
	t.mu.Unlock()
	if path == "" {
		return link.Service{}, link.ErrNotConnected
	}
	if err := t.waitResolved(ctx, path); err != nil {
		return link.Service{}, err
	}
	objects, err := t.managedObjects(ctx)
	if err != nil {
		return link.Service{}, err
	}
	return serviceFromObjects(path, spec, objects)
}

func (t *Transport) waitResolved(ctx context.Context, path dbus.ObjectPath) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ResolveTimeout)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		resolved, err := property[bool](t.conn, path, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("bluez: services not resolved: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Subscribe registers cb for Value changes on ch. BlueZ writes the
// configuration descriptor itself inside StartNotify, so an attach-only call
// still starts notification when the characteristic is not yet notifying.
func (t *Transport) Subscribe(ctx context.Context, ch link.Characteristic, writeConfig bool, cb link.NotifyFunc) error {
	path := dbus.ObjectPath(ch.Handle)
	start := writeConfig
	if !start {
		notifying, err := property[bool](t.conn, path, gattCharIface, "Notifying")
		start = err != nil || !notifying
	}
	if start {
		call := t.conn.Object(busName, path).CallWithContext(ctx, gattCharIface+".StartNotify", 0)
		if call.Err != nil && !isInProgress(call.Err) {
			return fmt.Errorf("bluez: start notify: %w", call.Err)
		}
	}
	if cb != nil {
		t.mu.Lock()
		t.notify[path] = cb
		t.mu.Unlock()
	}
	return nil
}

func isInProgress(err error) bool {
	return strings.HasSuffix(errorName(err), ".InProgress")
}

// errorName returns the D-Bus error name carried by err, if any.
func errorName(err error) string {
	var val dbus.Error
	if errors.As(err, &val) {
		return val.Name
	}
	var ptr *dbus.Error
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Name
	}
	return ""
}

func (t *Transport) ReadDescriptor(ctx context.Context, d link.Descriptor) ([]byte, error) {
	call := t.conn.Object(busName, dbus.ObjectPath(d.Handle)).CallWithContext(ctx, gattDescIface+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: read descriptor: %w", call.Err)
	}
	var value []byte
	if err := call.Store(&value); err != nil {
		return nil, fmt.Errorf("bluez: decode descriptor: %w", err)
	}
	return value, nil
}

func (t *Transport) WriteDescriptor(ctx context.Context, d link.Descriptor, value []byte, withResponse bool) error {
	opts := map[string]dbus.Variant{}
	if !withResponse {
		opts["type"] = dbus.MakeVariant("command")
	}
	call := t.conn.Object(busName, dbus.ObjectPath(d.Handle)).CallWithContext(ctx, gattDescIface+".WriteValue", 0, value, opts)
	if call.Err != nil {
		return fmt.Errorf("bluez: write descriptor: %w", call.Err)
	}
	return nil
}

func (t *Transport) WriteCharacteristic(ctx context.Context, ch link.Characteristic, value []byte, withResponse bool) error {
	if !t.Connected() {
		return link.ErrNotConnected
	}
	call := t.conn.Object(busName, dbus.ObjectPath(ch.Handle)).CallWithContext(ctx, gattCharIface+".WriteValue", 0, value, writeOptions(withResponse))
	if call.Err != nil {
		return fmt.Errorf("bluez: write: %w", call.Err)
	}
	return nil
}

func writeOptions(withResponse bool) map[string]dbus.Variant {
	kind := "command"
	if withResponse {
		kind = "request"
	}
	return map[string]dbus.Variant{"type": dbus.MakeVariant(kind)}
}

// Signals.

func (t *Transport) watch() {
	for {
		select {
		case <-t.done:
			return
		case sig, ok := <-t.signals:
			if !ok {
				return
			}
			t.handleSignal(sig)
		}
	}
}

func (t *Transport) handleSignal(sig *dbus.Signal) {
	iface, changed, ok := changedProps(sig)
	if !ok {
		return
	}
	switch iface {
	case gattCharIface:
		t.mu.Lock()
		cb := t.notify[sig.Path]
		t.mu.Unlock()
		if cb == nil {
			return
		}
		if value, ok := variantAs[[]byte](changed, "Value"); ok {
			cb(value)
		}
	case deviceIface:
		connected, ok := variantAs[bool](changed, "Connected")
		if !ok || connected {
			return
		}
		t.mu.Lock()
		ours := sig.Path == t.device && t.device != ""
		if ours {
			t.connected = false
		}
		t.mu.Unlock()
		if ours {
			// BlueZ does not report the HCI reason over D-Bus.
			t.post(link.Disconnected{Reason: 0})
		}
	}
}

func property[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, name string) (T, error) {
	var zero T
	v, err := conn.Object(busName, path).GetProperty(iface + "." + name)
	if err != nil {
		return zero, err
	}
	out, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("bluez: property %s.%s has type %T", iface, name, v.Value())
	}
	return out, nil
}
