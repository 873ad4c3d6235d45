package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/chamctl/internal/events"
)

// fakeTransport records calls and lets tests script results.
type fakeTransport struct {
	mu sync.Mutex

	connected bool
	encrypted bool

	connectErr  error
	scanErr     error
	secureErr   error
	discoverErr error
	service     Service

	// connectStarted, when set, makes Connect signal it and block until ctx is done.
	connectStarted chan struct{}

	cccd          []byte
	subscribeErr  error
	subscribeSets []byte // value written when Subscribe(writeConfig=true) runs
	manualErr     error
	manualSticks  bool

	calls []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		service:       nusService(),
		cccd:          []byte{0x00, 0x00},
		subscribeSets: []byte{0x01, 0x00},
		manualSticks:  true,
	}
}

func nusService() Service {
	return Service{
		UUID:   NUSServiceUUID,
		Handle: "svc",
		RX:     Characteristic{UUID: NUSRXUUID, Handle: "rx", Props: Props{Write: true, WriteNoResp: true}},
		TX: Characteristic{
			UUID:   NUSTXUUID,
			Handle: "tx",
			Props:  Props{Notify: true},
			Config: &Descriptor{UUID: CCCDUUID, Handle: "tx/cccd"},
		},
	}
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTransport) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeTransport) StartScan(context.Context, ScanParams) error {
	f.record("start_scan")
	return f.scanErr
}

func (f *fakeTransport) StopScan() error {
	f.record("stop_scan")
	return nil
}

func (f *fakeTransport) Connect(ctx context.Context, _ Peer) error {
	f.record("connect")
	if f.connectStarted != nil {
		close(f.connectStarted)
		<-ctx.Done()
		return ctx.Err()
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.record("disconnect")
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Encrypted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encrypted
}

func (f *fakeTransport) Secure(context.Context) error {
	f.record("secure")
	return f.secureErr
}

func (f *fakeTransport) DeleteBonds() error {
	f.record("delete_bonds")
	return nil
}

func (f *fakeTransport) ApplySecurity(SecurityPolicy) error {
	f.record("apply_security")
	return nil
}

func (f *fakeTransport) DiscoverService(context.Context, ServiceSpec) (Service, error) {
	f.record("discover")
	if f.discoverErr != nil {
		return Service{}, f.discoverErr
	}
	return f.service, nil
}

func (f *fakeTransport) WriteCharacteristic(context.Context, Characteristic, []byte, bool) error {
	f.record("write")
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, _ Characteristic, writeConfig bool, _ NotifyFunc) error {
	if writeConfig {
		f.record("subscribe_write")
		if f.subscribeErr != nil {
			return f.subscribeErr
		}
		f.mu.Lock()
		f.cccd = append([]byte(nil), f.subscribeSets...)
		f.mu.Unlock()
		return nil
	}
	f.record("subscribe_attach")
	return nil
}

func (f *fakeTransport) ReadDescriptor(context.Context, Descriptor) ([]byte, error) {
	f.record("read_cccd")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.cccd...), nil
}

func (f *fakeTransport) WriteDescriptor(_ context.Context, _ Descriptor, value []byte, _ bool) error {
	f.record("write_cccd")
	if f.manualErr != nil {
		return f.manualErr
	}
	if f.manualSticks {
		f.mu.Lock()
		f.cccd = append([]byte(nil), value...)
		f.mu.Unlock()
	}
	return nil
}

type memStore struct {
	mu     sync.Mutex
	addr   Address
	has    bool
	pin    PinConfig
	failIO bool
}

func (s *memStore) BondedAddress() (Address, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr, s.has, nil
}

func (s *memStore) SetBondedAddress(addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIO {
		return errors.New("store: io")
	}
	s.addr, s.has = addr, true
	return nil
}

func (s *memStore) ClearBondedAddress() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr, s.has = "", false
	return nil
}

func (s *memStore) PinConfig() (PinConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pin, nil
}

func (s *memStore) SetPinConfig(cfg PinConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pin = cfg
	return nil
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectSettle = 100 * time.Millisecond
	cfg.SecuritySettle = 200 * time.Millisecond
	cfg.Cooldown = time.Second
	return cfg
}

type harness struct {
	m    *Machine
	tr   *fakeTransport
	st   *memStore
	rec  *events.Recorder
	now  time.Time
	ctx  context.Context
	base time.Time
}

func newHarness(st *memStore) *harness {
	if st == nil {
		st = &memStore{}
	}
	tr := newFakeTransport()
	rec := events.NewRecorder(512)
	m := NewMachine(testConfig(), tr, st, rec, func([]byte) {})
	m.Negotiator().Sleep = noSleep
	base := time.Unix(1_700_000_000, 0)
	return &harness{m: m, tr: tr, st: st, rec: rec, now: base, base: base, ctx: context.Background()}
}

// step advances the clock by d and runs one Step.
func (h *harness) step(d time.Duration) State {
	h.now = h.now.Add(d)
	h.m.Step(h.ctx, h.now)
	return h.m.State()
}

// request posts a request with a buffered reply and steps once to process it.
func (h *harness) request(build func(chan error) Event) error {
	r := make(chan error, 1)
	h.m.Post(build(r))
	h.step(0)
	select {
	case err := <-r:
		return err
	default:
		return errors.New("request not processed")
	}
}

func (h *harness) discover() error {
	return h.request(func(r chan error) Event { return DiscoverRequest{Reply: r} })
}

func (h *harness) pair() error {
	return h.request(func(r chan error) Event { return PairRequest{Reply: r} })
}

func chameleon() Peer {
	return Peer{
		Address:     "C0:FF:EE:00:11:22",
		Name:        "ChameleonUltra",
		RSSI:        -48,
		Connectable: true,
	}
}
