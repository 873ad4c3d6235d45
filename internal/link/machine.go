package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/chamctl/internal/events"
	"github.com/danmuck/chamctl/internal/observability"
	"github.com/rs/zerolog/log"
)

const eventQueueSize = 128

// Snapshot is a consistent copy of machine state for diagnostic readers.
type Snapshot struct {
	Context
	Peer      PeerIdentity `json:"peer"`
	Target    *Peer        `json:"target,omitempty"`
	Service   *Service     `json:"service,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

// Machine drives the connection lifecycle. Step must be called from a single
// goroutine; Post and Snapshot are safe from any goroutine.
type Machine struct {
	cfg        Config
	transport  Transport
	store      PeerStore
	sink       events.Sink
	matcher    Matcher
	negotiator *Negotiator
	onNotify   NotifyFunc

	queue    chan Event
	failures chan error

	mu        sync.RWMutex
	ctx       Context
	peer      PeerIdentity
	target    *Peer
	service   *Service
	lastErr   error
	attemptAt time.Time
	// abort cancels the in-flight Connect call, nil when none runs.
	abort context.CancelFunc
}

func NewMachine(cfg Config, transport Transport, store PeerStore, sink events.Sink, onNotify NotifyFunc) *Machine {
	cfg = cfg.WithDefaults()
	if sink == nil {
		sink = events.Discard
	}
	m := &Machine{
		cfg:        cfg,
		transport:  transport,
		store:      store,
		sink:       sink,
		matcher:    Matcher{ServiceUUID: cfg.Service.ServiceUUID, NameMarkers: cfg.NameMarkers},
		negotiator: NewNegotiator(cfg.Negotiation, transport),
		onNotify:   onNotify,
		queue:      make(chan Event, eventQueueSize),
		failures:   make(chan error, 8),
	}
	m.loadIdentity()
	return m
}

// Negotiator exposes the notification negotiator so callers can tune timing.
func (m *Machine) Negotiator() *Negotiator { return m.negotiator }

func (m *Machine) loadIdentity() {
	if m.store == nil {
		return
	}
	addr, ok, err := m.store.BondedAddress()
	if err != nil {
		log.Warn().Err(err).Msg("link.Machine load bonded address failed")
		return
	}
	if ok {
		m.peer.Address = addr
		m.peer.HasStoredAddress = true
		m.info(fmt.Sprintf("Boot: found saved paired device [%s]", addr))
		return
	}
	m.info("Boot: no saved paired device found")
}

// Post queues an event. Transport callbacks use this; it blocks when the
// queue is full rather than dropping lifecycle events.
func (m *Machine) Post(ev Event) {
	m.queue <- ev
}

// Failures surfaces terminal errors: budget exhaustion, security failures and
// a target that could not be re-acquired.
func (m *Machine) Failures() <-chan error { return m.failures }

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{Context: m.ctx, Peer: m.peer}
	if m.target != nil {
		t := *m.target
		s.Target = &t
	}
	if m.service != nil {
		svc := *m.service
		s.Service = &svc
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// State is shorthand for Snapshot().State.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ctx.State
}

// Writable returns the RX characteristic when commands may be sent: either
// READY, or any state that still holds a connection and a discovered service.
func (m *Machine) Writable() (Characteristic, bool) {
	m.mu.RLock()
	svc := m.service
	state := m.ctx.State
	m.mu.RUnlock()
	if svc == nil {
		return Characteristic{}, false
	}
	if state != Ready && !m.transport.Connected() {
		return Characteristic{}, false
	}
	return svc.RX, true
}

// Requests. Each waits for the loop to process the request or for ctx.

func (m *Machine) Discover(ctx context.Context) error {
	return m.request(ctx, func(r chan error) Event { return DiscoverRequest{Reply: r} })
}

func (m *Machine) Pair(ctx context.Context) error {
	return m.request(ctx, func(r chan error) Event { return PairRequest{Reply: r} })
}

func (m *Machine) Forget(ctx context.Context) error {
	return m.request(ctx, func(r chan error) Event { return ForgetRequest{Reply: r} })
}

// Stop also aborts a connection attempt in flight. The request is queued
// before the abort so the loop handles it ahead of the next attempt.
func (m *Machine) Stop(ctx context.Context) error {
	r := make(chan error, 1)
	if err := m.enqueue(ctx, StopRequest{Reply: r}); err != nil {
		return err
	}
	m.mu.Lock()
	abort := m.abort
	m.mu.Unlock()
	if abort != nil {
		abort()
	}
	return await(ctx, r)
}

func (m *Machine) request(ctx context.Context, build func(chan error) Event) error {
	r := make(chan error, 1)
	if err := m.enqueue(ctx, build(r)); err != nil {
		return err
	}
	return await(ctx, r)
}

func (m *Machine) enqueue(ctx context.Context, ev Event) error {
	select {
	case m.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await(ctx context.Context, r <-chan error) error {
	select {
	case err := <-r:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run ticks Step until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		m.Step(ctx, time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step drains queued events in arrival order, then advances the current
// state's timers and actions. now must come from a monotonic clock.
func (m *Machine) Step(ctx context.Context, now time.Time) {
	for drained := false; !drained; {
		select {
		case ev := <-m.queue:
			m.handle(ctx, now, ev)
		default:
			drained = true
		}
	}
	m.drive(ctx, now)
}

func (m *Machine) handle(ctx context.Context, now time.Time, ev Event) {
	switch e := ev.(type) {
	case ScanResult:
		m.onScanResult(now, e.Peer)
	case ScanComplete:
		m.onScanComplete(now)
	case Disconnected:
		m.onDisconnected(now, e.Reason)
	case AuthComplete:
		m.onAuthComplete(now, e.Encrypted)
	case DiscoverRequest:
		reply(e.Reply, m.startDiscovery(ctx, now))
	case PairRequest:
		reply(e.Reply, m.startPair(ctx, now))
	case ForgetRequest:
		reply(e.Reply, m.forget())
	case StopRequest:
		m.stop(now)
		reply(e.Reply, nil)
	default:
		log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("link.Machine unknown event")
	}
}

func (m *Machine) drive(ctx context.Context, now time.Time) {
	c := m.ctx
	elapsed := now.Sub(c.StateTimer)
	switch c.State {
	case Scanning:
		if elapsed >= m.cfg.Scan.Timeout {
			_ = m.transport.StopScan()
			m.onScanComplete(now)
		}
	case RescanTarget:
		if elapsed >= m.cfg.Rescan.Timeout {
			_ = m.transport.StopScan()
			m.onScanComplete(now)
		}
	case ConnectAttempt:
		m.connect(ctx, now)
	case ConnectedPending:
		if elapsed < m.cfg.ConnectSettle {
			return
		}
		if !m.transport.Connected() {
			m.failCycle(now, &TransportError{Op: "connect", Err: ErrNotConnected})
			return
		}
		if m.transport.Encrypted() {
			m.info("link already encrypted (bonded); skipping security")
			m.transition(now, Discovering)
			return
		}
		m.transition(now, Securing)
	case Securing:
		if !c.SecurityInProgress {
			m.requestSecurity(ctx, now)
			return
		}
		if elapsed >= m.cfg.SecurityTimeout {
			m.setSecurityInProgress(false)
			m.failCycle(now, ErrSecurityTimeout)
		}
	case SecuritySettle:
		if now.Sub(c.LastSecurity) >= m.cfg.SecuritySettle {
			m.transition(now, Discovering)
		}
	case Discovering:
		m.discover(ctx, now)
	case Subscribing:
		m.subscribe(ctx, now)
	case ConnectCooldown:
		if elapsed >= m.cfg.Cooldown {
			m.info("cooldown elapsed; re-scanning for target")
			if err := m.startRescan(ctx, now); err != nil {
				m.surface(err)
			}
		}
	}
}

// Scan handling.

func (m *Machine) startDiscovery(ctx context.Context, now time.Time) error {
	if m.ctx.State.LinkUp() || m.ctx.State == ConnectAttempt {
		return fmt.Errorf("link: cannot discover while %s", m.ctx.State)
	}
	m.info("Scanning...")
	_ = m.transport.StopScan()
	m.mutate(func() {
		m.target = nil
		m.peer.CachedName = ""
	})
	if err := m.transport.StartScan(ctx, m.cfg.Scan); err != nil {
		m.transition(now, Idle)
		return &TransportError{Op: "scan", Err: err}
	}
	m.transition(now, Scanning)
	return nil
}

func (m *Machine) startPair(ctx context.Context, now time.Time) error {
	if m.target == nil && !m.peer.HasStoredAddress {
		m.warn("pair requested with no target", ErrNoTarget)
		return ErrNoTarget
	}
	if m.ctx.State.LinkUp() {
		return fmt.Errorf("link: already connected (%s)", m.ctx.State)
	}
	m.info("--- Starting Pair/Connect Sequence ---")
	m.mutate(func() { m.ctx.RetryCount = 0 })
	return m.startRescan(ctx, now)
}

func (m *Machine) startRescan(ctx context.Context, now time.Time) error {
	_ = m.transport.StopScan()
	if err := m.transport.StartScan(ctx, m.cfg.Rescan); err != nil {
		m.transition(now, Idle)
		return &TransportError{Op: "rescan", Err: err}
	}
	m.transition(now, RescanTarget)
	return nil
}

func (m *Machine) onScanResult(now time.Time, p Peer) {
	switch m.ctx.State {
	case Scanning:
		if !p.Connectable {
			return
		}
		kind := m.matcher.Discovery(p, m.peer)
		switch kind {
		case NoMatch:
			return
		case MatchStoredAddress:
			m.info(fmt.Sprintf("*** FOUND SAVED DEVICE: %s (RSSI: %d) *** auto-connecting", p.Address, p.RSSI))
			_ = m.transport.StopScan()
			m.setTarget(p, false)
			m.mutate(func() { m.ctx.RetryCount = 0 })
			m.beginAttempt(now)
		default:
			m.info(fmt.Sprintf("*** FOUND: %s [%s] (RSSI: %d) *** via %s", displayName(p), p.Address, p.RSSI, kind))
			_ = m.transport.StopScan()
			m.setTarget(p, true)
			m.transition(now, Idle)
			m.info("Ready. Request pair to connect.")
		}
	case RescanTarget:
		kind := m.matcher.Rescan(p, m.peer)
		if kind == NoMatch {
			return
		}
		if !p.Connectable {
			m.warn(fmt.Sprintf("target %s matched via %s but is not connectable; ignoring", p.Address, kind), nil)
			return
		}
		m.info(fmt.Sprintf("*** TARGET RE-ACQUIRED: %s (RSSI: %d) *** via %s", p.Address, p.RSSI, kind))
		_ = m.transport.StopScan()
		m.setTarget(p, false)
		m.beginAttempt(now)
	default:
		// late result after a stop request
	}
}

func (m *Machine) onScanComplete(now time.Time) {
	switch m.ctx.State {
	case Scanning:
		m.info("--- Scan Timeout ---")
		m.transition(now, Idle)
	case RescanTarget:
		m.transition(now, Idle)
		m.surface(ErrTargetNotFound)
	}
}

func (m *Machine) setTarget(p Peer, cacheName bool) {
	m.mutate(func() {
		t := p
		m.target = &t
		if cacheName {
			m.peer.CachedName = p.Name
		}
	})
}

// Connection setup.

func (m *Machine) beginAttempt(now time.Time) {
	m.mutate(func() { m.attemptAt = now })
	m.transition(now, ConnectAttempt)
}

func (m *Machine) connect(ctx context.Context, now time.Time) {
	target := m.target
	if target == nil {
		m.transition(now, Idle)
		m.surface(ErrNoTarget)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	m.mutate(func() { m.abort = cancel })
	defer func() {
		m.mutate(func() { m.abort = nil })
		cancel()
	}()
	m.info(fmt.Sprintf("connecting to %s", target.Address))
	err := m.transport.Connect(cctx, *target)
	// Canceled without a cancelled parent means Stop aborted the attempt;
	// the queued StopRequest finishes the transition.
	if ctx.Err() == nil && errors.Is(cctx.Err(), context.Canceled) {
		_ = m.transport.Disconnect()
		m.info("connect aborted by stop")
		return
	}
	if err != nil {
		m.failCycle(now, &TransportError{Op: "connect", Err: err})
		return
	}
	m.info("connected")
	m.transition(now, ConnectedPending)
}

func (m *Machine) requestSecurity(ctx context.Context, now time.Time) {
	m.setSecurityInProgress(true)
	m.mutate(func() { m.ctx.StateTimer = now })
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SecurityTimeout)
	defer cancel()
	if err := m.transport.Secure(sctx); err != nil {
		m.setSecurityInProgress(false)
		m.failCycle(now, &TransportError{Op: "secure", Err: err})
	}
}

func (m *Machine) onAuthComplete(now time.Time, encrypted bool) {
	state := m.ctx.State
	if !state.LinkUp() {
		return
	}
	m.mutate(func() {
		m.ctx.SecurityInProgress = false
		m.ctx.LastSecurity = now
	})
	if !encrypted {
		m.securityFailure(now)
		return
	}
	m.info("[SEC] Encrypted/Bonded!")
	if m.target != nil {
		m.savePaired(m.target.Address)
	}
	if state == Securing || state == ConnectedPending {
		m.transition(now, SecuritySettle)
	}
}

// securityFailure invalidates the bond before charging the cycle so the
// re-scan cannot match a stale stored address.
func (m *Machine) securityFailure(now time.Time) {
	addr := m.peer.Address
	if m.target != nil {
		addr = m.target.Address
	}
	err := &SecurityError{Address: addr}
	m.warn("[SEC] Auth failed. Clearing local bonds to recover...", err)
	if derr := m.transport.DeleteBonds(); derr != nil {
		log.Warn().Err(derr).Msg("link.Machine delete bonds failed")
	}
	m.clearPaired()
	m.surface(err)
	m.failCycle(now, err)
}

func (m *Machine) discover(ctx context.Context, now time.Time) {
	m.info("Discovering services...")
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DiscoverTimeout)
	defer cancel()
	svc, err := m.transport.DiscoverService(dctx, m.cfg.Service)
	if err != nil {
		m.failCycle(now, &TransportError{Op: "discover", Err: errors.Join(ErrServiceNotFound, err)})
		return
	}
	if err := validateService(svc); err != nil {
		m.failCycle(now, err)
		return
	}
	m.mutate(func() { m.service = &svc })
	m.transition(now, Subscribing)
}

func validateService(svc Service) error {
	if svc.RX.Handle == "" || svc.TX.Handle == "" {
		return ErrCharMissing
	}
	if !svc.TX.Props.Notify && !svc.TX.Props.Indicate {
		return ErrNotifyUnsupported
	}
	return nil
}

func (m *Machine) subscribe(ctx context.Context, now time.Time) {
	svc := m.service
	if svc == nil {
		m.transition(now, Discovering)
		return
	}
	tier, err := m.negotiator.Enable(ctx, svc.TX, m.onNotify)
	if err != nil {
		m.failCycle(now, err)
		return
	}
	if m.ctx.State != Subscribing {
		return
	}
	if m.target != nil {
		m.savePaired(m.target.Address)
	}
	m.mutate(func() {
		m.ctx.RetryCount = 0
		m.lastErr = nil
	})
	m.transition(now, Ready)
	if !m.attemptAt.IsZero() {
		observability.RecordConnectDuration(now.Sub(m.attemptAt))
	}
	m.info(fmt.Sprintf("READY (notifications via %s tier)", tier))
}

// Failure paths.

func (m *Machine) onDisconnected(now time.Time, reason int) {
	state := m.ctx.State
	m.info(fmt.Sprintf("[CB] Disconnected. Reason: %d", reason))
	m.setSecurityInProgress(false)
	switch {
	case state == Ready:
		m.mutate(func() {
			m.ctx.RetryCount = 0
			m.service = nil
		})
		m.transition(now, ConnectCooldown)
	case state.LinkUp():
		m.failCycle(now, &TransportError{Op: "link", Err: fmt.Errorf("%w (reason %d)", ErrNotConnected, reason)})
	}
}

// failCycle charges one attempt against the budget and either cools down or
// gives up. State changes before Disconnect so the resulting callback is stale.
func (m *Machine) failCycle(now time.Time, cause error) {
	m.mutate(func() {
		m.ctx.RetryCount++
		m.ctx.SecurityInProgress = false
		m.service = nil
		m.lastErr = cause
	})
	retries := m.ctx.RetryCount
	if retries > m.cfg.MaxRetries {
		m.transition(now, Idle)
		_ = m.transport.Disconnect()
		m.surface(&BudgetExceededError{Retries: retries, Last: cause})
		return
	}
	m.warn(fmt.Sprintf("attempt %d/%d failed; cooling down", retries, m.cfg.MaxRetries), cause)
	m.transition(now, ConnectCooldown)
	_ = m.transport.Disconnect()
}

func (m *Machine) stop(now time.Time) {
	state := m.ctx.State
	_ = m.transport.StopScan()
	if state.LinkUp() || state == ConnectAttempt {
		_ = m.transport.Disconnect()
	}
	m.mutate(func() {
		m.service = nil
		m.ctx.SecurityInProgress = false
	})
	if state != Idle {
		m.transition(now, Idle)
	}
}

// Peer identity persistence.

func (m *Machine) savePaired(addr Address) {
	if m.peer.HasStoredAddress && m.peer.Address == addr {
		return
	}
	m.mutate(func() {
		m.peer.Address = addr
		m.peer.HasStoredAddress = true
	})
	if m.store != nil {
		if err := m.store.SetBondedAddress(addr); err != nil {
			m.warn("persist paired device failed", err)
			return
		}
	}
	m.info(fmt.Sprintf("[NVS] Paired device saved: %s", addr))
}

func (m *Machine) clearPaired() bool {
	if !m.peer.HasStoredAddress {
		return false
	}
	m.mutate(func() {
		m.peer.Address = ""
		m.peer.HasStoredAddress = false
	})
	if m.store != nil {
		if err := m.store.ClearBondedAddress(); err != nil {
			m.warn("clear paired device failed", err)
		}
	}
	m.info("[NVS] Paired device forgotten")
	return true
}

func (m *Machine) forget() error {
	if !m.clearPaired() {
		m.info("No saved device to forget")
	}
	return nil
}

// Bookkeeping.

func (m *Machine) mutate(fn func()) {
	m.mu.Lock()
	fn()
	m.mu.Unlock()
}

func (m *Machine) setSecurityInProgress(v bool) {
	m.mutate(func() { m.ctx.SecurityInProgress = v })
}

func (m *Machine) transition(now time.Time, to State) {
	var from State
	m.mutate(func() {
		from = m.ctx.State
		m.ctx.State = to
		m.ctx.StateTimer = now
		if to == Idle {
			m.ctx.SecurityInProgress = false
		}
	})
	observability.RecordTransition(from.String(), to.String())
	m.sink.Emit(events.Event{
		Kind:    events.KindState,
		At:      now,
		From:    from.String(),
		To:      to.String(),
		Message: fmt.Sprintf("%s -> %s", from, to),
	})
}

func (m *Machine) surface(err error) {
	m.mutate(func() { m.lastErr = err })
	m.sink.Emit(events.Event{Kind: events.KindError, At: time.Now(), Message: "link failure", Err: err.Error()})
	select {
	case m.failures <- err:
	default:
		log.Warn().Err(err).Msg("link.Machine failure channel full; dropping")
	}
}

func (m *Machine) info(msg string) {
	m.sink.Emit(events.Event{Kind: events.KindInfo, At: time.Now(), Message: msg})
}

func (m *Machine) warn(msg string, err error) {
	ev := events.Event{Kind: events.KindWarn, At: time.Now(), Message: msg}
	if err != nil {
		ev.Err = err.Error()
	}
	m.sink.Emit(ev)
}

func displayName(p Peer) string {
	if p.Name == "" {
		return "Device"
	}
	return p.Name
}
