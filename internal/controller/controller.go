// Package controller wires the link state machine, the RX reassembler and the
// command dispatcher into one host controller.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/chamctl/internal/events"
	"github.com/danmuck/chamctl/internal/link"
	"github.com/danmuck/chamctl/internal/observability"
	"github.com/danmuck/chamctl/internal/protocol/command"
	"github.com/danmuck/chamctl/internal/protocol/frame"
	"github.com/danmuck/chamctl/internal/security"
	"github.com/rs/zerolog/log"
)

// Binder is implemented by transports that deliver asynchronous events.
type Binder interface {
	Bind(link.EventPoster)
}

type Options struct {
	Link      link.Config
	Transport link.Transport
	Store     link.PeerStore
	Sink      events.Sink
	// Responses, when set, receives every dispatched frame. Sends never block
	// on it; a full channel drops the event.
	Responses chan<- command.Event
}

type Controller struct {
	transport link.Transport
	machine   *link.Machine
	security  *security.Manager
	rx        *frame.Reassembler
	sink      events.Sink
	responses chan<- command.Event

	mu   sync.Mutex
	last *command.Event
}

func New(opts Options) (*Controller, error) {
	if opts.Transport == nil {
		return nil, errors.New("controller: transport is required")
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.Discard
	}
	c := &Controller{
		transport: opts.Transport,
		sink:      sink,
		responses: opts.Responses,
	}
	c.rx = frame.NewReassembler(c.onAnomaly)

	sec, err := security.NewManager(opts.Store, opts.Transport)
	if err != nil {
		return nil, err
	}
	c.security = sec
	c.machine = link.NewMachine(opts.Link, opts.Transport, opts.Store, sink, c.onNotify)
	if b, ok := opts.Transport.(Binder); ok {
		b.Bind(c.machine)
	}
	if err := sec.Apply(); err != nil {
		log.Warn().Err(err).Msg("controller.New initial security policy not applied")
	}
	return c, nil
}

func (c *Controller) Machine() *link.Machine { return c.machine }

func (c *Controller) Security() *security.Manager { return c.security }

func (c *Controller) Reassembler() *frame.Reassembler { return c.rx }

// Snapshot reports link state for diagnostics.
func (c *Controller) Snapshot() link.Snapshot { return c.machine.Snapshot() }

// RXBuffer copies the bytes of the partial frame being reassembled.
func (c *Controller) RXBuffer() []byte { return c.rx.Snapshot() }

func (c *Controller) PinConfig() link.PinConfig { return c.security.Config() }

// Run drives the state machine until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	log.Info().Msg("controller.Run starting link loop")
	err := c.machine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Controller) Discover(ctx context.Context) error { return c.machine.Discover(ctx) }

func (c *Controller) Pair(ctx context.Context) error { return c.machine.Pair(ctx) }

func (c *Controller) Forget(ctx context.Context) error { return c.machine.Forget(ctx) }

func (c *Controller) Stop(ctx context.Context) error { return c.machine.Stop(ctx) }

// SetPin persists the PIN configuration; it applies on the next connection.
func (c *Controller) SetPin(pin uint32, enabled bool) error {
	if err := c.security.Save(pin, enabled); err != nil {
		return err
	}
	mode := "Just-Works"
	if enabled {
		mode = "PIN"
	}
	c.emit(events.KindInfo, fmt.Sprintf("[SEC] pin config saved (%s); reconnect to apply", mode), nil)
	return nil
}

// Send encodes and writes one binary command with response.
func (c *Controller) Send(ctx context.Context, req command.Request) error {
	name := command.Name(req.Command)
	ch, ok := c.machine.Writable()
	if !ok {
		observability.RecordFrame("tx", name, "not_connected")
		err := &link.TransportError{Op: "write", Err: link.ErrNotConnected}
		c.emit(events.KindWarn, fmt.Sprintf("Not connected; dropping %s", name), err)
		return err
	}
	wire, err := frame.Encode(req.Command, req.Payload)
	if err != nil {
		observability.RecordFrame("tx", name, "encode_error")
		return err
	}
	werr := c.transport.WriteCharacteristic(ctx, ch, wire, true)
	result := "OK"
	if werr != nil {
		result = "Fail"
	}
	c.sink.Emit(events.Event{
		Kind:    events.KindTX,
		At:      time.Now(),
		Message: fmt.Sprintf(">> [TX Cmd %d]: %s (%s)", req.Command, command.FormatHex(wire), result),
		Raw:     wire,
	})
	if werr != nil {
		observability.RecordFrame("tx", name, "rejected")
		return &link.TransportError{Op: "write", Err: errors.Join(link.ErrWriteRejected, werr)}
	}
	observability.RecordFrame("tx", name, "sent")
	return nil
}

// SendText maps known phrases onto binary commands and forwards anything else
// as raw text without response, only while READY.
func (c *Controller) SendText(ctx context.Context, line string) error {
	if req, ok := command.ParseText(line); ok {
		c.emit(events.KindInfo, fmt.Sprintf("Mapping '%s' to binary %s", req.Label, command.Name(req.Command)), nil)
		return c.Send(ctx, req)
	}
	ch, ok := c.machine.Writable()
	if !ok || c.machine.State() != link.Ready {
		err := &link.TransportError{Op: "write", Err: link.ErrNotConnected}
		c.emit(events.KindWarn, "Not ready/connected.", err)
		return err
	}
	if err := c.transport.WriteCharacteristic(ctx, ch, []byte(line), false); err != nil {
		return &link.TransportError{Op: "write", Err: errors.Join(link.ErrWriteRejected, err)}
	}
	c.sink.Emit(events.Event{Kind: events.KindTX, At: time.Now(), Message: ">> sent text (raw)", Raw: []byte(line)})
	return nil
}

// SetMode switches the device between tag emulation and reader mode.
func (c *Controller) SetMode(ctx context.Context, mode byte) error {
	c.emit(events.KindInfo, "Command: Set Device Mode to "+command.ModeName(mode), nil)
	return c.Send(ctx, command.SetMode(mode))
}

// LastResponse returns the most recently dispatched frame event.
func (c *Controller) LastResponse() (command.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return command.Event{}, false
	}
	return *c.last, true
}

func (c *Controller) onNotify(chunk []byte) {
	c.sink.Emit(events.Event{
		Kind:    events.KindRX,
		At:      time.Now(),
		Message: fmt.Sprintf("<< [RX chunk %d]", len(chunk)),
		Raw:     append([]byte(nil), chunk...),
	})
	for _, f := range c.rx.Feed(chunk) {
		c.deliver(f)
	}
}

func (c *Controller) deliver(f frame.Frame) {
	ev := command.Dispatch(f)
	observability.RecordFrame("rx", command.Name(ev.Command), string(ev.Kind))
	out := events.Event{
		Kind:    events.KindFrame,
		At:      time.Now(),
		Message: ev.Summary(),
		Raw:     f.Bytes(),
		Detail:  ev,
	}
	if ev.Err != nil {
		out.Err = ev.Err.Error()
	}
	c.sink.Emit(out)

	c.mu.Lock()
	c.last = &ev
	c.mu.Unlock()

	if c.responses != nil {
		select {
		case c.responses <- ev:
		default:
			log.Debug().Uint16("cmd", ev.Command).Msg("controller response channel full; dropping")
		}
	}
}

func (c *Controller) onAnomaly(a frame.Anomaly) {
	observability.RecordRXDiscard(a.Reason, a.Dropped)
	msg := fmt.Sprintf("RX buffer %s; dropped %d bytes", a.Reason, a.Dropped)
	c.emit(events.KindWarn, msg, a.Err)
}

func (c *Controller) emit(kind events.Kind, msg string, err error) {
	ev := events.Event{Kind: kind, At: time.Now(), Message: msg}
	if err != nil {
		ev.Err = err.Error()
	}
	c.sink.Emit(ev)
}
