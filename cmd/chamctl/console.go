package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/chamctl/internal/link"
)

const consoleTimeout = 10 * time.Second

type consoleTarget interface {
	Discover(ctx context.Context) error
	Pair(ctx context.Context) error
	Forget(ctx context.Context) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, line string) error
	SetPin(pin uint32, enabled bool) error
	Snapshot() link.Snapshot
}

const consoleHelp = `commands:
  discover              scan and select a target; connects only to the saved device
  pair                  connect to the saved or discovered device
  forget                drop the saved device address (the adapter bond is kept)
  stop                  stop scanning or disconnect
  state                 print link state
  pin <n> <on|off>      save the pairing pin and mode
  quit                  exit
anything else is sent to the device ("info", "hf search", "lf search", "mode reader", "mode tag")
`

// runConsole reads one command per line from in until EOF, "quit" or ctx is done.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, target consoleTarget) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if done := execLine(ctx, strings.TrimSpace(line), out, target); done {
				return nil
			}
		}
	}
}

func execLine(ctx context.Context, line string, out io.Writer, target consoleTarget) bool {
	if line == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, consoleTimeout)
	defer cancel()

	fields := strings.Fields(line)
	var err error
	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprint(out, consoleHelp)
		return false
	case "discover":
		err = target.Discover(ctx)
	case "pair":
		err = target.Pair(ctx)
	case "forget":
		err = target.Forget(ctx)
	case "stop":
		err = target.Stop(ctx)
	case "state":
		snap := target.Snapshot()
		fmt.Fprintf(out, "state=%s retries=%d saved=%s\n", snap.State, snap.RetryCount, savedLabel(snap.Peer))
		return false
	case "pin":
		pin, enabled, perr := parsePin(fields[1:])
		if perr != nil {
			fmt.Fprintf(out, "error: %v\n", perr)
			return false
		}
		err = target.SetPin(pin, enabled)
	default:
		err = target.SendText(ctx, line)
	}
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
	}
	return false
}

func parsePin(args []string) (uint32, bool, error) {
	if len(args) != 2 {
		return 0, false, fmt.Errorf("usage: pin <n> <on|off>")
	}
	n, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("pin %q: %w", args[0], err)
	}
	switch strings.ToLower(args[1]) {
	case "on":
		return uint32(n), true, nil
	case "off":
		return uint32(n), false, nil
	default:
		return 0, false, fmt.Errorf("pin mode %q: want on or off", args[1])
	}
}

func savedLabel(id link.PeerIdentity) string {
	if !id.HasStoredAddress {
		return "none"
	}
	return id.Address.String()
}
