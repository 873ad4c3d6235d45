package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/danmuck/chamctl/internal/link"
	"github.com/danmuck/chamctl/internal/testutil/testlog"
)

type consoleStub struct {
	calls []string
	texts []string
	pin   link.PinConfig
	err   error
}

func (s *consoleStub) call(name string) error {
	s.calls = append(s.calls, name)
	return s.err
}

func (s *consoleStub) Discover(context.Context) error { return s.call("discover") }
func (s *consoleStub) Pair(context.Context) error     { return s.call("pair") }
func (s *consoleStub) Forget(context.Context) error   { return s.call("forget") }
func (s *consoleStub) Stop(context.Context) error     { return s.call("stop") }

func (s *consoleStub) SendText(_ context.Context, line string) error {
	s.texts = append(s.texts, line)
	return s.err
}

func (s *consoleStub) SetPin(pin uint32, enabled bool) error {
	s.pin = link.PinConfig{Pin: pin, Enabled: enabled}
	return s.err
}

func (s *consoleStub) Snapshot() link.Snapshot {
	return link.Snapshot{
		Context: link.Context{State: link.Ready, RetryCount: 2},
		Peer:    link.PeerIdentity{Address: "C0:FF:EE:00:11:22", HasStoredAddress: true},
	}
}

func TestConsoleDispatchesCommands(t *testing.T) {
	testlog.Start(t)

	stub := &consoleStub{}
	var out bytes.Buffer
	in := strings.NewReader("discover\npair\n\nhf search\npin 4321 on\nstate\nforget\nstop\nquit\ninfo\n")
	if err := runConsole(context.Background(), in, &out, stub); err != nil {
		t.Fatalf("console: %v", err)
	}
	if got := strings.Join(stub.calls, ","); got != "discover,pair,forget,stop" {
		t.Fatalf("calls got=%s", got)
	}
	if len(stub.texts) != 1 || stub.texts[0] != "hf search" {
		t.Fatalf("texts got=%v", stub.texts)
	}
	if stub.pin != (link.PinConfig{Pin: 4321, Enabled: true}) {
		t.Fatalf("pin got=%+v", stub.pin)
	}
	if !strings.Contains(out.String(), "state=READY retries=2 saved=C0:FF:EE:00:11:22") {
		t.Fatalf("state output got=%q", out.String())
	}
}

func TestConsoleReportsErrors(t *testing.T) {
	testlog.Start(t)

	stub := &consoleStub{err: errors.New("link: not connected")}
	var out bytes.Buffer
	if err := runConsole(context.Background(), strings.NewReader("info\npin 12 maybe\n"), &out, stub); err != nil {
		t.Fatalf("console: %v", err)
	}
	if !strings.Contains(out.String(), "error: link: not connected") {
		t.Fatalf("send error missing: %q", out.String())
	}
	if !strings.Contains(out.String(), "want on or off") {
		t.Fatalf("pin usage missing: %q", out.String())
	}
}

func TestConsoleStopsOnCancel(t *testing.T) {
	testlog.Start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, w := io.Pipe()
	defer w.Close()
	if err := runConsole(ctx, r, &bytes.Buffer{}, &consoleStub{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err got=%v want=%v", err, context.Canceled)
	}
}

func TestParsePin(t *testing.T) {
	cases := []struct {
		args    []string
		pin     uint32
		enabled bool
		ok      bool
	}{
		{[]string{"123456", "on"}, 123456, true, true},
		{[]string{"7", "OFF"}, 7, false, true},
		{[]string{"x", "on"}, 0, false, false},
		{[]string{"1"}, 0, false, false},
	}
	for _, tc := range cases {
		pin, enabled, err := parsePin(tc.args)
		if (err == nil) != tc.ok || pin != tc.pin || enabled != tc.enabled {
			t.Fatalf("parsePin(%v) got=%d,%v,%v", tc.args, pin, enabled, err)
		}
	}
}

func TestConsoleHelpDescribesCommands(t *testing.T) {
	testlog.Start(t)

	var out bytes.Buffer
	if err := runConsole(context.Background(), strings.NewReader("help\n"), &out, &consoleStub{}); err != nil {
		t.Fatalf("console: %v", err)
	}
	help := out.String()
	if !strings.Contains(help, "connects only to the saved device") {
		t.Fatalf("discover help got=%q", help)
	}
	if !strings.Contains(help, "the adapter bond is kept") {
		t.Fatalf("forget help got=%q", help)
	}
}
