package bluez

import (
	"testing"

	"github.com/danmuck/chamctl/internal/link"
	"github.com/danmuck/chamctl/internal/testutil/testlog"
)

type fixedPasskey struct {
	pin     uint32
	confirm bool
}

func (f fixedPasskey) Passkey() uint32             { return f.pin }
func (f fixedPasskey) ConfirmPasskey(uint32) bool { return f.confirm }

func TestAgentAnswersFromProvider(t *testing.T) {
	testlog.Start(t)

	a := NewAgent(fixedPasskey{pin: 4321, confirm: true})
	pk, err := a.RequestPasskey(dev)
	if err != nil || pk != 4321 {
		t.Fatalf("passkey got=%d err=%v", pk, err)
	}
	pin, err := a.RequestPinCode(dev)
	if err != nil || pin != "004321" {
		t.Fatalf("pin got=%q err=%v", pin, err)
	}
	if err := a.RequestConfirmation(dev, 111111); err != nil {
		t.Fatalf("confirmation rejected: %v", err)
	}
}

func TestAgentRejectsWithoutProvider(t *testing.T) {
	testlog.Start(t)

	a := NewAgent(nil)
	if _, err := a.RequestPasskey(dev); err == nil {
		t.Fatalf("expected rejection")
	}
	a.SetProvider(fixedPasskey{confirm: false})
	if err := a.RequestConfirmation(dev, 1); err == nil {
		t.Fatalf("expected rejection when provider declines")
	}
}

func TestCapability(t *testing.T) {
	if capability(link.IOKeyboardOnly) != "KeyboardOnly" || capability(link.IONoInputNoOutput) != "NoInputNoOutput" {
		t.Fatalf("capability mapping mismatch")
	}
}
