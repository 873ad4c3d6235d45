package security

import (
	"errors"
	"testing"

	"github.com/danmuck/chamctl/internal/link"
	"github.com/danmuck/chamctl/internal/store"
	"github.com/danmuck/chamctl/internal/testutil/testlog"
)

type recordingApplier struct {
	applied []link.SecurityPolicy
	err     error
}

func (r *recordingApplier) ApplySecurity(p link.SecurityPolicy) error {
	r.applied = append(r.applied, p)
	return r.err
}

func TestManagerDefaultsToJustWorks(t *testing.T) {
	testlog.Start(t)

	app := &recordingApplier{}
	m, err := NewManager(store.NewMemory(), app)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Apply(); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := app.applied[0]
	if got.MITM || !got.Bonding || got.IOCap != link.IONoInputNoOutput {
		t.Fatalf("policy got=%+v want just-works", got)
	}
	if m.Passkey() != link.DefaultPin {
		t.Fatalf("passkey got=%d want=%d", m.Passkey(), link.DefaultPin)
	}
}

func TestManagerSaveSwitchesPolicy(t *testing.T) {
	testlog.Start(t)

	st := store.NewMemory()
	app := &recordingApplier{}
	m, _ := NewManager(st, app)
	if err := m.Save(4242, true); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(app.applied) != 1 || app.applied[0] != PinEntry {
		t.Fatalf("applied got=%+v", app.applied)
	}
	if m.Passkey() != 4242 {
		t.Fatalf("passkey got=%d want=4242", m.Passkey())
	}
	if cfg, _ := st.PinConfig(); cfg.Pin != 4242 || !cfg.Enabled {
		t.Fatalf("stored config got=%+v", cfg)
	}

	// a new manager over the same store sees the saved mode
	again, _ := NewManager(st, nil)
	if again.Policy() != PinEntry {
		t.Fatalf("reloaded policy got=%+v", again.Policy())
	}

	if err := m.Save(4242, false); err != nil {
		t.Fatalf("save: %v", err)
	}
	if m.Passkey() != link.DefaultPin {
		t.Fatalf("just-works passkey got=%d", m.Passkey())
	}
}

func TestManagerRejectsOutOfRangePin(t *testing.T) {
	testlog.Start(t)

	m, _ := NewManager(store.NewMemory(), nil)
	if err := m.Save(1_000_000, true); !errors.Is(err, ErrInvalidPin) {
		t.Fatalf("err got=%v want=%v", err, ErrInvalidPin)
	}
	if m.Config().Enabled {
		t.Fatalf("invalid save changed config")
	}
}

func TestManagerApplyError(t *testing.T) {
	testlog.Start(t)

	app := &recordingApplier{err: errors.New("adapter gone")}
	m, _ := NewManager(nil, app)
	if err := m.Apply(); err == nil {
		t.Fatalf("expected apply error")
	}
	if !m.ConfirmPasskey(987654) {
		t.Fatalf("confirm should always accept")
	}
}
