package bluez

import (
	"fmt"
	"sync"

	"github.com/danmuck/chamctl/internal/link"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog/log"
)

const agentPath dbus.ObjectPath = "/org/bluez/agent/chamctl"

// PasskeyProvider answers pairing prompts.
type PasskeyProvider interface {
	Passkey() uint32
	ConfirmPasskey(passkey uint32) bool
}

const agentIntrospection = `
<node>
	<interface name="` + agentIface + `">
		<method name="Release"></method>
		<method name="RequestPinCode">
			<arg direction="in" type="o"/>
			<arg direction="out" type="s"/>
		</method>
		<method name="DisplayPinCode">
			<arg direction="in" type="o"/>
			<arg direction="in" type="s"/>
		</method>
		<method name="RequestPasskey">
			<arg direction="in" type="o"/>
			<arg direction="out" type="u"/>
		</method>
		<method name="DisplayPasskey">
			<arg direction="in" type="o"/>
			<arg direction="in" type="u"/>
			<arg direction="in" type="q"/>
		</method>
		<method name="RequestConfirmation">
			<arg direction="in" type="o"/>
			<arg direction="in" type="u"/>
		</method>
		<method name="RequestAuthorization">
			<arg direction="in" type="o"/>
		</method>
		<method name="AuthorizeService">
			<arg direction="in" type="o"/>
			<arg direction="in" type="s"/>
		</method>
		<method name="Cancel"></method>
	</interface>` + introspect.IntrospectDataString + `</node>`

var errRejected = dbus.NewError("org.bluez.Error.Rejected", []interface{}{"rejected by chamctl"})

// Agent is the org.bluez.Agent1 object. Method signatures follow godbus
// export rules.
type Agent struct {
	mu       sync.RWMutex
	provider PasskeyProvider
}

func NewAgent(provider PasskeyProvider) *Agent {
	return &Agent{provider: provider}
}

func (a *Agent) SetProvider(p PasskeyProvider) {
	a.mu.Lock()
	a.provider = p
	a.mu.Unlock()
}

func (a *Agent) current() PasskeyProvider {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.provider
}

func (a *Agent) Release() *dbus.Error {
	log.Debug().Msg("bluez.Agent released")
	return nil
}

func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	p := a.current()
	if p == nil {
		return "", errRejected
	}
	log.Info().Str("device", string(device)).Msg("bluez.Agent pin code requested")
	return fmt.Sprintf("%06d", p.Passkey()), nil
}

func (a *Agent) DisplayPinCode(device dbus.ObjectPath, code string) *dbus.Error {
	log.Info().Str("device", string(device)).Str("pin", code).Msg("bluez.Agent display pin code")
	return nil
}

func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	p := a.current()
	if p == nil {
		return 0, errRejected
	}
	log.Info().Str("device", string(device)).Msg("[SEC] Passkey requested; supplying configured pin")
	return p.Passkey(), nil
}

func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	log.Info().Str("device", string(device)).Uint32("passkey", passkey).Uint16("entered", entered).Msg("bluez.Agent display passkey")
	return nil
}

func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	p := a.current()
	if p == nil || !p.ConfirmPasskey(passkey) {
		return errRejected
	}
	log.Info().Str("device", string(device)).Uint32("passkey", passkey).Msg("[SEC] Confirming passkey")
	return nil
}

func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	return nil
}

func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	return nil
}

func (a *Agent) Cancel() *dbus.Error {
	log.Warn().Msg("bluez.Agent pairing cancelled by peer")
	return nil
}

// capability maps an IO capability to the BlueZ agent capability string.
func capability(io link.IOCapability) string {
	switch io {
	case link.IOKeyboardOnly:
		return "KeyboardOnly"
	default:
		return "NoInputNoOutput"
	}
}

// exportAgent publishes a on conn and registers it as the default agent.
func exportAgent(conn *dbus.Conn, a *Agent, io link.IOCapability) error {
	if err := conn.Export(a, agentPath, agentIface); err != nil {
		return fmt.Errorf("bluez: export agent: %w", err)
	}
	if err := conn.Export(introspect.Introspectable(agentIntrospection), agentPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("bluez: export agent introspection: %w", err)
	}
	return registerAgent(conn, io)
}

func registerAgent(conn *dbus.Conn, io link.IOCapability) error {
	mgr := conn.Object(busName, "/org/bluez")
	if call := mgr.Call(agentManagerIface+".RegisterAgent", 0, agentPath, capability(io)); call.Err != nil {
		return fmt.Errorf("bluez: register agent: %w", call.Err)
	}
	if call := mgr.Call(agentManagerIface+".RequestDefaultAgent", 0, agentPath); call.Err != nil {
		return fmt.Errorf("bluez: default agent: %w", call.Err)
	}
	log.Info().Str("capability", capability(io)).Msg("bluez agent registered")
	return nil
}

func unregisterAgent(conn *dbus.Conn) {
	mgr := conn.Object(busName, "/org/bluez")
	if call := mgr.Call(agentManagerIface+".UnregisterAgent", 0, agentPath); call.Err != nil {
		log.Debug().Err(call.Err).Msg("bluez unregister agent failed")
	}
}
