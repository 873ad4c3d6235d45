package bluez

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/chamctl/internal/link"
	"github.com/godbus/dbus/v5"
)

const (
	busName           = "org.bluez"
	adapterIface      = "org.bluez.Adapter1"
	deviceIface       = "org.bluez.Device1"
	gattServiceIface  = "org.bluez.GattService1"
	gattCharIface     = "org.bluez.GattCharacteristic1"
	gattDescIface     = "org.bluez.GattDescriptor1"
	agentIface        = "org.bluez.Agent1"
	agentManagerIface = "org.bluez.AgentManager1"
	propertiesIface   = "org.freedesktop.DBus.Properties"
	objectManager     = "org.freedesktop.DBus.ObjectManager"

	propertiesChanged = propertiesIface + ".PropertiesChanged"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// devicePath maps "AA:BB:CC:DD:EE:FF" to /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapter string, addr link.Address) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, strings.ReplaceAll(addr.String(), ":", "_")))
}

func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

func variantAs[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	out, ok := v.Value().(T)
	return out, ok
}

// peerFromDevice converts Device1 properties into a scan result. BlueZ only
// reports RSSI for devices seen in the running discovery, so a device without
// RSSI is a cached entry and reported as not present.
func peerFromDevice(props map[string]dbus.Variant) (link.Peer, bool) {
	addr, ok := variantAs[string](props, "Address")
	if !ok {
		return link.Peer{}, false
	}
	rssi, seen := variantAs[int16](props, "RSSI")
	if !seen {
		return link.Peer{}, false
	}
	p := link.Peer{
		Address:     link.ParseAddress(addr),
		RSSI:        int(rssi),
		Connectable: true,
	}
	if t, ok := variantAs[string](props, "AddressType"); ok && t == "random" {
		p.AddressType = 1
	}
	if name, ok := variantAs[string](props, "Name"); ok {
		p.Name = name
	} else if alias, ok := variantAs[string](props, "Alias"); ok && alias != strings.ReplaceAll(addr, ":", "-") {
		p.Name = alias
	}
	if uuids, ok := variantAs[[]string](props, "UUIDs"); ok {
		p.ServiceUUIDs = append([]string(nil), uuids...)
	}
	return p, true
}

// peersUnder lists visible devices owned by adapter, ordered by path.
func peersUnder(adapter string, objects managedObjects) []scanned {
	prefix := string(adapterPath(adapter)) + "/"
	var out []scanned
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		p, ok := peerFromDevice(props)
		if !ok {
			continue
		}
		out = append(out, scanned{path: path, peer: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

type scanned struct {
	path dbus.ObjectPath
	peer link.Peer
}

func propsFromFlags(flags []string) link.Props {
	var p link.Props
	for _, f := range flags {
		switch f {
		case "read":
			p.Read = true
		case "write":
			p.Write = true
		case "write-without-response":
			p.WriteNoResp = true
		case "notify":
			p.Notify = true
		case "indicate":
			p.Indicate = true
		}
	}
	return p
}

func uuidEqual(a, b string) bool {
	return link.NormalizeUUID(a) == link.NormalizeUUID(b)
}

// serviceFromObjects resolves spec against the GATT tree below dev.
func serviceFromObjects(dev dbus.ObjectPath, spec link.ServiceSpec, objects managedObjects) (link.Service, error) {
	devPrefix := string(dev) + "/"
	var svcPath dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[gattServiceIface]
		if !ok || !strings.HasPrefix(string(path), devPrefix) {
			continue
		}
		if uuid, _ := variantAs[string](props, "UUID"); uuidEqual(uuid, spec.ServiceUUID) {
			svcPath = path
			break
		}
	}
	if svcPath == "" {
		return link.Service{}, link.ErrServiceNotFound
	}

	svc := link.Service{UUID: spec.ServiceUUID, Handle: string(svcPath)}
	svcPrefix := string(svcPath) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), svcPrefix) {
			continue
		}
		uuid, _ := variantAs[string](props, "UUID")
		flags, _ := variantAs[[]string](props, "Flags")
		ch := link.Characteristic{UUID: uuid, Handle: string(path), Props: propsFromFlags(flags)}
		switch {
		case uuidEqual(uuid, spec.RXUUID):
			svc.RX = ch
		case uuidEqual(uuid, spec.TXUUID):
			svc.TX = ch
		}
	}
	if svc.RX.Handle == "" || svc.TX.Handle == "" {
		return svc, link.ErrCharMissing
	}

	txPrefix := svc.TX.Handle + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[gattDescIface]
		if !ok || !strings.HasPrefix(string(path), txPrefix) {
			continue
		}
		if uuid, _ := variantAs[string](props, "UUID"); uuidEqual(uuid, link.CCCDUUID) {
			svc.TX.Config = &link.Descriptor{UUID: uuid, Handle: string(path)}
			break
		}
	}
	return svc, nil
}

// changedProps splits a PropertiesChanged signal into interface and changes.
func changedProps(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != propertiesChanged || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", nil, false
	}
	return iface, changed, true
}
