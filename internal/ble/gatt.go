package ble

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	bluezDest = "org.bluez"
	bluezRoot = dbus.ObjectPath("/")

	appPath   = dbus.ObjectPath("/org/equilibrium")
	agentPath = dbus.ObjectPath("/org/equilibrium/agent0")
	advPath   = dbus.ObjectPath("/org/equilibrium/advertisement0")

	ifaceAdapter       = "org.bluez.Adapter1"
	ifaceDevice        = "org.bluez.Device1"
	ifaceService       = "org.bluez.GattService1"
	ifaceChar          = "org.bluez.GattCharacteristic1"
	ifaceDesc          = "org.bluez.GattDescriptor1"
	ifaceAdvertisement = "org.bluez.LEAdvertisement1"
	ifaceProps         = "org.freedesktop.DBus.Properties"
	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"
)

// btUUID expands a 16-bit SIG-assigned id to its full 128-bit form.
func btUUID(short uint16) string {
	return fmt.Sprintf("%08x-0000-1000-8000-00805f9b34fb", uint32(short))
}

// propsShim answers org.freedesktop.DBus.Properties for one exported
// GATT object. BlueZ reads everything it needs from GetManagedObjects at
// registration time, but some controllers re-read single properties.
type propsShim struct {
	props map[string]map[string]dbus.Variant
}

func (p *propsShim) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	if m, ok := p.props[iface]; ok {
		if v, ok := m[prop]; ok {
			return v, nil
		}
	}
	return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property %s.%s", iface, prop))
}

func (p *propsShim) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if m, ok := p.props[iface]; ok {
		return m, nil
	}
	return map[string]dbus.Variant{}, nil
}

func (p *propsShim) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	return dbus.MakeFailedError(fmt.Errorf("property %s.%s is read-only", iface, prop))
}

// descriptor is one exported GATT descriptor (only the 0x2908 Report
// Reference is used here).
type descriptor struct {
	path  dbus.ObjectPath
	uuid  string
	char  dbus.ObjectPath
	flags []string
	value []byte
}

func (d *descriptor) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	return d.value, nil
}

func (d *descriptor) properties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"UUID":           dbus.MakeVariant(d.uuid),
		"Characteristic": dbus.MakeVariant(d.char),
		"Flags":          dbus.MakeVariant(d.flags),
	}
}

// characteristic is one exported GATT characteristic. Value mutations go
// through SetValue, which emits the PropertiesChanged notification BlueZ
// turns into a GATT notify for subscribed centrals.
type characteristic struct {
	conn    *dbus.Conn
	path    dbus.ObjectPath
	uuid    string
	service dbus.ObjectPath
	flags   []string

	mu        sync.Mutex
	value     []byte
	notifying bool

	onWrite     func([]byte)
	descriptors []*descriptor
}

func (c *characteristic) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.value))
	copy(out, c.value)
	return out, nil
}

func (c *characteristic) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	if c.onWrite != nil {
		c.onWrite(value)
	}
	c.mu.Lock()
	c.value = value
	c.mu.Unlock()
	return nil
}

func (c *characteristic) StartNotify() *dbus.Error {
	c.mu.Lock()
	c.notifying = true
	c.mu.Unlock()
	return nil
}

func (c *characteristic) StopNotify() *dbus.Error {
	c.mu.Lock()
	c.notifying = false
	c.mu.Unlock()
	return nil
}

// SetValue stores v and, if a central subscribed, emits the notify.
func (c *characteristic) SetValue(v []byte) {
	c.mu.Lock()
	c.value = v
	notifying := c.notifying
	c.mu.Unlock()
	if notifying && c.conn != nil {
		_ = c.conn.Emit(c.path, ifaceProps+".PropertiesChanged", ifaceChar,
			map[string]dbus.Variant{"Value": dbus.MakeVariant(v)}, []string{})
	}
}

func (c *characteristic) properties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"UUID":    dbus.MakeVariant(c.uuid),
		"Service": dbus.MakeVariant(c.service),
		"Flags":   dbus.MakeVariant(c.flags),
	}
}

// gattService is one exported primary service with its characteristics.
type gattService struct {
	path    dbus.ObjectPath
	uuid    string
	primary bool
	chars   []*characteristic
}

func (s *gattService) properties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"UUID":    dbus.MakeVariant(s.uuid),
		"Primary": dbus.MakeVariant(s.primary),
	}
}

// application is the ObjectManager root BlueZ walks on
// RegisterApplication.
type application struct {
	services []*gattService
}

func (a *application) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	out := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{}
	for _, s := range a.services {
		out[s.path] = map[string]map[string]dbus.Variant{ifaceService: s.properties()}
		for _, c := range s.chars {
			out[c.path] = map[string]map[string]dbus.Variant{ifaceChar: c.properties()}
			for _, d := range c.descriptors {
				out[d.path] = map[string]map[string]dbus.Variant{ifaceDesc: d.properties()}
			}
		}
	}
	return out, nil
}

// export registers the whole tree on conn: the app's ObjectManager, then
// every service, characteristic and descriptor with its Properties shim.
func (a *application) export(conn *dbus.Conn) error {
	if err := conn.Export(a, appPath, ifaceObjectManager); err != nil {
		return fmt.Errorf("ble: export object manager: %w", err)
	}
	for _, s := range a.services {
		// Services carry no methods; only their Properties are exported.
		if err := conn.Export(&propsShim{props: map[string]map[string]dbus.Variant{ifaceService: s.properties()}}, s.path, ifaceProps); err != nil {
			return err
		}
		for _, c := range s.chars {
			if err := conn.Export(c, c.path, ifaceChar); err != nil {
				return fmt.Errorf("ble: export characteristic %s: %w", c.path, err)
			}
			if err := conn.Export(&propsShim{props: map[string]map[string]dbus.Variant{ifaceChar: c.properties()}}, c.path, ifaceProps); err != nil {
				return err
			}
			for _, d := range c.descriptors {
				if err := conn.Export(d, d.path, ifaceDesc); err != nil {
					return fmt.Errorf("ble: export descriptor %s: %w", d.path, err)
				}
				if err := conn.Export(&propsShim{props: map[string]map[string]dbus.Variant{ifaceDesc: d.properties()}}, d.path, ifaceProps); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// unexport removes the tree from conn so a new profile can re-export
// under the same paths.
func (a *application) unexport(conn *dbus.Conn) {
	_ = conn.Export(nil, appPath, ifaceObjectManager)
	for _, s := range a.services {
		_ = conn.Export(nil, s.path, ifaceService)
		_ = conn.Export(nil, s.path, ifaceProps)
		for _, c := range s.chars {
			_ = conn.Export(nil, c.path, ifaceChar)
			_ = conn.Export(nil, c.path, ifaceProps)
			for _, d := range c.descriptors {
				_ = conn.Export(nil, d.path, ifaceDesc)
				_ = conn.Export(nil, d.path, ifaceProps)
			}
		}
	}
}

// advertisement is the exported LEAdvertisement1 object.
type advertisement struct {
	localName    string
	serviceUUIDs []string
	appearance   uint16
	released     func()
}

func (a *advertisement) Release() *dbus.Error {
	if a.released != nil {
		a.released()
	}
	return nil
}

func (a *advertisement) properties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Type":         dbus.MakeVariant("peripheral"),
		"ServiceUUIDs": dbus.MakeVariant(a.serviceUUIDs),
		"LocalName":    dbus.MakeVariant(a.localName),
		"Appearance":   dbus.MakeVariant(a.appearance),
		"Timeout":      dbus.MakeVariant(uint16(0)),
		"Discoverable": dbus.MakeVariant(true),
	}
}

func (a *advertisement) export(conn *dbus.Conn) error {
	if err := conn.Export(a, advPath, ifaceAdvertisement); err != nil {
		return fmt.Errorf("ble: export advertisement: %w", err)
	}
	return conn.Export(&propsShim{props: map[string]map[string]dbus.Variant{ifaceAdvertisement: a.properties()}}, advPath, ifaceProps)
}

func (a *advertisement) unexport(conn *dbus.Conn) {
	_ = conn.Export(nil, advPath, ifaceAdvertisement)
	_ = conn.Export(nil, advPath, ifaceProps)
}
