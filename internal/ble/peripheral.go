// Package ble implements the Bluetooth HID peripheral and its pairing
// agent directly on the BlueZ D-Bus API: GATT service registration,
// advertising, adapter/peer maintenance, and keyboard/remote input
// reports notified to the connected central.
package ble

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"equilibrium/internal/model"
)

const (
	maintenanceInterval = 5 * time.Second
	clickDuration       = 100 * time.Millisecond
	defaultConnectWait  = 10 * time.Second
)

// pnpID is the fixed 7-byte PnP identifier returned by the Device
// Information service: USB vendor source, VID, PID, product version.
var pnpID = []byte{0x02, 0x6B, 0x1D, 0x46, 0x02, 0x11, 0x01}

// Profile is one report-map flavour the peripheral can expose.
type Profile struct {
	Name       string
	Appearance uint16
	reportMap  []byte
	reports    []reportSpec
}

type reportSpec struct {
	id   byte
	size int
}

var profiles = map[string]*Profile{
	"keyboard": {
		Name:       "keyboard",
		Appearance: 0x03C1,
		reportMap:  keyboardReportMap,
		reports:    []reportSpec{{keyboardReportID, 8}, {consumerReportID, 2}},
	},
	"remote": {
		Name:       "remote",
		Appearance: 0x0180,
		reportMap:  remoteReportMap,
		reports:    []reportSpec{{remoteReportID, 2}},
	},
}

// PeerState is the observed lifecycle position of one known peer.
type PeerState string

const (
	PeerDiscovered PeerState = "discovered"
	PeerPaired     PeerState = "paired"
	PeerTrusted    PeerState = "trusted"
	PeerConnected  PeerState = "connected"
)

// PeerInfo describes one device known to the adapter.
type PeerInfo struct {
	Path      string    `json:"path"`
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	Paired    bool      `json:"paired"`
	Trusted   bool      `json:"trusted"`
	Connected bool      `json:"connected"`
	State     PeerState `json:"state"`
}

// Config selects the adapter alias and the initially active profile.
type Config struct {
	Alias   string
	Profile string
}

// Peripheral owns the platform Bluetooth adapter. All mutating input
// operations are driven from the Task Queue's consumer; the maintenance
// loop runs its own ticker goroutine and only touches D-Bus.
type Peripheral struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	alias   string
	agent   *Agent

	mu          sync.Mutex
	profile     *Profile
	app         *application
	reportChars map[byte]*characteristic
	batteryChar *characteristic
	adv         *advertisement
	advertising bool

	keyboardState [8]byte
	consumerState uint16
	remoteState   uint16

	anyConnected bool
	stop         chan struct{}
	stopped      chan struct{}
}

// New connects to the system bus and locates the first adapter. The
// control plane treats failure here as fatal and boots degraded.
func New(cfg Config) (*Peripheral, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, model.Wrap(model.Fatal, "ble.New", err)
	}
	adapter, err := findAdapter(conn)
	if err != nil {
		conn.Close()
		return nil, model.Wrap(model.Fatal, "ble.New", err)
	}
	profile := profiles[cfg.Profile]
	if profile == nil {
		profile = profiles["remote"]
	}
	return &Peripheral{
		conn:    conn,
		adapter: adapter,
		alias:   cfg.Alias,
		profile: profile,
		agent:   newAgent(conn),
	}, nil
}

func findAdapter(conn *dbus.Conn) (dbus.ObjectPath, error) {
	var out map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := conn.Object(bluezDest, bluezRoot).Call(ifaceObjectManager+".GetManagedObjects", 0).Store(&out); err != nil {
		return "", fmt.Errorf("GetManagedObjects: %w", err)
	}
	var paths []string
	for path, ifaces := range out {
		if _, ok := ifaces[ifaceAdapter]; ok {
			paths = append(paths, string(path))
		}
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("no bluetooth adapter found")
	}
	sort.Strings(paths)
	return dbus.ObjectPath(paths[0]), nil
}

// Agent returns the pairing agent for verdict wiring.
func (p *Peripheral) Agent() *Agent { return p.agent }

// Start forces the adapter into the discoverable/pairable state, exports
// and registers the GATT application and pairing agent, begins
// advertising and launches the maintenance loop.
func (p *Peripheral) Start(ctx context.Context) error {
	p.ensureAdapterState()

	if err := p.agent.register(); err != nil {
		return model.Wrap(model.Fatal, "ble.Start", err)
	}
	if err := p.registerApplication(); err != nil {
		return model.Wrap(model.Fatal, "ble.Start", err)
	}
	if err := p.Advertise(); err != nil {
		log.Println("ble: initial advertise failed:", err)
	}

	p.stop = make(chan struct{})
	p.stopped = make(chan struct{})
	go p.maintenanceLoop()
	return nil
}

// Shutdown stops advertising, unregisters everything and closes the bus.
func (p *Peripheral) Shutdown() {
	if p.stop != nil {
		close(p.stop)
		<-p.stopped
	}
	p.StopAdvertising()
	p.unregisterApplication()
	p.agent.unregister()
	p.conn.Close()
}

// ensureAdapterState re-asserts the adapter properties; some
// controllers revert them after a disconnect.
func (p *Peripheral) ensureAdapterState() {
	obj := p.conn.Object(bluezDest, p.adapter)
	set := func(prop string, value any) {
		if err := obj.Call(ifaceProps+".Set", 0, ifaceAdapter, prop, dbus.MakeVariant(value)).Err; err != nil {
			log.Printf("ble: set adapter %s: %v", prop, err)
		}
	}
	set("Powered", true)
	set("Alias", p.alias)
	set("DiscoverableTimeout", uint32(0))
	set("PairableTimeout", uint32(0))
	set("Discoverable", true)
	set("Pairable", true)
	// Not every controller exposes Privacy; failure is expected.
	_ = obj.Call(ifaceProps+".Set", 0, ifaceAdapter, "Privacy", dbus.MakeVariant("off")).Err
}

// registerApplication builds and exports the GATT tree for the active
// profile, then hands it to BlueZ.
func (p *Peripheral) registerApplication() error {
	p.mu.Lock()
	profile := p.profile
	p.mu.Unlock()

	app, reports, battery := buildApplication(p.conn, profile)
	if err := app.export(p.conn); err != nil {
		return err
	}
	call := p.conn.Object(bluezDest, p.adapter).Call("org.bluez.GattManager1.RegisterApplication", 0, appPath, map[string]dbus.Variant{})
	if call.Err != nil {
		app.unexport(p.conn)
		return fmt.Errorf("RegisterApplication: %w", call.Err)
	}

	p.mu.Lock()
	p.app = app
	p.reportChars = reports
	p.batteryChar = battery
	p.mu.Unlock()
	return nil
}

func (p *Peripheral) unregisterApplication() {
	p.mu.Lock()
	app := p.app
	p.app = nil
	p.reportChars = nil
	p.batteryChar = nil
	p.mu.Unlock()
	if app == nil {
		return
	}
	_ = p.conn.Object(bluezDest, p.adapter).Call("org.bluez.GattManager1.UnregisterApplication", 0, appPath).Err
	app.unexport(p.conn)
}

// buildApplication assembles Battery, Device Information and HID services
// under the fixed root path for the given profile.
func buildApplication(conn *dbus.Conn, profile *Profile) (*application, map[byte]*characteristic, *characteristic) {
	mkChar := func(service dbus.ObjectPath, n int, uuid uint16, flags []string, value []byte) *characteristic {
		return &characteristic{
			conn:    conn,
			path:    dbus.ObjectPath(fmt.Sprintf("%s/char%d", service, n)),
			uuid:    btUUID(uuid),
			service: service,
			flags:   flags,
			value:   value,
		}
	}

	batterySvc := &gattService{path: appPath + "/service0", uuid: btUUID(0x180F), primary: true}
	batteryChar := mkChar(batterySvc.path, 0, 0x2A19, []string{"read", "notify"}, []byte{100})
	batterySvc.chars = []*characteristic{batteryChar}

	infoSvc := &gattService{path: appPath + "/service1", uuid: btUUID(0x180A), primary: true}
	infoSvc.chars = []*characteristic{
		mkChar(infoSvc.path, 0, 0x2A50, []string{"read"}, pnpID),
	}

	hidSvc := &gattService{path: appPath + "/service2", uuid: btUUID(0x1812), primary: true}
	// bcdHID 0x0111, country 0, flags RemoteWake|NormallyConnectable.
	hidInfo := mkChar(hidSvc.path, 0, 0x2A4A, []string{"read"}, []byte{0x11, 0x01, 0x00, 0x03})
	reportMap := mkChar(hidSvc.path, 1, 0x2A4B, []string{"read"}, profile.reportMap)
	controlPoint := mkChar(hidSvc.path, 2, 0x2A4C, []string{"write-without-response"}, nil)
	protocolMode := mkChar(hidSvc.path, 3, 0x2A4E, []string{"read", "write-without-response"}, []byte{0x01})

	hidSvc.chars = []*characteristic{hidInfo, reportMap, controlPoint, protocolMode}
	reports := map[byte]*characteristic{}
	for i, spec := range profile.reports {
		rc := mkChar(hidSvc.path, 4+i, 0x2A4D, []string{"secure-read", "notify"}, make([]byte, spec.size))
		rc.descriptors = []*descriptor{{
			path:  dbus.ObjectPath(fmt.Sprintf("%s/desc0", rc.path)),
			uuid:  btUUID(0x2908),
			char:  rc.path,
			flags: []string{"read"},
			value: []byte{spec.id, 0x01}, // input report
		}}
		hidSvc.chars = append(hidSvc.chars, rc)
		reports[spec.id] = rc
	}

	app := &application{services: []*gattService{batterySvc, infoSvc, hidSvc}}
	return app, reports, batteryChar
}

// Profiles lists the selectable report-map flavours.
func (p *Peripheral) Profiles() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveProfile returns the name of the profile currently exported.
func (p *Peripheral) ActiveProfile() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile.Name
}

// ActivateProfile swaps the exported GATT application to the named
// profile and restarts advertising with its appearance.
func (p *Peripheral) ActivateProfile(name string) error {
	profile, ok := profiles[name]
	if !ok {
		return model.Wrap(model.NotFound, "ble.ActivateProfile", fmt.Errorf("unknown profile %q", name))
	}
	p.StopAdvertising()
	p.unregisterApplication()

	p.mu.Lock()
	p.profile = profile
	p.keyboardState = [8]byte{}
	p.consumerState = 0
	p.remoteState = 0
	p.mu.Unlock()

	if err := p.registerApplication(); err != nil {
		return model.Wrap(model.TransportFailure, "ble.ActivateProfile", err)
	}
	return p.Advertise()
}

// Advertise registers a permanent advertisement carrying the adapter
// alias, the three service UUIDs and the profile's appearance.
func (p *Peripheral) Advertise() error {
	p.mu.Lock()
	if p.advertising {
		p.mu.Unlock()
		return nil
	}
	profile := p.profile
	adv := &advertisement{
		localName: p.alias,
		serviceUUIDs: []string{
			btUUID(0x180F), btUUID(0x180A), btUUID(0x1812),
		},
		appearance: profile.Appearance,
	}
	adv.released = func() {
		p.mu.Lock()
		p.advertising = false
		p.mu.Unlock()
	}
	p.adv = adv
	p.mu.Unlock()

	if err := adv.export(p.conn); err != nil {
		return model.Wrap(model.TransportFailure, "ble.Advertise", err)
	}
	call := p.conn.Object(bluezDest, p.adapter).Call("org.bluez.LEAdvertisingManager1.RegisterAdvertisement", 0, advPath, map[string]dbus.Variant{})
	if call.Err != nil {
		adv.unexport(p.conn)
		return model.Wrap(model.TransportFailure, "ble.Advertise", call.Err)
	}

	p.mu.Lock()
	p.advertising = true
	p.mu.Unlock()
	log.Println("ble: advertising as", p.alias)
	return nil
}

// StopAdvertising unregisters the live advertisement, if any.
func (p *Peripheral) StopAdvertising() {
	p.mu.Lock()
	adv := p.adv
	advertising := p.advertising
	p.adv = nil
	p.advertising = false
	p.mu.Unlock()
	if adv == nil || !advertising {
		return
	}
	_ = p.conn.Object(bluezDest, p.adapter).Call("org.bluez.LEAdvertisingManager1.UnregisterAdvertisement", 0, advPath).Err
	adv.unexport(p.conn)
}

// maintenanceLoop re-asserts adapter state and peer trust every 5s, and
// keeps an advertisement live whenever no central is connected.
func (p *Peripheral) maintenanceLoop() {
	defer close(p.stopped)
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.maintain()
		}
	}
}

func (p *Peripheral) maintain() {
	p.ensureAdapterState()

	devices, err := p.Devices()
	if err != nil {
		log.Println("ble: maintenance device listing:", err)
		return
	}

	connected := false
	for _, d := range devices {
		if d.Connected {
			connected = true
		}
		if d.Paired && !d.Trusted {
			if err := p.setTrusted(dbus.ObjectPath(d.Path), true); err != nil {
				log.Println("ble: trust", d.Address, ":", err)
			} else {
				log.Println("ble: trusted", d.Address)
			}
		}
	}

	p.mu.Lock()
	wasConnected := p.anyConnected
	p.anyConnected = connected
	advertising := p.advertising
	p.mu.Unlock()

	// A central just dropped: restart advertising so it can reconnect.
	if wasConnected && !connected {
		p.StopAdvertising()
		if err := p.Advertise(); err != nil {
			log.Println("ble: restart advertising:", err)
		}
		return
	}
	if !connected && !advertising {
		if err := p.Advertise(); err != nil {
			log.Println("ble: advertise:", err)
		}
	}
}

func (p *Peripheral) setTrusted(path dbus.ObjectPath, trusted bool) error {
	return p.conn.Object(bluezDest, path).Call(ifaceProps+".Set", 0, ifaceDevice, "Trusted", dbus.MakeVariant(trusted)).Err
}

// Devices lists every peer the adapter knows about.
func (p *Peripheral) Devices() ([]PeerInfo, error) {
	var out map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := p.conn.Object(bluezDest, bluezRoot).Call(ifaceObjectManager+".GetManagedObjects", 0).Store(&out); err != nil {
		return nil, fmt.Errorf("ble: GetManagedObjects: %w", err)
	}
	prefix := string(p.adapter) + "/"
	var devices []PeerInfo
	for path, ifaces := range out {
		props, ok := ifaces[ifaceDevice]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		d := PeerInfo{Path: string(path)}
		if v, ok := props["Address"].Value().(string); ok {
			d.Address = v
		}
		if v, ok := props["Alias"].Value().(string); ok {
			d.Name = v
		}
		d.Paired, _ = props["Paired"].Value().(bool)
		d.Trusted, _ = props["Trusted"].Value().(bool)
		d.Connected, _ = props["Connected"].Value().(bool)
		d.State = peerState(d)
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Address < devices[j].Address })
	return devices, nil
}

func peerState(d PeerInfo) PeerState {
	switch {
	case d.Connected:
		return PeerConnected
	case d.Trusted && d.Paired:
		return PeerTrusted
	case d.Paired:
		return PeerPaired
	default:
		return PeerDiscovered
	}
}

// devicePath converts AA:BB:CC:DD:EE:FF into the adapter's device path.
func (p *Peripheral) devicePath(address string) dbus.ObjectPath {
	mac := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(string(p.adapter) + "/dev_" + mac)
}

// Pair initiates pairing with address; with trust set the peer is marked
// Trusted afterwards, enabling unattended reconnect.
func (p *Peripheral) Pair(ctx context.Context, address string, trust bool) error {
	path := p.devicePath(address)
	call := p.conn.Object(bluezDest, path).CallWithContext(ctx, ifaceDevice+".Pair", 0)
	if call.Err != nil {
		return model.Wrap(model.TransportFailure, "ble.Pair", call.Err)
	}
	if trust {
		if err := p.setTrusted(path, true); err != nil {
			log.Println("ble: trust after pair:", err)
		}
	}
	return nil
}

// Connect cannot truly initiate from a peripheral; it refreshes
// advertising, then polls the managed tree until address shows Connected
// or timeout expires. Returns true on first observed connection.
func (p *Peripheral) Connect(ctx context.Context, address string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = defaultConnectWait
	}
	p.StopAdvertising()
	if err := p.Advertise(); err != nil {
		log.Println("ble: connect advertise:", err)
	}

	deadline := time.Now().Add(timeout)
	target := strings.ToUpper(address)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
		devices, err := p.Devices()
		if err != nil {
			continue
		}
		for _, d := range devices {
			if strings.ToUpper(d.Address) == target && d.Connected {
				return true
			}
		}
	}
	return false
}

// Disconnect drops whichever peer is currently connected.
func (p *Peripheral) Disconnect(ctx context.Context) error {
	devices, err := p.Devices()
	if err != nil {
		return model.Wrap(model.TransportFailure, "ble.Disconnect", err)
	}
	for _, d := range devices {
		if !d.Connected {
			continue
		}
		call := p.conn.Object(bluezDest, dbus.ObjectPath(d.Path)).CallWithContext(ctx, ifaceDevice+".Disconnect", 0)
		if call.Err != nil {
			return model.Wrap(model.TransportFailure, "ble.Disconnect", call.Err)
		}
	}
	return nil
}

// Remove deletes the peer from the adapter, returning it to the
// discovered state on its next approach.
func (p *Peripheral) Remove(address string) error {
	call := p.conn.Object(bluezDest, p.adapter).Call(ifaceAdapter+".RemoveDevice", 0, p.devicePath(address))
	if call.Err != nil {
		return model.Wrap(model.NotFound, "ble.Remove", call.Err)
	}
	return nil
}

// SwapPeer disconnects any current peer that isn't address, then waits
// for address to connect. Used by scene activation.
func (p *Peripheral) SwapPeer(ctx context.Context, address string) error {
	target := strings.ToUpper(address)
	devices, err := p.Devices()
	if err != nil {
		return model.Wrap(model.TransportFailure, "ble.SwapPeer", err)
	}
	for _, d := range devices {
		if d.Connected && strings.ToUpper(d.Address) == target {
			return nil // already on the right peer
		}
	}
	if err := p.Disconnect(ctx); err != nil {
		log.Println("ble: swap disconnect:", err)
	}
	if !p.Connect(ctx, address, defaultConnectWait) {
		return model.Wrap(model.TransportUnavailable, "ble.SwapPeer",
			fmt.Errorf("peer %s did not connect", address))
	}
	return nil
}

// UpdateBattery sets the battery level characteristic (0-100) and
// notifies subscribers.
func (p *Peripheral) UpdateBattery(level uint8) {
	if level > 100 {
		level = 100
	}
	p.mu.Lock()
	c := p.batteryChar
	p.mu.Unlock()
	if c != nil {
		c.SetValue([]byte{level})
	}
}

func (p *Peripheral) notifyReport(id byte, value []byte) error {
	p.mu.Lock()
	c := p.reportChars[id]
	p.mu.Unlock()
	if c == nil {
		return model.Wrap(model.TransportUnavailable, "ble.notifyReport",
			fmt.Errorf("no report characteristic for id %d", id))
	}
	c.SetValue(value)
	return nil
}

// Press sets the key in the active profile's input report and notifies.
// For the keyboard profile a press replaces the active key set with the
// one key; media keys set their consumer bit.
func (p *Peripheral) Press(ctx context.Context, key string, media bool) error {
	p.mu.Lock()
	profile := p.profile
	p.mu.Unlock()

	if profile.Name == "remote" {
		bit, ok := remoteButtons[strings.ToUpper(key)]
		if !ok {
			return model.Wrap(model.InvalidRequest, "ble.Press", fmt.Errorf("unknown remote button %q", key))
		}
		p.mu.Lock()
		p.remoteState |= bit
		state := p.remoteState
		p.mu.Unlock()
		return p.notifyReport(remoteReportID, []byte{byte(state), byte(state >> 8)})
	}

	if media {
		bit, ok := consumerBits[strings.ToLower(key)]
		if !ok {
			return model.Wrap(model.InvalidRequest, "ble.Press", fmt.Errorf("unknown media key %q", key))
		}
		p.mu.Lock()
		p.consumerState |= bit
		state := p.consumerState
		p.mu.Unlock()
		return p.notifyReport(consumerReportID, []byte{byte(state), byte(state >> 8)})
	}

	usage, ok := keyboardUsages[strings.ToLower(key)]
	if !ok {
		return model.Wrap(model.InvalidRequest, "ble.Press", fmt.Errorf("unknown key %q", key))
	}
	p.mu.Lock()
	p.keyboardState = [8]byte{0, 0, usage}
	report := p.keyboardState
	p.mu.Unlock()
	return p.notifyReport(keyboardReportID, report[:])
}

// Release clears the key from the active profile's input report.
func (p *Peripheral) Release(ctx context.Context, key string, media bool) error {
	p.mu.Lock()
	profile := p.profile
	p.mu.Unlock()

	if profile.Name == "remote" {
		bit, ok := remoteButtons[strings.ToUpper(key)]
		if !ok {
			return model.Wrap(model.InvalidRequest, "ble.Release", fmt.Errorf("unknown remote button %q", key))
		}
		p.mu.Lock()
		p.remoteState &^= bit
		state := p.remoteState
		p.mu.Unlock()
		return p.notifyReport(remoteReportID, []byte{byte(state), byte(state >> 8)})
	}

	if media {
		bit, ok := consumerBits[strings.ToLower(key)]
		if !ok {
			return model.Wrap(model.InvalidRequest, "ble.Release", fmt.Errorf("unknown media key %q", key))
		}
		p.mu.Lock()
		p.consumerState &^= bit
		state := p.consumerState
		p.mu.Unlock()
		return p.notifyReport(consumerReportID, []byte{byte(state), byte(state >> 8)})
	}

	p.mu.Lock()
	p.keyboardState = [8]byte{}
	report := p.keyboardState
	p.mu.Unlock()
	return p.notifyReport(keyboardReportID, report[:])
}

// Click presses key, waits the click duration and releases it.
func (p *Peripheral) Click(ctx context.Context, key string, media bool) error {
	return p.ClickFor(ctx, key, media, clickDuration)
}

// ClickFor is Click with a caller-supplied hold duration.
func (p *Peripheral) ClickFor(ctx context.Context, key string, media bool, hold time.Duration) error {
	if hold <= 0 {
		hold = clickDuration
	}
	if err := p.Press(ctx, key, media); err != nil {
		return err
	}
	select {
	case <-time.After(hold):
	case <-ctx.Done():
	}
	return p.Release(ctx, key, media)
}

// ReleaseAll zeroes every input report of the active profile.
func (p *Peripheral) ReleaseAll() {
	p.mu.Lock()
	profile := p.profile
	p.keyboardState = [8]byte{}
	p.consumerState = 0
	p.remoteState = 0
	p.mu.Unlock()

	if profile.Name == "remote" {
		_ = p.notifyReport(remoteReportID, []byte{0, 0})
		return
	}
	_ = p.notifyReport(keyboardReportID, make([]byte, 8))
	_ = p.notifyReport(consumerReportID, []byte{0, 0})
}
