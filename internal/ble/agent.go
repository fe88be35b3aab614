package ble

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"equilibrium/internal/model"
)

const (
	ifaceAgent        = "org.bluez.Agent1"
	ifaceAgentManager = "org.bluez.AgentManager1"
	bluezObjectPath   = dbus.ObjectPath("/org/bluez")

	agentCapability = "DisplayYesNo"
	fixedPinCode    = "0000"
	fixedPasskey    = uint32(123456)
	hidServiceUUID  = "00001812-0000-1000-8000-00805f9b34fb"

	confirmTimeout     = 30 * time.Second
	serviceAuthTimeout = 15 * time.Second
)

var errRejected = dbus.NewError("org.bluez.Error.Rejected", nil)

// PairingDevice identifies the peer a pairing event concerns.
type PairingDevice struct {
	Path    string `json:"path"`
	Address string `json:"address"`
	Name    string `json:"name"`
}

// PairingEvent is one out-of-band pairing notification, pushed to the
// pairing WebSocket channel.
type PairingEvent struct {
	Type          string         `json:"type"`
	Device        *PairingDevice `json:"device,omitempty"`
	PIN           string         `json:"pin,omitempty"`
	Message       string         `json:"message"`
	EnteredDigits uint16         `json:"entered_digits,omitempty"`
	ServiceUUID   string         `json:"service_uuid,omitempty"`
}

// PendingPairing is one in-flight session awaiting a user verdict.
type PendingPairing struct {
	DevicePath string             `json:"devicePath"`
	Awaiting   model.PairingAwait `json:"awaiting"`
}

type pendingVerdict struct {
	awaiting model.PairingAwait
	verdict  chan bool
}

// Agent implements the BlueZ pairing-agent interface with DisplayYesNo
// capability. Verdicts arrive out of band via Confirm, funnelled through
// a one-shot channel per device path; the map of channels is the single
// source of truth for pending listings and is cleared on resolve,
// timeout and Cancel.
type Agent struct {
	conn *dbus.Conn

	mu      sync.Mutex
	pending map[string]*pendingVerdict
	onEvent func(PairingEvent)
}

func newAgent(conn *dbus.Conn) *Agent {
	return &Agent{conn: conn, pending: map[string]*pendingVerdict{}}
}

// OnEvent registers the single pairing-event subscriber (the WebSocket
// fan-out). Calling again replaces it.
func (a *Agent) OnEvent(fn func(PairingEvent)) {
	a.mu.Lock()
	a.onEvent = fn
	a.mu.Unlock()
}

func (a *Agent) emit(ev PairingEvent) {
	a.mu.Lock()
	fn := a.onEvent
	a.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// register exports the agent object and makes it the default agent.
func (a *Agent) register() error {
	if err := a.conn.Export(a, agentPath, ifaceAgent); err != nil {
		return fmt.Errorf("export agent: %w", err)
	}
	mgr := a.conn.Object(bluezDest, bluezObjectPath)
	if err := mgr.Call(ifaceAgentManager+".RegisterAgent", 0, agentPath, agentCapability).Err; err != nil {
		return fmt.Errorf("RegisterAgent: %w", err)
	}
	if err := mgr.Call(ifaceAgentManager+".RequestDefaultAgent", 0, agentPath).Err; err != nil {
		return fmt.Errorf("RequestDefaultAgent: %w", err)
	}
	return nil
}

func (a *Agent) unregister() {
	_ = a.conn.Object(bluezDest, bluezObjectPath).Call(ifaceAgentManager+".UnregisterAgent", 0, agentPath).Err
	_ = a.conn.Export(nil, agentPath, ifaceAgent)
}

// deviceInfo reads the peer's address and alias for event payloads.
func (a *Agent) deviceInfo(device dbus.ObjectPath) *PairingDevice {
	info := &PairingDevice{Path: string(device), Address: "unknown", Name: "Unknown"}
	obj := a.conn.Object(bluezDest, device)
	var v dbus.Variant
	if err := obj.Call(ifaceProps+".Get", 0, ifaceDevice, "Address").Store(&v); err == nil {
		if s, ok := v.Value().(string); ok {
			info.Address = s
		}
	}
	if err := obj.Call(ifaceProps+".Get", 0, ifaceDevice, "Alias").Store(&v); err == nil {
		if s, ok := v.Value().(string); ok {
			info.Name = s
		}
	}
	return info
}

// awaitVerdict parks a one-shot channel in the pending map and waits for
// Confirm, timeout or Cancel.
func (a *Agent) awaitVerdict(devicePath string, awaiting model.PairingAwait, timeout time.Duration) bool {
	pv := &pendingVerdict{awaiting: awaiting, verdict: make(chan bool, 1)}
	a.mu.Lock()
	// A new callback for the same path supersedes the old one.
	if prev, ok := a.pending[devicePath]; ok {
		close(prev.verdict)
	}
	a.pending[devicePath] = pv
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.pending[devicePath] == pv {
			delete(a.pending, devicePath)
		}
		a.mu.Unlock()
	}()

	select {
	case verdict, ok := <-pv.verdict:
		return ok && verdict
	case <-time.After(timeout):
		log.Println("ble: pairing timeout for", devicePath)
		a.emit(PairingEvent{
			Type:    "pairing_timeout",
			Device:  &PairingDevice{Path: devicePath},
			Message: "pairing timed out",
		})
		return false
	}
}

// Confirm resolves the pending verdict for devicePath. A second Confirm
// for the same path returns NotFound.
func (a *Agent) Confirm(devicePath string, accept bool) error {
	a.mu.Lock()
	pv, ok := a.pending[devicePath]
	if ok {
		delete(a.pending, devicePath)
	}
	a.mu.Unlock()
	if !ok {
		return model.Wrap(model.NotFound, "ble.Confirm", fmt.Errorf("no pending pairing for %s", devicePath))
	}
	pv.verdict <- accept
	return nil
}

// Pending lists the in-flight pairing sessions awaiting a verdict.
func (a *Agent) Pending() []PendingPairing {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PendingPairing, 0, len(a.pending))
	for path, pv := range a.pending {
		out = append(out, PendingPairing{DevicePath: path, Awaiting: pv.awaiting})
	}
	return out
}

// RequestAuthorization asks the user whether the peer may pair.
func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	info := a.deviceInfo(device)
	log.Printf("ble: authorization request from %s (%s)", info.Name, info.Address)
	a.emit(PairingEvent{
		Type:    "authorization_request",
		Device:  info,
		Message: fmt.Sprintf("device %q wants to connect", info.Name),
	})
	if !a.awaitVerdict(string(device), model.AwaitPasskeyConfirm, confirmTimeout) {
		return errRejected
	}
	return nil
}

// RequestPinCode returns the fixed legacy PIN.
func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	return fixedPinCode, nil
}

// RequestPasskey returns the fixed numeric passkey.
func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	return fixedPasskey, nil
}

// DisplayPasskey surfaces the passkey the central is entering. No verdict
// is awaited.
func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	info := a.deviceInfo(device)
	pin := fmt.Sprintf("%06d", passkey)
	a.emit(PairingEvent{
		Type:          "display_passkey",
		Device:        info,
		PIN:           pin,
		EnteredDigits: entered,
		Message:       fmt.Sprintf("PIN for %q: %s", info.Name, pin),
	})
	return nil
}

// DisplayPinCode surfaces a legacy pin display. No verdict is awaited.
func (a *Agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	a.emit(PairingEvent{
		Type:    "display_passkey",
		Device:  a.deviceInfo(device),
		PIN:     pincode,
		Message: "PIN: " + pincode,
	})
	return nil
}

// RequestConfirmation asks the user to confirm a passkey match.
func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	info := a.deviceInfo(device)
	pin := fmt.Sprintf("%06d", passkey)
	a.emit(PairingEvent{
		Type:    "confirm_passkey",
		Device:  info,
		PIN:     pin,
		Message: fmt.Sprintf("confirm PIN %s?", pin),
	})
	if !a.awaitVerdict(string(device), model.AwaitPasskeyConfirm, confirmTimeout) {
		return errRejected
	}
	return nil
}

// AuthorizeService auto-approves the HID service and asks the user about
// everything else.
func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	if uuid == hidServiceUUID {
		return nil
	}
	info := a.deviceInfo(device)
	a.emit(PairingEvent{
		Type:        "authorize_service",
		Device:      info,
		ServiceUUID: uuid,
		Message:     fmt.Sprintf("authorize service %s?", uuid),
	})
	if !a.awaitVerdict(string(device), model.AwaitServiceAuth, serviceAuthTimeout) {
		return errRejected
	}
	return nil
}

// Cancel fails every pending verdict and clears the map.
func (a *Agent) Cancel() *dbus.Error {
	a.mu.Lock()
	for _, pv := range a.pending {
		close(pv.verdict)
	}
	a.pending = map[string]*pendingVerdict{}
	a.mu.Unlock()
	a.emit(PairingEvent{Type: "pairing_cancelled", Message: "pairing was cancelled"})
	return nil
}

// Release is called by BlueZ when the agent is unregistered.
func (a *Agent) Release() *dbus.Error {
	return nil
}
