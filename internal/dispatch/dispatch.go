// Package dispatch implements the command dispatcher: the sole entry
// point for emitting a Command record over the right transport,
// enforcing the "from-start"/"from-stop" redundancy suppression rules
// and maintaining the read-through command cache (no LRU, no expiry,
// just explicit invalidation).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"equilibrium/internal/model"
)

// IRTransport is the seam to the IR transceiver.
type IRTransport interface {
	Send(ctx context.Context, pulses model.PulseArray) error
	SendAndRepeat(ctx context.Context, pulses model.PulseArray) error
	StopRepeating()
}

// BTTransport is the seam to the BLE peripheral: key is either a keyboard
// key name or a consumer key name, distinguished by media.
type BTTransport interface {
	Press(ctx context.Context, key string, media bool) error
	Release(ctx context.Context, key string, media bool) error
	Click(ctx context.Context, key string, media bool) error
	ReleaseAll()
}

// NetworkTransport issues a one-shot HTTP call for a CommandNetwork.
type NetworkTransport interface {
	Do(ctx context.Context, method model.NetworkMethod, url, body string) error
}

// IntegrationTransport is the seam to the home-automation gateway client.
type IntegrationTransport interface {
	ToggleLight(ctx context.Context, entityID string) error
	IncreaseBrightness(ctx context.Context) error
	DecreaseBrightness(ctx context.Context) error
}

// CommandStore loads a Command by id on a cache miss.
type CommandStore interface {
	GetCommand(id string) (*model.Command, error)
}

// StatusSink is the subset of the status broadcaster the dispatcher reads
// (for suppression decisions) and writes (after a non-suppressed, device-
// targeted emission with from_start/from_stop).
type StatusSink interface {
	DeviceState(id string) model.DeviceState
	SetPowered(id string, powered bool)
	SetInput(id, commandID string)
	TogglePowered(id string)
}

// Modifiers are the dispatch-time flags. ReleaseOnly is a BT-transport
// selector that issues only the key release, distinct from the three
// modifiers a caller sets directly; ReleaseAll does not use it.
type Modifiers struct {
	PressWithoutRelease bool
	FromStart           bool
	FromStop            bool
	ReleaseOnly         bool
}

// Dispatcher is the Command Dispatcher. All of its mutating methods are
// intended to be called only from the Task Queue's consumer goroutine.
type Dispatcher struct {
	store       CommandStore
	status      StatusSink
	ir          IRTransport
	bt          BTTransport
	network     NetworkTransport
	integration IntegrationTransport

	mu    sync.Mutex
	cache map[string]*model.Command
}

// New builds a Dispatcher wired to its four transports, the status
// broadcaster and a backing command store for cache misses.
func New(store CommandStore, status StatusSink, ir IRTransport, bt BTTransport, network NetworkTransport, integration IntegrationTransport) *Dispatcher {
	return &Dispatcher{
		store:       store,
		status:      status,
		ir:          ir,
		bt:          bt,
		network:     network,
		integration: integration,
		cache:       make(map[string]*model.Command),
	}
}

// Preload populates the cache, e.g. from a freshly-loaded keymap's
// command table.
func (d *Dispatcher) Preload(commands ...*model.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range commands {
		d.cache[c.ID] = c
	}
}

// ReloadCache invalidates the entire cache; the next lookup for any id
// re-reads through to the store.
func (d *Dispatcher) ReloadCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[string]*model.Command)
}

func (d *Dispatcher) lookup(id string) (*model.Command, error) {
	d.mu.Lock()
	if c, ok := d.cache[id]; ok {
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()

	c, err := d.store.GetCommand(id)
	if err != nil {
		return nil, model.Wrap(model.NotFound, "dispatch.lookup", err)
	}
	d.mu.Lock()
	d.cache[id] = c
	d.mu.Unlock()
	return c, nil
}

// DispatchByID resolves id through the cache (populating it on a miss)
// and dispatches it.
func (d *Dispatcher) DispatchByID(ctx context.Context, id string, mods Modifiers) error {
	c, err := d.lookup(id)
	if err != nil {
		return err
	}
	return d.Dispatch(ctx, c, mods)
}

// Dispatch emits command via the transport matching its Type, applying
// the from_start/from_stop redundancy-suppression rules before emission
// and the DeviceState update after.
func (d *Dispatcher) Dispatch(ctx context.Context, c *model.Command, mods Modifiers) error {
	if c == nil {
		return model.Wrap(model.InvalidRequest, "dispatch.Dispatch", errors.New("nil command"))
	}
	if err := c.Validate(); err != nil {
		return model.Wrap(model.InvalidRequest, "dispatch.Dispatch", err)
	}

	if d.shouldSuppress(c, mods) {
		return nil
	}

	if err := d.emit(ctx, c, mods); err != nil {
		return err
	}

	if mods.FromStart || mods.FromStop {
		d.updateDeviceState(c)
	}
	return nil
}

// shouldSuppress implements the "avoid double-powering a device
// between adjacent scenes" rule.
func (d *Dispatcher) shouldSuppress(c *model.Command, mods Modifiers) bool {
	if c.DeviceID == "" {
		return false
	}
	ds := d.status.DeviceState(c.DeviceID)

	if mods.FromStart {
		if (c.Button == model.PowerOn || c.Button == model.PowerToggle) && ds.Powered {
			return true
		}
		if c.Group == model.GroupInput && ds.Input == c.ID {
			return true
		}
	}
	if mods.FromStop {
		if (c.Button == model.PowerOff || c.Button == model.PowerToggle) && !ds.Powered {
			return true
		}
	}
	return false
}

func (d *Dispatcher) updateDeviceState(c *model.Command) {
	if c.DeviceID == "" {
		return
	}
	switch {
	case c.Group == model.GroupInput:
		d.status.SetInput(c.DeviceID, c.ID)
	case c.Button == model.PowerOn:
		d.status.SetPowered(c.DeviceID, true)
	case c.Button == model.PowerOff:
		d.status.SetPowered(c.DeviceID, false)
	case c.Button == model.PowerToggle:
		d.status.TogglePowered(c.DeviceID)
	}
}

func (d *Dispatcher) emit(ctx context.Context, c *model.Command, mods Modifiers) error {
	switch c.Type {
	case model.CommandIR:
		if mods.PressWithoutRelease {
			return d.ir.SendAndRepeat(ctx, c.IR.Pulses)
		}
		return d.ir.Send(ctx, c.IR.Pulses)

	case model.CommandBT:
		key, media := c.BT.Action, false
		if c.BT.MediaAction != "" {
			key, media = c.BT.MediaAction, true
		}
		switch {
		case mods.ReleaseOnly:
			return d.bt.Release(ctx, key, media)
		case mods.PressWithoutRelease:
			return d.bt.Press(ctx, key, media)
		default:
			return d.bt.Click(ctx, key, media)
		}

	case model.CommandNetwork:
		return d.network.Do(ctx, c.Network.Method, c.Network.URL, c.Network.Body)

	case model.CommandIntegration:
		switch c.Integration.Action {
		case model.ActionToggleLight:
			return d.integration.ToggleLight(ctx, c.Integration.EntityID)
		case model.ActionBrightnessUp:
			return d.integration.IncreaseBrightness(ctx)
		case model.ActionBrightnessDown:
			return d.integration.DecreaseBrightness(ctx)
		default:
			return model.Wrap(model.InvalidRequest, "dispatch.emit", fmt.Errorf("unknown integration action %q", c.Integration.Action))
		}

	case model.CommandScript:
		return model.Wrap(model.NotImplemented, "dispatch.emit", errors.New("script commands are not implemented"))

	default:
		return model.Wrap(model.InvalidRequest, "dispatch.emit", fmt.Errorf("unknown command type %q", c.Type))
	}
}

// ReleaseAll stops any active IR repeat and clears both BT report
// characteristics. It is run synchronously (not through the queue's
// FIFO) so held state is cleared with minimum latency.
func (d *Dispatcher) ReleaseAll() {
	d.ir.StopRepeating()
	d.bt.ReleaseAll()
}
