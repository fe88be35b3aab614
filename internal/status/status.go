// Package status implements the status broadcaster: it holds the
// current model.Status record and notifies a single callback after
// every mutation becomes visible.
package status

import (
	"sync"

	"equilibrium/internal/model"
)

// Broadcaster owns the live model.Status and fires onChange after every
// mutation. Only one subscriber is supported, the WebSocket fan-out.
type Broadcaster struct {
	mu       sync.Mutex
	current  model.Status
	onChange func(*model.Status)
}

// New creates a Broadcaster with an empty device map and no active scene.
func New() *Broadcaster {
	return &Broadcaster{
		current: model.Status{Devices: make(map[string]model.DeviceState)},
	}
}

// OnChange registers the single subscriber callback. Calling again
// replaces the previous subscriber.
func (b *Broadcaster) OnChange(fn func(*model.Status)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Current returns a snapshot of the current Status, safe to retain.
func (b *Broadcaster) Current() *model.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.Clone()
}

func (b *Broadcaster) notifyLocked() {
	if b.onChange != nil {
		snapshot := b.current.Clone()
		fn := b.onChange
		// Call outside the lock so a slow/panicking subscriber can't
		// deadlock future mutations, but still serialised with the
		// consumer goroutine that's the only caller of these methods.
		b.mu.Unlock()
		fn(snapshot)
		b.mu.Lock()
	}
}

// deviceState returns the DeviceState for id, creating it lazily (zero
// value: not powered, no input) on first observation.
func (b *Broadcaster) deviceState(id string) model.DeviceState {
	ds, ok := b.current.Devices[id]
	if !ok {
		ds = model.DeviceState{}
	}
	return ds
}

// SetPowered sets DeviceState[id].Powered and notifies.
func (b *Broadcaster) SetPowered(id string, powered bool) {
	b.mu.Lock()
	ds := b.deviceState(id)
	ds.Powered = powered
	b.current.Devices[id] = ds
	b.notifyLocked()
	b.mu.Unlock()
}

// SetInput sets DeviceState[id] to powered and on the given input
// command, the dispatcher's post-emission rule for INPUT-group commands.
func (b *Broadcaster) SetInput(id, commandID string) {
	b.mu.Lock()
	b.current.Devices[id] = model.DeviceState{Powered: true, Input: commandID}
	b.notifyLocked()
	b.mu.Unlock()
}

// TogglePowered flips DeviceState[id].Powered and notifies.
func (b *Broadcaster) TogglePowered(id string) {
	b.mu.Lock()
	ds := b.deviceState(id)
	ds.Powered = !ds.Powered
	b.current.Devices[id] = ds
	b.notifyLocked()
	b.mu.Unlock()
}

// DeviceState returns a copy of the current state for id (zero value if
// the device hasn't been observed yet).
func (b *Broadcaster) DeviceState(id string) model.DeviceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deviceState(id)
}

// SetScene updates the current scene and its lifecycle status and
// notifies. Passing a nil scene clears it, and status must then be
// model.SceneStatusNone so the pairing invariant holds.
func (b *Broadcaster) SetScene(scene *model.Scene, sceneStatus model.SceneStatus) {
	b.mu.Lock()
	b.current.CurrentScene = scene
	b.current.SceneStatus = sceneStatus
	b.notifyLocked()
	b.mu.Unlock()
}
