// Package scene implements the scene state machine:
// Idle/Starting/Active/Stopping transitions that swap the Bluetooth
// peer, run start/stop macros and reload the command keymap.
package scene

import (
	"context"
	"log"
	"sync"
	"time"

	"equilibrium/internal/dispatch"
	"equilibrium/internal/model"
)

// MacroStore loads Macro and Command records by id.
type MacroStore interface {
	GetMacro(id string) (*model.Macro, error)
	GetCommand(id string) (*model.Command, error)
}

// BluetoothPeer is the seam to the peripheral's peer-swap operations.
type BluetoothPeer interface {
	SwapPeer(ctx context.Context, address string) error
	Disconnect(ctx context.Context) error
}

// KeymapLoader is the seam to the keymap manager: loading a named command table,
// or the neutral "default" table when no scene is active.
type KeymapLoader interface {
	LoadCommandTable(ctx context.Context, name string) error
	LoadDefaultCommandTable(ctx context.Context) error
}

// StatusSink is everything the state machine needs from the broadcaster:
// the dispatcher's device-state writes, plus the scene/lifecycle fields.
type StatusSink interface {
	dispatch.StatusSink
	SetScene(scene *model.Scene, sceneStatus model.SceneStatus)
}

// CommandDispatcher is the seam to the command dispatcher.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, c *model.Command, mods dispatch.Modifiers) error
}

// Machine is the Scene State Machine. Scene transitions are not
// cancellable; a new start while the previous is still STARTING is
// serialised by the caller's Task Queue, not by Machine itself.
type Machine struct {
	dispatcher CommandDispatcher
	store      MacroStore
	bt         BluetoothPeer
	keymap     KeymapLoader
	statusSink StatusSink
	sleep      func(time.Duration)

	mu      sync.Mutex
	state   model.SceneStatus
	current *model.Scene
}

// New builds a Machine in the Idle state.
func New(dispatcher CommandDispatcher, store MacroStore, bt BluetoothPeer, keymap KeymapLoader, statusSink StatusSink) *Machine {
	return &Machine{
		dispatcher: dispatcher,
		store:      store,
		bt:         bt,
		keymap:     keymap,
		statusSink: statusSink,
		sleep:      time.Sleep,
	}
}

// Current returns the currently-targeted scene (nil if Idle) and its
// lifecycle status.
func (m *Machine) Current() (*model.Scene, model.SceneStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.state
}

// Start begins (or retargets to) scene. From Idle this is a plain start;
// from Active(s0) it first runs the filtered handover stop of s0, skipping
// devices that the incoming scene's start macro is about to power on.
func (m *Machine) Start(ctx context.Context, scene *model.Scene) error {
	m.mu.Lock()
	prev := m.current
	prevState := m.state
	m.mu.Unlock()

	if prev != nil && prevState == model.SceneStatusActive {
		skip := m.skipSetFor(scene)
		if err := m.stopScene(ctx, prev, skip); err != nil {
			log.Println("scene: handover stop failed:", err)
		}
	}
	return m.startScene(ctx, scene)
}

func (m *Machine) startScene(ctx context.Context, scene *model.Scene) error {
	m.mu.Lock()
	m.current = scene
	m.state = model.SceneStatusStarting
	m.mu.Unlock()
	m.statusSink.SetScene(scene, model.SceneStatusStarting)

	if scene.BluetoothPeer != "" {
		if err := m.bt.SwapPeer(ctx, scene.BluetoothPeer); err != nil {
			log.Println("scene: bluetooth peer swap failed:", err)
		}
	}

	if scene.StartMacroID != "" {
		m.runMacro(ctx, scene.StartMacroID, dispatch.Modifiers{FromStart: true}, nil)
	}

	if scene.KeymapName != "" {
		if err := m.keymap.LoadCommandTable(ctx, scene.KeymapName); err != nil {
			log.Println("scene: keymap load failed:", err)
		}
	}

	m.mu.Lock()
	m.state = model.SceneStatusActive
	m.mu.Unlock()
	m.statusSink.SetScene(scene, model.SceneStatusActive)
	return nil
}

// Stop ends the active scene (the "Off" button): reloads the default
// keymap, disconnects the Bluetooth peer if any, and runs the stop
// macro's POWER_OFF/POWER_TOGGLE subset with no skip-set.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	scene := m.current
	m.mu.Unlock()
	if scene == nil {
		return nil
	}
	return m.stopScene(ctx, scene, nil)
}

func (m *Machine) stopScene(ctx context.Context, scene *model.Scene, skip map[string]bool) error {
	if err := m.keymap.LoadDefaultCommandTable(ctx); err != nil {
		log.Println("scene: default keymap load failed:", err)
	}

	m.mu.Lock()
	m.state = model.SceneStatusStopping
	m.mu.Unlock()
	m.statusSink.SetScene(scene, model.SceneStatusStopping)

	if scene.BluetoothPeer != "" {
		if err := m.bt.Disconnect(ctx); err != nil {
			log.Println("scene: bluetooth disconnect failed:", err)
		}
	}

	if scene.StopMacroID != "" {
		m.runMacroFiltered(ctx, scene.StopMacroID, skip)
	}

	m.mu.Lock()
	m.current = nil
	m.state = model.SceneStatusNone
	m.mu.Unlock()
	m.statusSink.SetScene(nil, model.SceneStatusNone)
	return nil
}

// SetCurrent retargets to scene without running its macros: DeviceState is
// recomputed as if the prior scene's filtered stop and the new scene's
// start had both run, the Bluetooth peer is swapped and the keymap
// reloaded. Used when an external source of truth (e.g. a restored
// session) needs the state machine to adopt a scene it didn't itself
// start.
func (m *Machine) SetCurrent(ctx context.Context, scene *model.Scene) error {
	m.mu.Lock()
	prev := m.current
	m.mu.Unlock()

	skip := m.skipSetFor(scene)
	if prev != nil && prev.StopMacroID != "" {
		if macro, err := m.store.GetMacro(prev.StopMacroID); err == nil {
			for _, cid := range macro.CommandIDs {
				cmd, err := m.store.GetCommand(cid)
				if err != nil {
					continue
				}
				if !isPowerDown(cmd) || skip[cmd.DeviceID] {
					continue
				}
				m.applyDeviceUpdate(cmd)
			}
		}
	}

	if scene.StartMacroID != "" {
		if macro, err := m.store.GetMacro(scene.StartMacroID); err == nil {
			for _, cid := range macro.CommandIDs {
				cmd, err := m.store.GetCommand(cid)
				if err != nil {
					continue
				}
				m.applyDeviceUpdate(cmd)
			}
		}
	}

	if scene.BluetoothPeer != "" {
		if err := m.bt.SwapPeer(ctx, scene.BluetoothPeer); err != nil {
			log.Println("scene: bluetooth peer swap failed:", err)
		}
	}
	if scene.KeymapName != "" {
		if err := m.keymap.LoadCommandTable(ctx, scene.KeymapName); err != nil {
			log.Println("scene: keymap load failed:", err)
		}
	}

	m.mu.Lock()
	m.current = scene
	m.state = model.SceneStatusActive
	m.mu.Unlock()
	m.statusSink.SetScene(scene, model.SceneStatusActive)
	return nil
}

func isPowerDown(cmd *model.Command) bool {
	return cmd.Button == model.PowerOff || cmd.Button == model.PowerToggle
}

func (m *Machine) applyDeviceUpdate(cmd *model.Command) {
	if cmd.DeviceID == "" {
		return
	}
	switch {
	case cmd.Group == model.GroupInput:
		m.statusSink.SetInput(cmd.DeviceID, cmd.ID)
	case cmd.Button == model.PowerOn:
		m.statusSink.SetPowered(cmd.DeviceID, true)
	case cmd.Button == model.PowerOff:
		m.statusSink.SetPowered(cmd.DeviceID, false)
	case cmd.Button == model.PowerToggle:
		m.statusSink.TogglePowered(cmd.DeviceID)
	}
}

// skipSetFor returns the device ids that scene's start macro is about to
// power on. The skip-set is always computed from the incoming start
// macro, never the outgoing stop macro.
func (m *Machine) skipSetFor(scene *model.Scene) map[string]bool {
	skip := map[string]bool{}
	if scene == nil || scene.StartMacroID == "" {
		return skip
	}
	macro, err := m.store.GetMacro(scene.StartMacroID)
	if err != nil {
		return skip
	}
	for _, cid := range macro.CommandIDs {
		cmd, err := m.store.GetCommand(cid)
		if err != nil || cmd.DeviceID == "" {
			continue
		}
		if cmd.Button == model.PowerOn || cmd.Button == model.PowerToggle {
			skip[cmd.DeviceID] = true
		}
	}
	return skip
}

// runMacro sequentially dispatches every step of macroID with mods,
// sleeping the declared inter-step delay after each. Per-step failures
// are logged; the macro continues.
func (m *Machine) runMacro(ctx context.Context, macroID string, mods dispatch.Modifiers, skip map[string]bool) {
	macro, err := m.store.GetMacro(macroID)
	if err != nil {
		log.Println("scene: macro lookup failed:", err)
		return
	}
	for i, cid := range macro.CommandIDs {
		cmd, err := m.store.GetCommand(cid)
		if err != nil {
			log.Println("scene: macro step command lookup failed:", err)
			continue
		}
		if skip != nil && skip[cmd.DeviceID] {
			continue
		}
		if err := m.dispatcher.Dispatch(ctx, cmd, mods); err != nil {
			log.Printf("scene: macro %s step %d dispatch failed: %v", macroID, i, err)
		}
		if d := macro.DelayAfter(i); d > 0 {
			m.sleep(time.Duration(d) * time.Millisecond)
		}
	}
}

// runMacroFiltered runs only the subset of macroID's steps whose button is
// POWER_OFF/POWER_TOGGLE and whose device isn't in skip. Filtered-out steps are skipped entirely, including
// their inter-step delay.
func (m *Machine) runMacroFiltered(ctx context.Context, macroID string, skip map[string]bool) {
	macro, err := m.store.GetMacro(macroID)
	if err != nil {
		log.Println("scene: macro lookup failed:", err)
		return
	}
	for i, cid := range macro.CommandIDs {
		cmd, err := m.store.GetCommand(cid)
		if err != nil {
			log.Println("scene: macro step command lookup failed:", err)
			continue
		}
		if !isPowerDown(cmd) || skip[cmd.DeviceID] {
			continue
		}
		if err := m.dispatcher.Dispatch(ctx, cmd, dispatch.Modifiers{FromStop: true}); err != nil {
			log.Printf("scene: macro %s step %d dispatch failed: %v", macroID, i, err)
		}
		if d := macro.DelayAfter(i); d > 0 {
			m.sleep(time.Duration(d) * time.Millisecond)
		}
	}
}
