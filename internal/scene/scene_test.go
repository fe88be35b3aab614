package scene

import (
	"context"
	"errors"
	"testing"
	"time"

	"equilibrium/internal/dispatch"
	"equilibrium/internal/model"
	"equilibrium/internal/status"
)

// fakeStore serves macros and commands from maps.
type fakeStore struct {
	macros   map[string]*model.Macro
	commands map[string]*model.Command
}

func (f *fakeStore) GetMacro(id string) (*model.Macro, error) {
	m, ok := f.macros[id]
	if !ok {
		return nil, errors.New("macro not found")
	}
	return m, nil
}

func (f *fakeStore) GetCommand(id string) (*model.Command, error) {
	c, ok := f.commands[id]
	if !ok {
		return nil, errors.New("command not found")
	}
	return c, nil
}

type fakeBT struct{ swaps, disconnects []string }

func (f *fakeBT) SwapPeer(ctx context.Context, address string) error {
	f.swaps = append(f.swaps, address)
	return nil
}
func (f *fakeBT) Disconnect(ctx context.Context) error {
	f.disconnects = append(f.disconnects, "x")
	return nil
}

type fakeKeymaps struct{ loads []string }

func (f *fakeKeymaps) LoadCommandTable(ctx context.Context, name string) error {
	f.loads = append(f.loads, name)
	return nil
}
func (f *fakeKeymaps) LoadDefaultCommandTable(ctx context.Context) error {
	f.loads = append(f.loads, "default")
	return nil
}

// recordingDispatcher applies the real suppression rules against the
// real broadcaster while recording what was actually emitted.
type recordingDispatcher struct {
	st      *status.Broadcaster
	emitted []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, c *model.Command, mods dispatch.Modifiers) error {
	ds := d.st.DeviceState(c.DeviceID)
	if mods.FromStart {
		if (c.Button == model.PowerOn || c.Button == model.PowerToggle) && ds.Powered {
			return nil
		}
		if c.Group == model.GroupInput && ds.Input == c.ID {
			return nil
		}
	}
	if mods.FromStop {
		if (c.Button == model.PowerOff || c.Button == model.PowerToggle) && !ds.Powered {
			return nil
		}
	}
	d.emitted = append(d.emitted, c.ID)
	if mods.FromStart || mods.FromStop {
		switch {
		case c.Group == model.GroupInput:
			d.st.SetInput(c.DeviceID, c.ID)
		case c.Button == model.PowerOn:
			d.st.SetPowered(c.DeviceID, true)
		case c.Button == model.PowerOff:
			d.st.SetPowered(c.DeviceID, false)
		case c.Button == model.PowerToggle:
			d.st.TogglePowered(c.DeviceID)
		}
	}
	return nil
}

func cmd(id, device string, button model.ButtonRole, group string) *model.Command {
	return &model.Command{
		ID: id, DeviceID: device, Type: model.CommandIR, Button: button, Group: group,
		IR: &model.IRPayload{Pulses: model.PulseArray{1, 2, 3, 4}},
	}
}

type harness struct {
	machine    *Machine
	dispatcher *recordingDispatcher
	st         *status.Broadcaster
	bt         *fakeBT
	keymaps    *fakeKeymaps
}

func newHarness(store *fakeStore) *harness {
	st := status.New()
	d := &recordingDispatcher{st: st}
	bt := &fakeBT{}
	km := &fakeKeymaps{}
	m := New(d, store, bt, km, st)
	m.sleep = func(time.Duration) {}
	return &harness{machine: m, dispatcher: d, st: st, bt: bt, keymaps: km}
}

func TestStartSceneRunsMacroAndLoadsKeymap(t *testing.T) {
	store := &fakeStore{
		macros: map[string]*model.Macro{
			"start": {ID: "start", CommandIDs: []string{"on1"}, DelaysMS: []int{0}},
		},
		commands: map[string]*model.Command{
			"on1": cmd("on1", "1", model.PowerOn, ""),
		},
	}
	h := newHarness(store)
	sc := &model.Scene{ID: "A", Name: "A", StartMacroID: "start", KeymapName: "tv", BluetoothPeer: "AA:BB:CC:DD:EE:FF"}

	if err := h.machine.Start(context.Background(), sc); err != nil {
		t.Fatal(err)
	}

	current, state := h.machine.Current()
	if current == nil || current.ID != "A" || state != model.SceneStatusActive {
		t.Fatalf("state = (%v, %v), want (A, ACTIVE)", current, state)
	}
	if len(h.dispatcher.emitted) != 1 || h.dispatcher.emitted[0] != "on1" {
		t.Fatalf("emitted = %v, want [on1]", h.dispatcher.emitted)
	}
	if len(h.bt.swaps) != 1 || h.bt.swaps[0] != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("bt swaps = %v", h.bt.swaps)
	}
	if len(h.keymaps.loads) != 1 || h.keymaps.loads[0] != "tv" {
		t.Fatalf("keymap loads = %v, want [tv]", h.keymaps.loads)
	}
	if !h.st.DeviceState("1").Powered {
		t.Fatal("device 1 should be powered")
	}
	if err := h.st.Current().Validate(); err != nil {
		t.Fatal(err)
	}
}

// Cross-scene handover skips powering down the
// devices the incoming scene powers up.
func TestCrossSceneHandover(t *testing.T) {
	store := &fakeStore{
		macros: map[string]*model.Macro{
			"stopA":  {ID: "stopA", CommandIDs: []string{"offTV", "offAmp"}, DelaysMS: []int{0}},
			"startB": {ID: "startB", CommandIDs: []string{"onTV", "inputTV"}, DelaysMS: []int{0}},
		},
		commands: map[string]*model.Command{
			"offTV":   cmd("offTV", "1", model.PowerOff, ""),
			"offAmp":  cmd("offAmp", "2", model.PowerOff, ""),
			"onTV":    cmd("onTV", "1", model.PowerOn, ""),
			"inputTV": cmd("inputTV", "1", "", model.GroupInput),
		},
	}
	h := newHarness(store)

	// Establish Active(A) with both devices powered.
	h.st.SetPowered("1", true)
	h.st.SetPowered("2", true)
	sceneA := &model.Scene{ID: "A", StopMacroID: "stopA"}
	if err := h.machine.SetCurrent(context.Background(), sceneA); err != nil {
		t.Fatal(err)
	}
	h.dispatcher.emitted = nil

	sceneB := &model.Scene{ID: "B", StartMacroID: "startB"}
	if err := h.machine.Start(context.Background(), sceneB); err != nil {
		t.Fatal(err)
	}

	// offTV is filtered (device 1 is in the skip-set); offAmp emits;
	// onTV is suppressed (device 1 still powered); inputTV emits.
	want := []string{"offAmp", "inputTV"}
	if len(h.dispatcher.emitted) != len(want) {
		t.Fatalf("emitted = %v, want %v", h.dispatcher.emitted, want)
	}
	for i, id := range want {
		if h.dispatcher.emitted[i] != id {
			t.Fatalf("emitted = %v, want %v", h.dispatcher.emitted, want)
		}
	}

	current, state := h.machine.Current()
	if current.ID != "B" || state != model.SceneStatusActive {
		t.Fatalf("state = (%v, %v), want (B, ACTIVE)", current.ID, state)
	}
	d1 := h.st.DeviceState("1")
	if !d1.Powered || d1.Input != "inputTV" {
		t.Fatalf("device 1 = %+v, want powered with inputTV", d1)
	}
	if h.st.DeviceState("2").Powered {
		t.Fatal("device 2 should be powered down")
	}
}

func TestStopRunsOnlyPowerDownSubset(t *testing.T) {
	store := &fakeStore{
		macros: map[string]*model.Macro{
			"stop": {ID: "stop", CommandIDs: []string{"off1", "input1", "toggle2"}, DelaysMS: []int{0, 0}},
		},
		commands: map[string]*model.Command{
			"off1":    cmd("off1", "1", model.PowerOff, ""),
			"input1":  cmd("input1", "1", "", model.GroupInput),
			"toggle2": cmd("toggle2", "2", model.PowerToggle, ""),
		},
	}
	h := newHarness(store)
	h.st.SetPowered("1", true)
	h.st.SetPowered("2", true)
	sc := &model.Scene{ID: "A", StopMacroID: "stop", BluetoothPeer: "AA:BB:CC:DD:EE:FF"}
	if err := h.machine.SetCurrent(context.Background(), sc); err != nil {
		t.Fatal(err)
	}
	h.dispatcher.emitted = nil
	h.bt.swaps = nil

	if err := h.machine.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	// input1 is not a power-down step and must not run on stop.
	want := []string{"off1", "toggle2"}
	if len(h.dispatcher.emitted) != len(want) || h.dispatcher.emitted[0] != want[0] || h.dispatcher.emitted[1] != want[1] {
		t.Fatalf("emitted = %v, want %v", h.dispatcher.emitted, want)
	}
	if len(h.bt.disconnects) != 1 {
		t.Fatalf("disconnects = %v, want 1", h.bt.disconnects)
	}
	current, state := h.machine.Current()
	if current != nil || state != model.SceneStatusNone {
		t.Fatalf("state = (%v, %v), want (nil, none)", current, state)
	}
	if err := h.st.Current().Validate(); err != nil {
		t.Fatal(err)
	}
	// Default keymap reloaded on the way down.
	if h.keymapLoadCount("default") != 1 {
		t.Fatalf("keymap loads = %v, want one default load", h.keymaps.loads)
	}
}

func (h *harness) keymapLoadCount(name string) int {
	n := 0
	for _, l := range h.keymaps.loads {
		if l == name {
			n++
		}
	}
	return n
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	h := newHarness(&fakeStore{})
	if err := h.machine.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.dispatcher.emitted) != 0 {
		t.Fatalf("emitted = %v, want none", h.dispatcher.emitted)
	}
}

func TestSetCurrentRecomputesWithoutEmitting(t *testing.T) {
	store := &fakeStore{
		macros: map[string]*model.Macro{
			"start": {ID: "start", CommandIDs: []string{"on1", "input1"}, DelaysMS: []int{0}},
		},
		commands: map[string]*model.Command{
			"on1":    cmd("on1", "1", model.PowerOn, ""),
			"input1": cmd("input1", "1", "", model.GroupInput),
		},
	}
	h := newHarness(store)
	sc := &model.Scene{ID: "A", StartMacroID: "start", KeymapName: "tv"}
	if err := h.machine.SetCurrent(context.Background(), sc); err != nil {
		t.Fatal(err)
	}
	if len(h.dispatcher.emitted) != 0 {
		t.Fatalf("emitted = %v, want none (set_current does not execute)", h.dispatcher.emitted)
	}
	d1 := h.st.DeviceState("1")
	if !d1.Powered || d1.Input != "input1" {
		t.Fatalf("device 1 = %+v, want recomputed powered/input", d1)
	}
	current, state := h.machine.Current()
	if current.ID != "A" || state != model.SceneStatusActive {
		t.Fatalf("state = (%v, %v), want (A, ACTIVE)", current, state)
	}
}
