package status

import (
	"testing"

	"equilibrium/internal/model"
)

func TestNotifyAfterMutationVisible(t *testing.T) {
	b := New()
	var seen []bool
	b.OnChange(func(s *model.Status) {
		seen = append(seen, s.Devices["tv"].Powered)
	})

	b.SetPowered("tv", true)
	b.SetPowered("tv", false)

	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Fatalf("seen = %v, want [true false]", seen)
	}
}

func TestLazyDeviceCreation(t *testing.T) {
	b := New()
	ds := b.DeviceState("unknown")
	if ds.Powered || ds.Input != "" {
		t.Fatalf("unobserved device state = %+v, want zero value", ds)
	}
	if _, ok := b.Current().Devices["unknown"]; ok {
		t.Fatal("reading state must not create the device entry")
	}
	b.TogglePowered("unknown")
	if !b.DeviceState("unknown").Powered {
		t.Fatal("toggle from zero value should power on")
	}
}

func TestSetInputMarksPowered(t *testing.T) {
	b := New()
	b.SetInput("tv", "hdmi2")
	ds := b.DeviceState("tv")
	if !ds.Powered || ds.Input != "hdmi2" {
		t.Fatalf("state = %+v, want powered on hdmi2", ds)
	}
}

func TestSceneStatusInvariant(t *testing.T) {
	b := New()
	if err := b.Current().Validate(); err != nil {
		t.Fatal(err)
	}
	sc := &model.Scene{ID: "a"}
	b.SetScene(sc, model.SceneStatusStarting)
	if err := b.Current().Validate(); err != nil {
		t.Fatal(err)
	}
	b.SetScene(nil, model.SceneStatusNone)
	if err := b.Current().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotDoesNotAliasLiveMap(t *testing.T) {
	b := New()
	b.SetPowered("tv", true)
	snap := b.Current()
	b.SetPowered("tv", false)
	if !snap.Devices["tv"].Powered {
		t.Fatal("snapshot must not observe later mutations")
	}
}
