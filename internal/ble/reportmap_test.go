package ble

import (
	"context"
	"testing"
)

func TestRemoteButtonBitsMatchLayout(t *testing.T) {
	// Fixed bit assignments per the remote profile's report layout.
	want := map[string]uint16{
		"DPAD_UP":    1 << 0,
		"DPAD_DOWN":  1 << 1,
		"SELECT":     1 << 4,
		"BACK":       1 << 5,
		"HOME":       1 << 6,
		"MENU":       1 << 7,
		"PLAY_PAUSE": 1 << 8,
		"VOLUME_UP":  1 << 12,
		"MUTE":       1 << 14,
		"POWER":      1 << 15,
	}
	for name, bit := range want {
		if remoteButtons[name] != bit {
			t.Fatalf("%s = %#04x, want %#04x", name, remoteButtons[name], bit)
		}
	}
}

func TestReportMapsDeclareTheirReportIDs(t *testing.T) {
	findReportID := func(m []byte, id byte) bool {
		for i := 0; i+1 < len(m); i++ {
			if m[i] == 0x85 && m[i+1] == id {
				return true
			}
		}
		return false
	}
	if !findReportID(keyboardReportMap, keyboardReportID) || !findReportID(keyboardReportMap, consumerReportID) {
		t.Fatal("keyboard report map must declare report ids 1 and 2")
	}
	if !findReportID(remoteReportMap, remoteReportID) {
		t.Fatal("remote report map must declare report id 1")
	}
}

// testPeripheral builds a Peripheral with in-memory report
// characteristics and no bus connection.
func testPeripheral(profile string) *Peripheral {
	p := &Peripheral{profile: profiles[profile]}
	p.reportChars = map[byte]*characteristic{}
	for _, spec := range p.profile.reports {
		p.reportChars[spec.id] = &characteristic{value: make([]byte, spec.size)}
	}
	return p
}

func reportValue(p *Peripheral, id byte) []byte {
	c := p.reportChars[id]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func TestRemotePressSetsAndReleaseClearsBit(t *testing.T) {
	p := testPeripheral("remote")
	ctx := context.Background()

	if err := p.Press(ctx, "volume_up", false); err != nil {
		t.Fatal(err)
	}
	v := reportValue(p, remoteReportID)
	if v[0] != 0x00 || v[1] != 0x10 {
		t.Fatalf("report = % x, want bit 12 set", v)
	}

	if err := p.Press(ctx, "MUTE", false); err != nil {
		t.Fatal(err)
	}
	v = reportValue(p, remoteReportID)
	if v[1] != 0x50 {
		t.Fatalf("report = % x, want bits 12 and 14 set", v)
	}

	if err := p.Release(ctx, "VOLUME_UP", false); err != nil {
		t.Fatal(err)
	}
	v = reportValue(p, remoteReportID)
	if v[1] != 0x40 {
		t.Fatalf("report = % x, want only bit 14", v)
	}
}

func TestRemoteUnknownButtonRejected(t *testing.T) {
	p := testPeripheral("remote")
	if err := p.Press(context.Background(), "WARP_DRIVE", false); err == nil {
		t.Fatal("expected error for unknown button")
	}
}

func TestKeyboardPressReplacesKeySet(t *testing.T) {
	p := testPeripheral("keyboard")
	ctx := context.Background()

	if err := p.Press(ctx, "a", false); err != nil {
		t.Fatal(err)
	}
	if err := p.Press(ctx, "b", false); err != nil {
		t.Fatal(err)
	}
	v := reportValue(p, keyboardReportID)
	if v[2] != keyboardUsages["b"] {
		t.Fatalf("report = % x, want key set replaced by b", v)
	}
	for _, b := range v[3:] {
		if b != 0 {
			t.Fatalf("report = % x, want single key", v)
		}
	}
}

func TestReleaseAllZeroesEveryReport(t *testing.T) {
	p := testPeripheral("keyboard")
	ctx := context.Background()
	if err := p.Press(ctx, "enter", false); err != nil {
		t.Fatal(err)
	}
	if err := p.Press(ctx, "play_pause", true); err != nil {
		t.Fatal(err)
	}

	p.ReleaseAll()
	for _, b := range reportValue(p, keyboardReportID) {
		if b != 0 {
			t.Fatal("keyboard report not zeroed")
		}
	}
	for _, b := range reportValue(p, consumerReportID) {
		if b != 0 {
			t.Fatal("consumer report not zeroed")
		}
	}
}
