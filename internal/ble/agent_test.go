package ble

import (
	"testing"
	"time"

	"equilibrium/internal/model"
)

// A pending confirmation resolves on
// Confirm, and a second Confirm for the same path is NotFound.
func TestConfirmResolvesPendingOnce(t *testing.T) {
	a := newAgent(nil)
	const path = "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"

	verdict := make(chan bool, 1)
	go func() {
		verdict <- a.awaitVerdict(path, model.AwaitPasskeyConfirm, time.Second)
	}()

	// Wait for the session to appear in the pending map.
	deadline := time.Now().Add(time.Second)
	for len(a.Pending()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending session never appeared")
		}
		time.Sleep(time.Millisecond)
	}
	pending := a.Pending()
	if pending[0].DevicePath != path || pending[0].Awaiting != model.AwaitPasskeyConfirm {
		t.Fatalf("pending = %+v", pending)
	}

	if err := a.Confirm(path, true); err != nil {
		t.Fatal(err)
	}
	if v := <-verdict; !v {
		t.Fatal("verdict = false, want true")
	}

	if err := a.Confirm(path, true); model.KindOf(err) != model.NotFound {
		t.Fatalf("second confirm kind = %v, want NotFound", model.KindOf(err))
	}
	if len(a.Pending()) != 0 {
		t.Fatal("pending map should be empty after resolve")
	}
}

func TestConfirmRejectionYieldsFalse(t *testing.T) {
	a := newAgent(nil)
	verdict := make(chan bool, 1)
	go func() {
		verdict <- a.awaitVerdict("/dev/x", model.AwaitServiceAuth, time.Second)
	}()
	for len(a.Pending()) == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := a.Confirm("/dev/x", false); err != nil {
		t.Fatal(err)
	}
	if v := <-verdict; v {
		t.Fatal("verdict = true, want false")
	}
}

func TestAwaitVerdictTimesOut(t *testing.T) {
	a := newAgent(nil)
	var events []PairingEvent
	a.OnEvent(func(ev PairingEvent) { events = append(events, ev) })

	if v := a.awaitVerdict("/dev/y", model.AwaitPasskeyConfirm, 10*time.Millisecond); v {
		t.Fatal("timed-out verdict must be false")
	}
	if len(a.Pending()) != 0 {
		t.Fatal("timed-out session must be cleared")
	}
	if len(events) != 1 || events[0].Type != "pairing_timeout" {
		t.Fatalf("events = %+v, want one pairing_timeout", events)
	}
}

func TestCancelFailsAllPending(t *testing.T) {
	a := newAgent(nil)
	var events []PairingEvent
	a.OnEvent(func(ev PairingEvent) { events = append(events, ev) })

	v1 := make(chan bool, 1)
	v2 := make(chan bool, 1)
	go func() { v1 <- a.awaitVerdict("/dev/a", model.AwaitPasskeyConfirm, time.Second) }()
	go func() { v2 <- a.awaitVerdict("/dev/b", model.AwaitServiceAuth, time.Second) }()
	for len(a.Pending()) != 2 {
		time.Sleep(time.Millisecond)
	}

	a.Cancel()
	if <-v1 || <-v2 {
		t.Fatal("cancelled verdicts must be false")
	}
	if len(a.Pending()) != 0 {
		t.Fatal("pending map must be cleared")
	}
	found := false
	for _, ev := range events {
		if ev.Type == "pairing_cancelled" {
			found = true
		}
	}
	if !found {
		t.Fatalf("events = %+v, want a pairing_cancelled", events)
	}
}
