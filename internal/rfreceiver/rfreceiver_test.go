package rfreceiver

import "testing"

func payload(cmd uint32) []byte {
	return []byte{0x00, byte(cmd >> 16), byte(cmd >> 8), byte(cmd), 0x00, 0x00}
}

func TestHandlePayloadKnownOpcodeIsPress(t *testing.T) {
	var got EventKind
	var gotButton string
	r := &Receiver{cfg: Config{CommandTable: map[uint32]string{0x123456: "Play"}}}
	r.OnPress(func(b string) { got = Press; gotButton = b })
	r.handlePayload(payload(0x123456))
	if got != Press || gotButton != "Play" {
		t.Fatalf("got (%v,%v), want (press,Play)", got, gotButton)
	}
}

func TestHandlePayloadRepeatUsesLastKey(t *testing.T) {
	var gotButton string
	r := &Receiver{cfg: Config{CommandTable: map[uint32]string{0x123456: "Play"}}}
	r.OnRepeat(func(b string) { gotButton = b })
	r.handlePayload(payload(0x123456))
	r.handlePayload(payload(opRepeat))
	if gotButton != "Play" {
		t.Fatalf("repeat button = %q, want Play", gotButton)
	}
}

func TestHandlePayloadReleaseWithNoPriorPressIsNull(t *testing.T) {
	var called bool
	var gotButton string
	r := &Receiver{cfg: Config{}}
	r.OnRelease(func(b string) { called = true; gotButton = b })
	r.handlePayload(payload(opRelease))
	if !called || gotButton != "" {
		t.Fatalf("release callback = (%v,%q), want (true,\"\")", called, gotButton)
	}
}

func TestHandlePayloadIdleAndMultiReleaseAreIgnored(t *testing.T) {
	r := &Receiver{cfg: Config{}}
	r.OnPress(func(string) { t.Fatal("press should not fire") })
	r.OnRelease(func(string) { t.Fatal("release should not fire") })
	r.OnRepeat(func(string) { t.Fatal("repeat should not fire") })
	r.handlePayload(payload(opIdle))
	r.handlePayload(payload(opMultiRelease1))
	r.handlePayload(payload(opMultiRelease2))
}

func TestHandlePayloadShortPayloadIgnored(t *testing.T) {
	r := &Receiver{cfg: Config{}}
	r.OnPress(func(string) { t.Fatal("press should not fire") })
	r.handlePayload([]byte{0x00, 0x01})
}
