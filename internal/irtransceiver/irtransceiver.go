// Package irtransceiver drives the IR transmitter GPIO line for a pulse
// array, optionally with held-key repeat, and records a pulse array from
// the IR receiver under a cancellable session.
package irtransceiver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"equilibrium/internal/model"
)

// necRepeat is the canonical NEC repeat burst: 9ms mark, 2.25ms space,
// 560us trailing mark.
var necRepeat = model.PulseArray{9000, 2250, 560}

const repeatInterval = 108 * time.Millisecond

// RecordEventKind names the progress events streamed to a record session's
// sink.
type RecordEventKind string

const (
	RecordingStarted RecordEventKind = "recording_started"
	PulseCaptured    RecordEventKind = "pulse_captured"
	RecordingDone    RecordEventKind = "recording_done"
	RecordCancelled  RecordEventKind = "cancelled"
)

// RecordEvent is one progress notification from an in-flight recording.
type RecordEvent struct {
	Kind   RecordEventKind
	Pulse  uint32          // set on PulseCaptured
	Pulses model.PulseArray // set on RecordingDone
}

// Transceiver owns the transmit and receive GPIO lines. Only one transmit
// and one record may be in flight at a time; both are serialised through
// the Task Queue by the caller, but the transceiver itself also guards
// against concurrent repeat/record goroutines internally.
type Transceiver struct {
	txPin gpio.PinIO
	rxPin gpio.PinIO

	mu        sync.Mutex
	repeatCh  chan struct{} // non-nil while a send_and_repeat is active
	recording *recordingSession
}

// recordingSession guards the one-recording-at-a-time rule.
type recordingSession struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Config names the GPIO pins backing the transmitter/receiver.
type Config struct {
	TXPin string
	RXPin string
}

// New claims the transmit and receive GPIO pins via periph's gpioreg.
func New(cfg Config) (*Transceiver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("irtransceiver: host init: %w", err)
	}
	tx := gpioreg.ByName(cfg.TXPin)
	if tx == nil {
		return nil, fmt.Errorf("irtransceiver: tx pin %s not present on host", cfg.TXPin)
	}
	rx := gpioreg.ByName(cfg.RXPin)
	if rx == nil {
		return nil, fmt.Errorf("irtransceiver: rx pin %s not present on host", cfg.RXPin)
	}
	if err := rx.In(gpio.PullNoChange, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("irtransceiver: rx pin edge config: %w", err)
	}
	return &Transceiver{txPin: tx, rxPin: rx}, nil
}

// Send drives the transmitter once for the given pulse array, alternating
// carrier-on (mark) and carrier-off (space), and returns once the final
// space has been observed.
func (t *Transceiver) Send(ctx context.Context, pulses model.PulseArray) error {
	if err := pulses.Validate(); err != nil {
		return model.Wrap(model.InvalidRequest, "irtransceiver.Send", err)
	}
	return t.blast(ctx, pulses)
}

func (t *Transceiver) blast(ctx context.Context, pulses model.PulseArray) error {
	for i, us := range pulses {
		level := gpio.Low
		if i%2 == 0 {
			level = gpio.High // mark
		}
		if err := t.txPin.Out(level); err != nil {
			return model.Wrap(model.TransportFailure, "irtransceiver.blast", err)
		}
		select {
		case <-time.After(time.Duration(us) * time.Microsecond):
		case <-ctx.Done():
			_ = t.txPin.Out(gpio.Low)
			return ctx.Err()
		}
	}
	return t.txPin.Out(gpio.Low)
}

// SendAndRepeat emits pulses once, then emits the NEC repeat burst
// (necRepeat) every ~108ms until StopRepeating is called, whatever the
// protocol of pulses. Starting a
// new SendAndRepeat cancels any prior repeat first.
func (t *Transceiver) SendAndRepeat(ctx context.Context, pulses model.PulseArray) error {
	t.StopRepeating()
	if err := t.Send(ctx, pulses); err != nil {
		return err
	}

	t.mu.Lock()
	t.stopRepeatingLocked()
	stop := make(chan struct{})
	t.repeatCh = stop
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(repeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = t.blast(ctx, necRepeat)
			}
		}
	}()
	return nil
}

// StopRepeating cancels any active held-key repeat. Safe to call when
// none is active.
func (t *Transceiver) StopRepeating() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopRepeatingLocked()
}

func (t *Transceiver) stopRepeatingLocked() {
	if t.repeatCh != nil {
		close(t.repeatCh)
		t.repeatCh = nil
	}
}

// Record opens the receiver and streams progress events to sink, yielding
// the captured pulse array once a trailing silence of silenceThreshold is
// observed or the length cap is reached. Starting a new Record cancels
// any prior one, which resolves with a RecordCancelled event instead of
// RecordingDone.
func (t *Transceiver) Record(ctx context.Context, silenceThreshold time.Duration, lengthCap int, sink chan<- RecordEvent) (model.PulseArray, error) {
	t.mu.Lock()
	prev := t.recording
	t.mu.Unlock()
	if prev != nil {
		// Wait outside the lock: the prior session's cleanup takes it.
		prev.cancel()
		<-prev.done
	}
	t.mu.Lock()
	recCtx, cancel := context.WithCancel(ctx)
	session := &recordingSession{cancel: cancel, done: make(chan struct{})}
	t.recording = session
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.recording == session {
			t.recording = nil
		}
		close(session.done)
		t.mu.Unlock()
	}()

	sink <- RecordEvent{Kind: RecordingStarted}

	pulses, cancelled := t.capture(recCtx, silenceThreshold, lengthCap, sink)
	if cancelled {
		sink <- RecordEvent{Kind: RecordCancelled}
		return nil, model.Wrap(model.Cancelled, "irtransceiver.Record", context.Canceled)
	}
	sink <- RecordEvent{Kind: RecordingDone, Pulses: pulses}
	return pulses, nil
}

// capture polls the receive pin for edges, accumulating mark/space
// durations until silenceThreshold elapses with no edge, or lengthCap
// pulses have been captured.
func (t *Transceiver) capture(ctx context.Context, silenceThreshold time.Duration, lengthCap int, sink chan<- RecordEvent) (model.PulseArray, bool) {
	var pulses model.PulseArray
	last := time.Now()
	lastLevel := t.rxPin.Read()
	started := false

	for len(pulses) < lengthCap {
		select {
		case <-ctx.Done():
			return nil, true
		default:
		}

		if !t.rxPin.WaitForEdge(10 * time.Millisecond) {
			if time.Since(last) >= silenceThreshold && len(pulses) >= 4 {
				return pulses, false
			}
			continue
		}

		now := time.Now()
		dur := uint32(now.Sub(last).Microseconds())
		last = now
		level := t.rxPin.Read()
		if level == lastLevel {
			continue
		}
		lastLevel = level
		if !started {
			// The first edge ends the idle time before the first mark;
			// that silence is not part of the pulse array.
			started = true
			continue
		}
		if dur == 0 {
			continue
		}
		pulses = append(pulses, dur)
		sink <- RecordEvent{Kind: PulseCaptured, Pulse: dur}
	}
	return pulses, false
}

// CancelRecording cancels the in-flight recording, if any.
func (t *Transceiver) CancelRecording() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recording != nil {
		t.recording.cancel()
	}
}
