// Package rfreceiver listens on an SPI-attached 2.4GHz radio (an
// nRF24L01-style part) for short payloads from a button-only remote,
// decoding them into a stream of press/repeat/release button events.
package rfreceiver

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sigurn/crc16"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// EventKind is the decoded semantic of one RF payload.
type EventKind string

const (
	Press   EventKind = "press"
	Repeat  EventKind = "repeat"
	Release EventKind = "release"
)

// Event is one decoded RF remote event.
type Event struct {
	Kind   EventKind
	Button string // empty for Release when no prior press is known
}

// Known opcodes outside the caller-supplied button table.
const (
	opIdle          = 0x40044c
	opRepeat        = 0x400028
	opRelease       = 0x4f0004
	opRemoteSleep   = 0x4f0300
	opRemoteWake    = 0x4f0700
	opMultiRelease1 = 0xc10000
	opMultiRelease2 = 0xc30000
)

const pollInterval = 50 * time.Millisecond

// nRF24L01 SPI opcodes and registers (datasheet §8.3/§9).
const (
	cmdRRXPayload = 0x61
	cmdWRegister  = 0x20
	cmdFlushRX    = 0xE2
	cmdNop        = 0xFF // returns STATUS in the first byte

	regConfig   = 0x00
	regRFCh     = 0x05
	regRFSetup  = 0x06
	regRXAddrP1 = 0x0B
	regRXAddrP2 = 0x0C
	regDynPD    = 0x1C
	regFeature  = 0x1D

	// CONFIG: 2-byte CRC, power up, primary RX.
	cfgListen = 0x0F

	rfSetup2Mbps = 0x0E // 2Mbps, 0dBm
	statusRXDR   = 0x40
)

// ccittTable backs a software check of the two trailing payload bytes.
// Some remote firmware revisions append a CRC16/CCITT of the command
// bytes there; a zero trailer means the check is absent.
var ccittTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Config names the SPI port and radio parameters: channel, 2Mbps,
// dynamic payloads, CRC16, two reading pipes bound from the
// caller-supplied 5-byte addresses.
type Config struct {
	SPIPort      string
	Channel      uint8
	Address1     [5]byte
	Address2     [5]byte
	CommandTable map[uint32]string // rf_command -> button name, from config/remote_keymap.json
}

// Receiver runs its own goroutine (the radio access is blocking),
// producing press/repeat/release callbacks.
type Receiver struct {
	cfg  Config
	port spi.PortCloser
	conn spi.Conn

	onPress   func(button string)
	onRepeat  func(button string)
	onRelease func(button string)

	mu      sync.Mutex
	lastKey string
	stop    chan struct{}
	stopped chan struct{}
}

// New opens the SPI port and configures the radio for listening, the same
// spireg.Open/port.Connect sequence the OLED driver uses for its panel.
func New(cfg Config) (*Receiver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("rfreceiver: host init: %w", err)
	}
	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("rfreceiver: open %s: %w", cfg.SPIPort, err)
	}
	conn, err := port.Connect(2*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("rfreceiver: connect: %w", err)
	}
	r := &Receiver{cfg: cfg, port: port, conn: conn}
	if err := r.configureRadio(); err != nil {
		port.Close()
		return nil, err
	}
	return r, nil
}

// configureRadio writes the listening configuration: channel, data rate,
// dynamic payloads on all pipes, and the two reading-pipe addresses.
func (r *Receiver) configureRadio() error {
	regs := []struct {
		reg   byte
		value []byte
	}{
		{regRFCh, []byte{r.cfg.Channel}},
		{regRFSetup, []byte{rfSetup2Mbps}},
		{regFeature, []byte{0x04}}, // EN_DPL
		{regDynPD, []byte{0x3F}},   // dynamic payloads on all pipes
		{regRXAddrP1, r.cfg.Address1[:]},
		// Pipe 2 shares pipe 1's high address bytes; only the LSB is written.
		{regRXAddrP2, []byte{r.cfg.Address2[0]}},
		{regConfig, []byte{cfgListen}},
	}
	for _, w := range regs {
		tx := append([]byte{cmdWRegister | w.reg}, w.value...)
		if err := r.conn.Tx(tx, make([]byte, len(tx))); err != nil {
			return fmt.Errorf("rfreceiver: write register 0x%02x: %w", w.reg, err)
		}
	}
	return nil
}

// OnPress, OnRepeat and OnRelease register the three event callbacks.
// Register before calling Start.
func (r *Receiver) OnPress(fn func(button string))   { r.onPress = fn }
func (r *Receiver) OnRepeat(fn func(button string))  { r.onRepeat = fn }
func (r *Receiver) OnRelease(fn func(button string)) { r.onRelease = fn }

// Start begins the dedicated poll-loop goroutine.
func (r *Receiver) Start() {
	r.stop = make(chan struct{})
	r.stopped = make(chan struct{})
	go r.loop()
}

// Stop sets the shutdown flag and waits for the loop to exit; the radio
// powers down within one poll interval.
func (r *Receiver) Stop() {
	close(r.stop)
	<-r.stopped
	// Clear PWR_UP.
	_ = r.conn.Tx([]byte{cmdWRegister | regConfig, cfgListen &^ 0x02}, make([]byte, 2))
	r.port.Close()
}

func (r *Receiver) loop() {
	defer close(r.stopped)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			payload, ok := r.readPayload()
			if !ok {
				continue
			}
			r.handlePayload(payload)
		}
	}
}

// readPayload issues NOP for STATUS, and if RX_DR is set, reads one
// payload with R_RX_PAYLOAD and flushes the FIFO.
func (r *Receiver) readPayload() ([]byte, bool) {
	status := make([]byte, 1)
	if err := r.conn.Tx([]byte{cmdNop}, status); err != nil {
		log.Println("rfreceiver: status read error:", err)
		return nil, false
	}
	if status[0]&statusRXDR == 0 {
		return nil, false
	}

	tx := make([]byte, 7) // opcode + up to 6 payload bytes
	tx[0] = cmdRRXPayload
	rx := make([]byte, len(tx))
	if err := r.conn.Tx(tx, rx); err != nil {
		log.Println("rfreceiver: payload read error:", err)
		return nil, false
	}
	_ = r.conn.Tx([]byte{cmdFlushRX}, []byte{0})
	return rx[1:], true
}

// handlePayload classifies a payload `0x00 B1 B2 B3 ? ?` against the
// opcode table and invokes the matching callback.
func (r *Receiver) handlePayload(payload []byte) {
	if len(payload) < 5 {
		log.Printf("rfreceiver: short payload: % x", payload)
		return
	}
	cmd := uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])

	if len(payload) >= 6 && (payload[4] != 0 || payload[5] != 0) {
		trailer := uint16(payload[4])<<8 | uint16(payload[5])
		if sum := crc16.Checksum(payload[:4], ccittTable); sum != trailer {
			log.Printf("rfreceiver: payload checksum mismatch: got %04x want %04x", trailer, sum)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if button, ok := r.cfg.CommandTable[cmd]; ok {
		r.lastKey = button
		if r.onPress != nil {
			r.onPress(button)
		}
		return
	}

	switch cmd {
	case opIdle:
		// ignore
	case opRemoteSleep:
		log.Println("rfreceiver: remote going to sleep")
	case opRemoteWake:
		log.Println("rfreceiver: remote woke up")
	case opRepeat:
		if r.onRepeat != nil {
			r.onRepeat(r.lastKey)
		}
	case opRelease:
		if r.onRelease != nil {
			r.onRelease(r.lastKey)
		}
	case opMultiRelease1, opMultiRelease2:
		// ignore; always followed by opRelease
	default:
		log.Printf("rfreceiver: unexpected payload: % x", payload)
	}
}
