package facade

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"equilibrium/internal/irtransceiver"
	"equilibrium/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// wsHub fans one channel's payloads out to its connected clients. One
// hub per channel here since the status and pairing channels have
// unrelated payload shapes.
type wsHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[*wsClient]struct{})}
}

func (h *wsHub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *wsHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *wsHub) broadcastJSON(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Println("facade: ws marshal error:", err)
		return
	}
	h.mu.RLock()
	snapshot := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()
	for _, c := range snapshot {
		select {
		case c.send <- data:
		default:
		}
	}
}

// serveHub upgrades the request and runs the write/read pumps for a
// hub-backed channel. initial, if non-nil, is sent before anything else.
func serveHub(hub *wsHub, w http.ResponseWriter, r *http.Request, initial any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("facade: ws upgrade error:", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 4)}
	hub.register(c)

	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}

	// Write pump.
	go func() {
		defer hub.unregister(c)
		defer conn.Close()
		for msg := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// Read pump: only used to detect disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			hub.unregister(c)
			return
		}
	}
}

// statusWS pushes the full Status JSON whenever it changes, seeding the
// client with the current snapshot on connect.
func (f *Facade) statusWS(w http.ResponseWriter, r *http.Request) {
	serveHub(f.statusHub, w, r, f.root.Status.Current())
}

// pairingWS pushes pairing-agent events.
func (f *Facade) pairingWS(w http.ResponseWriter, r *http.Request) {
	serveHub(f.pairingHub, w, r, nil)
}

// recordRequest is the client's opening message on the record channel.
type recordRequest struct {
	Name     string `json:"name"`
	DeviceID string `json:"deviceId,omitempty"`
}

// recordEventMsg is one progress frame pushed to the record channel.
type recordEventMsg struct {
	Type  string `json:"type"`
	Pulse uint32 `json:"pulse,omitempty"`
}

const (
	recordSilence   = 100 * time.Millisecond
	recordLengthCap = 256
)

// recordWS runs one IR recording session: the client opens the socket,
// sends {name, deviceId}, receives progress events, and on completion the
// captured pulse array is persisted as a new IR command. A new session
// cancels any in-flight one, whose client sees {"type":"cancelled"}.
func (f *Facade) recordWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("facade: record ws upgrade error:", err)
		return
	}
	defer conn.Close()

	if f.root.IR == nil {
		conn.WriteJSON(map[string]string{"error": "ir hardware not initialised"})
		return
	}

	var req recordRequest
	if err := conn.ReadJSON(&req); err != nil {
		log.Println("facade: record ws request error:", err)
		return
	}

	// Cancel any prior session immediately; its Record call resolves
	// with a cancelled outcome and its socket closes.
	f.root.IR.CancelRecording()

	sink := make(chan irtransceiver.RecordEvent, 16)
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		// Keep draining after a write error so the recorder never
		// blocks on a dead client's sink.
		dead := false
		for ev := range sink {
			if dead {
				continue
			}
			msg := recordEventMsg{Type: string(ev.Kind)}
			if ev.Kind == irtransceiver.PulseCaptured {
				msg.Pulse = ev.Pulse
			}
			if err := conn.WriteJSON(msg); err != nil {
				dead = true
			}
		}
	}()

	type result struct {
		pulses model.PulseArray
		err    error
	}
	done := make(chan result, 1)
	f.root.Queue.Enqueue(func(ctx context.Context) {
		pulses, err := f.root.IR.Record(ctx, recordSilence, recordLengthCap, sink)
		close(sink)
		done <- result{pulses: pulses, err: err}
	})

	res := <-done
	writer.Wait()
	if res.err != nil {
		// Cancelled or failed; the event stream already told the client.
		return
	}

	cmd := &model.Command{
		Name:     req.Name,
		DeviceID: req.DeviceID,
		Type:     model.CommandIR,
		IR:       &model.IRPayload{Pulses: res.pulses},
	}
	if err := f.root.Store.SaveCommand(cmd); err != nil {
		log.Println("facade: record ws save:", err)
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	conn.WriteJSON(map[string]any{"type": "saved", "command": cmd})
}
