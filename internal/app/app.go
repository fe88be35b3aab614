// Package app assembles the control plane: one Root value owns every
// subsystem and is handed to the HTTP/WS facade, resolving the
// dependency-injection seam called out in the design notes.
package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"equilibrium/internal/ble"
	"equilibrium/internal/config"
	"equilibrium/internal/dispatch"
	"equilibrium/internal/integration"
	"equilibrium/internal/irtransceiver"
	"equilibrium/internal/keymap"
	"equilibrium/internal/model"
	"equilibrium/internal/queue"
	"equilibrium/internal/rfreceiver"
	"equilibrium/internal/scene"
	"equilibrium/internal/status"
	"equilibrium/internal/store"
)

// Root owns the four control-plane subsystems plus their collaborators.
// Hardware-backed fields (IR, RF, BLE) are nil in degraded mode: boot
// failures there refuse the control plane but CRUD keeps serving.
type Root struct {
	Cfg    *config.Config
	Store  *store.Store
	Queue  *queue.Queue
	Status *status.Broadcaster

	Dispatcher  *dispatch.Dispatcher
	Scenes      *scene.Machine
	Keymaps     *keymap.Manager
	Router      *keymap.Router
	IR          *irtransceiver.Transceiver
	RF          *rfreceiver.Receiver
	BLE         *ble.Peripheral
	Integration *integration.Client

	Degraded bool
}

// httpTransport issues the one-shot HTTP call for a NETWORK command.
type httpTransport struct {
	client *http.Client
}

func (t *httpTransport) Do(ctx context.Context, method model.NetworkMethod, url, body string) error {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequestWithContext(ctx, string(method), url, reader)
	if err != nil {
		return model.Wrap(model.InvalidRequest, "network.Do", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return model.Wrap(model.TransportFailure, "network.Do", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.Wrap(model.TransportFailure, "network.Do",
			fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode))
	}
	return nil
}

// unavailableIR stands in for the transceiver in degraded mode.
type unavailableIR struct{}

func (unavailableIR) Send(context.Context, model.PulseArray) error {
	return model.Wrap(model.TransportUnavailable, "ir.Send", fmt.Errorf("ir hardware not initialised"))
}
func (unavailableIR) SendAndRepeat(context.Context, model.PulseArray) error {
	return model.Wrap(model.TransportUnavailable, "ir.SendAndRepeat", fmt.Errorf("ir hardware not initialised"))
}
func (unavailableIR) StopRepeating() {}

// unavailableBT stands in for the peripheral in degraded mode.
type unavailableBT struct{}

func (unavailableBT) Press(context.Context, string, bool) error {
	return model.Wrap(model.TransportUnavailable, "bt.Press", fmt.Errorf("bluetooth not initialised"))
}
func (unavailableBT) Release(context.Context, string, bool) error {
	return model.Wrap(model.TransportUnavailable, "bt.Release", fmt.Errorf("bluetooth not initialised"))
}
func (unavailableBT) Click(context.Context, string, bool) error {
	return model.Wrap(model.TransportUnavailable, "bt.Click", fmt.Errorf("bluetooth not initialised"))
}
func (unavailableBT) ReleaseAll() {}

// unavailablePeer is the scene machine's peer seam in degraded mode.
type unavailablePeer struct{}

func (unavailablePeer) SwapPeer(context.Context, string) error {
	return model.Wrap(model.TransportUnavailable, "bt.SwapPeer", fmt.Errorf("bluetooth not initialised"))
}
func (unavailablePeer) Disconnect(context.Context) error {
	return model.Wrap(model.TransportUnavailable, "bt.Disconnect", fmt.Errorf("bluetooth not initialised"))
}

// unavailableIntegration stands in when no gateway URL is configured.
type unavailableIntegration struct{}

func (unavailableIntegration) ToggleLight(context.Context, string) error {
	return model.Wrap(model.TransportUnavailable, "integration.ToggleLight", fmt.Errorf("no gateway configured"))
}
func (unavailableIntegration) IncreaseBrightness(context.Context) error {
	return model.Wrap(model.TransportUnavailable, "integration.IncreaseBrightness", fmt.Errorf("no gateway configured"))
}
func (unavailableIntegration) DecreaseBrightness(context.Context) error {
	return model.Wrap(model.TransportUnavailable, "integration.DecreaseBrightness", fmt.Errorf("no gateway configured"))
}

// sceneControl adapts the store + machine pair to the router's seam,
// resolving a scene id before starting it.
type sceneControl struct {
	store   *store.Store
	machine *scene.Machine
}

func (s *sceneControl) StartByID(ctx context.Context, sceneID string) error {
	sc, err := s.store.GetScene(sceneID)
	if err != nil {
		return err
	}
	return s.machine.Start(ctx, sc)
}

func (s *sceneControl) StopCurrent(ctx context.Context) error {
	return s.machine.Stop(ctx)
}

// New builds the whole control plane. ctx bounds the queue's lifetime.
func New(ctx context.Context, cfg *config.Config) (*Root, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	r := &Root{
		Cfg:    cfg,
		Store:  st,
		Queue:  queue.New(ctx, 64),
		Status: status.New(),
	}

	// Hardware transports. Failure of any puts the root into degraded
	// mode; the dispatcher gets an always-failing stand-in so macro
	// execution and CRUD keep working.
	var irT dispatch.IRTransport = unavailableIR{}
	if t, err := irtransceiver.New(irtransceiver.Config{TXPin: cfg.IR.TXPin, RXPin: cfg.IR.RXPin}); err != nil {
		log.Println("app: ir transceiver init failed, degraded:", err)
		r.Degraded = true
	} else {
		r.IR = t
		irT = t
	}

	var btT dispatch.BTTransport = unavailableBT{}
	var peerT scene.BluetoothPeer = unavailablePeer{}
	if p, err := ble.New(ble.Config{Alias: cfg.Bluetooth.Alias, Profile: cfg.Bluetooth.Profile}); err != nil {
		log.Println("app: bluetooth init failed, degraded:", err)
		r.Degraded = true
	} else {
		r.BLE = p
		btT = p
		peerT = p
	}

	var intT dispatch.IntegrationTransport = unavailableIntegration{}
	if cfg.Integration.URL != "" {
		r.Integration = integration.New(cfg.Integration.URL, cfg.Integration.Token)
		intT = r.Integration
	}

	r.Dispatcher = dispatch.New(st, r.Status, irT, btT,
		&httpTransport{client: &http.Client{Timeout: 10 * time.Second}}, intT)

	r.Keymaps = keymap.New(cfg.ConfigDir)
	r.Keymaps.OnTableLoaded(func(ctx context.Context, commandIDs []string) {
		for _, id := range commandIDs {
			cmd, err := st.GetCommand(id)
			if err != nil {
				log.Println("app: keymap references unknown command", id)
				continue
			}
			r.Dispatcher.Preload(cmd)
		}
	})

	r.Scenes = scene.New(r.Dispatcher, st, peerT, r.Keymaps, r.Status)
	r.Router = keymap.NewRouter(r.Keymaps, &sceneControl{store: st, machine: r.Scenes}, r.Dispatcher, r.Queue)

	return r, nil
}

// Start loads the keymap tables, brings up the RF listener and the BLE
// peripheral, and begins routing input.
func (r *Root) Start(ctx context.Context) error {
	if err := r.Keymaps.LoadSceneTable(); err != nil {
		log.Println("app: scene table load failed:", err)
	}
	if err := r.Keymaps.LoadDefaultCommandTable(ctx); err != nil {
		log.Println("app: default keymap load failed:", err)
	}

	if r.BLE != nil {
		if err := r.BLE.Start(ctx); err != nil {
			log.Println("app: bluetooth start failed, degraded:", err)
			r.Degraded = true
		}
	}

	rfTable, err := r.Keymaps.RFTable()
	if err != nil {
		log.Println("app: remote keymap load failed:", err)
		rfTable = map[uint32]string{}
	}
	addr1, err1 := r.Cfg.RFAddress(r.Cfg.RF.Address1)
	addr2, err2 := r.Cfg.RFAddress(r.Cfg.RF.Address2)
	if err1 != nil || err2 != nil {
		log.Println("app: rf addresses invalid, rf listener disabled")
		r.Degraded = true
		return nil
	}
	rf, err := rfreceiver.New(rfreceiver.Config{
		SPIPort:      r.Cfg.RF.SPIPort,
		Channel:      r.Cfg.RF.Channel,
		Address1:     addr1,
		Address2:     addr2,
		CommandTable: rfTable,
	})
	if err != nil {
		log.Println("app: rf receiver init failed, degraded:", err)
		r.Degraded = true
		return nil
	}
	r.RF = rf
	rf.OnPress(r.Router.HandlePress)
	rf.OnRepeat(r.Router.HandleRepeat)
	rf.OnRelease(r.Router.HandleRelease)
	rf.Start()
	return nil
}

// Shutdown stops the subsystems in input-first order.
func (r *Root) Shutdown() {
	if r.RF != nil {
		r.RF.Stop()
	}
	if r.IR != nil {
		r.IR.CancelRecording()
		r.IR.StopRepeating()
	}
	if r.BLE != nil {
		r.BLE.Shutdown()
	}
	r.Queue.Shutdown()
	r.Store.Close()
}
