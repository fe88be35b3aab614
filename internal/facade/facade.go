// Package facade is the thin HTTP/WebSocket layer: CRUD over
// commands/devices/macros/scenes/images, the Bluetooth control surface,
// and the three WebSocket channels (IR record, status push, pairing
// events).
package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"equilibrium/internal/app"
	"equilibrium/internal/ble"
	"equilibrium/internal/dispatch"
	"equilibrium/internal/ircodec"
	"equilibrium/internal/model"
	"equilibrium/internal/store"
)

const version = "1.0.0"

// Facade serves the HTTP surface over one app.Root.
type Facade struct {
	root       *app.Root
	statusHub  *wsHub
	pairingHub *wsHub
}

// New wires a Facade to root and subscribes its fan-out hubs to the
// status broadcaster and the pairing agent.
func New(root *app.Root) *Facade {
	f := &Facade{
		root:       root,
		statusHub:  newWSHub(),
		pairingHub: newWSHub(),
	}
	root.Status.OnChange(func(s *model.Status) {
		f.statusHub.broadcastJSON(s)
	})
	if root.BLE != nil {
		root.BLE.Agent().OnEvent(func(ev ble.PairingEvent) {
			f.pairingHub.broadcastJSON(ev)
		})
	}
	return f
}

// Handler builds the route table.
func (f *Facade) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /commands", f.createCommand)
	mux.HandleFunc("GET /commands", f.listCommands)
	mux.HandleFunc("GET /commands/search", f.searchCommands)
	mux.HandleFunc("GET /commands/{id}", f.getCommand)
	mux.HandleFunc("DELETE /commands/{id}", f.deleteCommand)
	mux.HandleFunc("POST /commands/{id}/send", f.sendCommand)
	mux.HandleFunc("GET /commands/{id}/ir-code", f.irCode)

	mux.HandleFunc("POST /devices", f.createDevice)
	mux.HandleFunc("GET /devices", f.listDevices)
	mux.HandleFunc("GET /devices/{id}", f.getDevice)
	mux.HandleFunc("DELETE /devices/{id}", f.deleteDevice)

	mux.HandleFunc("POST /macros", f.createMacro)
	mux.HandleFunc("GET /macros", f.listMacros)
	mux.HandleFunc("GET /macros/{id}", f.getMacro)
	mux.HandleFunc("DELETE /macros/{id}", f.deleteMacro)

	mux.HandleFunc("POST /scenes", f.createScene)
	mux.HandleFunc("GET /scenes", f.listScenes)
	mux.HandleFunc("GET /scenes/{id}", f.getScene)
	mux.HandleFunc("DELETE /scenes/{id}", f.deleteScene)
	mux.HandleFunc("POST /scenes/{id}/start", f.startScene)
	mux.HandleFunc("POST /scenes/stop", f.stopScene)
	mux.HandleFunc("POST /scenes/{id}/set_current", f.setCurrentScene)

	mux.HandleFunc("POST /images", f.uploadImage)
	mux.HandleFunc("GET /images", f.listImages)
	mux.HandleFunc("GET /images/{id}", f.getImage)
	mux.HandleFunc("DELETE /images/{id}", f.deleteImage)

	mux.HandleFunc("POST /bluetooth/start_advertisement", f.btAdvertise)
	mux.HandleFunc("POST /bluetooth/start_pairing", f.btAdvertise)
	mux.HandleFunc("POST /bluetooth/connect/{mac}", f.btConnect)
	mux.HandleFunc("POST /bluetooth/disconnect", f.btDisconnect)
	mux.HandleFunc("DELETE /bluetooth/remove/{mac}", f.btRemove)
	mux.HandleFunc("GET /bluetooth/devices", f.btDevices)

	mux.HandleFunc("GET /bluetooth/profiles", f.btProfiles)
	mux.HandleFunc("POST /bluetooth/profile/activate", f.btActivateProfile)
	mux.HandleFunc("POST /bluetooth/advertise", f.btAdvertise)
	mux.HandleFunc("POST /bluetooth/advertise/stop", f.btStopAdvertise)
	mux.HandleFunc("POST /bluetooth/command", f.btCommand)
	mux.HandleFunc("POST /bluetooth/pair", f.btPair)
	mux.HandleFunc("POST /bluetooth/pair/confirm", f.btPairConfirm)
	mux.HandleFunc("GET /bluetooth/pair/pending", f.btPairPending)

	mux.HandleFunc("GET /info", f.info)

	mux.HandleFunc("/ws/record", f.recordWS)
	mux.HandleFunc("/ws/status", f.statusWS)
	mux.HandleFunc("/ws/pairing", f.pairingWS)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError maps the model error kinds to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch model.KindOf(err) {
	case model.InvalidRequest:
		code = http.StatusBadRequest
	case model.NotFound:
		code = http.StatusNotFound
	case model.NotImplemented:
		code = http.StatusNotImplemented
	case model.TransportUnavailable:
		code = http.StatusServiceUnavailable
	case model.PairingRejected, model.PairingTimeout:
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (f *Facade) createCommand(w http.ResponseWriter, r *http.Request) {
	var cmd model.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, model.Wrap(model.InvalidRequest, "facade.createCommand", err))
		return
	}
	// IR commands are recorded over the WebSocket, never created here.
	if cmd.Type == model.CommandIR {
		writeError(w, model.Wrap(model.InvalidRequest, "facade.createCommand",
			errors.New("IR commands must be recorded via the record websocket")))
		return
	}
	if err := f.root.Store.SaveCommand(&cmd); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &cmd)
}

func (f *Facade) listCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := f.root.Store.ListCommands()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (f *Facade) searchCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cmds, err := f.root.Store.SearchCommands(q.Get("name"), q.Get("device_id"), model.CommandType(q.Get("command_type")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (f *Facade) getCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := f.root.Store.GetCommand(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (f *Facade) deleteCommand(w http.ResponseWriter, r *http.Request) {
	if err := f.root.Store.DeleteCommand(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sendCommand dispatches a one-off command through the queue so it
// serialises with RF-originated emissions.
func (f *Facade) sendCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := f.root.Store.GetCommand(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	f.root.Queue.Enqueue(func(ctx context.Context) {
		if err := f.root.Dispatcher.Dispatch(ctx, cmd, dispatch.Modifiers{}); err != nil {
			log.Println("facade: send command:", err)
		}
	})
	w.WriteHeader(http.StatusAccepted)
}

func (f *Facade) irCode(w http.ResponseWriter, r *http.Request) {
	cmd, err := f.root.Store.GetCommand(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if cmd.Type != model.CommandIR || cmd.IR == nil {
		writeError(w, model.Wrap(model.InvalidRequest, "facade.irCode", errors.New("not an IR command")))
		return
	}
	det := ircodec.Detect(cmd.IR.Pulses)
	writeJSON(w, http.StatusOK, map[string]any{
		"pulses":     cmd.IR.Pulses,
		"protocol":   det.Protocol,
		"confidence": det.Confidence,
		"decoded":    ircodec.Decode(cmd.IR.Pulses),
	})
}

func (f *Facade) createDevice(w http.ResponseWriter, r *http.Request) {
	var d model.Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, model.Wrap(model.InvalidRequest, "facade.createDevice", err))
		return
	}
	if err := f.root.Store.SaveDevice(&d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &d)
}

func (f *Facade) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := f.root.Store.ListDevices()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (f *Facade) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := f.root.Store.GetDevice(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (f *Facade) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := f.root.Store.DeleteDevice(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *Facade) createMacro(w http.ResponseWriter, r *http.Request) {
	var m model.Macro
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, model.Wrap(model.InvalidRequest, "facade.createMacro", err))
		return
	}
	if err := f.root.Store.SaveMacro(&m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &m)
}

func (f *Facade) listMacros(w http.ResponseWriter, r *http.Request) {
	macros, err := f.root.Store.ListMacros()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, macros)
}

func (f *Facade) getMacro(w http.ResponseWriter, r *http.Request) {
	m, err := f.root.Store.GetMacro(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (f *Facade) deleteMacro(w http.ResponseWriter, r *http.Request) {
	if err := f.root.Store.DeleteMacro(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *Facade) createScene(w http.ResponseWriter, r *http.Request) {
	var sc model.Scene
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		writeError(w, model.Wrap(model.InvalidRequest, "facade.createScene", err))
		return
	}
	if err := f.root.Store.SaveScene(&sc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &sc)
}

func (f *Facade) listScenes(w http.ResponseWriter, r *http.Request) {
	scenes, err := f.root.Store.ListScenes()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scenes)
}

func (f *Facade) getScene(w http.ResponseWriter, r *http.Request) {
	sc, err := f.root.Store.GetScene(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (f *Facade) deleteScene(w http.ResponseWriter, r *http.Request) {
	if err := f.root.Store.DeleteScene(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *Facade) startScene(w http.ResponseWriter, r *http.Request) {
	sc, err := f.root.Store.GetScene(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	f.root.Queue.Enqueue(func(ctx context.Context) {
		if err := f.root.Scenes.Start(ctx, sc); err != nil {
			log.Println("facade: start scene:", err)
		}
	})
	w.WriteHeader(http.StatusAccepted)
}

func (f *Facade) stopScene(w http.ResponseWriter, r *http.Request) {
	f.root.Queue.Enqueue(func(ctx context.Context) {
		if err := f.root.Scenes.Stop(ctx); err != nil {
			log.Println("facade: stop scene:", err)
		}
	})
	w.WriteHeader(http.StatusAccepted)
}

func (f *Facade) setCurrentScene(w http.ResponseWriter, r *http.Request) {
	sc, err := f.root.Store.GetScene(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	f.root.Queue.Enqueue(func(ctx context.Context) {
		if err := f.root.Scenes.SetCurrent(ctx, sc); err != nil {
			log.Println("facade: set current scene:", err)
		}
	})
	w.WriteHeader(http.StatusAccepted)
}

func (f *Facade) imagesDir() string {
	return filepath.Join(f.root.Cfg.ConfigDir, "images")
}

func (f *Facade) uploadImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, model.Wrap(model.InvalidRequest, "facade.uploadImage", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, model.Wrap(model.InvalidRequest, "facade.uploadImage", err))
		return
	}
	defer file.Close()

	img := &store.UserImage{Name: r.FormValue("name")}
	if img.Name == "" {
		img.Name = header.Filename
	}
	if err := f.root.Store.SaveImage(img); err != nil {
		writeError(w, err)
		return
	}
	img.FileName = img.ID + ".png"

	if err := os.MkdirAll(f.imagesDir(), 0755); err != nil {
		writeError(w, err)
		return
	}
	out, err := os.Create(filepath.Join(f.imagesDir(), img.FileName))
	if err != nil {
		writeError(w, err)
		return
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		writeError(w, err)
		return
	}
	if err := f.root.Store.SaveImage(img); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, img)
}

func (f *Facade) listImages(w http.ResponseWriter, r *http.Request) {
	images, err := f.root.Store.ListImages()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

func (f *Facade) getImage(w http.ResponseWriter, r *http.Request) {
	img, err := f.root.Store.GetImage(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	http.ServeFile(w, r, filepath.Join(f.imagesDir(), img.FileName))
}

func (f *Facade) deleteImage(w http.ResponseWriter, r *http.Request) {
	img, err := f.root.Store.GetImage(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := f.root.Store.DeleteImage(img.ID); err != nil {
		writeError(w, err)
		return
	}
	os.Remove(filepath.Join(f.imagesDir(), img.FileName))
	w.WriteHeader(http.StatusNoContent)
}

// requireBLE writes 503 and returns false when bluetooth is degraded.
func (f *Facade) requireBLE(w http.ResponseWriter) bool {
	if f.root.BLE == nil {
		writeError(w, model.Wrap(model.TransportUnavailable, "facade.bluetooth",
			errors.New("bluetooth not initialised")))
		return false
	}
	return true
}

func (f *Facade) btAdvertise(w http.ResponseWriter, r *http.Request) {
	if !f.requireBLE(w) {
		return
	}
	if err := f.root.BLE.Advertise(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *Facade) btStopAdvertise(w http.ResponseWriter, r *http.Request) {
	if !f.requireBLE(w) {
		return
	}
	f.root.BLE.StopAdvertising()
	w.WriteHeader(http.StatusNoContent)
}

func (f *Facade) btConnect(w http.ResponseWriter, r *http.Request) {
	if !f.requireBLE(w) {
		return
	}
	timeout := 10 * time.Second
	if s := r.URL.Query().Get("timeout"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}
	connected := f.root.BLE.Connect(r.Context(), r.PathValue("mac"), timeout)
	writeJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}

func (f *Facade) btDisconnect(w http.ResponseWriter, r *http.Request) {
	if !f.requireBLE(w) {
		return
	}
	if err := f.root.BLE.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *Facade) btRemove(w http.ResponseWriter, r *http.Request) {
	if !f.requireBLE(w) {
		return
	}
	if err := f.root.BLE.Remove(r.PathValue("mac")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *Facade) btDevices(w http.ResponseWriter, r *http.Request) {
	if !f.requireBLE(w) {
		return
	}
	devices, err := f.root.BLE.Devices()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (f *Facade) btProfiles(w http.ResponseWriter, r *http.Request) {
	if !f.requireBLE(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profiles": f.root.BLE.Profiles(),
		"active":   f.root.BLE.ActiveProfile(),
	})
}

func (f *Facade) btActivateProfile(w http.ResponseWriter, r *http.Request) {
	if !f.requireBLE(w) {
		return
	}
	name := r.URL.Query().Get("profile_name")
	if err := f.root.BLE.ActivateProfile(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *Facade) btCommand(w http.ResponseWriter, r *http.Request) {
	if !f.requireBLE(w) {
		return
	}
	var req struct {
		Button   string `json:"button"`
		Action   string `json:"action"`
		Duration int    `json:"duration"` // ms, click only
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.Wrap(model.InvalidRequest, "facade.btCommand", err))
		return
	}
	peripheral := f.root.BLE
	f.root.Queue.Enqueue(func(ctx context.Context) {
		var err error
		switch req.Action {
		case "press":
			err = peripheral.Press(ctx, req.Button, false)
		case "release":
			err = peripheral.Release(ctx, req.Button, false)
		case "click", "":
			err = peripheral.ClickFor(ctx, req.Button, false, time.Duration(req.Duration)*time.Millisecond)
		default:
			err = fmt.Errorf("unknown action %q", req.Action)
		}
		if err != nil {
			log.Println("facade: bluetooth command:", err)
		}
	})
	w.WriteHeader(http.StatusAccepted)
}

func (f *Facade) btPair(w http.ResponseWriter, r *http.Request) {
	if !f.requireBLE(w) {
		return
	}
	var req struct {
		Address string `json:"address"`
		Trust   bool   `json:"trust"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.Wrap(model.InvalidRequest, "facade.btPair", err))
		return
	}
	if err := f.root.BLE.Pair(r.Context(), req.Address, req.Trust); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *Facade) btPairConfirm(w http.ResponseWriter, r *http.Request) {
	if !f.requireBLE(w) {
		return
	}
	var req struct {
		DevicePath string `json:"devicePath"`
		Accept     bool   `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.Wrap(model.InvalidRequest, "facade.btPairConfirm", err))
		return
	}
	if err := f.root.BLE.Agent().Confirm(req.DevicePath, req.Accept); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *Facade) btPairPending(w http.ResponseWriter, r *http.Request) {
	if !f.requireBLE(w) {
		return
	}
	writeJSON(w, http.StatusOK, f.root.BLE.Agent().Pending())
}

func (f *Facade) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     f.root.Cfg.DeviceName,
		"version":  version,
		"degraded": f.root.Degraded,
	})
}
