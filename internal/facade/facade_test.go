package facade

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"equilibrium/internal/app"
	"equilibrium/internal/config"
	"equilibrium/internal/dispatch"
	"equilibrium/internal/model"
	"equilibrium/internal/queue"
	"equilibrium/internal/status"
	"equilibrium/internal/store"
)

type fakeIR struct {
	mu    sync.Mutex
	sends int
}

func (f *fakeIR) Send(ctx context.Context, pulses model.PulseArray) error {
	f.mu.Lock()
	f.sends++
	f.mu.Unlock()
	return nil
}
func (f *fakeIR) SendAndRepeat(ctx context.Context, pulses model.PulseArray) error {
	return f.Send(ctx, pulses)
}
func (f *fakeIR) StopRepeating() {}

type nopBT struct{}

func (nopBT) Press(context.Context, string, bool) error   { return nil }
func (nopBT) Release(context.Context, string, bool) error { return nil }
func (nopBT) Click(context.Context, string, bool) error   { return nil }
func (nopBT) ReleaseAll()                                 {}

type nopNetwork struct{}

func (nopNetwork) Do(context.Context, model.NetworkMethod, string, string) error { return nil }

type nopIntegration struct{}

func (nopIntegration) ToggleLight(context.Context, string) error { return nil }
func (nopIntegration) IncreaseBrightness(context.Context) error  { return nil }
func (nopIntegration) DecreaseBrightness(context.Context) error  { return nil }

func testServer(t *testing.T) (*httptest.Server, *app.Root, *fakeIR) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "facade.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	broadcaster := status.New()
	ir := &fakeIR{}
	root := &app.Root{
		Cfg:        &config.Config{DeviceName: "test-controller", ConfigDir: t.TempDir()},
		Store:      st,
		Queue:      queue.New(context.Background(), 16),
		Status:     broadcaster,
		Dispatcher: dispatch.New(st, broadcaster, ir, nopBT{}, nopNetwork{}, nopIntegration{}),
		Degraded:   true,
	}
	t.Cleanup(root.Queue.Shutdown)

	srv := httptest.NewServer(New(root).Handler())
	t.Cleanup(srv.Close)
	return srv, root, ir
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestInfo(t *testing.T) {
	srv, _, _ := testServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/info", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["name"] != "test-controller" || body["degraded"] != true {
		t.Fatalf("body = %+v", body)
	}
}

func TestCreateCommandRejectsIR(t *testing.T) {
	srv, _, _ := testServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/commands", model.Command{
		Name: "captured",
		Type: model.CommandIR,
		IR:   &model.IRPayload{Pulses: model.PulseArray{1, 2, 3, 4}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (IR is record-only)", resp.StatusCode)
	}
}

func TestCommandCRUDAndSend(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/commands", model.Command{
		Name: "Enter",
		Type: model.CommandBT,
		BT:   &model.BTPayload{Action: "enter"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created model.Command
	json.NewDecoder(resp.Body).Decode(&created)
	if created.ID == "" {
		t.Fatal("no id assigned")
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/commands/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/commands/"+created.ID+"/send", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/commands/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/commands/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get-after-delete status = %d", resp.StatusCode)
	}
}

func TestSendDispatchesThroughQueue(t *testing.T) {
	srv, root, ir := testServer(t)
	cmd := &model.Command{
		Name: "Power",
		Type: model.CommandIR,
		IR:   &model.IRPayload{Pulses: model.PulseArray{9000, 4500, 560, 1690}},
	}
	if err := root.Store.SaveCommand(cmd); err != nil {
		t.Fatal(err)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/commands/"+cmd.ID+"/send", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for {
		ir.mu.Lock()
		sends := ir.sends
		ir.mu.Unlock()
		if sends == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dispatch never reached the IR transport")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestIRCodeEndpointDetects(t *testing.T) {
	srv, root, _ := testServer(t)
	cmd := &model.Command{
		Name: "NEC sample",
		Type: model.CommandIR,
		IR: &model.IRPayload{Pulses: model.PulseArray{
			9000, 4500, 560, 1690, 560, 560, 560, 1690, 560, 560,
			560, 1690, 560, 560, 560, 1690, 560, 560, 560,
		}},
	}
	if err := root.Store.SaveCommand(cmd); err != nil {
		t.Fatal(err)
	}
	resp := doJSON(t, http.MethodGet, srv.URL+"/commands/"+cmd.ID+"/ir-code", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Pulses   model.PulseArray `json:"pulses"`
		Protocol string           `json:"protocol"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Protocol != "NEC" || len(body.Pulses) != len(cmd.IR.Pulses) {
		t.Fatalf("body = %+v", body)
	}
}

func TestBluetoothEndpointsDegraded(t *testing.T) {
	srv, _, _ := testServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/bluetooth/devices", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 in degraded mode", resp.StatusCode)
	}
}

func TestMacroValidationSurfacesAs400(t *testing.T) {
	srv, _, _ := testServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/macros", model.Macro{
		Name:       "bad",
		CommandIDs: []string{"a", "b"},
		DelaysMS:   []int{1, 2, 3},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
