package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordedCall struct {
	path string
	body map[string]any
}

func gatewayFixture(t *testing.T) (*Client, *[]recordedCall) {
	t.Helper()
	var calls []recordedCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/states" {
			json.NewEncoder(w).Encode([]map[string]any{
				{"entity_id": "light.living_room", "state": "on", "attributes": map[string]any{"friendly_name": "Living Room"}},
				{"entity_id": "switch.fan", "state": "off"},
				{"entity_id": "light.hall", "state": "off"},
			})
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		calls = append(calls, recordedCall{path: r.URL.Path, body: body})
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, "token"), &calls
}

func TestToggleLightRecordsLastLight(t *testing.T) {
	c, calls := gatewayFixture(t)
	if err := c.ToggleLight(context.Background(), "light.living_room"); err != nil {
		t.Fatal(err)
	}
	if len(*calls) != 1 || (*calls)[0].path != "/api/services/light/toggle" {
		t.Fatalf("calls = %+v", *calls)
	}
	if (*calls)[0].body["entity_id"] != "light.living_room" {
		t.Fatalf("body = %+v", (*calls)[0].body)
	}
	if c.LastLight() != "light.living_room" {
		t.Fatalf("last light = %q", c.LastLight())
	}
}

func TestBrightnessStepsTargetLastLight(t *testing.T) {
	c, calls := gatewayFixture(t)
	if err := c.ToggleLight(context.Background(), "light.hall"); err != nil {
		t.Fatal(err)
	}
	if err := c.IncreaseBrightness(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.DecreaseBrightness(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(*calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(*calls))
	}
	up := (*calls)[1]
	if up.path != "/api/services/light/turn_on" || up.body["entity_id"] != "light.hall" {
		t.Fatalf("up = %+v", up)
	}
	if up.body["brightness_step_pct"].(float64) != 10 {
		t.Fatalf("up body = %+v", up.body)
	}
	if (*calls)[2].body["brightness_step_pct"].(float64) != -10 {
		t.Fatalf("down body = %+v", (*calls)[2].body)
	}
}

func TestBrightnessWithoutLastLightIsNoop(t *testing.T) {
	c, calls := gatewayFixture(t)
	if err := c.IncreaseBrightness(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(*calls) != 0 {
		t.Fatalf("calls = %+v, want none", *calls)
	}
}

func TestListLightsFiltersPrefix(t *testing.T) {
	c, _ := gatewayFixture(t)
	lights, err := c.ListLights(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(lights) != 2 {
		t.Fatalf("lights = %+v, want 2", lights)
	}
	if lights[0].EntityID != "light.living_room" || lights[0].Name != "Living Room" {
		t.Fatalf("lights[0] = %+v", lights[0])
	}
	if lights[1].Name != "light.hall" {
		t.Fatalf("lights[1] = %+v, want entity id fallback name", lights[1])
	}
}

func TestGatewayErrorsAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := New(srv.URL, "token")
	if err := c.ToggleLight(context.Background(), "light.x"); err != nil {
		t.Fatal("gateway errors must not propagate:", err)
	}
	// The failed toggle must not record a last light.
	if c.LastLight() != "" {
		t.Fatalf("last light = %q, want empty", c.LastLight())
	}
}
