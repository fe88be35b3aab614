// Package integration calls the home-automation gateway's HTTP API for
// light control: toggle, brightness step up/down, and a light listing.
// HTTP errors are logged and swallowed; a dead gateway must not take
// down the rest of the control plane.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Light is one entry from the gateway's state listing, filtered to the
// "light." entity prefix.
type Light struct {
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
	Name     string `json:"name"`
}

// Client is the stateless gateway client, except for the last light that
// was toggled (the target of subsequent brightness steps).
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	mu          sync.Mutex
	lastLightID string
}

// New normalises url to end in /api and builds a Client with a 10s
// request timeout.
func New(url, token string) *Client {
	url = strings.TrimRight(url, "/")
	if !strings.HasSuffix(url, "/api") {
		url += "/api"
	}
	return &Client{
		baseURL: url,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) callService(ctx context.Context, domain, service string, data map[string]any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("integration: marshal %s/%s: %w", domain, service, err)
	}
	url := fmt.Sprintf("%s/services/%s/%s", c.baseURL, domain, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("integration: request %s: %w", url, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("integration: call %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("integration: call %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// ToggleLight toggles entityID and records it as the last light, the
// target of later brightness steps.
func (c *Client) ToggleLight(ctx context.Context, entityID string) error {
	if err := c.callService(ctx, "light", "toggle", map[string]any{"entity_id": entityID}); err != nil {
		log.Println(err)
		return nil
	}
	c.mu.Lock()
	c.lastLightID = entityID
	c.mu.Unlock()
	return nil
}

func (c *Client) turnOnLast(ctx context.Context, stepPct int) error {
	c.mu.Lock()
	last := c.lastLightID
	c.mu.Unlock()
	if last == "" {
		log.Println("integration: tried to change brightness without toggling a light first")
		return nil
	}
	err := c.callService(ctx, "light", "turn_on", map[string]any{
		"entity_id":           last,
		"brightness_step_pct": stepPct,
	})
	if err != nil {
		log.Println(err)
	}
	return nil
}

// IncreaseBrightness steps the last light's brightness up by 10%.
func (c *Client) IncreaseBrightness(ctx context.Context) error {
	return c.turnOnLast(ctx, 10)
}

// DecreaseBrightness steps the last light's brightness down by 10%.
func (c *Client) DecreaseBrightness(ctx context.Context) error {
	return c.turnOnLast(ctx, -10)
}

// ListLights fetches the gateway's state listing and returns the entities
// with a "light." prefix.
func (c *Client) ListLights(ctx context.Context) ([]Light, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/states", nil)
	if err != nil {
		return nil, fmt.Errorf("integration: request states: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		log.Println("integration: list lights:", err)
		return []Light{}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Println("integration: list lights: status", resp.StatusCode)
		return []Light{}, nil
	}

	var states []struct {
		EntityID   string         `json:"entity_id"`
		State      string         `json:"state"`
		Attributes map[string]any `json:"attributes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		log.Println("integration: list lights decode:", err)
		return []Light{}, nil
	}

	lights := []Light{}
	for _, s := range states {
		if !strings.HasPrefix(s.EntityID, "light.") {
			continue
		}
		name := s.EntityID
		if fn, ok := s.Attributes["friendly_name"].(string); ok && fn != "" {
			name = fn
		}
		lights = append(lights, Light{EntityID: s.EntityID, State: s.State, Name: name})
	}
	return lights, nil
}

// LastLight returns the entity id of the most recently toggled light, or
// empty if none yet.
func (c *Client) LastLight() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLightID
}
