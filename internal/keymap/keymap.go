// Package keymap loads the on-disk button tables and routes RF button
// events to scene transitions and command dispatches. Three JSON files
// live under the config directory:
//
//	remote_keymap.json   button name -> {button role, rf_command hex}
//	keymap_scenes.json   button name -> scene id (global, loaded once)
//	keymap_{name}.json   button name -> command id (swapped per scene)
package keymap

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"equilibrium/internal/model"
)

// DefaultName is the neutral command table loaded when no scene is active.
const DefaultName = "default"

// RemoteBinding is one entry of remote_keymap.json: the semantic role of
// a physical remote button plus the RF opcode it transmits.
type RemoteBinding struct {
	Button    model.ButtonRole `json:"button"`
	RFCommand string           `json:"rf_command"`
}

// Manager owns the two runtime tables: the global scene-switch table
// (loaded once at startup) and the active per-scene command table.
type Manager struct {
	dir string

	mu           sync.Mutex
	sceneTable   map[string]string // button name -> scene id
	commandTable map[string]string // button name -> command id
	activeName   string

	// onTableLoaded, if set, receives the command ids of a freshly
	// loaded command table so the dispatcher cache can be primed.
	onTableLoaded func(ctx context.Context, commandIDs []string)
}

// New creates a Manager reading its JSON tables from dir.
func New(dir string) *Manager {
	return &Manager{
		dir:          dir,
		sceneTable:   map[string]string{},
		commandTable: map[string]string{},
	}
}

// OnTableLoaded registers the cache-priming hook, called after every
// successful command-table load with the table's command ids.
func (m *Manager) OnTableLoaded(fn func(ctx context.Context, commandIDs []string)) {
	m.onTableLoaded = fn
}

func (m *Manager) readJSON(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("keymap: parse %s: %w", name, err)
	}
	return nil
}

// LoadRemoteKeymap reads remote_keymap.json.
func (m *Manager) LoadRemoteKeymap() (map[string]RemoteBinding, error) {
	var bindings map[string]RemoteBinding
	if err := m.readJSON("remote_keymap.json", &bindings); err != nil {
		return nil, err
	}
	return bindings, nil
}

// RFTable inverts remote_keymap.json into the opcode table the RF
// receiver matches payloads against.
func (m *Manager) RFTable() (map[uint32]string, error) {
	bindings, err := m.LoadRemoteKeymap()
	if err != nil {
		return nil, err
	}
	table := make(map[uint32]string, len(bindings))
	for name, b := range bindings {
		hex := strings.TrimPrefix(strings.ToLower(b.RFCommand), "0x")
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			log.Printf("keymap: bad rf_command %q for button %q, skipping", b.RFCommand, name)
			continue
		}
		table[uint32(v)] = name
	}
	return table, nil
}

// LoadSceneTable reads keymap_scenes.json into the global scene-switch
// table. Called once at startup.
func (m *Manager) LoadSceneTable() error {
	var table map[string]string
	if err := m.readJSON("keymap_scenes.json", &table); err != nil {
		return err
	}
	m.mu.Lock()
	m.sceneTable = table
	m.mu.Unlock()
	return nil
}

// LoadCommandTable replaces the active command table with keymap_{name}.json.
func (m *Manager) LoadCommandTable(ctx context.Context, name string) error {
	var table map[string]string
	if err := m.readJSON("keymap_"+name+".json", &table); err != nil {
		return err
	}
	m.mu.Lock()
	m.commandTable = table
	m.activeName = name
	m.mu.Unlock()

	if m.onTableLoaded != nil {
		ids := make([]string, 0, len(table))
		for _, id := range table {
			ids = append(ids, id)
		}
		m.onTableLoaded(ctx, ids)
	}
	log.Println("keymap: loaded command table", name)
	return nil
}

// LoadDefaultCommandTable loads the neutral table active when no scene is.
func (m *Manager) LoadDefaultCommandTable(ctx context.Context) error {
	return m.LoadCommandTable(ctx, DefaultName)
}

// ActiveName returns the name of the currently loaded command table.
func (m *Manager) ActiveName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeName
}

// SceneFor returns the scene id bound to button in the global table.
func (m *Manager) SceneFor(button string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sceneTable[button]
	return id, ok
}

// CommandFor returns the command id bound to button in the active table.
func (m *Manager) CommandFor(button string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.commandTable[button]
	return id, ok
}

// Keymap returns a snapshot of both tables as a model.Keymap.
func (m *Manager) Keymap() model.Keymap {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := model.Keymap{
		SceneBindings:   make(map[string]string, len(m.sceneTable)),
		CommandBindings: make(map[string]string, len(m.commandTable)),
	}
	for k, v := range m.sceneTable {
		out.SceneBindings[k] = v
	}
	for k, v := range m.commandTable {
		out.CommandBindings[k] = v
	}
	return out
}
