// Package store is the relational layer: database/sql over the pure-Go
// sqlite driver, holding Device, Command, Macro, Scene and UserImage
// records. Schema is created on Open; there is no migration framework.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"equilibrium/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS commands (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	device_id TEXT,
	type      TEXT NOT NULL,
	button    TEXT,
	grp       TEXT,
	payload   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS macros (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	command_ids TEXT NOT NULL,
	delays_ms   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS scenes (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	bluetooth_peer TEXT,
	keymap_name    TEXT,
	start_macro_id TEXT,
	stop_macro_id  TEXT
);
CREATE TABLE IF NOT EXISTS images (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	file_name  TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// UserImage is one uploaded image record; the PNG itself lives under
// config/images/{id}.png.
type UserImage struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	FileName  string    `json:"fileName"`
	CreatedAt time.Time `json:"createdAt"`
}

// payload is the JSON blob column carrying whichever transport payload
// the command's type selects.
type payload struct {
	IR          *model.IRPayload          `json:"ir,omitempty"`
	BT          *model.BTPayload          `json:"bt,omitempty"`
	Network     *model.NetworkPayload     `json:"network,omitempty"`
	Integration *model.IntegrationPayload `json:"integration,omitempty"`
}

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite file at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

func notFound(op, id string) error {
	return model.Wrap(model.NotFound, op, fmt.Errorf("no record %q", id))
}

func ensureID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// SaveCommand inserts or replaces a command after validating it.
func (s *Store) SaveCommand(c *model.Command) error {
	c.ID = ensureID(c.ID)
	if err := c.Validate(); err != nil {
		return model.Wrap(model.InvalidRequest, "store.SaveCommand", err)
	}
	blob, err := json.Marshal(payload{IR: c.IR, BT: c.BT, Network: c.Network, Integration: c.Integration})
	if err != nil {
		return fmt.Errorf("store: marshal command payload: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO commands (id, name, device_id, type, button, grp, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.DeviceID, string(c.Type), string(c.Button), c.Group, string(blob))
	if err != nil {
		return fmt.Errorf("store: save command: %w", err)
	}
	return nil
}

func scanCommand(row interface{ Scan(...any) error }) (*model.Command, error) {
	var c model.Command
	var typ, button, blob string
	if err := row.Scan(&c.ID, &c.Name, &c.DeviceID, &typ, &button, &c.Group, &blob); err != nil {
		return nil, err
	}
	c.Type = model.CommandType(typ)
	c.Button = model.ButtonRole(button)
	var p payload
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return nil, fmt.Errorf("store: decode command payload: %w", err)
	}
	c.IR, c.BT, c.Network, c.Integration = p.IR, p.BT, p.Network, p.Integration
	return &c, nil
}

const commandColumns = "id, name, device_id, type, button, grp, payload"

// GetCommand loads one command by id.
func (s *Store) GetCommand(id string) (*model.Command, error) {
	row := s.db.QueryRow("SELECT "+commandColumns+" FROM commands WHERE id = ?", id)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("store.GetCommand", id)
	}
	return c, err
}

// ListCommands returns every command ordered by name.
func (s *Store) ListCommands() ([]*model.Command, error) {
	return s.queryCommands("SELECT " + commandColumns + " FROM commands ORDER BY name")
}

// SearchCommands filters by optional name substring, device id and type.
func (s *Store) SearchCommands(name, deviceID string, cmdType model.CommandType) ([]*model.Command, error) {
	query := "SELECT " + commandColumns + " FROM commands WHERE 1=1"
	var args []any
	if name != "" {
		query += " AND name LIKE ?"
		args = append(args, "%"+name+"%")
	}
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	if cmdType != "" {
		query += " AND type = ?"
		args = append(args, string(cmdType))
	}
	query += " ORDER BY name"
	return s.queryCommands(query, args...)
}

func (s *Store) queryCommands(query string, args ...any) ([]*model.Command, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list commands: %w", err)
	}
	defer rows.Close()
	out := []*model.Command{}
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCommand removes a command by id.
func (s *Store) DeleteCommand(id string) error {
	res, err := s.db.Exec("DELETE FROM commands WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("store.DeleteCommand", id)
	}
	return nil
}

// SaveDevice inserts or replaces a device.
func (s *Store) SaveDevice(d *model.Device) error {
	d.ID = ensureID(d.ID)
	_, err := s.db.Exec(`INSERT OR REPLACE INTO devices (id, name, type) VALUES (?, ?, ?)`,
		d.ID, d.Name, string(d.Type))
	if err != nil {
		return fmt.Errorf("store: save device: %w", err)
	}
	return nil
}

// GetDevice loads one device plus the ids of its owned commands.
func (s *Store) GetDevice(id string) (*model.Device, error) {
	var d model.Device
	var typ string
	err := s.db.QueryRow("SELECT id, name, type FROM devices WHERE id = ?", id).
		Scan(&d.ID, &d.Name, &typ)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("store.GetDevice", id)
	}
	if err != nil {
		return nil, err
	}
	d.Type = model.DeviceType(typ)
	rows, err := s.db.Query("SELECT id FROM commands WHERE device_id = ? ORDER BY name", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	d.CommandIDs = []string{}
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		d.CommandIDs = append(d.CommandIDs, cid)
	}
	return &d, rows.Err()
}

// ListDevices returns every device ordered by name.
func (s *Store) ListDevices() ([]*model.Device, error) {
	rows, err := s.db.Query("SELECT id, name, type FROM devices ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()
	out := []*model.Device{}
	for rows.Next() {
		var d model.Device
		var typ string
		if err := rows.Scan(&d.ID, &d.Name, &typ); err != nil {
			return nil, err
		}
		d.Type = model.DeviceType(typ)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// DeleteDevice removes a device by id.
func (s *Store) DeleteDevice(id string) error {
	res, err := s.db.Exec("DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("store.DeleteDevice", id)
	}
	return nil
}

// SaveMacro inserts or replaces a macro after validating the delay-list
// invariant.
func (s *Store) SaveMacro(m *model.Macro) error {
	m.ID = ensureID(m.ID)
	if err := m.Validate(); err != nil {
		return model.Wrap(model.InvalidRequest, "store.SaveMacro", err)
	}
	cmds, _ := json.Marshal(m.CommandIDs)
	delays, _ := json.Marshal(m.DelaysMS)
	_, err := s.db.Exec(`INSERT OR REPLACE INTO macros (id, name, command_ids, delays_ms) VALUES (?, ?, ?, ?)`,
		m.ID, m.Name, string(cmds), string(delays))
	if err != nil {
		return fmt.Errorf("store: save macro: %w", err)
	}
	return nil
}

// GetMacro loads one macro by id.
func (s *Store) GetMacro(id string) (*model.Macro, error) {
	var m model.Macro
	var cmds, delays string
	err := s.db.QueryRow("SELECT id, name, command_ids, delays_ms FROM macros WHERE id = ?", id).
		Scan(&m.ID, &m.Name, &cmds, &delays)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("store.GetMacro", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cmds), &m.CommandIDs); err != nil {
		return nil, fmt.Errorf("store: decode macro commands: %w", err)
	}
	if err := json.Unmarshal([]byte(delays), &m.DelaysMS); err != nil {
		return nil, fmt.Errorf("store: decode macro delays: %w", err)
	}
	return &m, nil
}

// ListMacros returns every macro ordered by name.
func (s *Store) ListMacros() ([]*model.Macro, error) {
	rows, err := s.db.Query("SELECT id FROM macros ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("store: list macros: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := []*model.Macro{}
	for _, id := range ids {
		m, err := s.GetMacro(id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteMacro removes a macro by id.
func (s *Store) DeleteMacro(id string) error {
	res, err := s.db.Exec("DELETE FROM macros WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete macro: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("store.DeleteMacro", id)
	}
	return nil
}

// SaveScene inserts or replaces a scene.
func (s *Store) SaveScene(sc *model.Scene) error {
	sc.ID = ensureID(sc.ID)
	_, err := s.db.Exec(`INSERT OR REPLACE INTO scenes
		(id, name, bluetooth_peer, keymap_name, start_macro_id, stop_macro_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, sc.BluetoothPeer, sc.KeymapName, sc.StartMacroID, sc.StopMacroID)
	if err != nil {
		return fmt.Errorf("store: save scene: %w", err)
	}
	return nil
}

const sceneColumns = "id, name, bluetooth_peer, keymap_name, start_macro_id, stop_macro_id"

// GetScene loads one scene by id.
func (s *Store) GetScene(id string) (*model.Scene, error) {
	var sc model.Scene
	err := s.db.QueryRow("SELECT "+sceneColumns+" FROM scenes WHERE id = ?", id).
		Scan(&sc.ID, &sc.Name, &sc.BluetoothPeer, &sc.KeymapName, &sc.StartMacroID, &sc.StopMacroID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("store.GetScene", id)
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// ListScenes returns every scene ordered by name.
func (s *Store) ListScenes() ([]*model.Scene, error) {
	rows, err := s.db.Query("SELECT " + sceneColumns + " FROM scenes ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("store: list scenes: %w", err)
	}
	defer rows.Close()
	out := []*model.Scene{}
	for rows.Next() {
		var sc model.Scene
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.BluetoothPeer, &sc.KeymapName, &sc.StartMacroID, &sc.StopMacroID); err != nil {
			return nil, err
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}

// DeleteScene removes a scene by id.
func (s *Store) DeleteScene(id string) error {
	res, err := s.db.Exec("DELETE FROM scenes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete scene: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("store.DeleteScene", id)
	}
	return nil
}

// SaveImage records an uploaded image's metadata.
func (s *Store) SaveImage(img *UserImage) error {
	img.ID = ensureID(img.ID)
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO images (id, name, file_name, created_at) VALUES (?, ?, ?, ?)`,
		img.ID, img.Name, img.FileName, img.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: save image: %w", err)
	}
	return nil
}

// GetImage loads one image record by id.
func (s *Store) GetImage(id string) (*UserImage, error) {
	var img UserImage
	var created string
	err := s.db.QueryRow("SELECT id, name, file_name, created_at FROM images WHERE id = ?", id).
		Scan(&img.ID, &img.Name, &img.FileName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("store.GetImage", id)
	}
	if err != nil {
		return nil, err
	}
	img.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &img, nil
}

// ListImages returns every image record, newest first.
func (s *Store) ListImages() ([]*UserImage, error) {
	rows, err := s.db.Query("SELECT id, name, file_name, created_at FROM images ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("store: list images: %w", err)
	}
	defer rows.Close()
	out := []*UserImage{}
	for rows.Next() {
		var img UserImage
		var created string
		if err := rows.Scan(&img.ID, &img.Name, &img.FileName, &created); err != nil {
			return nil, err
		}
		img.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, &img)
	}
	return out, rows.Err()
}

// DeleteImage removes an image record by id.
func (s *Store) DeleteImage(id string) error {
	res, err := s.db.Exec("DELETE FROM images WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete image: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("store.DeleteImage", id)
	}
	return nil
}
