package keymap

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"equilibrium/internal/dispatch"
	"equilibrium/internal/queue"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func fixtureDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFixture(t, dir, "remote_keymap.json", `{
		"Play": {"button": "PLAY", "rf_command": "0x400015"},
		"Off":  {"button": "POWER_OFF", "rf_command": "0x40004d"},
		"Bad":  {"button": "MENU", "rf_command": "zz"}
	}`)
	writeFixture(t, dir, "keymap_scenes.json", `{"WatchTv": "scene-1"}`)
	writeFixture(t, dir, "keymap_default.json", `{"VolumeUp": "cmd-vol-up"}`)
	writeFixture(t, dir, "keymap_tv.json", `{"Play": "cmd-play"}`)
	return dir
}

func TestRFTableParsesHexAndSkipsBad(t *testing.T) {
	m := New(fixtureDir(t))
	table, err := m.RFTable()
	if err != nil {
		t.Fatal(err)
	}
	if table[0x400015] != "Play" || table[0x40004d] != "Off" {
		t.Fatalf("table = %v", table)
	}
	if len(table) != 2 {
		t.Fatalf("table = %v, want the malformed entry skipped", table)
	}
}

func TestCommandTableSwap(t *testing.T) {
	m := New(fixtureDir(t))
	var loaded [][]string
	m.OnTableLoaded(func(ctx context.Context, ids []string) {
		loaded = append(loaded, ids)
	})

	if err := m.LoadDefaultCommandTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	if id, ok := m.CommandFor("VolumeUp"); !ok || id != "cmd-vol-up" {
		t.Fatalf("VolumeUp -> (%q,%v)", id, ok)
	}

	if err := m.LoadCommandTable(context.Background(), "tv"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.CommandFor("VolumeUp"); ok {
		t.Fatal("old table should be fully replaced")
	}
	if id, _ := m.CommandFor("Play"); id != "cmd-play" {
		t.Fatalf("Play -> %q", id)
	}
	if m.ActiveName() != "tv" {
		t.Fatalf("active = %q, want tv", m.ActiveName())
	}
	if len(loaded) != 2 {
		t.Fatalf("cache-priming hook fired %d times, want 2", len(loaded))
	}
}

func TestSceneTableLoadedOnce(t *testing.T) {
	m := New(fixtureDir(t))
	if err := m.LoadSceneTable(); err != nil {
		t.Fatal(err)
	}
	if id, ok := m.SceneFor("WatchTv"); !ok || id != "scene-1" {
		t.Fatalf("WatchTv -> (%q,%v)", id, ok)
	}
}

// fakeScenes and fakeSink record the actions the router enqueues.
type fakeScenes struct {
	mu      sync.Mutex
	started []string
	stops   int
}

func (f *fakeScenes) StartByID(ctx context.Context, sceneID string) error {
	f.mu.Lock()
	f.started = append(f.started, sceneID)
	f.mu.Unlock()
	return nil
}

func (f *fakeScenes) StopCurrent(ctx context.Context) error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

type fakeSink struct {
	mu         sync.Mutex
	dispatched []string
	mods       []dispatch.Modifiers
	releases   int
}

func (f *fakeSink) DispatchByID(ctx context.Context, id string, mods dispatch.Modifiers) error {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, id)
	f.mods = append(f.mods, mods)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) ReleaseAll() {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
}

func routerFixture(t *testing.T) (*Router, *fakeScenes, *fakeSink, *queue.Queue) {
	m := New(fixtureDir(t))
	if err := m.LoadSceneTable(); err != nil {
		t.Fatal(err)
	}
	if err := m.LoadCommandTable(context.Background(), "tv"); err != nil {
		t.Fatal(err)
	}
	scenes := &fakeScenes{}
	sink := &fakeSink{}
	q := queue.New(context.Background(), 16)
	t.Cleanup(q.Shutdown)
	return NewRouter(m, scenes, sink, q), scenes, sink, q
}

func drain(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("queue did not quiesce")
}

func TestRouterOffStopsScene(t *testing.T) {
	r, scenes, _, _ := routerFixture(t)
	r.HandlePress("Off")
	drain(t, func() bool {
		scenes.mu.Lock()
		defer scenes.mu.Unlock()
		return scenes.stops == 1
	})
}

func TestRouterSceneButtonStartsScene(t *testing.T) {
	r, scenes, _, _ := routerFixture(t)
	r.HandlePress("WatchTv")
	drain(t, func() bool {
		scenes.mu.Lock()
		defer scenes.mu.Unlock()
		return len(scenes.started) == 1 && scenes.started[0] == "scene-1"
	})
}

// An RF press dispatches the bound command held, and a subsequent
// release clears all held state.
func TestRouterCommandButtonDispatchesHeld(t *testing.T) {
	r, _, sink, _ := routerFixture(t)
	r.HandlePress("Play")
	drain(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.dispatched) == 1
	})
	sink.mu.Lock()
	if sink.dispatched[0] != "cmd-play" || !sink.mods[0].PressWithoutRelease {
		t.Fatalf("dispatched %v with %+v", sink.dispatched, sink.mods)
	}
	sink.mu.Unlock()

	r.HandleRelease("Play")
	if sink.releases != 1 {
		t.Fatalf("releases = %d, want 1 (synchronous)", sink.releases)
	}
}

func TestRouterRepeatIsIgnored(t *testing.T) {
	r, scenes, sink, _ := routerFixture(t)
	r.HandleRepeat("Play")
	time.Sleep(10 * time.Millisecond)
	scenes.mu.Lock()
	sink.mu.Lock()
	defer scenes.mu.Unlock()
	defer sink.mu.Unlock()
	if len(scenes.started) != 0 || scenes.stops != 0 || len(sink.dispatched) != 0 {
		t.Fatal("repeat must not enqueue work")
	}
}
