package keymap

import (
	"context"
	"log"

	"equilibrium/internal/dispatch"
	"equilibrium/internal/queue"
)

// offButton is the physical button reserved for "stop the current scene".
const offButton = "Off"

// SceneControl is the seam to the scene state machine, resolving scene
// ids through the store before starting.
type SceneControl interface {
	StartByID(ctx context.Context, sceneID string) error
	StopCurrent(ctx context.Context) error
}

// CommandSink is the seam to the dispatcher: held dispatch plus the
// synchronous release-all path.
type CommandSink interface {
	DispatchByID(ctx context.Context, id string, mods dispatch.Modifiers) error
	ReleaseAll()
}

// Router turns RF press/repeat/release events into queued control-plane
// work. It is registered as the RF receiver's three callbacks.
type Router struct {
	tables   *Manager
	scenes   SceneControl
	commands CommandSink
	queue    *queue.Queue
}

// NewRouter wires a Router over the loaded tables.
func NewRouter(tables *Manager, scenes SceneControl, commands CommandSink, q *queue.Queue) *Router {
	return &Router{tables: tables, scenes: scenes, commands: commands, queue: q}
}

// HandlePress routes one RF press: Off stops the scene, a scene-table hit
// starts that scene, a command-table hit dispatches held.
func (r *Router) HandlePress(button string) {
	if button == offButton {
		r.queue.Enqueue(func(ctx context.Context) {
			if err := r.scenes.StopCurrent(ctx); err != nil {
				log.Println("router: stop scene:", err)
			}
		})
		return
	}
	if sceneID, ok := r.tables.SceneFor(button); ok {
		r.queue.Enqueue(func(ctx context.Context) {
			if err := r.scenes.StartByID(ctx, sceneID); err != nil {
				log.Println("router: start scene:", err)
			}
		})
		return
	}
	if commandID, ok := r.tables.CommandFor(button); ok {
		r.queue.Enqueue(func(ctx context.Context) {
			err := r.commands.DispatchByID(ctx, commandID, dispatch.Modifiers{PressWithoutRelease: true})
			if err != nil {
				log.Println("router: dispatch:", err)
			}
		})
		return
	}
	log.Printf("router: unbound button %q", button)
}

// HandleRepeat is a no-op: held emission state already covers key repeat.
func (r *Router) HandleRepeat(button string) {}

// HandleRelease clears all held state (IR repeat, BT reports) without
// waiting in the FIFO.
func (r *Router) HandleRelease(button string) {
	r.queue.RunSync(r.commands.ReleaseAll)
}
