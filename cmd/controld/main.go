// controld is the home-theatre control daemon: it wires the control
// plane (IR, RF, Bluetooth, integration) to the HTTP/WebSocket facade
// and announces itself over mDNS.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"equilibrium/internal/app"
	"equilibrium/internal/config"
	"equilibrium/internal/discovery"
	"equilibrium/internal/facade"
)

func main() {
	result := config.Load()
	cfg := result.Config

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal("controld: ", err)
	}

	if err := root.Start(ctx); err != nil {
		log.Println("controld: control plane start:", err)
	}
	if root.Degraded {
		log.Println("controld: running degraded — CRUD only, some transports unavailable")
	}

	handler := facade.New(root).Handler()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatal(err)
	}
	log.Println("listening on", cfg.Addr)

	go func() {
		if err := http.Serve(ln, handler); err != nil {
			log.Fatal(err)
		}
	}()

	announcer, err := discovery.Announce(cfg.DeviceName, cfg.MDNSPort)
	if err != nil {
		log.Println("controld: mdns announce failed:", err)
	}

	// Block until signal.
	<-ctx.Done()
	log.Println("shutting down...")

	if announcer != nil {
		announcer.Shutdown()
	}
	root.Shutdown()
}
