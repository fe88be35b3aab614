// Package discovery announces the control service over mDNS/DNS-SD.
package discovery

import (
	"fmt"
	"log"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_equilibrium._tcp"

// Announcer holds a live mDNS registration.
type Announcer struct {
	server *zeroconf.Server
}

// Announce registers instance name on port under _equilibrium._tcp. No
// TXT record is required.
func Announce(instance string, port int) (*Announcer, error) {
	server, err := zeroconf.Register(instance, serviceType, "local.", port, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", serviceType, err)
	}
	log.Printf("discovery: announced %q as %s on port %d", instance, serviceType, port)
	return &Announcer{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Announcer) Shutdown() {
	a.server.Shutdown()
}
