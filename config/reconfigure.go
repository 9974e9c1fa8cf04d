package config

import (
	"log"

	"github.com/searchktools/fastclient/core/dispatcher"
)

// WireDispatcher subscribes to the "max.requests" and
// "max.requests.per.host" keys of m and pushes every later change into
// d via SetMaxRequests/SetMaxRequestsPerHost, giving an operator
// runtime reconfiguration (e.g. from an admin endpoint calling
// m.Set) without restarting the process, per SPEC_FULL.md §10's
// Manager/Dispatcher wiring.
func WireDispatcher(m *Manager, d *dispatcher.Dispatcher) {
	m.Watch("max.requests", func(key string, value interface{}) {
		n := m.GetInt(key)
		if err := d.SetMaxRequests(n); err != nil {
			log.Printf("config: rejected max.requests=%v: %v", value, err)
		}
	})
	m.Watch("max.requests.per.host", func(key string, value interface{}) {
		n := m.GetInt(key)
		if err := d.SetMaxRequestsPerHost(n); err != nil {
			log.Printf("config: rejected max.requests.per.host=%v: %v", value, err)
		}
	})
}
