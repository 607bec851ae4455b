package jobs

import "github.com/archetype-labs/archetyped/internal/app/core/bus"

// newTestBus returns a Bus pointed at an address nothing listens on. Lock
// acquisition then exercises the pipeline's documented fail-open path
// (spec §4.4) rather than requiring a live Redis in unit tests.
func newTestBus() *bus.Bus {
	return bus.New(bus.Config{Addr: "127.0.0.1:1"})
}
