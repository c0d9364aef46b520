package camera

import (
	"fmt"
	"sort"
	"sync"
)

var (
	sdkMu sync.Mutex
	sdks  = map[string]func() SDK{}
)

// registerSDK makes a hardware backend selectable by camera.driver. Backends
// built behind tags register themselves from init.
func registerSDK(name string, factory func() SDK) {
	sdkMu.Lock()
	defer sdkMu.Unlock()
	sdks[name] = factory
}

// NewSDK returns the backend named by driver. "simulator" is always available.
func NewSDK(driver string, sim SimulatorConfig) (SDK, error) {
	if driver == "simulator" {
		return NewSimulator(sim), nil
	}
	sdkMu.Lock()
	factory, ok := sdks[driver]
	sdkMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("camera driver %q not available (built-in: %v)", driver, Drivers())
	}
	return factory(), nil
}

// Drivers lists the selectable backends.
func Drivers() []string {
	sdkMu.Lock()
	defer sdkMu.Unlock()
	out := []string{"simulator"}
	for name := range sdks {
		out = append(out, name)
	}
	sort.Strings(out[1:])
	return out
}
