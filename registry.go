package jobq

import "sync"

var (
	driverRegistryMu sync.RWMutex
	driverRegistry   = make(map[string]DriverFactory)
)

// RegisterDriver registers a driver factory under name so the CLI (or
// any caller) can select it by name at runtime, e.g. via --driver. It is
// typically called from a driver package's init function.
func RegisterDriver(name string, factory DriverFactory) {
	driverRegistryMu.Lock()
	defer driverRegistryMu.Unlock()
	driverRegistry[name] = factory
}

// NewDriver looks up a registered factory by name and invokes it.
func NewDriver(name string, opts map[string]any) (Driver, error) {
	driverRegistryMu.RLock()
	factory, ok := driverRegistry[name]
	driverRegistryMu.RUnlock()
	if !ok {
		return nil, validationErrorf("no driver registered under name %q", name)
	}
	return factory(opts)
}
