// Package plugin loads relocatable device plugins: ELF shared objects
// carrying a static header in a well-known section, relocated into a
// page-aligned executable buffer and entered through the host contract.
package plugin

import (
	"github.com/sirupsen/logrus"

	"github.com/avisi-group/brig-dbt/internal/dbt/device"
)

// Host is what a plugin's entrypoint receives: the services a plugin
// may use and nothing else.
type Host interface {
	// Allocate returns size bytes from the global allocator.
	Allocate(size uint64) []byte
	// Log writes one line to the host logging sink.
	Log(msg string)
	// RegisterDeviceFactory makes a device kind constructible from
	// guest configuration.
	RegisterDeviceFactory(kind string, f device.Factory)
	// Panic aborts the host with a plugin-attributed diagnostic.
	Panic(msg string)
}

// DefaultHost is the host implementation handed to loaded plugins.
type DefaultHost struct {
	PluginName string
}

func (h *DefaultHost) Allocate(size uint64) []byte { return make([]byte, size) }

func (h *DefaultHost) Log(msg string) {
	logrus.WithField("plugin", h.PluginName).Info(msg)
}

func (h *DefaultHost) RegisterDeviceFactory(kind string, f device.Factory) {
	device.RegisterFactory(kind, f)
}

func (h *DefaultHost) Panic(msg string) {
	logrus.WithField("plugin", h.PluginName).Fatal(msg)
}

// Builtin is a plugin compiled into the host binary rather than loaded
// from an ELF image; it shares the entrypoint contract.
type Builtin struct {
	Name  string
	Entry func(Host)
}

// RegisterBuiltin runs a statically linked plugin's entrypoint against
// the default host.
func RegisterBuiltin(b Builtin) {
	b.Entry(&DefaultHost{PluginName: b.Name})
}
