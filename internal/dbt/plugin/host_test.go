package plugin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avisi-group/brig-dbt/internal/dbt/device"
)

type pluginDevice struct{}

func (d *pluginDevice) Start() error { return nil }
func (d *pluginDevice) Stop() error  { return nil }

func TestBuiltinRegistersFactories(t *testing.T) {
	var got Host
	RegisterBuiltin(Builtin{
		Name: "test-plugin",
		Entry: func(h Host) {
			got = h
			h.RegisterDeviceFactory("plugin-test-kind", func(config map[string]string) (device.Device, error) {
				return &pluginDevice{}, nil
			})
		},
	})
	require.NotNil(t, got)

	d, err := device.Create("plugin-test-kind", nil)
	require.NoError(t, err)
	require.IsType(t, &pluginDevice{}, d)
}

func TestDefaultHostAllocate(t *testing.T) {
	h := &DefaultHost{PluginName: "x"}
	buf := h.Allocate(128)
	require.Len(t, buf, 128)
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, err := Load([]byte("definitely not an elf image"))
	require.Error(t, err)
}
