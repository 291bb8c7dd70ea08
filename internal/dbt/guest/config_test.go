package guest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
	"memory": {
		"physical": {
			"dram": {"start": "0x80000000", "end": "0x81000000"},
			"rom":  {"start": "0x0", "end": "0x10000"}
		}
	},
	"load": [
		{"path": "kernel.bin", "address": "0x80080000"}
	],
	"devices": {
		"uart0": {
			"kind": "pl011",
			"attach": {"address_space": "physical", "base": "0x90000000"},
			"baud": "115200"
		},
		"timer": {
			"kind": "generic-timer",
			"attach": {
				"cntpct": [3, 3, 14, 0, 2],
				"cntfrq": [3, 3, 14, 0, 0]
			},
			"register_init": {"cntfrq": "62500000"}
		}
	}
}`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	dram := cfg.Memory["physical"]["dram"]
	require.Equal(t, HexUint64(0x8000_0000), dram.Start)
	require.Equal(t, HexUint64(0x8100_0000), dram.End)

	require.Len(t, cfg.Load, 1)
	require.Equal(t, "kernel.bin", cfg.Load[0].Path)
	require.Equal(t, HexUint64(0x8008_0000), cfg.Load[0].Address)

	uart := cfg.Devices["uart0"]
	require.Equal(t, "pl011", uart.Kind)
	require.NotNil(t, uart.Attach.Memory)
	require.Nil(t, uart.Attach.SysReg)
	require.Equal(t, "physical", uart.Attach.Memory.AddressSpace)
	require.Equal(t, HexUint64(0x9000_0000), uart.Attach.Memory.Base)
	require.Equal(t, map[string]string{"baud": "115200"}, uart.Extra)

	timer := cfg.Devices["timer"]
	require.Nil(t, timer.Attach.Memory)
	require.Equal(t, [5]uint64{3, 3, 14, 0, 2}, timer.Attach.SysReg["cntpct"])
	require.Equal(t, "62500000", timer.RegisterInit["cntfrq"])
}

func TestHexAddressRequiresPrefix(t *testing.T) {
	var h HexUint64
	require.Error(t, json.Unmarshal([]byte(`"80000000"`), &h))
	require.Error(t, json.Unmarshal([]byte(`"0xzz"`), &h))
	require.NoError(t, json.Unmarshal([]byte(`"0x1234"`), &h))
	require.Equal(t, HexUint64(0x1234), h)
}

func TestHexAddressRoundTrip(t *testing.T) {
	out, err := json.Marshal(HexUint64(0xDEAD))
	require.NoError(t, err)
	require.Equal(t, `"0xdead"`, string(out))
}

func TestParseRejectsBadRegion(t *testing.T) {
	_, err := ParseConfig([]byte(`{
		"memory": {"physical": {"bad": {"start": "0x2000", "end": "0x1000"}}}
	}`))
	require.Error(t, err)
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := ParseConfig([]byte(`{`))
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/guest.json")
	require.Error(t, err)
}
