// Package guest loads the guest configuration document and owns the
// per-guest execution context: register file, address spaces, device
// routing and the global clock that drives tickable devices.
package guest

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/avisi-group/brig-dbt/internal/dbt/diag"
)

// HexUint64 is a uint64 that unmarshals from a "0x..."-prefixed JSON
// string, the format every address field in the configuration uses.
type HexUint64 uint64

// UnmarshalJSON implements json.Unmarshaler.
func (h *HexUint64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	stripped := strings.TrimPrefix(s, "0x")
	if stripped == s {
		return fmt.Errorf("address %q lacks 0x prefix", s)
	}
	v, err := strconv.ParseUint(stripped, 16, 64)
	if err != nil {
		return fmt.Errorf("address %q: %w", s, err)
	}
	*h = HexUint64(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (h HexUint64) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%x", uint64(h)))
}

// MemoryRegion is one named range of an address space.
type MemoryRegion struct {
	Start HexUint64 `json:"start"`
	End   HexUint64 `json:"end"`
}

// AddressSpaceConfig maps region names to their ranges.
type AddressSpaceConfig map[string]MemoryRegion

// LoadEntry names a file image copied verbatim into guest memory at
// boot.
type LoadEntry struct {
	Path    string    `json:"path"`
	Address HexUint64 `json:"address"`
}

// MemoryAttachment places a device's register window into an address
// space.
type MemoryAttachment struct {
	AddressSpace string    `json:"address_space"`
	Base         HexUint64 `json:"base"`
}

// DeviceAttachment is either a memory-mapped placement or a set of
// named system-register bindings; exactly one side is populated,
// selected by the shape of the JSON value.
type DeviceAttachment struct {
	Memory *MemoryAttachment
	SysReg map[string][5]uint64
}

// UnmarshalJSON distinguishes the two attachment shapes by probing for
// the memory-mapped form's "address_space" key.
func (a *DeviceAttachment) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if _, ok := probe["address_space"]; ok {
		a.Memory = &MemoryAttachment{}
		return json.Unmarshal(data, a.Memory)
	}
	return json.Unmarshal(data, &a.SysReg)
}

// MarshalJSON is the inverse of UnmarshalJSON.
func (a DeviceAttachment) MarshalJSON() ([]byte, error) {
	if a.Memory != nil {
		return json.Marshal(a.Memory)
	}
	return json.Marshal(a.SysReg)
}

// DeviceConfig describes one configured device: its factory kind, where
// it attaches, initial register values, and a bag of kind-specific
// string options.
type DeviceConfig struct {
	Kind         string            `json:"kind"`
	Attach       *DeviceAttachment `json:"attach,omitempty"`
	RegisterInit map[string]string `json:"register_init,omitempty"`
	Extra        map[string]string `json:"-"`
}

// deviceConfigKnownKeys are subtracted from the raw object to recover
// the kind-specific extras.
var deviceConfigKnownKeys = map[string]bool{
	"kind": true, "attach": true, "register_init": true,
}

// UnmarshalJSON decodes the declared fields and gathers every unknown
// string-valued key into Extra.
func (d *DeviceConfig) UnmarshalJSON(data []byte) error {
	type plain DeviceConfig
	if err := json.Unmarshal(data, (*plain)(d)); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if deviceConfigKnownKeys[k] {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("device option %q is not a string", k)
		}
		if d.Extra == nil {
			d.Extra = make(map[string]string)
		}
		d.Extra[k] = s
	}
	return nil
}

// Config is the whole guest configuration document.
type Config struct {
	Memory  map[string]AddressSpaceConfig `json:"memory"`
	Load    []LoadEntry                   `json:"load"`
	Devices map[string]DeviceConfig       `json:"devices"`
}

// LoadConfig reads and parses the configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &diag.ConfigError{Op: "read " + path, Err: err}
	}
	return ParseConfig(data)
}

// ParseConfig parses a configuration document.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &diag.ConfigError{Op: "parse", Err: err}
	}
	for space, regions := range c.Memory {
		for name, r := range regions {
			if r.End <= r.Start {
				return nil, &diag.ConfigError{
					Op:  "validate",
					Err: fmt.Errorf("region %s/%s: end %#x not past start %#x", space, name, uint64(r.End), uint64(r.Start)),
				}
			}
		}
	}
	return &c, nil
}
