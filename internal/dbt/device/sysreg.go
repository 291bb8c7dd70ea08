package device

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"
)

// SysRegTable routes encoded system-register identifiers to
// register-mapped devices. Generated code and the interpreter both
// dispatch through here.
type SysRegTable struct {
	mu     sync.RWMutex
	routes map[uint64]RegisterMappedDevice
}

// NewSysRegTable returns an empty table.
func NewSysRegTable() *SysRegTable {
	return &SysRegTable{routes: make(map[uint64]RegisterMappedDevice)}
}

// Register routes id to dev. Adding or removing routes requires
// invalidating translations that captured the old routing.
func (t *SysRegTable) Register(id uint64, dev RegisterMappedDevice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[id] = dev
}

// Unregister removes the route for id.
func (t *SysRegTable) Unregister(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, id)
}

func (t *SysRegTable) route(id uint64) (RegisterMappedDevice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.routes[id]
	return d, ok
}

// ReadSysReg reads width bits from the device routed at id. An
// unrouted identifier reads zero.
func (t *SysRegTable) ReadSysReg(id uint64, width uint16) uint64 {
	d, ok := t.route(id)
	if !ok {
		return 0
	}
	var buf [8]byte
	d.ReadRegister(id, buf[:int(width+7)/8])
	return binary.LittleEndian.Uint64(buf[:])
}

// WriteSysReg writes width bits of value to the device routed at id.
// An unrouted identifier is logged and dropped.
func (t *SysRegTable) WriteSysReg(id uint64, width uint16, value uint64) {
	d, ok := t.route(id)
	if !ok {
		logrus.WithField("id", id).Warn("device: write to unrouted system register dropped")
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	d.WriteRegister(id, buf[:int(width+7)/8])
}
