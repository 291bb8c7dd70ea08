package device

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ObjectID is the opaque process-wide identity of a stored object.
// Identifiers are collision-free across independently loaded plugins.
type ObjectID = uuid.UUID

// Store is the process-wide object registry. Inserting an object
// indexes it into every capability set it satisfies, so later lookups
// are capability queries rather than type assertions scattered through
// call sites. The store is populated at bring-up and append-only in the
// steady state.
type Store struct {
	mu      sync.RWMutex
	objects map[ObjectID]any
	aliases map[string]ObjectID

	memoryMapped   map[ObjectID]MemoryMappedDevice
	registerMapped map[ObjectID]RegisterMappedDevice
	tickable       map[ObjectID]Tickable
	irqControllers map[ObjectID]IrqController
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		objects:        make(map[ObjectID]any),
		aliases:        make(map[string]ObjectID),
		memoryMapped:   make(map[ObjectID]MemoryMappedDevice),
		registerMapped: make(map[ObjectID]RegisterMappedDevice),
		tickable:       make(map[ObjectID]Tickable),
		irqControllers: make(map[ObjectID]IrqController),
	}
}

// Insert registers obj and returns its new identity.
func (s *Store) Insert(obj any) ObjectID {
	id := uuid.New()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[id] = obj
	if d, ok := obj.(MemoryMappedDevice); ok {
		s.memoryMapped[id] = d
	}
	if d, ok := obj.(RegisterMappedDevice); ok {
		s.registerMapped[id] = d
	}
	if d, ok := obj.(Tickable); ok {
		s.tickable[id] = d
	}
	if d, ok := obj.(IrqController); ok {
		s.irqControllers[id] = d
	}
	return id
}

// Alias binds a name to id for configuration-driven lookup.
func (s *Store) Alias(name string, id ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[name] = id
}

// LookupByName resolves a configured alias.
func (s *Store) LookupByName(name string) (ObjectID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.aliases[name]
	return id, ok
}

// Get returns the raw object under id.
func (s *Store) Get(id ObjectID) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[id]
	return o, ok
}

// AsMemoryMapped is the capability query for MemoryMappedDevice.
func (s *Store) AsMemoryMapped(id ObjectID) (MemoryMappedDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.memoryMapped[id]
	return d, ok
}

// AsRegisterMapped is the capability query for RegisterMappedDevice.
func (s *Store) AsRegisterMapped(id ObjectID) (RegisterMappedDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.registerMapped[id]
	return d, ok
}

// AsIrqController is the capability query for IrqController.
func (s *Store) AsIrqController(id ObjectID) (IrqController, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.irqControllers[id]
	return d, ok
}

// Tickables returns every object exposing the Tickable capability, for
// the global clock to drive.
func (s *Store) Tickables() []Tickable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tickable, 0, len(s.tickable))
	for _, t := range s.tickable {
		out = append(out, t)
	}
	return out
}

// Factory builds one device kind from its configuration key/value bag.
type Factory func(config map[string]string) (Device, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory binds a device kind name to its constructor. Kinds
// are registered at init by built-in devices and by plugins through the
// host contract.
func RegisterFactory(kind string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[kind] = f
}

// Create instantiates a registered kind.
func Create(kind string, config map[string]string) (Device, error) {
	factoryMu.RLock()
	f, ok := factories[kind]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device: unknown kind %q", kind)
	}
	return f(config)
}
