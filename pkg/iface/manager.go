// Package iface caches operating-system interface lookups for the daemon.
package iface

import (
	"fmt"
	"net"
	"sync"

	"github.com/ndplab/ndpd/pkg/link"
)

// Manager caches net.Interface lookups. Entries are refreshed on demand
// because interface indices can change when links flap.
type Manager struct {
	mu    sync.Mutex
	cache map[string]*net.Interface
}

func NewManager() *Manager {
	return &Manager{
		cache: make(map[string]*net.Interface),
	}
}

// Seed stores or overrides a cached interface entry. Useful for tests; a
// nil ifc drops the entry.
func (m *Manager) Seed(name string, ifc *net.Interface) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		return
	}

	if ifc == nil {
		delete(m.cache, name)

		return
	}

	m.cache[name] = ifc
}

func (m *Manager) ByName(name string) (*net.Interface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.cache[name]; ok && cached != nil {
		return cached, nil
	}

	ifc, err := net.InterfaceByName(name)
	if err != nil {
		delete(m.cache, name)

		return nil, fmt.Errorf("lookup interface %q: %w", name, err)
	}

	m.cache[name] = ifc

	return ifc, nil
}

// LinkAddr returns the interface's Ethernet address.
func (m *Manager) LinkAddr(name string) (link.Addr, error) {
	ifc, err := m.ByName(name)
	if err != nil {
		return link.Addr{}, err
	}

	addr := link.FromHardware(ifc.HardwareAddr)
	if !addr.IsValid() {
		return link.Addr{}, fmt.Errorf("interface %q has no usable link-layer address", name)
	}

	return addr, nil
}

// Flush removes cached entries, typically after a link-state change seen
// via a netlink subscription.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = make(map[string]*net.Interface)
}
