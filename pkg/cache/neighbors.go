// Package cache provides a TTL-bounded front-end for resolved neighbor
// link-layer addresses, so hot-path senders avoid a round trip into the
// protocol engine for every packet.
package cache

import (
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ndplab/ndpd/pkg/device"
	"github.com/ndplab/ndpd/pkg/link"
)

// Key identifies one resolved neighbor on one device.
type Key struct {
	Device device.ID
	Addr   netip.Addr
}

// Neighbors is a nil-safe TTL cache of resolved link-layer addresses. A nil
// Neighbors behaves as an always-miss cache, so disabling caching needs no
// branching at call sites.
type Neighbors struct {
	store *expirable.LRU[Key, link.Addr]
}

// Options tweak cache construction.
type Options struct {
	capacity int
	onEvict  func(key Key, addr link.Addr)
}

// WithCapacity caps the number of live entries before LRU eviction.
func WithCapacity(size int) func(*Options) {
	if size < 0 {
		size = 0
	}

	return func(opts *Options) {
		opts.capacity = size
	}
}

// WithEvict installs a callback fired whenever an entry is evicted.
func WithEvict(cb func(key Key, addr link.Addr)) func(*Options) {
	return func(opts *Options) {
		opts.onEvict = cb
	}
}

// New constructs a neighbor cache whose entries expire after ttl. ttl <= 0
// disables caching and returns nil.
func New(ttl time.Duration, opts ...func(*Options)) *Neighbors {
	if ttl <= 0 {
		return nil
	}

	var cfg Options
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Neighbors{
		store: expirable.NewLRU[Key, link.Addr](cfg.capacity, cfg.onEvict, ttl),
	}
}

// Put records a resolution, ignoring nil caches and invalid addresses.
func (c *Neighbors) Put(id device.ID, addr netip.Addr, linkAddr link.Addr) {
	if c == nil || c.store == nil || !linkAddr.IsValid() {
		return
	}

	c.store.Add(Key{Device: id, Addr: addr}, linkAddr)
}

// Get returns the cached link-layer address and a hit flag.
func (c *Neighbors) Get(id device.ID, addr netip.Addr) (link.Addr, bool) {
	if c == nil || c.store == nil {
		return link.Addr{}, false
	}

	return c.store.Get(Key{Device: id, Addr: addr})
}

// Forget drops a cached resolution, for example after the engine reports
// the neighbor unreachable, and reports whether it existed.
func (c *Neighbors) Forget(id device.ID, addr netip.Addr) bool {
	if c == nil || c.store == nil {
		return false
	}

	return c.store.Remove(Key{Device: id, Addr: addr})
}

// ForgetDevice drops every cached resolution for a device.
func (c *Neighbors) ForgetDevice(id device.ID) {
	if c == nil || c.store == nil {
		return
	}

	for _, key := range c.store.Keys() {
		if key.Device == id {
			c.store.Remove(key)
		}
	}
}

// Len reports the live entry count.
func (c *Neighbors) Len() int {
	if c == nil || c.store == nil {
		return 0
	}

	return c.store.Len()
}
