// Package registry tracks which identities are reachable over live connections.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatrelay/internal/identity"
)

// Address identifies one live transport connection.
type Address string

// Connection is a registered live connection.
type Connection struct {
	Address  Address
	Identity string
	JoinSeq  uint64
	JoinedAt time.Time
}

// Presence describes the effect of a Join or Leave. Changed is true when the
// identity came online (first connection) or went offline (last connection).
type Presence struct {
	Identity string
	Address  Address
	Changed  bool
	Devices  int
	Online   []string
}

// Registry maps identities to their live connections and back. An identity
// may hold several connections at once.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]map[Address]*Connection
	byAddress  map[Address]*Connection
	seq        atomic.Uint64
	now        func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byIdentity: make(map[string]map[Address]*Connection),
		byAddress:  make(map[Address]*Connection),
		now:        time.Now,
	}
}

// Join binds addr to the verified identity. The claimed identity must match
// the verified one. Joining again on the same address is a no-op.
func (r *Registry) Join(verified identity.Identity, claimed string, addr Address) (Presence, error) {
	if err := identity.Authorize(verified, claimed); err != nil {
		return Presence{}, err
	}
	if addr == "" {
		return Presence{}, fmt.Errorf("join %q: empty address", verified.Username)
	}
	name := verified.Username
	conn := &Connection{Address: addr, Identity: name, JoinSeq: r.seq.Add(1), JoinedAt: r.now()}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byAddress[addr]; ok {
		if existing.Identity != name {
			return Presence{}, fmt.Errorf("%w: address %s is bound to %q", identity.ErrUnauthorized, addr, existing.Identity)
		}
		return r.presenceLocked(name, addr, false), nil
	}

	devices, ok := r.byIdentity[name]
	if !ok {
		devices = make(map[Address]*Connection)
		r.byIdentity[name] = devices
	}
	devices[addr] = conn
	r.byAddress[addr] = conn
	return r.presenceLocked(name, addr, len(devices) == 1), nil
}

// Leave unbinds addr. It reports false when addr was not registered, which
// makes repeated calls harmless.
func (r *Registry) Leave(addr Address) (Presence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byAddress[addr]
	if !ok {
		return Presence{}, false
	}
	delete(r.byAddress, addr)
	devices := r.byIdentity[conn.Identity]
	delete(devices, addr)
	if len(devices) == 0 {
		delete(r.byIdentity, conn.Identity)
	}
	return r.presenceLocked(conn.Identity, addr, len(devices) == 0), true
}

func (r *Registry) presenceLocked(name string, addr Address, changed bool) Presence {
	return Presence{
		Identity: name,
		Address:  addr,
		Changed:  changed,
		Devices:  len(r.byIdentity[name]),
		Online:   r.onlineLocked(),
	}
}

// Resolve returns every live address of name, oldest join first.
func (r *Registry) Resolve(name string) []Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := r.byIdentity[identity.NormalizeUsername(name)]
	if len(devices) == 0 {
		return nil
	}
	conns := make([]*Connection, 0, len(devices))
	for _, c := range devices {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].JoinSeq < conns[j].JoinSeq })

	addrs := make([]Address, len(conns))
	for i, c := range conns {
		addrs[i] = c.Address
	}
	return addrs
}

// ResolveOne returns the most recently joined address of name.
func (r *Registry) ResolveOne(name string) (Address, bool) {
	addrs := r.Resolve(name)
	if len(addrs) == 0 {
		return "", false
	}
	return addrs[len(addrs)-1], true
}

// Identity returns the identity bound to addr.
func (r *Registry) Identity(addr Address) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byAddress[addr]
	if !ok {
		return "", false
	}
	return c.Identity, true
}

// IsOnline reports whether name holds at least one connection.
func (r *Registry) IsOnline(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identity.NormalizeUsername(name)]) > 0
}

// Online returns the sorted list of identities with a live connection.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

func (r *Registry) onlineLocked() []string {
	names := make([]string, 0, len(r.byIdentity))
	for name := range r.byIdentity {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Addresses returns every registered address, for broadcasts.
func (r *Registry) Addresses() []Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addrs := make([]Address, 0, len(r.byAddress))
	for addr := range r.byAddress {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Connections returns a snapshot of all registered connections ordered by join.
func (r *Registry) Connections() []Connection {
	r.mu.RLock()
	conns := make([]Connection, 0, len(r.byAddress))
	for _, c := range r.byAddress {
		conns = append(conns, *c)
	}
	r.mu.RUnlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].JoinSeq < conns[j].JoinSeq })
	return conns
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddress)
}
