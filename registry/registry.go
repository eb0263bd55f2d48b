// Package registry provides the in-memory capability registry. It tracks
// every invocable tool regardless of origin: locally registered functions and
// capabilities discovered from connected tool servers.
package registry

import (
	"encoding/json"
	"sort"
	"sync"
)

// OriginKind discriminates where a capability is executed.
type OriginKind string

const (
	OriginLocal  OriginKind = "local"
	OriginRemote OriginKind = "remote"
)

// Origin is a tagged variant over {Local, Remote(serverID)}.
type Origin struct {
	Kind     OriginKind `json:"kind"`
	ServerID string     `json:"serverId,omitempty"`
}

// LocalOrigin returns the origin for locally registered capabilities.
func LocalOrigin() Origin {
	return Origin{Kind: OriginLocal}
}

// RemoteOrigin returns the origin for capabilities discovered on the given
// server.
func RemoteOrigin(serverID string) Origin {
	return Origin{Kind: OriginRemote, ServerID: serverID}
}

// Capability describes one invocable unit. Capabilities are immutable once
// registered; rediscovery replaces them wholesale.
type Capability struct {
	// Name is the unique identifier. Remotely discovered capabilities are
	// namespaced as "<serverID>:<remoteToolName>" to avoid collisions.
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// InputSchema is the JSON-Schema description of accepted arguments.
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Origin      Origin          `json:"origin"`
	Enabled     bool            `json:"enabled"`
	// SecurityTags are labels consumed by an external policy layer.
	SecurityTags []string `json:"securityTags,omitempty"`
}

// Filter restricts the capabilities returned by List.
type Filter struct {
	// Origin, when set, keeps only capabilities from that origin.
	Origin *Origin
	// IncludeDisabled also returns disabled capabilities.
	IncludeDisabled bool
}

// Registry is a concurrency-safe capability map. Updates from one discovery
// pass are applied atomically relative to reads: a Lookup or List never
// observes a partially populated capability set.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		caps: make(map[string]Capability),
	}
}

// Register adds a capability, overwriting any prior registration of the same
// name. Overwrite semantics support rediscovery after reconnect.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	r.caps[c.Name] = c
	r.mu.Unlock()
}

// ReplaceOrigin atomically swaps every capability of the given origin for the
// provided set. Discovery passes use this so readers see either the old or
// the new set, never a mix.
func (r *Registry) ReplaceOrigin(origin Origin, caps []Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, c := range r.caps {
		if c.Origin == origin {
			delete(r.caps, name)
		}
	}
	for _, c := range caps {
		c.Origin = origin
		r.caps[c.Name] = c
	}
}

// UnregisterAllFrom removes every capability contributed by the origin.
// Called by the connection manager when a server disconnects, so the registry
// never offers capabilities for a dead connection.
func (r *Registry) UnregisterAllFrom(origin Origin) {
	r.ReplaceOrigin(origin, nil)
}

// Lookup returns the capability with the given name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	c, ok := r.caps[name]
	r.mu.RUnlock()
	return c, ok
}

// List returns capabilities matching the filter, sorted by name.
func (r *Registry) List(filter Filter) []Capability {
	r.mu.RLock()
	res := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		if !c.Enabled && !filter.IncludeDisabled {
			continue
		}
		if filter.Origin != nil && c.Origin != *filter.Origin {
			continue
		}
		res = append(res, c)
	}
	r.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		return res[i].Name < res[j].Name
	})
	return res
}

// SetEnabled flips the enabled flag of a named capability. Returns false when
// the capability does not exist.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.caps[name]
	if !ok {
		return false
	}
	c.Enabled = enabled
	r.caps[name] = c
	return true
}

// CountByOrigin returns the number of capabilities from the given origin.
func (r *Registry) CountByOrigin(origin Origin) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.caps {
		if c.Origin == origin {
			n++
		}
	}
	return n
}
