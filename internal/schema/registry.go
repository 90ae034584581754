package schema

import (
	"fmt"
	"sort"
	"sync"
)

// Registry tracks every defined schema version for one storage instance.
// Versions are totally ordered and strictly increasing over the registry's
// lifetime; no version may be skipped when migrating.
//
// A Registry is owned by the storage core that composes it. There is no
// process-wide default instance.
type Registry struct {
	mu       sync.RWMutex
	versions []Version
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Define registers the stores valid at the given schema version.
// Fails with *Error when version is not strictly greater than every
// previously defined version, or when a store name repeats within the
// version.
func (r *Registry) Define(version int, stores []StoreDefinition) error {
	if version <= 0 {
		return &Error{Version: version, Message: "version must be positive"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.versions); n > 0 && version <= r.versions[n-1].Version {
		return &Error{Version: version, Message: fmt.Sprintf("version must exceed %d", r.versions[n-1].Version)}
	}

	seen := make(map[string]bool, len(stores))
	for _, def := range stores {
		if err := validateStore(version, def); err != nil {
			return err
		}
		if seen[def.Name] {
			return &Error{Store: def.Name, Version: version, Message: "duplicate store"}
		}
		seen[def.Name] = true
	}

	copied := make([]StoreDefinition, len(stores))
	copy(copied, stores)
	r.versions = append(r.versions, Version{Version: version, Stores: copied})
	return nil
}

// DefineDescriptor registers every version of a descriptor, in order.
func (r *Registry) DefineDescriptor(desc *Descriptor) error {
	for _, v := range desc.Versions {
		if err := r.Define(v.Version, v.Stores); err != nil {
			return err
		}
	}
	return nil
}

// Store returns the definition of the named store at the highest version
// that defines it.
func (r *Registry) Store(name string) (StoreDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.versions) - 1; i >= 0; i-- {
		for _, def := range r.versions[i].Stores {
			if def.Name == name {
				return def, true
			}
		}
	}
	return StoreDefinition{}, false
}

// StoresAt returns the store definitions introduced at exactly the given
// version number.
func (r *Registry) StoresAt(version int) []StoreDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.versions {
		if v.Version == version {
			out := make([]StoreDefinition, len(v.Stores))
			copy(out, v.Stores)
			return out
		}
	}
	return nil
}

// Schema returns a copy of every registered version in ascending order.
func (r *Registry) Schema() []Version {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Version, len(r.versions))
	copy(out, r.versions)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// LatestVersion returns the highest defined version number, or 0 when the
// registry is empty.
func (r *Registry) LatestVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.versions) == 0 {
		return 0
	}
	return r.versions[len(r.versions)-1].Version
}

// StoreNames returns the union of store names across all versions, sorted.
func (r *Registry) StoreNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]bool)
	for _, v := range r.versions {
		for _, def := range v.Stores {
			set[def.Name] = true
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnsureCacheStore appends the reserved TTL cache store to the latest
// version unless some version already defines it. Called by the core
// during Init so the cache store is migrated like any other.
func (r *Registry) EnsureCacheStore() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.versions {
		for _, def := range v.Stores {
			if def.Name == CacheStore {
				return
			}
		}
	}
	if len(r.versions) == 0 {
		return
	}
	last := &r.versions[len(r.versions)-1]
	last.Stores = append(last.Stores, StoreDefinition{
		Name:    CacheStore,
		KeyPath: "key",
		Indexes: []IndexDefinition{{Name: "by_expires", KeyPath: "expiresAt"}},
	})
}
