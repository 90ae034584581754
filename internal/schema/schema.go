// Package schema holds the declarative definition of every store and
// secondary index, per schema version, and validates descriptors before
// anything touches the backend.
package schema

import (
	"fmt"
	"regexp"
)

// nameRE constrains store and index names to SQL-safe identifiers.
var nameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// keyPathRE constrains key paths to dotted field names, so descriptor
// input can never smuggle SQL into a json_extract expression.
var keyPathRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Reserved store names. The ledger and meta tables live beside document
// tables, and the TTL cache store is defined by the core itself.
const (
	CacheStore = "cache"

	reservedMeta   = "storage_meta"
	reservedLedger = "migration_history"
)

// IndexDefinition describes one secondary index over a store.
type IndexDefinition struct {
	Name    string `yaml:"name" json:"name"`
	KeyPath string `yaml:"keyPath" json:"keyPath"`
	// Unique rejects a second record with the same indexed value.
	Unique bool `yaml:"unique" json:"unique"`
	// MultiEntry indexes each element of an array-valued field. Lookups
	// against a multi-entry index match when any element equals the probe.
	MultiEntry bool `yaml:"multiEntry" json:"multiEntry"`
}

// StoreDefinition describes one named, primary-key-indexed collection.
// Immutable once registered except through a migration that redefines it.
type StoreDefinition struct {
	Name          string            `yaml:"name" json:"name"`
	KeyPath       string            `yaml:"keyPath" json:"keyPath"`
	AutoIncrement bool              `yaml:"autoIncrement" json:"autoIncrement"`
	Indexes       []IndexDefinition `yaml:"indexes" json:"indexes"`
}

// Index returns the named index definition, if present.
func (d StoreDefinition) Index(name string) (IndexDefinition, bool) {
	for _, idx := range d.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDefinition{}, false
}

// Version is one schema version: a positive version number and the full
// set of stores valid at that version.
type Version struct {
	Version int               `yaml:"version" json:"version"`
	Stores  []StoreDefinition `yaml:"stores" json:"stores"`
}

// Descriptor is the complete declarative schema: every version, in the
// order they were defined.
type Descriptor struct {
	Versions []Version `yaml:"versions" json:"versions"`
}

// Error reports an invalid or conflicting schema definition. Schema
// errors are fatal and surface before any backend access.
type Error struct {
	Store   string
	Version int
	Message string
}

func (e *Error) Error() string {
	switch {
	case e.Store != "" && e.Version > 0:
		return fmt.Sprintf("schema: %s (store=%s, version=%d)", e.Message, e.Store, e.Version)
	case e.Version > 0:
		return fmt.Sprintf("schema: %s (version=%d)", e.Message, e.Version)
	case e.Store != "":
		return fmt.Sprintf("schema: %s (store=%s)", e.Message, e.Store)
	default:
		return "schema: " + e.Message
	}
}

// validateStore checks a single store definition.
func validateStore(version int, def StoreDefinition) error {
	if !nameRE.MatchString(def.Name) {
		return &Error{Store: def.Name, Version: version, Message: "invalid store name"}
	}
	if def.Name == reservedMeta || def.Name == reservedLedger {
		return &Error{Store: def.Name, Version: version, Message: "store name is reserved"}
	}
	if !keyPathRE.MatchString(def.KeyPath) {
		return &Error{Store: def.Name, Version: version, Message: "invalid keyPath"}
	}
	seen := make(map[string]bool, len(def.Indexes))
	for _, idx := range def.Indexes {
		if !nameRE.MatchString(idx.Name) {
			return &Error{Store: def.Name, Version: version, Message: fmt.Sprintf("invalid index name %q", idx.Name)}
		}
		if !keyPathRE.MatchString(idx.KeyPath) {
			return &Error{Store: def.Name, Version: version, Message: fmt.Sprintf("index %q has an invalid keyPath", idx.Name)}
		}
		if seen[idx.Name] {
			return &Error{Store: def.Name, Version: version, Message: fmt.Sprintf("duplicate index %q", idx.Name)}
		}
		seen[idx.Name] = true
	}
	return nil
}
