package entity

import (
	"sort"
	"strings"

	"github.com/jacentio/lattice/backend"
)

// SigningMode states whether a schema version signs its records.
type SigningMode int

const (
	// SigningUnspecified leaves the default, unsigned. Once an earlier
	// version has enabled signing, leaving the mode unspecified is a
	// configuration error.
	SigningUnspecified SigningMode = iota

	// SigningEnabled signs every record written under this version.
	SigningEnabled

	// SigningDisabled stops signing records from this version on.
	SigningDisabled
)

// MigrateFunc upgrades a property bag from the previous schema version's
// shape to the declaring version's shape. It may mutate and return old.
type MigrateFunc func(old map[string]any) (map[string]any, error)

// Options declare one schema version.
type Options struct {
	// Version is the schema version being declared. The first
	// declaration must be version 1 and each later one exactly the next
	// version.
	Version int

	// Properties is this version's full property set.
	Properties map[string]Type

	// PartitionKey and RowKey derive the physical keys from property
	// values. They are declared on version 1 only; later versions
	// inherit them unchanged.
	PartitionKey KeyBuilder
	RowKey       KeyBuilder

	// Context lists names Setup must provide as read-only constants.
	// Each version declares its full context.
	Context []string

	// Signed states whether records written under this version carry a
	// signature. Once any version enables signing, every later version
	// must state the mode explicitly.
	Signed SigningMode

	// Migrate upgrades a bag from the previous version. Required for
	// every version after the first, forbidden on version 1.
	Migrate MigrateFunc
}

// Schema is an immutable chain of version declarations. Each value
// embeds its predecessors, so a single *Schema describes every record
// shape a table may hold. Configure never mutates its receiver.
type Schema struct {
	version      int
	properties   map[string]Type
	context      []string
	signed       bool
	everSigned   bool
	anyEncrypted bool
	migrate      MigrateFunc

	partitionBuilder KeyBuilder
	rowBuilder       KeyBuilder
	partitionKey     boundKey
	rowKey           boundKey
	locked           []string
	prev             *Schema
}

// Configure declares schema version 1.
func Configure(opts Options) (*Schema, error) {
	if opts.Version != 1 {
		return nil, configErrorf("the first schema version must be 1, got %d", opts.Version)
	}
	if opts.PartitionKey == nil || opts.RowKey == nil {
		return nil, configErrorf("version 1 must declare both partition and row keys")
	}
	if opts.Migrate != nil {
		return nil, configErrorf("version 1 cannot have a migration")
	}
	return newVersion(nil, opts)
}

// Configure declares the next schema version on top of s and returns the
// extended chain. s itself is unchanged and remains usable.
func (s *Schema) Configure(opts Options) (*Schema, error) {
	if opts.Version != s.version+1 {
		return nil, configErrorf("expected version %d after %d, got %d",
			s.version+1, s.version, opts.Version)
	}
	if opts.PartitionKey != nil || opts.RowKey != nil {
		return nil, configErrorf("keys are declared on version 1 and cannot change")
	}
	if opts.Migrate == nil {
		return nil, configErrorf("version %d needs a migration from version %d",
			opts.Version, s.version)
	}
	if s.everSigned && opts.Signed == SigningUnspecified {
		return nil, configErrorf("version %d must state its signing mode because an earlier version enabled signing",
			opts.Version)
	}
	return newVersion(s, opts)
}

// Version returns the newest declared schema version.
func (s *Schema) Version() int { return s.version }

func newVersion(prev *Schema, opts Options) (*Schema, error) {
	properties := make(map[string]Type, len(opts.Properties))
	for name, typ := range opts.Properties {
		if err := checkPropertyName(name); err != nil {
			return nil, err
		}
		if typ == nil {
			return nil, configErrorf("property %q has a nil type", name)
		}
		properties[name] = typ
	}

	context := append([]string(nil), opts.Context...)
	sort.Strings(context)
	for i, name := range context {
		if err := checkPropertyName(name); err != nil {
			return nil, err
		}
		if _, ok := properties[name]; ok {
			return nil, configErrorf("context name %q collides with a property", name)
		}
		if i > 0 && context[i-1] == name {
			return nil, configErrorf("context name %q declared twice", name)
		}
	}

	s := &Schema{
		version:    opts.Version,
		properties: properties,
		context:    context,
		signed:     opts.Signed == SigningEnabled,
		migrate:    opts.Migrate,
		prev:       prev,
	}
	if prev == nil {
		s.partitionBuilder = opts.PartitionKey
		s.rowBuilder = opts.RowKey
	} else {
		s.partitionBuilder = prev.partitionBuilder
		s.rowBuilder = prev.rowBuilder
		s.everSigned = prev.everSigned
		s.anyEncrypted = prev.anyEncrypted
		for _, name := range prev.locked {
			typ, ok := properties[name]
			if !ok {
				return nil, configErrorf("version %d drops key property %q", opts.Version, name)
			}
			if typ.Name() != prev.properties[name].Name() {
				return nil, configErrorf("version %d changes key property %q from %s to %s",
					opts.Version, name, prev.properties[name].Name(), typ.Name())
			}
		}
	}
	if s.signed {
		s.everSigned = true
	}
	for _, typ := range properties {
		if typ.Encrypted() {
			s.anyEncrypted = true
		}
	}

	var err error
	if s.partitionKey, err = s.partitionBuilder.bind(properties); err != nil {
		return nil, err
	}
	if s.rowKey, err = s.rowBuilder.bind(properties); err != nil {
		return nil, err
	}

	covered := make(map[string]bool)
	for _, name := range s.partitionBuilder.Covers() {
		covered[name] = true
	}
	for _, name := range s.rowBuilder.Covers() {
		covered[name] = true
	}
	s.locked = make([]string, 0, len(covered))
	for name := range covered {
		s.locked = append(s.locked, name)
	}
	sort.Strings(s.locked)

	return s, nil
}

// schemaAt returns the declaration of one version in the chain.
func (s *Schema) schemaAt(version int) (*Schema, bool) {
	for cur := s; cur != nil; cur = cur.prev {
		if cur.version == version {
			return cur, true
		}
	}
	return nil, false
}

// cloneBag copies a property bag using each declared type's Clone.
// Undeclared entries are copied as-is.
func (s *Schema) cloneBag(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for name, v := range props {
		if typ, ok := s.properties[name]; ok {
			out[name] = typ.Clone(v)
		} else {
			out[name] = v
		}
	}
	return out
}

var reservedColumns = map[string]bool{
	backend.PartitionKeyColumn: true,
	backend.RowKeyColumn:       true,
	backend.VersionColumn:      true,
	backend.TimestampColumn:    true,
	backend.SignatureColumn:    true,
	backend.ETagColumn:         true,
}

func checkPropertyName(name string) error {
	if name == "" {
		return configErrorf("property names cannot be empty")
	}
	if reservedColumns[name] {
		return configErrorf("property name %q is reserved", name)
	}
	if strings.HasPrefix(name, "__") {
		return configErrorf("property name %q uses the reserved __ prefix", name)
	}
	return nil
}
