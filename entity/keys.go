package entity

import (
	"fmt"
	"math"

	"github.com/jacentio/lattice/internal/keyfmt"
)

// KeyBuilder declares how one physical key, partition or row, is derived
// from property values. Builders are declared once on schema version 1
// and stay fixed for the life of the table. The constructors in this
// package are the only implementations.
type KeyBuilder interface {
	// Covers lists the property names the key is derived from.
	Covers() []string

	// bind validates the builder against the declared properties and
	// returns the bound derivation.
	bind(types map[string]Type) (boundKey, error)
}

// boundKey derives a physical key string from a property bag.
type boundKey interface {
	exact(props map[string]any) (string, error)
}

// StringKey derives the key from a single property's canonical string
// form, escaped so it is always a legal key.
func StringKey(property string) KeyBuilder {
	return &stringKey{property: property}
}

// ConstantKey is a fixed key independent of any property. Useful as a
// row key for tables keyed by partition alone, or the reverse.
func ConstantKey(value string) KeyBuilder {
	return &constantKey{value: value}
}

// CompositeKey joins several properties' canonical strings, each
// escaped, in declaration order.
func CompositeKey(properties ...string) KeyBuilder {
	return &compositeKey{properties: properties}
}

// HashKey derives a fixed-width digest of the covered properties. Use it
// when the covered values are unbounded or unsuitable as key text; the
// original values remain readable from their property cells.
func HashKey(properties ...string) KeyBuilder {
	return &hashKey{properties: properties}
}

// AscendingIntegerKey renders a non-negative integer Number property
// zero-padded to fixed width, so lexicographic key order matches numeric
// order. Values must be integers between 0 and 2^53-1.
func AscendingIntegerKey(property string) KeyBuilder {
	return &ascendingIntegerKey{property: property}
}

func coveredValue(props map[string]any, name string) (any, error) {
	v, ok := props[name]
	if !ok || v == nil {
		return nil, fmt.Errorf("lattice: key property %q is missing", name)
	}
	return v, nil
}

func checkCovered(types map[string]Type, properties []string) error {
	if len(properties) == 0 {
		return configErrorf("key covers no properties")
	}
	seen := make(map[string]bool, len(properties))
	for _, name := range properties {
		if seen[name] {
			return configErrorf("key covers property %q twice", name)
		}
		seen[name] = true
		if _, ok := types[name]; !ok {
			return configErrorf("key covers undeclared property %q", name)
		}
	}
	return nil
}

// stringKey

type stringKey struct {
	property string
}

func (k *stringKey) Covers() []string { return []string{k.property} }

func (k *stringKey) bind(types map[string]Type) (boundKey, error) {
	if err := checkCovered(types, []string{k.property}); err != nil {
		return nil, err
	}
	return &boundStringKey{property: k.property, typ: types[k.property]}, nil
}

type boundStringKey struct {
	property string
	typ      Type
}

func (k *boundStringKey) exact(props map[string]any) (string, error) {
	v, err := coveredValue(props, k.property)
	if err != nil {
		return "", err
	}
	s, err := k.typ.String(v)
	if err != nil {
		return "", err
	}
	return keyfmt.Escape(s), nil
}

// constantKey

type constantKey struct {
	value string
}

func (k *constantKey) Covers() []string { return nil }

func (k *constantKey) bind(map[string]Type) (boundKey, error) {
	return &boundConstantKey{encoded: keyfmt.Escape(k.value)}, nil
}

type boundConstantKey struct {
	encoded string
}

func (k *boundConstantKey) exact(map[string]any) (string, error) {
	return k.encoded, nil
}

// compositeKey

type compositeKey struct {
	properties []string
}

func (k *compositeKey) Covers() []string { return k.properties }

func (k *compositeKey) bind(types map[string]Type) (boundKey, error) {
	if err := checkCovered(types, k.properties); err != nil {
		return nil, err
	}
	bound := &boundCompositeKey{properties: k.properties, types: make([]Type, len(k.properties))}
	for i, name := range k.properties {
		bound.types[i] = types[name]
	}
	return bound, nil
}

type boundCompositeKey struct {
	properties []string
	types      []Type
}

func (k *boundCompositeKey) exact(props map[string]any) (string, error) {
	components := make([]string, len(k.properties))
	for i, name := range k.properties {
		v, err := coveredValue(props, name)
		if err != nil {
			return "", err
		}
		s, err := k.types[i].String(v)
		if err != nil {
			return "", err
		}
		components[i] = s
	}
	return keyfmt.Join(components), nil
}

// hashKey

type hashKey struct {
	properties []string
}

func (k *hashKey) Covers() []string { return k.properties }

func (k *hashKey) bind(types map[string]Type) (boundKey, error) {
	if err := checkCovered(types, k.properties); err != nil {
		return nil, err
	}
	bound := &boundHashKey{properties: k.properties, types: make([]Type, len(k.properties))}
	for i, name := range k.properties {
		bound.types[i] = types[name]
	}
	return bound, nil
}

type boundHashKey struct {
	properties []string
	types      []Type
}

func (k *boundHashKey) exact(props map[string]any) (string, error) {
	parts := make([][]byte, len(k.properties))
	for i, name := range k.properties {
		v, err := coveredValue(props, name)
		if err != nil {
			return "", err
		}
		h, err := k.types[i].Hash(v)
		if err != nil {
			return "", err
		}
		parts[i] = h
	}
	return keyfmt.Digest(parts), nil
}

// ascendingIntegerKey

type ascendingIntegerKey struct {
	property string
}

func (k *ascendingIntegerKey) Covers() []string { return []string{k.property} }

func (k *ascendingIntegerKey) bind(types map[string]Type) (boundKey, error) {
	if err := checkCovered(types, []string{k.property}); err != nil {
		return nil, err
	}
	if types[k.property].Name() != Number.Name() {
		return nil, configErrorf("ascending integer key needs a number property, %q is %s",
			k.property, types[k.property].Name())
	}
	return &boundAscendingIntegerKey{property: k.property}, nil
}

type boundAscendingIntegerKey struct {
	property string
}

func (k *boundAscendingIntegerKey) exact(props map[string]any) (string, error) {
	v, err := coveredValue(props, k.property)
	if err != nil {
		return "", err
	}
	f, ok := asNumber(v)
	if !ok {
		return "", fmt.Errorf("lattice: key property %q wants a number, got %T", k.property, v)
	}
	if f != math.Trunc(f) {
		return "", fmt.Errorf("lattice: key property %q wants an integer, got %v", k.property, f)
	}
	return keyfmt.AscendingInt(int64(f))
}
