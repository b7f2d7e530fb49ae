package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/xeipuuv/gojsonschema"

	"github.com/jacentio/lattice/backend"
	"github.com/jacentio/lattice/internal/seal"
)

// Buffer-backed property types. Values serialize to raw bytes which are
// spread across numbered chunk cells, with a count cell recording how
// many chunks to reassemble on read.
var (
	// Blob stores opaque bytes.
	Blob Type = bufferType{typeName: "blob", codec: blobCodec{}}

	// Text stores a string too large for a single cell.
	Text Type = bufferType{typeName: "text", codec: textCodec{}}

	// JSON stores any JSON-serializable value in canonical form.
	JSON Type = bufferType{typeName: "json", codec: jsonCodec{}}

	// SlugIDArray stores an ordered list of slugs.
	SlugIDArray Type = bufferType{typeName: "slugid-array", codec: slugIDArrayCodec{}}

	// EncryptedBlob stores opaque bytes sealed with the table crypto key.
	EncryptedBlob Type = bufferType{typeName: "encrypted-blob", codec: blobCodec{}, encrypted: true}

	// EncryptedText stores a string sealed with the table crypto key.
	EncryptedText Type = bufferType{typeName: "encrypted-text", codec: textCodec{}, encrypted: true}

	// EncryptedJSON stores a JSON-serializable value sealed with the
	// table crypto key.
	EncryptedJSON Type = bufferType{typeName: "encrypted-json", codec: jsonCodec{}, encrypted: true}
)

// ValidatedJSON returns a Type that stores JSON accepted by the given
// JSON schema. The schema is compiled here, so a broken schema fails at
// configuration time rather than on first write.
func ValidatedJSON(schema map[string]any) (Type, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, configErrorf("invalid JSON schema: %v", err)
	}
	return bufferType{
		typeName: "validated-json",
		codec:    validatedJSONCodec{schema: compiled},
	}, nil
}

// EncryptedValidatedJSON is ValidatedJSON with the stored bytes sealed
// with the table crypto key. Validation runs against the plaintext.
func EncryptedValidatedJSON(schema map[string]any) (Type, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, configErrorf("invalid JSON schema: %v", err)
	}
	return bufferType{
		typeName:  "encrypted-validated-json",
		codec:     validatedJSONCodec{schema: compiled},
		encrypted: true,
	}, nil
}

// chunkSize splits buffers into cells small enough for any backend.
const chunkSize = 64 << 10

func chunkCountColumn(name string) string { return "__bufchunks_" + name }

func chunkColumn(k int, name string) string { return fmt.Sprintf("__buf%d_%s", k, name) }

func writeChunks(rec backend.Record, name string, raw []byte) error {
	if len(raw) > backend.MaxCellSize {
		return &PropertyTooLargeError{Property: name, Size: len(raw), Limit: backend.MaxCellSize}
	}
	n := (len(raw) + chunkSize - 1) / chunkSize
	rec[chunkCountColumn(name)] = float64(n)
	for k := 0; k < n; k++ {
		lo := k * chunkSize
		hi := lo + chunkSize
		if hi > len(raw) {
			hi = len(raw)
		}
		rec[chunkColumn(k, name)] = append([]byte(nil), raw[lo:hi]...)
	}
	return nil
}

func readChunks(rec backend.Record, name string) ([]byte, error) {
	cell, err := cellOf(rec, chunkCountColumn(name))
	if err != nil {
		return nil, err
	}
	count, ok := cell.(float64)
	if !ok || count != math.Trunc(count) || count < 0 {
		return nil, fmt.Errorf("lattice: property %q has an invalid chunk count %v", name, cell)
	}
	n := int(count)
	raw := make([]byte, 0, n*chunkSize)
	for k := 0; k < n; k++ {
		chunk, ok := rec[chunkColumn(k, name)].([]byte)
		if !ok {
			return nil, fmt.Errorf("lattice: property %q is missing chunk %d of %d", name, k, n)
		}
		raw = append(raw, chunk...)
	}
	return raw, nil
}

// bufferCodec converts property values to and from the raw bytes stored
// in chunk cells. Errors carry no property name; the buffer type adds it.
type bufferCodec interface {
	encode(v any) ([]byte, error)
	decode(raw []byte) (any, error)
	equal(a, b any) bool
	clone(v any) any
}

type bufferType struct {
	typeName  string
	codec     bufferCodec
	encrypted bool
}

func (t bufferType) Name() string { return t.typeName }

func (t bufferType) Serialize(rec backend.Record, name string, v any, key []byte) error {
	raw, err := t.codec.encode(v)
	if err != nil {
		var sv *SchemaValidationError
		if errors.As(err, &sv) {
			sv.Property = name
			return err
		}
		return fmt.Errorf("lattice: property %q: %w", name, err)
	}
	if t.encrypted {
		sealed, err := seal.Seal(key, raw)
		if err != nil {
			return fmt.Errorf("lattice: property %q: %w", name, err)
		}
		raw = sealed
	}
	return writeChunks(rec, name, raw)
}

func (t bufferType) Deserialize(rec backend.Record, name string, key []byte) (any, error) {
	raw, err := readChunks(rec, name)
	if err != nil {
		return nil, err
	}
	if t.encrypted {
		opened, err := seal.Open(key, raw)
		if err != nil {
			return nil, &DecryptionError{Property: name, Err: err}
		}
		raw = opened
	}
	v, err := t.codec.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("lattice: property %q: %w", name, err)
	}
	return v, nil
}

func (t bufferType) Equal(a, b any) bool { return t.codec.equal(a, b) }

func (t bufferType) Clone(v any) any { return t.codec.clone(v) }

func (t bufferType) String(v any) (string, error) {
	return "", fmt.Errorf("lattice: %s values have no canonical string form", t.typeName)
}

// Hash covers the plaintext encoding, so signatures stay stable across
// reencryptions of the same value.
func (t bufferType) Hash(v any) ([]byte, error) {
	raw, err := t.codec.encode(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (t bufferType) FilterValue(v any) (any, error) {
	return nil, fmt.Errorf("lattice: %s properties cannot be used in filters", t.typeName)
}

func (t bufferType) Encrypted() bool { return t.encrypted }

// blobCodec

type blobCodec struct{}

func (blobCodec) encode(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, typeMismatch("a []byte", v)
	}
	return b, nil
}

func (blobCodec) decode(raw []byte) (any, error) { return raw, nil }

func (blobCodec) equal(a, b any) bool {
	x, ok1 := a.([]byte)
	y, ok2 := b.([]byte)
	return ok1 && ok2 && bytes.Equal(x, y)
}

func (blobCodec) clone(v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	return append([]byte(nil), b...)
}

// textCodec

type textCodec struct{}

func (textCodec) encode(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, typeMismatch("a string", v)
	}
	return []byte(s), nil
}

func (textCodec) decode(raw []byte) (any, error) { return string(raw), nil }

func (textCodec) equal(a, b any) bool {
	x, ok1 := a.(string)
	y, ok2 := b.(string)
	return ok1 && ok2 && x == y
}

func (textCodec) clone(v any) any { return v }

// jsonCodec

type jsonCodec struct{}

// normalizeJSON reduces v to generic decoded form (maps, slices, float64,
// string, bool, nil) so that equivalent values encode identically no
// matter what concrete Go types they arrived in.
func normalizeJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (jsonCodec) encode(v any) ([]byte, error) {
	normalized, err := normalizeJSON(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func (jsonCodec) decode(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("stored value is not valid JSON: %w", err)
	}
	return v, nil
}

func (c jsonCodec) equal(a, b any) bool {
	x, err1 := c.encode(a)
	y, err2 := c.encode(b)
	return err1 == nil && err2 == nil && bytes.Equal(x, y)
}

func (jsonCodec) clone(v any) any {
	normalized, err := normalizeJSON(v)
	if err != nil {
		return v
	}
	return normalized
}

// validatedJSONCodec

type validatedJSONCodec struct {
	jsonCodec
	schema *gojsonschema.Schema
}

func (c validatedJSONCodec) encode(v any) ([]byte, error) {
	raw, err := c.jsonCodec.encode(v)
	if err != nil {
		return nil, err
	}
	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		causes := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			causes = append(causes, desc.String())
		}
		return nil, &SchemaValidationError{Causes: causes}
	}
	return raw, nil
}

// slugIDArrayCodec

type slugIDArrayCodec struct{}

func asSlugIDs(v any) ([]string, error) {
	var slugs []string
	switch list := v.(type) {
	case []string:
		slugs = list
	case []any:
		slugs = make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, typeMismatch("a slug list", v)
			}
			slugs = append(slugs, s)
		}
	default:
		return nil, typeMismatch("a slug list", v)
	}
	for _, s := range slugs {
		if !slugIDPattern.MatchString(s) {
			return nil, fmt.Errorf("invalid slug %q", s)
		}
	}
	return slugs, nil
}

func (slugIDArrayCodec) encode(v any) ([]byte, error) {
	slugs, err := asSlugIDs(v)
	if err != nil {
		return nil, err
	}
	if slugs == nil {
		slugs = []string{}
	}
	return json.Marshal(slugs)
}

func (slugIDArrayCodec) decode(raw []byte) (any, error) {
	var slugs []string
	if err := json.Unmarshal(raw, &slugs); err != nil {
		return nil, fmt.Errorf("stored value is not a slug list: %w", err)
	}
	return slugs, nil
}

func (c slugIDArrayCodec) equal(a, b any) bool {
	x, err1 := asSlugIDs(a)
	y, err2 := asSlugIDs(b)
	if err1 != nil || err2 != nil || len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func (slugIDArrayCodec) clone(v any) any {
	slugs, err := asSlugIDs(v)
	if err != nil {
		return v
	}
	return append([]string(nil), slugs...)
}
