package entity

import (
	"encoding/base64"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/lattice/backend"
)

// Type converts one declared property between its in-memory value and its
// stored cells. Implementations are stateless and safe for concurrent use.
type Type interface {
	// Name identifies the type in version compatibility checks and error
	// messages.
	Name() string

	// Serialize writes v into rec under the property name. key carries
	// the table encryption key and is nil for plain types.
	Serialize(rec backend.Record, name string, v any, key []byte) error

	// Deserialize reads the property back out of rec.
	Deserialize(rec backend.Record, name string, key []byte) (any, error)

	// Equal reports whether two in-memory values are semantically equal.
	Equal(a, b any) bool

	// Clone returns an independent copy of v.
	Clone(v any) any

	// String renders v in the canonical form used for key derivation.
	// Types with no deterministic string form return an error.
	String(v any) (string, error)

	// Hash returns deterministic bytes covering v, used for signatures
	// and hashed keys. Encrypted types hash the plaintext value.
	Hash(v any) ([]byte, error)

	// FilterValue converts v to the cell value query filters compare
	// against. Types whose cells are not comparable return an error.
	FilterValue(v any) (any, error)

	// Encrypted reports whether stored cells are encrypted.
	Encrypted() bool
}

// Scalar property types for schema declarations.
var (
	// String stores an arbitrary unicode string in a single cell.
	String Type = stringType{}

	// Number stores a float64. Integers up to 2^53 survive exactly.
	Number Type = numberType{}

	// Boolean stores a bool.
	Boolean Type = booleanType{}

	// Date stores a time.Time with nanosecond precision. Values are
	// rendered in UTC with zero-padded nanoseconds so that the stored
	// strings order chronologically.
	Date Type = dateType{}

	// UUID stores a UUID in canonical lower-case form. Values may be
	// given as strings or uuid.UUID.
	UUID Type = uuidType{}

	// SlugID stores a 22 character URL-safe base64 slug.
	SlugID Type = slugIDType{}
)

// dateLayout is RFC 3339 with fixed-width nanoseconds, always UTC.
const dateLayout = "2006-01-02T15:04:05.000000000Z"

var slugIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{22}$`)

// NewSlugID returns a fresh random slug, the 22 character URL-safe base64
// form of a version 4 UUID.
func NewSlugID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])
}

func propTypeError(name, want string, got any) error {
	return fmt.Errorf("lattice: property %q wants %s, got %T", name, want, got)
}

func typeMismatch(want string, got any) error {
	return fmt.Errorf("lattice: expected %s value, got %T", want, got)
}

func cellOf(rec backend.Record, name string) (any, error) {
	v, ok := rec[name]
	if !ok {
		return nil, fmt.Errorf("lattice: property %q has no stored cell", name)
	}
	return v, nil
}

// stringType

type stringType struct{}

func (stringType) Name() string { return "string" }

func (stringType) Serialize(rec backend.Record, name string, v any, _ []byte) error {
	s, ok := v.(string)
	if !ok {
		return propTypeError(name, "a string", v)
	}
	if len(s) > backend.MaxCellSize {
		return &PropertyTooLargeError{Property: name, Size: len(s), Limit: backend.MaxCellSize}
	}
	rec[name] = s
	return nil
}

func (stringType) Deserialize(rec backend.Record, name string, _ []byte) (any, error) {
	cell, err := cellOf(rec, name)
	if err != nil {
		return nil, err
	}
	s, ok := cell.(string)
	if !ok {
		return nil, propTypeError(name, "a string cell", cell)
	}
	return s, nil
}

func (stringType) Equal(a, b any) bool {
	x, ok1 := a.(string)
	y, ok2 := b.(string)
	return ok1 && ok2 && x == y
}

func (stringType) Clone(v any) any { return v }

func (stringType) String(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", typeMismatch("a string", v)
	}
	return s, nil
}

func (t stringType) Hash(v any) ([]byte, error) {
	s, err := t.String(v)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (t stringType) FilterValue(v any) (any, error) { return t.String(v) }

func (stringType) Encrypted() bool { return false }

// numberType

type numberType struct{}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (numberType) Name() string { return "number" }

func (numberType) Serialize(rec backend.Record, name string, v any, _ []byte) error {
	f, ok := asNumber(v)
	if !ok {
		return propTypeError(name, "a number", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("lattice: property %q cannot store %v", name, f)
	}
	rec[name] = f
	return nil
}

func (numberType) Deserialize(rec backend.Record, name string, _ []byte) (any, error) {
	cell, err := cellOf(rec, name)
	if err != nil {
		return nil, err
	}
	f, ok := cell.(float64)
	if !ok {
		return nil, propTypeError(name, "a number cell", cell)
	}
	return f, nil
}

func (numberType) Equal(a, b any) bool {
	x, ok1 := asNumber(a)
	y, ok2 := asNumber(b)
	return ok1 && ok2 && x == y
}

func (numberType) Clone(v any) any {
	if f, ok := asNumber(v); ok {
		return f
	}
	return v
}

func (numberType) String(v any) (string, error) {
	f, ok := asNumber(v)
	if !ok {
		return "", typeMismatch("a number", v)
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

func (t numberType) Hash(v any) ([]byte, error) {
	s, err := t.String(v)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (numberType) FilterValue(v any) (any, error) {
	f, ok := asNumber(v)
	if !ok {
		return nil, typeMismatch("a number", v)
	}
	return f, nil
}

func (numberType) Encrypted() bool { return false }

// booleanType

type booleanType struct{}

func (booleanType) Name() string { return "boolean" }

func (booleanType) Serialize(rec backend.Record, name string, v any, _ []byte) error {
	b, ok := v.(bool)
	if !ok {
		return propTypeError(name, "a bool", v)
	}
	rec[name] = b
	return nil
}

func (booleanType) Deserialize(rec backend.Record, name string, _ []byte) (any, error) {
	cell, err := cellOf(rec, name)
	if err != nil {
		return nil, err
	}
	b, ok := cell.(bool)
	if !ok {
		return nil, propTypeError(name, "a bool cell", cell)
	}
	return b, nil
}

func (booleanType) Equal(a, b any) bool {
	x, ok1 := a.(bool)
	y, ok2 := b.(bool)
	return ok1 && ok2 && x == y
}

func (booleanType) Clone(v any) any { return v }

func (booleanType) String(v any) (string, error) {
	b, ok := v.(bool)
	if !ok {
		return "", typeMismatch("a bool", v)
	}
	return strconv.FormatBool(b), nil
}

func (t booleanType) Hash(v any) ([]byte, error) {
	s, err := t.String(v)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (booleanType) FilterValue(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, typeMismatch("a bool", v)
	}
	return b, nil
}

func (booleanType) Encrypted() bool { return false }

// dateType

type dateType struct{}

func (dateType) Name() string { return "date" }

func formatDate(v any) (string, error) {
	t, ok := v.(time.Time)
	if !ok {
		return "", typeMismatch("a time.Time", v)
	}
	return t.UTC().Format(dateLayout), nil
}

func (dateType) Serialize(rec backend.Record, name string, v any, _ []byte) error {
	s, err := formatDate(v)
	if err != nil {
		return propTypeError(name, "a time.Time", v)
	}
	rec[name] = s
	return nil
}

func (dateType) Deserialize(rec backend.Record, name string, _ []byte) (any, error) {
	cell, err := cellOf(rec, name)
	if err != nil {
		return nil, err
	}
	s, ok := cell.(string)
	if !ok {
		return nil, propTypeError(name, "a date cell", cell)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("lattice: property %q holds an invalid date: %w", name, err)
	}
	return t, nil
}

func (dateType) Equal(a, b any) bool {
	x, ok1 := a.(time.Time)
	y, ok2 := b.(time.Time)
	return ok1 && ok2 && x.Equal(y)
}

func (dateType) Clone(v any) any { return v }

func (dateType) String(v any) (string, error) { return formatDate(v) }

func (dateType) Hash(v any) ([]byte, error) {
	s, err := formatDate(v)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (dateType) FilterValue(v any) (any, error) { return formatDate(v) }

func (dateType) Encrypted() bool { return false }

// uuidType

type uuidType struct{}

func asUUID(v any) (string, error) {
	switch u := v.(type) {
	case string:
		parsed, err := uuid.Parse(u)
		if err != nil {
			return "", fmt.Errorf("lattice: invalid uuid %q: %w", u, err)
		}
		return parsed.String(), nil
	case uuid.UUID:
		return u.String(), nil
	}
	return "", typeMismatch("a uuid", v)
}

func (uuidType) Name() string { return "uuid" }

func (uuidType) Serialize(rec backend.Record, name string, v any, _ []byte) error {
	s, err := asUUID(v)
	if err != nil {
		return fmt.Errorf("lattice: property %q: %w", name, err)
	}
	rec[name] = s
	return nil
}

func (uuidType) Deserialize(rec backend.Record, name string, _ []byte) (any, error) {
	cell, err := cellOf(rec, name)
	if err != nil {
		return nil, err
	}
	s, ok := cell.(string)
	if !ok {
		return nil, propTypeError(name, "a uuid cell", cell)
	}
	return s, nil
}

func (uuidType) Equal(a, b any) bool {
	x, err1 := asUUID(a)
	y, err2 := asUUID(b)
	return err1 == nil && err2 == nil && x == y
}

func (uuidType) Clone(v any) any {
	if s, err := asUUID(v); err == nil {
		return s
	}
	return v
}

func (uuidType) String(v any) (string, error) { return asUUID(v) }

func (uuidType) Hash(v any) ([]byte, error) {
	s, err := asUUID(v)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (uuidType) FilterValue(v any) (any, error) { return asUUID(v) }

func (uuidType) Encrypted() bool { return false }

// slugIDType

type slugIDType struct{}

func asSlugID(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", typeMismatch("a slug", v)
	}
	if !slugIDPattern.MatchString(s) {
		return "", fmt.Errorf("lattice: invalid slug %q", s)
	}
	return s, nil
}

func (slugIDType) Name() string { return "slugid" }

func (slugIDType) Serialize(rec backend.Record, name string, v any, _ []byte) error {
	s, err := asSlugID(v)
	if err != nil {
		return fmt.Errorf("lattice: property %q: %w", name, err)
	}
	rec[name] = s
	return nil
}

func (slugIDType) Deserialize(rec backend.Record, name string, _ []byte) (any, error) {
	cell, err := cellOf(rec, name)
	if err != nil {
		return nil, err
	}
	s, ok := cell.(string)
	if !ok {
		return nil, propTypeError(name, "a slug cell", cell)
	}
	return s, nil
}

func (slugIDType) Equal(a, b any) bool {
	x, ok1 := a.(string)
	y, ok2 := b.(string)
	return ok1 && ok2 && x == y
}

func (slugIDType) Clone(v any) any { return v }

func (slugIDType) String(v any) (string, error) { return asSlugID(v) }

func (slugIDType) Hash(v any) ([]byte, error) {
	s, err := asSlugID(v)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (slugIDType) FilterValue(v any) (any, error) { return asSlugID(v) }

func (slugIDType) Encrypted() bool { return false }
