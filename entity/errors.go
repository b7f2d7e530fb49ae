package entity

import (
	"fmt"

	"github.com/jacentio/lattice/backend"
)

// Canonical backend sentinels re-exported for convenience, so callers can
// test load/create outcomes without importing the backend package.
var (
	// ErrNoSuchEntity indicates the addressed record does not exist.
	ErrNoSuchEntity = backend.ErrNotFound

	// ErrEntityAlreadyExists indicates an insert hit an occupied address.
	ErrEntityAlreadyExists = backend.ErrAlreadyExists

	// ErrUpdateConflict indicates a conditional write lost a race.
	ErrUpdateConflict = backend.ErrPreconditionFailed
)

// ConfigurationError reports misuse of the schema or table API: invalid
// version chains, bad setup options, unknown properties in a filter, and
// similar caller mistakes. It is never retryable.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "lattice: configuration: " + e.Message
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// KeyViolationError reports a modifier that changed a property covered by
// the partition or row key. Keys are immutable once an entity is created,
// so this is fatal and is detected before any write is attempted.
type KeyViolationError struct {
	// Table is the table the entity belongs to.
	Table string

	// Component is "partition" or "row".
	Component string

	// Before is the physical key derived from the stored properties.
	Before string

	// After is the physical key derived from the modified properties.
	After string
}

func (e *KeyViolationError) Error() string {
	return fmt.Sprintf("lattice: modify may not change the %s key of %s (%q -> %q)",
		e.Component, e.Table, e.Before, e.After)
}

// CongestionError reports a modify that lost the optimistic-concurrency
// race more times than the retry budget allows. It carries the property
// bag the entity held before the first attempt and every bag produced by
// the modifier, so the contention can be reconstructed afterwards.
type CongestionError struct {
	// Table is the table the contended entity belongs to.
	Table string

	// PartitionKey and RowKey identify the contended record.
	PartitionKey string
	RowKey       string

	// Original is the property bag before the first modification attempt.
	Original map[string]any

	// Attempts holds the modified bag from each failed attempt, in order.
	Attempts []map[string]any
}

func (e *CongestionError) Error() string {
	return fmt.Sprintf("lattice: modify of %s (%s / %s) gave up after %d contended attempts",
		e.Table, e.PartitionKey, e.RowKey, len(e.Attempts))
}

// SignatureInvalidError reports a stored record whose signature does not
// match its content. The record is never exposed to the caller.
type SignatureInvalidError struct {
	// Table is the table the record was read from.
	Table string

	// PartitionKey and RowKey identify the rejected record.
	PartitionKey string
	RowKey       string
}

func (e *SignatureInvalidError) Error() string {
	return fmt.Sprintf("lattice: signature validation failed for %s (%s / %s)",
		e.Table, e.PartitionKey, e.RowKey)
}

// DecryptionError reports an encrypted property that could not be opened,
// typically because the configured key is wrong or the ciphertext was
// altered. The record is never exposed to the caller.
type DecryptionError struct {
	// Property is the property that failed to decrypt.
	Property string

	// Err is the underlying cipher error.
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("lattice: unable to decrypt property %q: %v", e.Property, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// SchemaValidationError reports a JSON value rejected by the schema bound
// to its property type.
type SchemaValidationError struct {
	// Property is the property whose value was rejected.
	Property string

	// Causes lists the individual validation failures.
	Causes []string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("lattice: property %q does not satisfy its JSON schema: %v", e.Property, e.Causes)
}

// PropertyTooLargeError reports a serialized cell that exceeds the backend
// per-cell ceiling. For encrypted properties the size is measured after
// encryption.
type PropertyTooLargeError struct {
	// Property is the oversized property.
	Property string

	// Size is the serialized size in bytes.
	Size int

	// Limit is the backend per-cell ceiling in bytes.
	Limit int
}

func (e *PropertyTooLargeError) Error() string {
	return fmt.Sprintf("lattice: property %q serializes to %d bytes, exceeding the %d byte cell limit",
		e.Property, e.Size, e.Limit)
}
