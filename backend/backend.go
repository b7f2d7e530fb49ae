// Package backend defines the storage contract entity tables run on.
//
// A [Client] speaks to one storage engine through two-key records:
// every record lives at a (PartitionKey, RowKey) address and carries an
// opaque ETag that conditional writes are checked against. Two
// implementations ship with this module, backend/dynamo for DynamoDB
// and backend/memory for an in-process store with identical semantics;
// the entity layer treats them interchangeably.
package backend

import "context"

// Reserved column names present on every stored record.
const (
	PartitionKeyColumn = "PartitionKey"
	RowKeyColumn       = "RowKey"
	VersionColumn      = "Version"
	TimestampColumn    = "Timestamp"
	SignatureColumn    = "Signature"

	// ETagColumn is set by the backend on records it returns. It is
	// ignored on write; writes receive a fresh ETag from the backend.
	ETagColumn = "ETag"
)

// ETagAny is the ETag wildcard: the write must find a stored record but
// any stored ETag satisfies it.
const ETagAny = "*"

// MaxCellSize is the largest value, in bytes, a single cell may hold.
// Writers must split or reject anything larger.
const MaxCellSize = 256 << 10

// Record is one stored row: a flat bag of named cells. Cell values are
// limited to string, float64, bool and []byte. VersionColumn holds an
// integer-valued float64 and TimestampColumn the write time in float64
// Unix milliseconds, refreshed by the backend on every write.
type Record map[string]any

// PartitionKey returns the record's partition key cell.
func (r Record) PartitionKey() string {
	s, _ := r[PartitionKeyColumn].(string)
	return s
}

// RowKey returns the record's row key cell.
func (r Record) RowKey() string {
	s, _ := r[RowKeyColumn].(string)
	return s
}

// Version returns the record's schema version cell.
func (r Record) Version() int {
	v, _ := r[VersionColumn].(float64)
	return int(v)
}

// ETag returns the record's ETag cell.
func (r Record) ETag() string {
	s, _ := r[ETagColumn].(string)
	return s
}

// Clone returns a deep copy; binary cells do not share backing arrays
// with the original.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if b, ok := v.([]byte); ok {
			c := make([]byte, len(b))
			copy(c, b)
			out[k] = c
			continue
		}
		out[k] = v
	}
	return out
}

// UpdateMode selects how UpdateEntity combines the given record with
// the stored one.
type UpdateMode int

const (
	// Replace discards the stored record and writes the given one.
	Replace UpdateMode = iota

	// Merge overwrites only the cells present in the given record and
	// keeps the rest of the stored record.
	Merge
)

func (m UpdateMode) String() string {
	switch m {
	case Replace:
		return "replace"
	case Merge:
		return "merge"
	default:
		return "unknown"
	}
}

// UpdateOptions control the conditions of an UpdateEntity call.
type UpdateOptions struct {
	Mode UpdateMode

	// ETag "" upserts unconditionally, ETagAny requires the record to
	// exist, any other value must equal the stored ETag exactly.
	ETag string
}

// DeleteOptions control the conditions of a DeleteEntity call.
type DeleteOptions struct {
	// ETag "" or ETagAny deletes whatever is stored, any other value
	// must equal the stored ETag exactly.
	ETag string
}

// Op is a comparison operator usable in query filter conditions.
type Op int

const (
	Equal Op = iota
	NotEqual
	LessThan
	LessOrEqual
	GreaterThan
	GreaterOrEqual
)

func (o Op) String() string {
	switch o {
	case Equal:
		return "="
	case NotEqual:
		return "<>"
	case LessThan:
		return "<"
	case LessOrEqual:
		return "<="
	case GreaterThan:
		return ">"
	case GreaterOrEqual:
		return ">="
	default:
		return "?"
	}
}

// Condition compares one column against a literal value.
type Condition struct {
	Column string
	Op     Op
	Value  any
}

// Query selects records from a table.
type Query struct {
	// Filter conditions are ANDed together. Empty matches everything.
	Filter []Condition

	// Top caps the number of records returned in this page. Zero lets
	// the backend choose.
	Top int

	// NextPartitionKey and NextRowKey resume a prior query strictly
	// after the given position. Both empty starts from the beginning.
	NextPartitionKey string
	NextRowKey       string
}

// QueryResult is one page of records in (PartitionKey, RowKey) order.
// Physical keys are never empty, so an empty next-pair means the scan
// is complete.
type QueryResult struct {
	Records          []Record
	NextPartitionKey string
	NextRowKey       string
}

// More reports whether another page remains.
func (r QueryResult) More() bool {
	return r.NextPartitionKey != "" || r.NextRowKey != ""
}

// Client is the operation contract required of a storage engine.
//
// Errors returned by the data operations wrap the canonical values in
// this package where the failure is classified: [ErrNotFound],
// [ErrAlreadyExists] and [ErrPreconditionFailed]. Transport failures
// pass through unclassified.
type Client interface {
	// CreateTable creates the named table. Creating a table that
	// already exists is success.
	CreateTable(ctx context.Context, table string) error

	// DeleteTable removes the named table and everything in it. A
	// missing table is ErrNotFound.
	DeleteTable(ctx context.Context, table string) error

	// GetEntity fetches one record, its stored ETag in ETagColumn. A
	// missing record is ErrNotFound.
	GetEntity(ctx context.Context, table, partitionKey, rowKey string) (Record, error)

	// InsertEntity writes a record that must not yet exist and returns
	// the new ETag. An occupied address is ErrAlreadyExists.
	InsertEntity(ctx context.Context, table string, rec Record) (etag string, err error)

	// UpdateEntity writes over an address subject to opts and returns
	// the new ETag. A missing record is ErrNotFound (unless the upsert
	// form is used), a stale ETag is ErrPreconditionFailed.
	UpdateEntity(ctx context.Context, table string, rec Record, opts UpdateOptions) (etag string, err error)

	// DeleteEntity removes one record subject to opts. A missing
	// record is ErrNotFound, a stale ETag is ErrPreconditionFailed.
	DeleteEntity(ctx context.Context, table, partitionKey, rowKey string, opts DeleteOptions) error

	// QueryEntities returns one page of matching records.
	QueryEntities(ctx context.Context, table string, q Query) (QueryResult, error)
}
