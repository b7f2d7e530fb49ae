package entity

import (
	"context"
	"errors"

	"github.com/jacentio/lattice/backend"
)

// maxModifyAttempts bounds the optimistic-concurrency retry loop.
const maxModifyAttempts = 10

// Entity is one loaded record: a property bag plus the physical keys,
// schema version and ETag of the stored record it mirrors. Instances
// are cheap and independent; several may reference the same logical
// record, coordinating only through ETag-conditional writes. An Entity
// is not safe for concurrent use by multiple goroutines.
type Entity struct {
	table        *Table
	partitionKey string
	rowKey       string
	version      int
	etag         string
	props        map[string]any
}

func (t *Table) newEntity(pk, rk string, version int, etag string, props map[string]any) *Entity {
	return &Entity{
		table:        t,
		partitionKey: pk,
		rowKey:       rk,
		version:      version,
		etag:         etag,
		props:        props,
	}
}

// Get returns a property value, or a context constant bound at Setup
// when name is not a declared property. Unknown names yield nil. The
// returned value is shared with the live bag, not a copy.
func (e *Entity) Get(name string) any {
	if v, ok := e.props[name]; ok {
		return v
	}
	return e.table.context[name]
}

// Properties returns an independent copy of the property bag.
func (e *Entity) Properties() map[string]any {
	return e.table.schema.cloneBag(e.props)
}

// Version returns the schema version of the stored record this instance
// last saw. It can trail the newest configured version until the next
// modify persists the migrated shape.
func (e *Entity) Version() int { return e.version }

// ETag returns the backend ETag this instance last saw.
func (e *Entity) ETag() string { return e.etag }

// PartitionKey returns the physical partition key.
func (e *Entity) PartitionKey() string { return e.partitionKey }

// RowKey returns the physical row key.
func (e *Entity) RowKey() string { return e.rowKey }

// Reload re-reads the stored record and replaces the instance state
// with it. It reports whether the record had changed since this
// instance last saw it, judged by the ETag.
func (e *Entity) Reload(ctx context.Context) (bool, error) {
	rec, err := e.table.client.GetEntity(ctx, e.table.name, e.partitionKey, e.rowKey)
	if err != nil {
		return false, err
	}
	props, err := e.table.deserializeRecord(rec)
	if err != nil {
		return false, err
	}
	changed := rec.ETag() != e.etag
	e.props = props
	e.version = rec.Version()
	e.etag = rec.ETag()
	return changed, nil
}

// Remove deletes the stored record. With ignoreChanges false the delete
// is conditional on the ETag this instance last saw and fails with
// ErrUpdateConflict if the record changed in between; with ignoreChanges
// true it deletes whatever is stored. When ignoreIfNotExists is true a
// vacant address is not an error.
func (e *Entity) Remove(ctx context.Context, ignoreChanges, ignoreIfNotExists bool) error {
	opts := backend.DeleteOptions{ETag: e.etag}
	if ignoreChanges {
		opts.ETag = backend.ETagAny
	}
	err := e.table.client.DeleteEntity(ctx, e.table.name, e.partitionKey, e.rowKey, opts)
	if ignoreIfNotExists && errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	return err
}

// Modify applies fn to the property bag and writes the result back,
// conditional on the stored record not having changed since this
// instance last read it. A lost race reloads the latest record and runs
// fn again, up to maxModifyAttempts times, then gives up with a
// CongestionError carrying every attempted bag.
//
// fn sees the live bag and mutates it in place. It may run several
// times, once per attempt, so it must not carry side effects. Changing
// a key-covered property fails with a KeyViolationError before anything
// is written. When fn leaves every property unchanged, Modify returns
// without touching the backend.
//
// Records still stored under an older schema version are written back
// whole, persisting their migrated shape; current-version records get a
// merge write carrying only the changed properties.
//
// On error the instance is restored: to its pre-modify state for fatal
// errors, or to the freshest stored record seen for a CongestionError.
func (e *Entity) Modify(ctx context.Context, fn func(props map[string]any) error) error {
	t := e.table
	original := t.schema.cloneBag(e.props)
	var attempts []map[string]any

	for attempt := 1; attempt <= maxModifyAttempts; attempt++ {
		baseline := t.schema.cloneBag(e.props)
		baselineETag, baselineVersion := e.etag, e.version
		restore := func() {
			e.props = baseline
			e.etag = baselineETag
			e.version = baselineVersion
		}

		if err := fn(e.props); err != nil {
			restore()
			return err
		}
		for name := range e.props {
			if _, ok := t.schema.properties[name]; !ok {
				restore()
				return configErrorf("unknown property %q", name)
			}
		}

		pk, rk, err := t.deriveKeys(e.props)
		if err != nil {
			restore()
			return err
		}
		if pk != e.partitionKey {
			restore()
			return &KeyViolationError{Table: t.name, Component: "partition", Before: e.partitionKey, After: pk}
		}
		if rk != e.rowKey {
			restore()
			return &KeyViolationError{Table: t.name, Component: "row", Before: e.rowKey, After: rk}
		}

		changed := make(map[string]bool)
		for name, typ := range t.schema.properties {
			if !typ.Equal(baseline[name], e.props[name]) {
				changed[name] = true
			}
		}
		if len(changed) == 0 {
			return nil
		}

		var rec backend.Record
		opts := backend.UpdateOptions{ETag: baselineETag}
		if e.version == t.schema.version {
			opts.Mode = backend.Merge
			rec, err = t.serializeBag(e.partitionKey, e.rowKey, e.props, changed)
		} else {
			opts.Mode = backend.Replace
			rec, err = t.serializeBag(e.partitionKey, e.rowKey, e.props, nil)
		}
		if err != nil {
			restore()
			return err
		}

		etag, err := t.client.UpdateEntity(ctx, t.name, rec, opts)
		if err == nil {
			e.etag = etag
			e.version = t.schema.version
			return nil
		}
		if !errors.Is(err, backend.ErrPreconditionFailed) {
			restore()
			return err
		}

		attempts = append(attempts, t.schema.cloneBag(e.props))
		restore()
		t.logger.Debug().
			Str("table", t.name).
			Str("partitionKey", e.partitionKey).
			Str("rowKey", e.rowKey).
			Int("attempt", attempt).
			Msg("modify lost a conditional write, reloading")
		if _, err := e.Reload(ctx); err != nil {
			return err
		}
	}

	return &CongestionError{
		Table:        t.name,
		PartitionKey: e.partitionKey,
		RowKey:       e.rowKey,
		Original:     original,
		Attempts:     attempts,
	}
}
