package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jacentio/lattice/backend"
	"github.com/jacentio/lattice/internal/seal"
	"github.com/jacentio/lattice/monitor"
)

// SetupOptions bind a schema to a concrete backend table.
type SetupOptions struct {
	// Client is the storage backend the table runs on.
	Client backend.Client

	// TableName is the backend table holding the entities.
	TableName string

	// Context provides a value for every name the schema declares in
	// Options.Context. The values are exposed read-only through
	// Entity.Get.
	Context map[string]any

	// CryptoKey is the 32 byte AES-256 key sealing encrypted properties.
	// Required exactly when some schema version declares one.
	CryptoKey []byte

	// SigningKey is the HMAC key for record signatures. Required exactly
	// when some schema version enables signing.
	SigningKey []byte

	// Monitor receives a count and a duration for every backend call.
	// Defaults to the no-op monitor.
	Monitor monitor.Monitor

	// Logger logs modify retries and lazy migrations at debug level.
	// Defaults to a disabled logger.
	Logger *zerolog.Logger
}

// Table is a schema bound to a backend table. All methods are safe for
// concurrent use.
type Table struct {
	schema     *Schema
	client     backend.Client
	name       string
	context    map[string]any
	cryptoKey  []byte
	signingKey []byte
	logger     zerolog.Logger
}

// Setup binds the schema chain to a backend table and validates that the
// options carry everything the chain requires: a context value for every
// declared context name, a crypto key exactly when encrypted properties
// exist, and a signing key exactly when some version signs.
func (s *Schema) Setup(opts SetupOptions) (*Table, error) {
	if opts.Client == nil {
		return nil, configErrorf("setup needs a backend client")
	}
	if opts.TableName == "" {
		return nil, configErrorf("setup needs a table name")
	}

	for _, name := range s.context {
		if v, ok := opts.Context[name]; !ok || v == nil {
			return nil, configErrorf("setup is missing a value for context name %q", name)
		}
	}
	for name := range opts.Context {
		declared := false
		for _, want := range s.context {
			if want == name {
				declared = true
				break
			}
		}
		if !declared {
			return nil, configErrorf("setup provides undeclared context name %q", name)
		}
	}

	if s.anyEncrypted {
		if len(opts.CryptoKey) != seal.KeySize {
			return nil, configErrorf("schema has encrypted properties, setup needs a %d byte crypto key, got %d bytes",
				seal.KeySize, len(opts.CryptoKey))
		}
	} else if len(opts.CryptoKey) != 0 {
		return nil, configErrorf("schema has no encrypted properties, setup must not carry a crypto key")
	}
	if s.everSigned {
		if len(opts.SigningKey) == 0 {
			return nil, configErrorf("schema signs records, setup needs a signing key")
		}
	} else if len(opts.SigningKey) != 0 {
		return nil, configErrorf("schema never signs records, setup must not carry a signing key")
	}

	mon := opts.Monitor
	if mon == nil {
		mon = monitor.Nop{}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	ctxValues := make(map[string]any, len(opts.Context))
	for name, v := range opts.Context {
		ctxValues[name] = v
	}

	return &Table{
		schema:     s,
		client:     backend.Instrument(opts.Client, mon),
		name:       opts.TableName,
		context:    ctxValues,
		cryptoKey:  append([]byte(nil), opts.CryptoKey...),
		signingKey: append([]byte(nil), opts.SigningKey...),
		logger:     logger,
	}, nil
}

// Name returns the backing table name.
func (t *Table) Name() string { return t.name }

// Schema returns the schema chain the table was set up with.
func (t *Table) Schema() *Schema { return t.schema }

// Context returns a copy of the context values the table was set up
// with.
func (t *Table) Context() map[string]any {
	out := make(map[string]any, len(t.context))
	for k, v := range t.context {
		out[k] = v
	}
	return out
}

// EnsureTable creates the backing table if it does not already exist.
func (t *Table) EnsureTable(ctx context.Context) error {
	return t.client.CreateTable(ctx, t.name)
}

// RemoveTable deletes the backing table and every record in it.
func (t *Table) RemoveTable(ctx context.Context) error {
	return t.client.DeleteTable(ctx, t.name)
}

// Create writes a new entity from a full property bag. The bag must hold
// a value for every declared property and nothing else. With overwrite
// false an occupied address fails with ErrEntityAlreadyExists; with
// overwrite true whatever is stored there is replaced.
func (t *Table) Create(ctx context.Context, props map[string]any, overwrite bool) (*Entity, error) {
	if err := t.checkCreateBag(props); err != nil {
		return nil, err
	}
	pk, rk, err := t.deriveKeys(props)
	if err != nil {
		return nil, err
	}
	rec, err := t.serializeBag(pk, rk, props, nil)
	if err != nil {
		return nil, err
	}

	var etag string
	if overwrite {
		etag, err = t.client.UpdateEntity(ctx, t.name, rec, backend.UpdateOptions{Mode: backend.Replace})
	} else {
		etag, err = t.client.InsertEntity(ctx, t.name, rec)
	}
	if err != nil {
		return nil, err
	}
	return t.newEntity(pk, rk, t.schema.version, etag, t.schema.cloneBag(props)), nil
}

// Load reads the entity at the keys derived from the given properties.
// Only key-covered properties are consulted, so a partial bag is fine.
// When ignoreIfNotExists is true a vacant address yields (nil, nil)
// instead of ErrNoSuchEntity.
func (t *Table) Load(ctx context.Context, props map[string]any, ignoreIfNotExists bool) (*Entity, error) {
	pk, rk, err := t.deriveKeys(props)
	if err != nil {
		return nil, err
	}
	rec, err := t.client.GetEntity(ctx, t.name, pk, rk)
	if err != nil {
		if ignoreIfNotExists && errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return t.entityFromRecord(rec)
}

// Remove deletes the record at the keys derived from the given
// properties, regardless of its content. When ignoreIfNotExists is true
// a vacant address is not an error.
func (t *Table) Remove(ctx context.Context, props map[string]any, ignoreIfNotExists bool) error {
	pk, rk, err := t.deriveKeys(props)
	if err != nil {
		return err
	}
	err = t.client.DeleteEntity(ctx, t.name, pk, rk, backend.DeleteOptions{})
	if ignoreIfNotExists && errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	return err
}

func (t *Table) deriveKeys(props map[string]any) (string, string, error) {
	pk, err := t.schema.partitionKey.exact(props)
	if err != nil {
		return "", "", err
	}
	rk, err := t.schema.rowKey.exact(props)
	if err != nil {
		return "", "", err
	}
	return pk, rk, nil
}

func (t *Table) checkCreateBag(props map[string]any) error {
	for name := range props {
		if _, ok := t.schema.properties[name]; !ok {
			return configErrorf("unknown property %q", name)
		}
	}
	for name := range t.schema.properties {
		if v, ok := props[name]; !ok || v == nil {
			return configErrorf("property %q is required", name)
		}
	}
	return nil
}

// serializeBag builds the stored record for a bag under the current
// schema version. With only non-nil, just the named properties get
// cells; the signature still covers the full bag, as do the key and
// version cells, so a merge write leaves the record consistent.
func (t *Table) serializeBag(pk, rk string, props map[string]any, only map[string]bool) (backend.Record, error) {
	s := t.schema
	rec := backend.Record{
		backend.PartitionKeyColumn: pk,
		backend.RowKeyColumn:       rk,
		backend.VersionColumn:      float64(s.version),
	}
	for name, typ := range s.properties {
		if only != nil && !only[name] {
			continue
		}
		v, ok := props[name]
		if !ok || v == nil {
			return nil, fmt.Errorf("lattice: property %q is missing", name)
		}
		if err := typ.Serialize(rec, name, v, t.cryptoKey); err != nil {
			return nil, err
		}
	}
	if s.signed {
		sig, err := s.signBag(t.signingKey, pk, rk, props)
		if err != nil {
			return nil, err
		}
		rec[backend.SignatureColumn] = sig
	}
	return rec, nil
}

// deserializeRecord decodes a stored record into a current-version
// property bag. The record's own version selects the property set to
// decode with; its signature, when that version signs, is verified
// before anything else happens; then any pending migrations run in
// order. The store is not rewritten, migrated values persist on the
// record's next modify.
func (t *Table) deserializeRecord(rec backend.Record) (map[string]any, error) {
	version := rec.Version()
	stored, ok := t.schema.schemaAt(version)
	if !ok {
		return nil, fmt.Errorf("lattice: record in %s has unknown schema version %d, newest known is %d",
			t.name, version, t.schema.version)
	}

	props := make(map[string]any, len(stored.properties))
	for name, typ := range stored.properties {
		v, err := typ.Deserialize(rec, name, t.cryptoKey)
		if err != nil {
			return nil, err
		}
		props[name] = v
	}

	if stored.signed {
		sig, _ := rec[backend.SignatureColumn].([]byte)
		if len(sig) == 0 {
			return nil, &SignatureInvalidError{
				Table:        t.name,
				PartitionKey: rec.PartitionKey(),
				RowKey:       rec.RowKey(),
			}
		}
		valid, err := stored.verifyBag(t.signingKey, rec.PartitionKey(), rec.RowKey(), props, sig)
		if err != nil {
			return nil, err
		}
		if !valid {
			return nil, &SignatureInvalidError{
				Table:        t.name,
				PartitionKey: rec.PartitionKey(),
				RowKey:       rec.RowKey(),
			}
		}
	}

	for v := version + 1; v <= t.schema.version; v++ {
		next, _ := t.schema.schemaAt(v)
		migrated, err := next.migrate(props)
		if err != nil {
			return nil, fmt.Errorf("lattice: migrating record in %s to version %d: %w", t.name, v, err)
		}
		if migrated == nil {
			return nil, fmt.Errorf("lattice: migration to version %d returned no properties", v)
		}
		props = migrated
	}
	if version < t.schema.version {
		t.logger.Debug().
			Str("table", t.name).
			Str("partitionKey", rec.PartitionKey()).
			Str("rowKey", rec.RowKey()).
			Int("from", version).
			Int("to", t.schema.version).
			Msg("migrated record on read")
	}
	return props, nil
}

func (t *Table) entityFromRecord(rec backend.Record) (*Entity, error) {
	props, err := t.deserializeRecord(rec)
	if err != nil {
		return nil, err
	}
	return t.newEntity(rec.PartitionKey(), rec.RowKey(), rec.Version(), rec.ETag(), props), nil
}
