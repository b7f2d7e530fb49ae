// Package memory implements the storage contract in process memory.
//
// It mirrors the semantics of backend/dynamo closely enough that code
// written against one runs unchanged against the other: conditional
// writes, classified errors, (PartitionKey, RowKey) ordering and
// strictly-after paging all behave the same. A [Store] can back several
// [Client] values at once to exercise concurrent writers in tests.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jacentio/lattice/backend"
)

// defaultPageSize caps query pages when the caller doesn't.
const defaultPageSize = 1000

type row struct {
	rec  backend.Record
	etag string
}

// Store holds the shared state behind one or more Clients.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string]map[string]row // table → partition → row
	lastTS int64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{tables: make(map[string]map[string]map[string]row)}
}

// nextTimestamp returns a strictly increasing Unix millisecond clock.
// Callers must hold mu for writing.
func (s *Store) nextTimestamp() float64 {
	now := time.Now().UnixMilli()
	if now <= s.lastTS {
		now = s.lastTS + 1
	}
	s.lastTS = now
	return float64(now)
}

// Client implements the storage contract against a Store.
type Client struct {
	store *Store
}

var _ backend.Client = (*Client)(nil)

// NewClient returns a Client over store. Clients sharing a store see
// each other's writes immediately.
func NewClient(store *Store) *Client {
	return &Client{store: store}
}

func (c *Client) CreateTable(ctx context.Context, table string) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[table]; !ok {
		s.tables[table] = make(map[string]map[string]row)
	}
	return nil
}

func (c *Client) DeleteTable(ctx context.Context, table string) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[table]; !ok {
		return fmt.Errorf("table %q: %w", table, backend.ErrNotFound)
	}
	delete(s.tables, table)
	return nil
}

func (c *Client) GetEntity(ctx context.Context, table, partitionKey, rowKey string) (backend.Record, error) {
	s := c.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("table %q: %w", table, backend.ErrNotFound)
	}
	r, ok := t[partitionKey][rowKey]
	if !ok {
		return nil, fmt.Errorf("entity %s/%s: %w", partitionKey, rowKey, backend.ErrNotFound)
	}
	return withETag(r), nil
}

func (c *Client) InsertEntity(ctx context.Context, table string, rec backend.Record) (string, error) {
	pk, rk := rec.PartitionKey(), rec.RowKey()
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return "", fmt.Errorf("table %q: %w", table, backend.ErrNotFound)
	}
	if _, ok := t[pk][rk]; ok {
		return "", fmt.Errorf("entity %s/%s: %w", pk, rk, backend.ErrAlreadyExists)
	}
	return s.put(t, rec), nil
}

func (c *Client) UpdateEntity(ctx context.Context, table string, rec backend.Record, opts backend.UpdateOptions) (string, error) {
	pk, rk := rec.PartitionKey(), rec.RowKey()
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return "", fmt.Errorf("table %q: %w", table, backend.ErrNotFound)
	}

	stored, exists := t[pk][rk]
	switch {
	case opts.ETag == "":
		// unconditional upsert
	case !exists:
		return "", fmt.Errorf("entity %s/%s: %w", pk, rk, backend.ErrNotFound)
	case opts.ETag != backend.ETagAny && opts.ETag != stored.etag:
		return "", fmt.Errorf("entity %s/%s: %w", pk, rk, backend.ErrPreconditionFailed)
	}

	if opts.Mode == backend.Merge && exists {
		merged := stored.rec.Clone()
		for k, v := range rec {
			merged[k] = v
		}
		rec = merged
	}
	return s.put(t, rec), nil
}

func (c *Client) DeleteEntity(ctx context.Context, table, partitionKey, rowKey string, opts backend.DeleteOptions) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("table %q: %w", table, backend.ErrNotFound)
	}
	stored, ok := t[partitionKey][rowKey]
	if !ok {
		return fmt.Errorf("entity %s/%s: %w", partitionKey, rowKey, backend.ErrNotFound)
	}
	if opts.ETag != "" && opts.ETag != backend.ETagAny && opts.ETag != stored.etag {
		return fmt.Errorf("entity %s/%s: %w", partitionKey, rowKey, backend.ErrPreconditionFailed)
	}

	delete(t[partitionKey], rowKey)
	if len(t[partitionKey]) == 0 {
		delete(t, partitionKey)
	}
	return nil
}

func (c *Client) QueryEntities(ctx context.Context, table string, q backend.Query) (backend.QueryResult, error) {
	s := c.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[table]
	if !ok {
		return backend.QueryResult{}, fmt.Errorf("table %q: %w", table, backend.ErrNotFound)
	}

	var matched []row
	for _, pk := range sortedKeys(t) {
		partition := t[pk]
		for _, rk := range sortedKeys(partition) {
			if !after(pk, rk, q.NextPartitionKey, q.NextRowKey) {
				continue
			}
			r := partition[rk]
			if backend.MatchesAll(r.rec, q.Filter) {
				matched = append(matched, r)
			}
		}
	}

	top := q.Top
	if top <= 0 {
		top = defaultPageSize
	}

	res := backend.QueryResult{}
	for i, r := range matched {
		if i == top {
			last := res.Records[len(res.Records)-1]
			res.NextPartitionKey = last.PartitionKey()
			res.NextRowKey = last.RowKey()
			break
		}
		res.Records = append(res.Records, withETag(r))
	}
	return res, nil
}

// put stores a deep copy of rec with a fresh Timestamp and returns the
// new content-derived ETag. Callers must hold mu for writing.
func (s *Store) put(t map[string]map[string]row, rec backend.Record) string {
	stored := rec.Clone()
	delete(stored, backend.ETagColumn)
	stored[backend.TimestampColumn] = s.nextTimestamp()

	pk, rk := stored.PartitionKey(), stored.RowKey()
	if t[pk] == nil {
		t[pk] = make(map[string]row)
	}
	etag := computeETag(stored)
	t[pk][rk] = row{rec: stored, etag: etag}
	return etag
}

// withETag returns a deep copy of the stored record with its ETag cell
// attached.
func withETag(r row) backend.Record {
	rec := r.rec.Clone()
	rec[backend.ETagColumn] = r.etag
	return rec
}

// computeETag hashes the canonical serialization of a record. Every
// write refreshes the Timestamp cell, so successive states of one
// address never share an ETag.
func computeETag(rec backend.Record) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	var prefix [8]byte
	field := func(tag byte, b []byte) {
		h.Write([]byte{tag})
		binary.BigEndian.PutUint64(prefix[:], uint64(len(b)))
		h.Write(prefix[:])
		h.Write(b)
	}
	for _, k := range keys {
		field('k', []byte(k))
		switch v := rec[k].(type) {
		case string:
			field('s', []byte(v))
		case float64:
			field('f', []byte(strconv.FormatFloat(v, 'g', -1, 64)))
		case bool:
			field('b', []byte(strconv.FormatBool(v)))
		case []byte:
			field('x', v)
		default:
			field('?', []byte(fmt.Sprintf("%v", v)))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// after reports whether (pk, rk) sorts strictly after the resume pair.
func after(pk, rk, nextPK, nextRK string) bool {
	if nextPK == "" && nextRK == "" {
		return true
	}
	if pk != nextPK {
		return pk > nextPK
	}
	return rk > nextRK
}
