package entity

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jacentio/lattice/backend"
)

// DefaultPageSize is the largest number of records one scan page may
// fetch, and the page size used when ScanOptions.Limit is zero.
const DefaultPageSize = 1000

// Conditions filter a scan. Keys are declared property names; a plain
// value means equality, a Comparison picks another operator. All
// conditions must hold at once.
type Conditions map[string]any

// Comparison pairs a filter operator with the value to compare against.
// Build one with Equal, NotEqual, LessThan, LessOrEqual, GreaterThan or
// GreaterOrEqual.
type Comparison struct {
	op    backend.Op
	value any
}

// Equal matches properties equal to v. Bare condition values mean the
// same thing; this form exists for symmetry.
func Equal(v any) Comparison { return Comparison{op: backend.Equal, value: v} }

// NotEqual matches properties different from v.
func NotEqual(v any) Comparison { return Comparison{op: backend.NotEqual, value: v} }

// LessThan matches properties ordered strictly before v.
func LessThan(v any) Comparison { return Comparison{op: backend.LessThan, value: v} }

// LessOrEqual matches properties ordered at or before v.
func LessOrEqual(v any) Comparison { return Comparison{op: backend.LessOrEqual, value: v} }

// GreaterThan matches properties ordered strictly after v.
func GreaterThan(v any) Comparison { return Comparison{op: backend.GreaterThan, value: v} }

// GreaterOrEqual matches properties ordered at or after v.
func GreaterOrEqual(v any) Comparison { return Comparison{op: backend.GreaterOrEqual, value: v} }

// MatchLevel states how strongly a scan pins one of the two keys.
type MatchLevel int

const (
	// MatchNone leaves the key unconstrained.
	MatchNone MatchLevel = iota

	// MatchExact derives the exact physical key from equality
	// conditions on every property the key covers, and restricts the
	// scan to that key. The consumed conditions are not re-checked
	// against individual records.
	MatchExact

	// MatchPartial is reserved for prefix matching on composite keys.
	// It is not implemented and is rejected.
	MatchPartial
)

// ScanOptions control paging and key matching for Scan and Query.
type ScanOptions struct {
	// MatchPartition and MatchRow pin the physical keys. Query forces
	// MatchPartition to MatchExact.
	MatchPartition MatchLevel
	MatchRow       MatchLevel

	// Limit caps the records fetched per page, at most DefaultPageSize.
	// Zero means DefaultPageSize. Filtered pages may come back short,
	// or even empty, without the scan being done.
	Limit int

	// Continuation resumes a scan from the token a previous page
	// returned. Empty starts from the beginning.
	Continuation string

	// Handler switches Scan to streaming: instead of returning one
	// page, Scan walks every page and passes each matching entity to
	// Handler, running up to Limit handlers concurrently and finishing
	// a page before fetching the next. A Handler error stops the scan.
	Handler func(ctx context.Context, e *Entity) error
}

// ScanResult is one page of matching entities.
type ScanResult struct {
	// Entries holds the matches of this page, in key order.
	Entries []*Entity

	// Continuation resumes the scan after this page. It is empty once
	// the scan is complete; a non-empty token with no entries just
	// means this page's records were all filtered out.
	Continuation string
}

// ContinuationTokenPattern matches well-formed continuation tokens, for
// callers that pass tokens through public APIs and want to reject junk
// before starting a scan.
var ContinuationTokenPattern = regexp.MustCompile(`^[0-9a-zA-Z!*'().~_%-]*~[0-9a-zA-Z!*'().~_%-]*$`)

// Scan pages through the table returning entities that satisfy all
// conditions. With MatchExact on a key, the scan is restricted to the
// physical key derived from the conditions; everything else is filtered
// per record, pushed down to the backend where it can. With a Handler
// set, Scan streams every page through it and returns a nil result.
func (t *Table) Scan(ctx context.Context, conditions Conditions, opts ScanOptions) (*ScanResult, error) {
	plan, err := t.compileScan(conditions, opts)
	if err != nil {
		return nil, err
	}
	if opts.Continuation != "" {
		if plan.nextPK, plan.nextRK, err = decodeContinuation(opts.Continuation); err != nil {
			return nil, err
		}
	}
	if opts.Handler != nil {
		return nil, t.scanStream(ctx, plan, opts.Handler)
	}
	return t.scanPage(ctx, plan)
}

// Query is Scan restricted to a single partition: MatchPartition is
// forced to MatchExact, so the conditions must pin every property the
// partition key covers.
func (t *Table) Query(ctx context.Context, conditions Conditions, opts ScanOptions) (*ScanResult, error) {
	opts.MatchPartition = MatchExact
	return t.Scan(ctx, conditions, opts)
}

type scanPlan struct {
	filter []backend.Condition
	limit  int
	nextPK string
	nextRK string
}

func (t *Table) scanPage(ctx context.Context, plan *scanPlan) (*ScanResult, error) {
	res, err := t.client.QueryEntities(ctx, t.name, backend.Query{
		Filter:           plan.filter,
		Top:              plan.limit,
		NextPartitionKey: plan.nextPK,
		NextRowKey:       plan.nextRK,
	})
	if err != nil {
		return nil, err
	}
	entries := make([]*Entity, 0, len(res.Records))
	for _, rec := range res.Records {
		ent, err := t.entityFromRecord(rec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ent)
	}
	out := &ScanResult{Entries: entries}
	if res.More() {
		out.Continuation = encodeContinuation(res.NextPartitionKey, res.NextRowKey)
	}
	return out, nil
}

func (t *Table) scanStream(ctx context.Context, plan *scanPlan, handler func(context.Context, *Entity) error) error {
	for {
		res, err := t.client.QueryEntities(ctx, t.name, backend.Query{
			Filter:           plan.filter,
			Top:              plan.limit,
			NextPartitionKey: plan.nextPK,
			NextRowKey:       plan.nextRK,
		})
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(plan.limit)
		for _, rec := range res.Records {
			rec := rec
			g.Go(func() error {
				ent, err := t.entityFromRecord(rec)
				if err != nil {
					return err
				}
				return handler(gctx, ent)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if !res.More() {
			return nil
		}
		plan.nextPK, plan.nextRK = res.NextPartitionKey, res.NextRowKey
	}
}

type parsedCond struct {
	op    backend.Op
	value any
}

func (t *Table) compileScan(conditions Conditions, opts ScanOptions) (*scanPlan, error) {
	if err := checkMatchLevel(opts.MatchPartition, "partition"); err != nil {
		return nil, err
	}
	if err := checkMatchLevel(opts.MatchRow, "row"); err != nil {
		return nil, err
	}

	plan := &scanPlan{limit: opts.Limit}
	if plan.limit <= 0 || plan.limit > DefaultPageSize {
		plan.limit = DefaultPageSize
	}

	parsed := make(map[string]parsedCond, len(conditions))
	for name, raw := range conditions {
		if _, ok := t.schema.properties[name]; !ok {
			return nil, configErrorf("unknown property %q in conditions", name)
		}
		if c, ok := raw.(Comparison); ok {
			parsed[name] = parsedCond{op: c.op, value: c.value}
		} else {
			parsed[name] = parsedCond{op: backend.Equal, value: raw}
		}
	}

	consumed := make(map[string]bool)
	if opts.MatchPartition == MatchExact {
		pk, err := t.exactKeyFrom(t.schema.partitionBuilder, t.schema.partitionKey, parsed, consumed, "partition")
		if err != nil {
			return nil, err
		}
		plan.filter = append(plan.filter, backend.Condition{
			Column: backend.PartitionKeyColumn, Op: backend.Equal, Value: pk,
		})
	}
	if opts.MatchRow == MatchExact {
		rk, err := t.exactKeyFrom(t.schema.rowBuilder, t.schema.rowKey, parsed, consumed, "row")
		if err != nil {
			return nil, err
		}
		plan.filter = append(plan.filter, backend.Condition{
			Column: backend.RowKeyColumn, Op: backend.Equal, Value: rk,
		})
	}

	names := make([]string, 0, len(parsed))
	for name := range parsed {
		if !consumed[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		c := parsed[name]
		fv, err := t.schema.properties[name].FilterValue(c.value)
		if err != nil {
			return nil, err
		}
		if _, isBool := fv.(bool); isBool && c.op != backend.Equal && c.op != backend.NotEqual {
			return nil, configErrorf("boolean conditions support only equality, property %q", name)
		}
		plan.filter = append(plan.filter, backend.Condition{Column: name, Op: c.op, Value: fv})
	}
	return plan, nil
}

// exactKeyFrom derives a physical key from equality conditions on the
// key's covered properties, marking those conditions consumed so they
// are left out of the residual filter.
func (t *Table) exactKeyFrom(builder KeyBuilder, bound boundKey, parsed map[string]parsedCond, consumed map[string]bool, which string) (string, error) {
	bag := make(map[string]any)
	for _, name := range builder.Covers() {
		c, ok := parsed[name]
		if !ok || c.op != backend.Equal {
			return "", configErrorf("exact %s key match needs an equality condition on %q", which, name)
		}
		bag[name] = c.value
		consumed[name] = true
	}
	return bound.exact(bag)
}

func checkMatchLevel(level MatchLevel, which string) error {
	switch level {
	case MatchNone, MatchExact:
		return nil
	case MatchPartial:
		return configErrorf("partial %s key matching is not implemented", which)
	default:
		return configErrorf("invalid %s match level %d", which, level)
	}
}

// Continuation tokens carry the resume point as two escaped key strings
// joined by a tilde. The escaping keeps the tilde out of the components,
// so the first tilde always splits the token.
const tokenSafe = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ!*'()._-"

func encodeContinuation(pk, rk string) string {
	return tokenEscape(pk) + "~" + tokenEscape(rk)
}

func decodeContinuation(token string) (string, string, error) {
	if !ContinuationTokenPattern.MatchString(token) {
		return "", "", configErrorf("malformed continuation token %q", token)
	}
	i := strings.IndexByte(token, '~')
	pk, err := tokenUnescape(token[:i])
	if err != nil {
		return "", "", configErrorf("malformed continuation token %q: %v", token, err)
	}
	rk, err := tokenUnescape(token[i+1:])
	if err != nil {
		return "", "", configErrorf("malformed continuation token %q: %v", token, err)
	}
	return pk, rk, nil
}

func tokenEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(tokenSafe, c) >= 0 {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteByte(hexUpper[c>>4])
			b.WriteByte(hexUpper[c&0xF])
		}
	}
	return b.String()
}

func tokenUnescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape at offset %d", i)
		}
		hi := hexValue(s[i+1])
		lo := hexValue(s[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("invalid escape at offset %d", i)
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}

const hexUpper = "0123456789ABCDEF"

func hexValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	}
	return -1
}
