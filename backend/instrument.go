package backend

import (
	"context"
	"time"

	"github.com/jacentio/lattice/monitor"
)

// Instrument wraps next so that every call reports to mon under the
// series "<operation>.<success|error>": one count and one duration
// sample in milliseconds.
func Instrument(next Client, mon monitor.Monitor) Client {
	return &instrumented{next: next, mon: mon}
}

type instrumented struct {
	next Client
	mon  monitor.Monitor
}

func (c *instrumented) report(op string, start time.Time, err error) {
	outcome := ".success"
	if err != nil {
		outcome = ".error"
	}
	name := op + outcome
	c.mon.Count(name, 1)
	c.mon.Measure(name, float64(time.Since(start))/float64(time.Millisecond))
}

func (c *instrumented) CreateTable(ctx context.Context, table string) error {
	start := time.Now()
	err := c.next.CreateTable(ctx, table)
	c.report("createTable", start, err)
	return err
}

func (c *instrumented) DeleteTable(ctx context.Context, table string) error {
	start := time.Now()
	err := c.next.DeleteTable(ctx, table)
	c.report("deleteTable", start, err)
	return err
}

func (c *instrumented) GetEntity(ctx context.Context, table, partitionKey, rowKey string) (Record, error) {
	start := time.Now()
	rec, err := c.next.GetEntity(ctx, table, partitionKey, rowKey)
	c.report("getEntity", start, err)
	return rec, err
}

func (c *instrumented) InsertEntity(ctx context.Context, table string, rec Record) (string, error) {
	start := time.Now()
	etag, err := c.next.InsertEntity(ctx, table, rec)
	c.report("insertEntity", start, err)
	return etag, err
}

func (c *instrumented) UpdateEntity(ctx context.Context, table string, rec Record, opts UpdateOptions) (string, error) {
	start := time.Now()
	etag, err := c.next.UpdateEntity(ctx, table, rec, opts)
	c.report("updateEntity", start, err)
	return etag, err
}

func (c *instrumented) DeleteEntity(ctx context.Context, table, partitionKey, rowKey string, opts DeleteOptions) error {
	start := time.Now()
	err := c.next.DeleteEntity(ctx, table, partitionKey, rowKey, opts)
	c.report("deleteEntity", start, err)
	return err
}

func (c *instrumented) QueryEntities(ctx context.Context, table string, q Query) (QueryResult, error) {
	start := time.Now()
	res, err := c.next.QueryEntities(ctx, table, q)
	c.report("queryEntities", start, err)
	return res, err
}
