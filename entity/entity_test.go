package entity_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jacentio/lattice/backend"
	"github.com/jacentio/lattice/backend/memory"
	"github.com/jacentio/lattice/entity"
)

// countingClient wraps a backend client, counting data calls and
// capturing the last update so tests can assert on write shape.
type countingClient struct {
	backend.Client
	gets, inserts, updates, deletes int

	lastUpdateRec  backend.Record
	lastUpdateOpts backend.UpdateOptions

	// updateErr, when set, fails every UpdateEntity with it.
	updateErr error
}

func (c *countingClient) GetEntity(ctx context.Context, table, pk, rk string) (backend.Record, error) {
	c.gets++
	return c.Client.GetEntity(ctx, table, pk, rk)
}

func (c *countingClient) InsertEntity(ctx context.Context, table string, rec backend.Record) (string, error) {
	c.inserts++
	return c.Client.InsertEntity(ctx, table, rec)
}

func (c *countingClient) UpdateEntity(ctx context.Context, table string, rec backend.Record, opts backend.UpdateOptions) (string, error) {
	c.updates++
	c.lastUpdateRec = rec
	c.lastUpdateOpts = opts
	if c.updateErr != nil {
		return "", c.updateErr
	}
	return c.Client.UpdateEntity(ctx, table, rec, opts)
}

func (c *countingClient) DeleteEntity(ctx context.Context, table, pk, rk string, opts backend.DeleteOptions) error {
	c.deletes++
	return c.Client.DeleteEntity(ctx, table, pk, rk, opts)
}

func newCountingTable(t *testing.T) (*entity.Table, *countingClient) {
	t.Helper()
	counting := &countingClient{Client: memory.NewClient(memory.NewStore())}
	table, err := taskSchema(t).Setup(entity.SetupOptions{
		Client:    counting,
		TableName: "task-runs",
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := table.EnsureTable(context.Background()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	return table, counting
}

// --- Reload Tests ---

func TestReload_DetectsChange(t *testing.T) {
	table, _ := newTaskTable(t)
	ctx := context.Background()
	taskID := entity.NewSlugID()

	if _, err := table.Create(ctx, taskProps(taskID, 0, "pending"), false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	keys := map[string]any{"taskId": taskID, "runId": float64(0)}

	a, err := table.Load(ctx, keys, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b, err := table.Load(ctx, keys, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := a.Modify(ctx, func(props map[string]any) error {
		props["state"] = "running"
		return nil
	}); err != nil {
		t.Fatalf("Modify: %v", err)
	}

	changed, err := b.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !changed {
		t.Error("expected Reload to report a change")
	}
	if b.Get("state") != "running" {
		t.Errorf("expected state running after reload, got %v", b.Get("state"))
	}

	changed, err = b.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if changed {
		t.Error("expected no change on the second reload")
	}
}

func TestReload_DeletedRecord(t *testing.T) {
	table, _ := newTaskTable(t)
	ctx := context.Background()
	taskID := entity.NewSlugID()

	ent, err := table.Create(ctx, taskProps(taskID, 0, "pending"), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := ent.Remove(ctx, false, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := ent.Reload(ctx); !errors.Is(err, entity.ErrNoSuchEntity) {
		t.Fatalf("expected ErrNoSuchEntity, got %v", err)
	}
}

// --- Modify Tests ---

func TestModify_PersistsChanges(t *testing.T) {
	table, _ := newTaskTable(t)
	ctx := context.Background()
	taskID := entity.NewSlugID()

	ent, err := table.Create(ctx, taskProps(taskID, 0, "pending"), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	before := ent.ETag()

	if err := ent.Modify(ctx, func(props map[string]any) error {
		props["state"] = "completed"
		return nil
	}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if ent.ETag() == before {
		t.Error("expected the ETag to advance")
	}
	if ent.Get("state") != "completed" {
		t.Errorf("instance should hold the new state, got %v", ent.Get("state"))
	}

	loaded, err := table.Load(ctx, taskProps(taskID, 0, ""), false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Get("state") != "completed" {
		t.Errorf("store should hold the new state, got %v", loaded.Get("state"))
	}
}

func TestModify_NoOpSkipsBackend(t *testing.T) {
	table, counting := newCountingTable(t)
	ctx := context.Background()

	ent, err := table.Create(ctx, taskProps(entity.NewSlugID(), 0, "pending"), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	before := ent.ETag()
	counting.gets, counting.updates = 0, 0

	if err := ent.Modify(ctx, func(props map[string]any) error {
		props["state"] = "pending" // same value
		return nil
	}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if counting.updates != 0 || counting.gets != 0 {
		t.Errorf("expected zero backend calls, got %d updates and %d gets",
			counting.updates, counting.gets)
	}
	if ent.ETag() != before {
		t.Error("a no-op modify must not change the ETag")
	}
}

func TestModify_MergeCarriesOnlyChangedProperties(t *testing.T) {
	table, counting := newCountingTable(t)
	ctx := context.Background()

	ent, err := table.Create(ctx, taskProps(entity.NewSlugID(), 0, "pending"), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	before := ent.ETag()

	if err := ent.Modify(ctx, func(props map[string]any) error {
		props["state"] = "running"
		return nil
	}); err != nil {
		t.Fatalf("Modify: %v", err)
	}

	if counting.lastUpdateOpts.Mode != backend.Merge {
		t.Errorf("expected a merge write, got %v", counting.lastUpdateOpts.Mode)
	}
	if counting.lastUpdateOpts.ETag != before {
		t.Error("merge must be conditional on the pre-modify ETag")
	}
	if _, ok := counting.lastUpdateRec["state"]; !ok {
		t.Error("changed property missing from the merge record")
	}
	if _, ok := counting.lastUpdateRec["taskId"]; ok {
		t.Error("unchanged property should not be in the merge record")
	}
	if counting.lastUpdateRec.Version() != 1 {
		t.Errorf("merge record must carry the version cell, got %d", counting.lastUpdateRec.Version())
	}
}

func TestModify_RetriesOnConflict(t *testing.T) {
	table, counting := newCountingTable(t)
	ctx := context.Background()
	taskID := entity.NewSlugID()

	if _, err := table.Create(ctx, taskProps(taskID, 0, "pending"), false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	keys := map[string]any{"taskId": taskID, "runId": float64(0)}
	a, err := table.Load(ctx, keys, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b, err := table.Load(ctx, keys, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := a.Modify(ctx, func(props map[string]any) error {
		props["state"] = "claimed"
		return nil
	}); err != nil {
		t.Fatalf("Modify: %v", err)
	}

	var observed []string
	counting.updates = 0
	if err := b.Modify(ctx, func(props map[string]any) error {
		observed = append(observed, props["state"].(string))
		props["state"] = "completed"
		return nil
	}); err != nil {
		t.Fatalf("Modify: %v", err)
	}

	if counting.updates != 2 {
		t.Errorf("expected a failed and a winning write, got %d updates", counting.updates)
	}
	if len(observed) != 2 || observed[0] != "pending" || observed[1] != "claimed" {
		t.Errorf("modifier should have seen the stale then the fresh state, saw %v", observed)
	}

	loaded, err := table.Load(ctx, keys, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Get("state") != "completed" {
		t.Errorf("expected completed, got %v", loaded.Get("state"))
	}
}

func TestModify_CongestionGivesUp(t *testing.T) {
	table, counting := newCountingTable(t)
	ctx := context.Background()

	ent, err := table.Create(ctx, taskProps(entity.NewSlugID(), 0, "pending"), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	counting.updateErr = backend.ErrPreconditionFailed
	counting.gets, counting.updates = 0, 0
	calls := 0
	err = ent.Modify(ctx, func(props map[string]any) error {
		calls++
		props["state"] = "wanted"
		return nil
	})

	var congestion *entity.CongestionError
	if !errors.As(err, &congestion) {
		t.Fatalf("expected CongestionError, got %v", err)
	}
	if calls != 10 || counting.updates != 10 {
		t.Errorf("expected 10 attempts, modifier ran %d times with %d writes", calls, counting.updates)
	}
	if len(congestion.Attempts) != 10 {
		t.Errorf("expected 10 recorded attempts, got %d", len(congestion.Attempts))
	}
	if congestion.Original["state"] != "pending" {
		t.Errorf("expected the original bag to be preserved, got %v", congestion.Original["state"])
	}
	for i, attempt := range congestion.Attempts {
		if attempt["state"] != "wanted" {
			t.Errorf("attempt %d should carry the modified bag, got %v", i, attempt["state"])
		}
	}
	if ent.Get("state") != "pending" {
		t.Errorf("instance should be back at the stored state, got %v", ent.Get("state"))
	}
}

func TestModify_KeyChangeIsFatal(t *testing.T) {
	table, counting := newCountingTable(t)
	ctx := context.Background()

	ent, err := table.Create(ctx, taskProps(entity.NewSlugID(), 0, "pending"), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	counting.updates = 0

	err = ent.Modify(ctx, func(props map[string]any) error {
		props["runId"] = float64(1)
		props["state"] = "sneaky"
		return nil
	})
	var violation *entity.KeyViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected KeyViolationError, got %v", err)
	}
	if violation.Component != "row" {
		t.Errorf("expected the row key to be flagged, got %q", violation.Component)
	}
	if counting.updates != 0 {
		t.Error("a key violation must not reach the backend")
	}
	if ent.Get("runId") != float64(0) || ent.Get("state") != "pending" {
		t.Error("instance should be restored to the pre-modify bag")
	}
}

func TestModify_ModifierErrorPropagates(t *testing.T) {
	table, counting := newCountingTable(t)
	ctx := context.Background()

	ent, err := table.Create(ctx, taskProps(entity.NewSlugID(), 0, "pending"), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	counting.updates = 0

	boom := errors.New("modifier exploded")
	err = ent.Modify(ctx, func(props map[string]any) error {
		props["state"] = "partial"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the modifier error, got %v", err)
	}
	if counting.updates != 0 {
		t.Error("a failed modifier must not reach the backend")
	}
	if ent.Get("state") != "pending" {
		t.Error("instance should be restored to the pre-modify bag")
	}
}

func TestModify_ConcurrentWritersConverge(t *testing.T) {
	schema, err := entity.Configure(entity.Options{
		Version: 1,
		Properties: map[string]entity.Type{
			"name":  entity.String,
			"count": entity.Number,
		},
		PartitionKey: entity.StringKey("name"),
		RowKey:       entity.ConstantKey("counter"),
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	table, err := schema.Setup(entity.SetupOptions{
		Client:    memory.NewClient(memory.NewStore()),
		TableName: "counters",
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	ctx := context.Background()
	if err := table.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if _, err := table.Create(ctx, map[string]any{"name": "hits", "count": float64(0)}, false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ent, err := table.Load(ctx, map[string]any{"name": "hits"}, false)
			if err != nil {
				errs <- err
				return
			}
			errs <- ent.Modify(ctx, func(props map[string]any) error {
				props["count"] = props["count"].(float64) + 1
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent modify: %v", err)
		}
	}

	final, err := table.Load(ctx, map[string]any{"name": "hits"}, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := final.Get("count").(float64); got != writers {
		t.Errorf("expected count %d, got %v", writers, got)
	}
}

// --- Migration Tests ---

func workerSchema(t *testing.T, migrations *[]string) *entity.Schema {
	t.Helper()
	schema := taskSchema(t)
	next, err := schema.Configure(entity.Options{
		Version: 2,
		Properties: map[string]entity.Type{
			"taskId": entity.SlugID,
			"runId":  entity.Number,
			"state":  entity.String,
			"worker": entity.String,
		},
		Migrate: func(old map[string]any) (map[string]any, error) {
			*migrations = append(*migrations, "v2")
			old["worker"] = "unknown"
			return old, nil
		},
	})
	if err != nil {
		t.Fatalf("Configure v2: %v", err)
	}
	return next
}

func TestMigration_LazyOnRead(t *testing.T) {
	client := memory.NewClient(memory.NewStore())
	ctx := context.Background()
	taskID := entity.NewSlugID()

	v1Table, err := taskSchema(t).Setup(entity.SetupOptions{Client: client, TableName: "task-runs"})
	if err != nil {
		t.Fatalf("Setup v1: %v", err)
	}
	if err := v1Table.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if _, err := v1Table.Create(ctx, taskProps(taskID, 0, "pending"), false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var migrations []string
	v2Table, err := workerSchema(t, &migrations).Setup(entity.SetupOptions{Client: client, TableName: "task-runs"})
	if err != nil {
		t.Fatalf("Setup v2: %v", err)
	}

	keys := map[string]any{"taskId": taskID, "runId": float64(0)}
	ent, err := v2Table.Load(ctx, keys, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected one migration run, got %d", len(migrations))
	}
	if ent.Get("worker") != "unknown" {
		t.Errorf("expected the migrated default, got %v", ent.Get("worker"))
	}
	if ent.Version() != 1 {
		t.Errorf("instance should report the stored version 1, got %d", ent.Version())
	}

	// The store itself is untouched until the next modify.
	raw, err := client.GetEntity(ctx, "task-runs", ent.PartitionKey(), ent.RowKey())
	if err != nil {
		t.Fatalf("raw GetEntity: %v", err)
	}
	if raw.Version() != 1 {
		t.Errorf("stored record should still be version 1, got %d", raw.Version())
	}
	if _, ok := raw["worker"]; ok {
		t.Error("stored record should not have the new property yet")
	}

	// Every read of the old record migrates again.
	if _, err := v2Table.Load(ctx, keys, false); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(migrations) != 2 {
		t.Errorf("expected a second migration run, got %d", len(migrations))
	}
}

func TestMigration_PersistedByModify(t *testing.T) {
	client := memory.NewClient(memory.NewStore())
	counting := &countingClient{Client: client}
	ctx := context.Background()
	taskID := entity.NewSlugID()

	v1Table, err := taskSchema(t).Setup(entity.SetupOptions{Client: client, TableName: "task-runs"})
	if err != nil {
		t.Fatalf("Setup v1: %v", err)
	}
	if err := v1Table.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if _, err := v1Table.Create(ctx, taskProps(taskID, 0, "pending"), false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var migrations []string
	v2Table, err := workerSchema(t, &migrations).Setup(entity.SetupOptions{Client: counting, TableName: "task-runs"})
	if err != nil {
		t.Fatalf("Setup v2: %v", err)
	}

	keys := map[string]any{"taskId": taskID, "runId": float64(0)}
	ent, err := v2Table.Load(ctx, keys, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := ent.Modify(ctx, func(props map[string]any) error {
		props["state"] = "running"
		return nil
	}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if counting.lastUpdateOpts.Mode != backend.Replace {
		t.Errorf("a version upgrade must be a full replace, got %v", counting.lastUpdateOpts.Mode)
	}
	if ent.Version() != 2 {
		t.Errorf("instance should be at version 2 after the upgrade, got %d", ent.Version())
	}

	raw, err := client.GetEntity(ctx, "task-runs", ent.PartitionKey(), ent.RowKey())
	if err != nil {
		t.Fatalf("raw GetEntity: %v", err)
	}
	if raw.Version() != 2 {
		t.Errorf("stored record should be version 2, got %d", raw.Version())
	}
	if raw["worker"] != "unknown" {
		t.Errorf("migrated value should be persisted, got %v", raw["worker"])
	}

	// The upgraded record no longer migrates on read.
	runs := len(migrations)
	if _, err := v2Table.Load(ctx, keys, false); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(migrations) != runs {
		t.Error("an upgraded record must not migrate again")
	}
}

func TestMigration_ChainRunsInOrder(t *testing.T) {
	client := memory.NewClient(memory.NewStore())
	ctx := context.Background()
	taskID := entity.NewSlugID()

	v1Table, err := taskSchema(t).Setup(entity.SetupOptions{Client: client, TableName: "task-runs"})
	if err != nil {
		t.Fatalf("Setup v1: %v", err)
	}
	if err := v1Table.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if _, err := v1Table.Create(ctx, taskProps(taskID, 0, "pending"), false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var migrations []string
	v3Schema, err := workerSchema(t, &migrations).Configure(entity.Options{
		Version: 3,
		Properties: map[string]entity.Type{
			"taskId":   entity.SlugID,
			"runId":    entity.Number,
			"state":    entity.String,
			"worker":   entity.String,
			"attempts": entity.Number,
		},
		Migrate: func(old map[string]any) (map[string]any, error) {
			migrations = append(migrations, "v3")
			old["attempts"] = float64(0)
			return old, nil
		},
	})
	if err != nil {
		t.Fatalf("Configure v3: %v", err)
	}
	v3Table, err := v3Schema.Setup(entity.SetupOptions{Client: client, TableName: "task-runs"})
	if err != nil {
		t.Fatalf("Setup v3: %v", err)
	}

	ent, err := v3Table.Load(ctx, map[string]any{"taskId": taskID, "runId": float64(0)}, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(migrations) != 2 || migrations[0] != "v2" || migrations[1] != "v3" {
		t.Errorf("expected migrations [v2 v3], got %v", migrations)
	}
	if ent.Get("worker") != "unknown" || ent.Get("attempts") != float64(0) {
		t.Error("both migrations should have applied")
	}
}
