//go:build e2e

// Package e2e contains end-to-end integration tests using real DynamoDB tables.
// Run with: go test -tags=e2e -v ./e2e/...
//
// Credentials come from the ambient AWS configuration (environment,
// shared config files, instance roles).
package e2e

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/jacentio/lattice/backend"
	"github.com/jacentio/lattice/backend/dynamo"
	"github.com/jacentio/lattice/entity"
	"github.com/jacentio/lattice/internal/seal"
)

// Table name - unique per test run to avoid conflicts
const tablePrefix = "lattice-e2e-test"

var (
	testID    string
	tableName string

	client *dynamo.Client
	table  *entity.Table

	cryptoKey  = bytes.Repeat([]byte{0x2a}, seal.KeySize)
	signingKey = []byte("lattice-e2e-signing-key")
)

func deploySchema() (*entity.Schema, error) {
	return entity.Configure(entity.Options{
		Version: 1,
		Properties: map[string]entity.Type{
			"project": entity.String,
			"seq":     entity.Number,
			"state":   entity.String,
			"payload": entity.JSON,
			"token":   entity.EncryptedText,
		},
		PartitionKey: entity.StringKey("project"),
		RowKey:       entity.AscendingIntegerKey("seq"),
		Context:      []string{"env"},
		Signed:       entity.SigningEnabled,
	})
}

// --- Test Setup & Teardown ---

func TestMain(m *testing.M) {
	testID = uuid.New().String()[:8]
	tableName = fmt.Sprintf("%s-%s", tablePrefix, testID)

	fmt.Printf("Test ID: %s\n", testID)
	fmt.Printf("Table: %s\n", tableName)

	ctx := context.Background()
	var err error
	client, err = dynamo.NewFromEnv(ctx, dynamo.DefaultConfig())
	if err != nil {
		fmt.Printf("Failed to load AWS config: %v\n", err)
		os.Exit(1)
	}

	schema, err := deploySchema()
	if err != nil {
		fmt.Printf("Failed to configure schema: %v\n", err)
		os.Exit(1)
	}
	table, err = schema.Setup(entity.SetupOptions{
		Client:     client,
		TableName:  tableName,
		Context:    map[string]any{"env": "e2e"},
		CryptoKey:  cryptoKey,
		SigningKey: signingKey,
	})
	if err != nil {
		fmt.Printf("Failed to set up table: %v\n", err)
		os.Exit(1)
	}

	if err := table.EnsureTable(ctx); err != nil {
		fmt.Printf("Failed to create table: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := table.RemoveTable(ctx); err != nil {
		fmt.Printf("Warning: failed to delete table %s: %v\n", tableName, err)
	}

	os.Exit(code)
}

func deployProps(project string, seq float64, state string) map[string]any {
	return map[string]any{
		"project": project,
		"seq":     seq,
		"state":   state,
		"payload": map[string]any{"region": "us-east-1", "replicas": float64(3)},
		"token":   "deploy-token-" + project,
	}
}

// --- CRUD Tests ---

func TestCreateLoadModify_RoundTrip(t *testing.T) {
	ctx := context.Background()
	project := "roundtrip-" + testID

	created, err := table.Create(ctx, deployProps(project, 0, "pending"), false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ETag() == "" {
		t.Error("expected a non-empty ETag after create")
	}

	loaded, err := table.Load(ctx, map[string]any{"project": project, "seq": float64(0)}, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Get("state") != "pending" {
		t.Errorf("expected state pending, got %v", loaded.Get("state"))
	}
	if loaded.Get("token") != "deploy-token-"+project {
		t.Errorf("encrypted property did not round trip, got %v", loaded.Get("token"))
	}
	if loaded.Get("env") != "e2e" {
		t.Errorf("expected the context value through Get, got %v", loaded.Get("env"))
	}

	if err := loaded.Modify(ctx, func(props map[string]any) error {
		props["state"] = "active"
		return nil
	}); err != nil {
		t.Fatalf("Modify failed: %v", err)
	}

	reloaded, err := table.Load(ctx, map[string]any{"project": project, "seq": float64(0)}, false)
	if err != nil {
		t.Fatalf("Load after modify failed: %v", err)
	}
	if reloaded.Get("state") != "active" {
		t.Errorf("expected state active, got %v", reloaded.Get("state"))
	}
}

func TestCreate_Duplicate(t *testing.T) {
	ctx := context.Background()
	project := "duplicate-" + testID

	if _, err := table.Create(ctx, deployProps(project, 0, "pending"), false); err != nil {
		t.Fatalf("First create failed: %v", err)
	}
	_, err := table.Create(ctx, deployProps(project, 0, "pending"), false)
	if !errors.Is(err, entity.ErrEntityAlreadyExists) {
		t.Errorf("expected ErrEntityAlreadyExists, got %v", err)
	}
}

func TestLoad_NotFound(t *testing.T) {
	ctx := context.Background()
	_, err := table.Load(ctx, map[string]any{"project": "missing-" + testID, "seq": float64(0)}, false)
	if !errors.Is(err, entity.ErrNoSuchEntity) {
		t.Errorf("expected ErrNoSuchEntity, got %v", err)
	}
}

// --- Concurrency Tests ---

func TestModify_StaleInstanceRetries(t *testing.T) {
	ctx := context.Background()
	project := "stale-" + testID
	keys := map[string]any{"project": project, "seq": float64(0)}

	if _, err := table.Create(ctx, deployProps(project, 0, "pending"), false); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	a, err := table.Load(ctx, keys, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	b, err := table.Load(ctx, keys, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := a.Modify(ctx, func(props map[string]any) error {
		props["state"] = "claimed"
		return nil
	}); err != nil {
		t.Fatalf("Modify failed: %v", err)
	}

	// The stale instance loses the first conditional write and retries
	// against the fresh record.
	var sawStates []string
	if err := b.Modify(ctx, func(props map[string]any) error {
		sawStates = append(sawStates, props["state"].(string))
		props["state"] = "completed"
		return nil
	}); err != nil {
		t.Fatalf("Modify on stale instance failed: %v", err)
	}
	if len(sawStates) != 2 || sawStates[1] != "claimed" {
		t.Errorf("expected the retry to observe the fresh state, saw %v", sawStates)
	}

	final, err := table.Load(ctx, keys, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if final.Get("state") != "completed" {
		t.Errorf("expected state completed, got %v", final.Get("state"))
	}
}

func TestRemove_Conditional(t *testing.T) {
	ctx := context.Background()
	project := "remove-" + testID
	keys := map[string]any{"project": project, "seq": float64(0)}

	if _, err := table.Create(ctx, deployProps(project, 0, "pending"), false); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	stale, err := table.Load(ctx, keys, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	fresh, err := table.Load(ctx, keys, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := fresh.Modify(ctx, func(props map[string]any) error {
		props["state"] = "active"
		return nil
	}); err != nil {
		t.Fatalf("Modify failed: %v", err)
	}

	if err := stale.Remove(ctx, false, false); !errors.Is(err, entity.ErrUpdateConflict) {
		t.Errorf("expected ErrUpdateConflict for a stale remove, got %v", err)
	}
	if err := stale.Remove(ctx, true, false); err != nil {
		t.Errorf("unconditional remove failed: %v", err)
	}
}

// --- Query Tests ---

func TestQuery_PartitionWalk(t *testing.T) {
	ctx := context.Background()
	project := "walk-" + testID

	for seq := 0; seq < 5; seq++ {
		state := "pending"
		if seq%2 == 0 {
			state = "active"
		}
		if _, err := table.Create(ctx, deployProps(project, float64(seq), state), false); err != nil {
			t.Fatalf("Create %d failed: %v", seq, err)
		}
	}

	var seqs []int
	token := ""
	for {
		res, err := table.Query(ctx, entity.Conditions{"project": project}, entity.ScanOptions{
			Limit:        2,
			Continuation: token,
		})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		for _, e := range res.Entries {
			seqs = append(seqs, int(e.Get("seq").(float64)))
		}
		if res.Continuation == "" {
			break
		}
		token = res.Continuation
	}
	if len(seqs) != 5 {
		t.Fatalf("expected 5 records, got %d: %v", len(seqs), seqs)
	}
	for i, seq := range seqs {
		if seq != i {
			t.Errorf("expected ascending row order, got %v", seqs)
			break
		}
	}
}

func TestQuery_FilterPushdown(t *testing.T) {
	ctx := context.Background()
	project := "filter-" + testID

	for seq := 0; seq < 4; seq++ {
		state := "pending"
		if seq >= 2 {
			state = "active"
		}
		if _, err := table.Create(ctx, deployProps(project, float64(seq), state), false); err != nil {
			t.Fatalf("Create %d failed: %v", seq, err)
		}
	}

	res, err := table.Query(ctx, entity.Conditions{
		"project": project,
		"state":   "active",
	}, entity.ScanOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected 2 active records, got %d", len(res.Entries))
	}
	for _, e := range res.Entries {
		if e.Get("state") != "active" {
			t.Errorf("filter leaked a %v record", e.Get("state"))
		}
	}
}

// --- Protection Tests ---

func TestEncrypted_NoPlaintextStored(t *testing.T) {
	ctx := context.Background()
	project := "crypt-" + testID
	secret := "deploy-token-" + project

	ent, err := table.Create(ctx, deployProps(project, 0, "pending"), false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec, err := client.GetEntity(ctx, tableName, ent.PartitionKey(), ent.RowKey())
	if err != nil {
		t.Fatalf("raw GetEntity failed: %v", err)
	}
	for column, cell := range rec {
		switch v := cell.(type) {
		case []byte:
			if bytes.Contains(v, []byte(secret)) {
				t.Errorf("column %q holds the plaintext", column)
			}
		case string:
			if strings.Contains(v, secret) {
				t.Errorf("column %q holds the plaintext", column)
			}
		}
	}
}

func TestSigned_TamperDetected(t *testing.T) {
	ctx := context.Background()
	project := "tamper-" + testID
	keys := map[string]any{"project": project, "seq": float64(0)}

	ent, err := table.Create(ctx, deployProps(project, 0, "pending"), false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Flip a property cell behind the signature's back.
	_, err = client.UpdateEntity(ctx, tableName, backend.Record{
		backend.PartitionKeyColumn: ent.PartitionKey(),
		backend.RowKeyColumn:       ent.RowKey(),
		"state":                    "forged",
	}, backend.UpdateOptions{Mode: backend.Merge, ETag: backend.ETagAny})
	if err != nil {
		t.Fatalf("raw UpdateEntity failed: %v", err)
	}

	_, err = table.Load(ctx, keys, false)
	var sigErr *entity.SignatureInvalidError
	if !errors.As(err, &sigErr) {
		t.Errorf("expected SignatureInvalidError, got %v", err)
	}
}
