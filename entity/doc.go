// Package entity maps typed property bags onto two-key table storage.
//
// Lattice is designed for applications that store many small, evolving
// records in a partition/row keyed table and need typed properties,
// schema versioning, and safe concurrent updates without coordinating
// writers.
//
// # Key Features
//
//   - Typed properties with per-type storage, equality and key forms
//   - Derived partition and row keys that stay immutable for life
//   - Schema versioning with lazy, read-time migration
//   - Optimistic concurrency via ETag-conditional writes with retry
//   - AES-256-GCM encrypted properties and HMAC-SHA512 record signing
//   - Paged scans and queries with filter pushdown and streaming
//
// # Declaring a Schema
//
// A schema starts at version 1 and grows by chaining further versions,
// each with a migration from its predecessor:
//
//	schema, err := entity.Configure(entity.Options{
//	    Version: 1,
//	    Properties: map[string]entity.Type{
//	        "taskId":  entity.SlugID,
//	        "runId":   entity.Number,
//	        "state":   entity.String,
//	        "started": entity.Date,
//	    },
//	    PartitionKey: entity.StringKey("taskId"),
//	    RowKey:       entity.AscendingIntegerKey("runId"),
//	})
//
//	schema, err = schema.Configure(entity.Options{
//	    Version: 2,
//	    Properties: map[string]entity.Type{
//	        "taskId":  entity.SlugID,
//	        "runId":   entity.Number,
//	        "state":   entity.String,
//	        "started": entity.Date,
//	        "worker":  entity.String,
//	    },
//	    Migrate: func(old map[string]any) (map[string]any, error) {
//	        old["worker"] = "unknown"
//	        return old, nil
//	    },
//	})
//
// Records written under older versions are migrated when read and keep
// their stored shape until the next modify persists the upgrade.
//
// # Binding a Table
//
// Setup binds the schema to a backend table. The same schema can be
// bound against DynamoDB and against the in-memory backend, which is
// what tests usually do:
//
//	table, err := schema.Setup(entity.SetupOptions{
//	    Client:    memory.NewClient(memory.NewStore()),
//	    TableName: "task-runs",
//	})
//
// # Working with Entities
//
// [Table.Create], [Table.Load] and [Table.Scan] hand out [Entity]
// instances. [Entity.Modify] applies a function to the property bag and
// writes the result back conditionally, retrying against concurrent
// writers until it wins or gives up with a [CongestionError]:
//
//	err = run.Modify(ctx, func(props map[string]any) error {
//	    props["state"] = "completed"
//	    return nil
//	})
//
// # Errors
//
// The package defines domain-specific errors:
//
//   - [ErrNoSuchEntity] - no record at the derived keys
//   - [ErrEntityAlreadyExists] - create hit an occupied address
//   - [ErrUpdateConflict] - a conditional write lost its race
//   - [ConfigurationError] - schema or option misuse
//   - [KeyViolationError] - a modifier changed a key property
//   - [CongestionError] - modify exhausted its retry budget
//   - [SignatureInvalidError] - stored record failed verification
//   - [DecryptionError] - encrypted property could not be opened
//   - [SchemaValidationError] - JSON value rejected by its schema
//   - [PropertyTooLargeError] - serialized cell over the size ceiling
package entity
