// Package dynamo implements the storage contract on DynamoDB.
//
// Each logical table maps to one DynamoDB table keyed by PartitionKey
// (hash) and RowKey (range), billed per request. Every successful write
// stores a fresh ETag attribute; conditional writes compare against it,
// and a failed condition check is classified as not-found or
// precondition-failed by inspecting the old item DynamoDB returns with
// the rejection.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/lattice/backend"
)

// API is the subset of the DynamoDB client this package uses.
type API interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Client implements the storage contract against DynamoDB.
type Client struct {
	api    API
	config Config
}

var _ backend.Client = (*Client)(nil)

// New creates a Client over an existing DynamoDB client.
func New(api API, config Config) *Client {
	config.validate()
	return &Client{api: api, config: config}
}

// NewFromEnv creates a Client from the ambient AWS configuration
// (environment, shared config files, instance roles).
func NewFromEnv(ctx context.Context, config Config) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("lattice: load aws config: %w", err)
	}
	return New(dynamodb.NewFromConfig(awsCfg), config), nil
}

func (c *Client) CreateTable(ctx context.Context, table string) error {
	_, err := c.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(backend.PartitionKeyColumn), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(backend.RowKeyColumn), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(backend.PartitionKeyColumn), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(backend.RowKeyColumn), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		// An existing table satisfies CreateTable's contract.
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("failed to create table %q: %w", table, err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(c.api)
	err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, c.config.TableWaitTimeout)
	if err != nil {
		return fmt.Errorf("failed waiting for table %q: %w", table, err)
	}
	return nil
}

func (c *Client) DeleteTable(ctx context.Context, table string) error {
	_, err := c.api.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(table)})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return fmt.Errorf("table %q: %w", table, backend.ErrNotFound)
		}
		return fmt.Errorf("failed to delete table %q: %w", table, err)
	}
	return nil
}

func (c *Client) GetEntity(ctx context.Context, table, partitionKey, rowKey string) (backend.Record, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            keyOf(partitionKey, rowKey),
		ConsistentRead: aws.Bool(!c.config.EventuallyConsistentReads),
	})
	if err != nil {
		return nil, c.classify("get entity", partitionKey, rowKey, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("entity %s/%s: %w", partitionKey, rowKey, backend.ErrNotFound)
	}
	return unmarshalItem(out.Item), nil
}

func (c *Client) InsertEntity(ctx context.Context, table string, rec backend.Record) (string, error) {
	etag := uuid.NewString()
	item, err := marshalRecord(rec, etag)
	if err != nil {
		return "", err
	}

	cond := expression.AttributeNotExists(expression.Name(backend.PartitionKeyColumn))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return "", fmt.Errorf("failed to build insert condition: %w", err)
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(table),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: valuesOrNil(expr.Values()),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return "", fmt.Errorf("entity %s/%s: %w", rec.PartitionKey(), rec.RowKey(), backend.ErrAlreadyExists)
		}
		return "", c.classify("insert entity", rec.PartitionKey(), rec.RowKey(), err)
	}
	return etag, nil
}

func (c *Client) UpdateEntity(ctx context.Context, table string, rec backend.Record, opts backend.UpdateOptions) (string, error) {
	if opts.Mode == backend.Merge {
		return c.mergeEntity(ctx, table, rec, opts)
	}

	etag := uuid.NewString()
	item, err := marshalRecord(rec, etag)
	if err != nil {
		return "", err
	}

	input := &dynamodb.PutItemInput{
		TableName:                           aws.String(table),
		Item:                                item,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
	if cond := etagCondition(opts.ETag); cond != nil {
		expr, err := expression.NewBuilder().WithCondition(*cond).Build()
		if err != nil {
			return "", fmt.Errorf("failed to build update condition: %w", err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = valuesOrNil(expr.Values())
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	if _, err := c.api.PutItem(ctx, input); err != nil {
		return "", c.classify("update entity", rec.PartitionKey(), rec.RowKey(), err)
	}
	return etag, nil
}

// mergeEntity overwrites only the cells present in rec, keeping the
// rest of the stored item. An unconditional merge against a missing
// address creates the item.
func (c *Client) mergeEntity(ctx context.Context, table string, rec backend.Record, opts backend.UpdateOptions) (string, error) {
	etag := uuid.NewString()

	update := expression.UpdateBuilder{}
	for k, v := range rec {
		switch k {
		case backend.PartitionKeyColumn, backend.RowKeyColumn, backend.ETagColumn, backend.TimestampColumn:
			continue
		}
		update = update.Set(expression.Name(k), expression.Value(v))
	}
	update = update.Set(expression.Name(backend.ETagColumn), expression.Value(etag))
	update = update.Set(expression.Name(backend.TimestampColumn), expression.Value(float64(time.Now().UnixMilli())))

	builder := expression.NewBuilder().WithUpdate(update)
	if cond := etagCondition(opts.ETag); cond != nil {
		builder = builder.WithCondition(*cond)
	}
	expr, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build merge expression: %w", err)
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(table),
		Key:                                 keyOf(rec.PartitionKey(), rec.RowKey()),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           valuesOrNil(expr.Values()),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return "", c.classify("merge entity", rec.PartitionKey(), rec.RowKey(), err)
	}
	return etag, nil
}

func (c *Client) DeleteEntity(ctx context.Context, table, partitionKey, rowKey string, opts backend.DeleteOptions) error {
	var cond expression.ConditionBuilder
	if opts.ETag == "" || opts.ETag == backend.ETagAny {
		cond = expression.AttributeExists(expression.Name(backend.PartitionKeyColumn))
	} else {
		cond = expression.Name(backend.ETagColumn).Equal(expression.Value(opts.ETag))
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build delete condition: %w", err)
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	_, err = c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                           aws.String(table),
		Key:                                 keyOf(partitionKey, rowKey),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           valuesOrNil(expr.Values()),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return c.classify("delete entity", partitionKey, rowKey, err)
	}
	return nil
}

func (c *Client) QueryEntities(ctx context.Context, table string, q backend.Query) (backend.QueryResult, error) {
	plan, err := planQuery(q)
	if err != nil {
		return backend.QueryResult{}, err
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var items []map[string]types.AttributeValue
	var lastKey map[string]types.AttributeValue

	if plan.keyCond != nil {
		builder := expression.NewBuilder().WithKeyCondition(*plan.keyCond)
		if plan.filter != nil {
			builder = builder.WithFilter(*plan.filter)
		}
		expr, err := builder.Build()
		if err != nil {
			return backend.QueryResult{}, fmt.Errorf("failed to build query expression: %w", err)
		}

		input := &dynamodb.QueryInput{
			TableName:                 aws.String(table),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: valuesOrNil(expr.Values()),
			ConsistentRead:            aws.Bool(!c.config.EventuallyConsistentReads),
		}
		if q.Top > 0 {
			input.Limit = aws.Int32(int32(q.Top))
		}
		if q.NextPartitionKey != "" || q.NextRowKey != "" {
			input.ExclusiveStartKey = keyOf(q.NextPartitionKey, q.NextRowKey)
		}

		out, err := c.api.Query(ctx, input)
		if err != nil {
			return backend.QueryResult{}, c.classifyQuery(table, err)
		}
		items, lastKey = out.Items, out.LastEvaluatedKey
	} else {
		input := &dynamodb.ScanInput{
			TableName:      aws.String(table),
			ConsistentRead: aws.Bool(!c.config.EventuallyConsistentReads),
		}
		if plan.filter != nil {
			expr, err := expression.NewBuilder().WithFilter(*plan.filter).Build()
			if err != nil {
				return backend.QueryResult{}, fmt.Errorf("failed to build scan expression: %w", err)
			}
			input.FilterExpression = expr.Filter()
			input.ExpressionAttributeNames = expr.Names()
			input.ExpressionAttributeValues = valuesOrNil(expr.Values())
		}
		if q.Top > 0 {
			input.Limit = aws.Int32(int32(q.Top))
		}
		if q.NextPartitionKey != "" || q.NextRowKey != "" {
			input.ExclusiveStartKey = keyOf(q.NextPartitionKey, q.NextRowKey)
		}

		out, err := c.api.Scan(ctx, input)
		if err != nil {
			return backend.QueryResult{}, c.classifyQuery(table, err)
		}
		items, lastKey = out.Items, out.LastEvaluatedKey
	}

	res := backend.QueryResult{}
	for _, item := range items {
		rec := unmarshalItem(item)
		if !backend.MatchesAll(rec, plan.residual) {
			continue
		}
		res.Records = append(res.Records, rec)
	}
	if len(lastKey) > 0 {
		if v, ok := lastKey[backend.PartitionKeyColumn].(*types.AttributeValueMemberS); ok {
			res.NextPartitionKey = v.Value
		}
		if v, ok := lastKey[backend.RowKeyColumn].(*types.AttributeValueMemberS); ok {
			res.NextRowKey = v.Value
		}
	}
	return res, nil
}

// queryPlan splits filter conditions between DynamoDB and this process.
// A partition-key equality promotes the call from Scan to Query; one
// row-key condition with a DynamoDB-expressible operator joins it in
// the key condition. Remaining key-attribute conditions are evaluated
// here, since Query filter expressions may not reference key
// attributes. Everything else is pushed down.
type queryPlan struct {
	keyCond  *expression.KeyConditionBuilder
	filter   *expression.ConditionBuilder
	residual []backend.Condition
}

func planQuery(q backend.Query) (queryPlan, error) {
	var plan queryPlan

	var pkEqual *backend.Condition
	var keyConds []backend.Condition
	var attrConds []backend.Condition
	for i := range q.Filter {
		cond := q.Filter[i]
		switch cond.Column {
		case backend.PartitionKeyColumn:
			if cond.Op == backend.Equal && pkEqual == nil {
				pkEqual = &q.Filter[i]
			} else {
				keyConds = append(keyConds, cond)
			}
		case backend.RowKeyColumn:
			keyConds = append(keyConds, cond)
		default:
			attrConds = append(attrConds, cond)
		}
	}

	if pkEqual == nil {
		// Scan filters may reference key attributes, so everything is
		// pushed down.
		all := append(attrConds, keyConds...)
		if len(all) > 0 {
			filter, err := filterFor(all)
			if err != nil {
				return plan, err
			}
			plan.filter = &filter
		}
		return plan, nil
	}

	kc := expression.Key(backend.PartitionKeyColumn).Equal(expression.Value(pkEqual.Value))
	promoted := false
	for _, cond := range keyConds {
		if !promoted && cond.Column == backend.RowKeyColumn {
			if rk, ok := rowKeyCondition(cond); ok {
				kc = kc.And(rk)
				promoted = true
				continue
			}
		}
		plan.residual = append(plan.residual, cond)
	}
	plan.keyCond = &kc

	if len(attrConds) > 0 {
		filter, err := filterFor(attrConds)
		if err != nil {
			return plan, err
		}
		plan.filter = &filter
	}
	return plan, nil
}

func filterFor(conds []backend.Condition) (expression.ConditionBuilder, error) {
	filter, err := conditionFor(conds[0])
	if err != nil {
		return expression.ConditionBuilder{}, err
	}
	for _, cond := range conds[1:] {
		next, err := conditionFor(cond)
		if err != nil {
			return expression.ConditionBuilder{}, err
		}
		filter = filter.And(next)
	}
	return filter, nil
}

func conditionFor(c backend.Condition) (expression.ConditionBuilder, error) {
	name := expression.Name(c.Column)
	value := expression.Value(c.Value)
	switch c.Op {
	case backend.Equal:
		return name.Equal(value), nil
	case backend.NotEqual:
		return name.NotEqual(value), nil
	case backend.LessThan:
		return name.LessThan(value), nil
	case backend.LessOrEqual:
		return name.LessThanEqual(value), nil
	case backend.GreaterThan:
		return name.GreaterThan(value), nil
	case backend.GreaterOrEqual:
		return name.GreaterThanEqual(value), nil
	default:
		return expression.ConditionBuilder{}, fmt.Errorf("lattice: unsupported filter operator %v", c.Op)
	}
}

func rowKeyCondition(c backend.Condition) (expression.KeyConditionBuilder, bool) {
	key := expression.Key(backend.RowKeyColumn)
	value := expression.Value(c.Value)
	switch c.Op {
	case backend.Equal:
		return key.Equal(value), true
	case backend.LessThan:
		return key.LessThan(value), true
	case backend.LessOrEqual:
		return key.LessThanEqual(value), true
	case backend.GreaterThan:
		return key.GreaterThan(value), true
	case backend.GreaterOrEqual:
		return key.GreaterThanEqual(value), true
	default:
		return expression.KeyConditionBuilder{}, false
	}
}

func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.RequestTimeout)
}

// classify maps a write rejection to the contract's error kinds. When a
// condition check fails, DynamoDB returns the old item: an empty old
// item means the address was vacant.
func (c *Client) classify(op, partitionKey, rowKey string, err error) error {
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		if len(condErr.Item) == 0 {
			return fmt.Errorf("entity %s/%s: %w", partitionKey, rowKey, backend.ErrNotFound)
		}
		return fmt.Errorf("entity %s/%s: %w", partitionKey, rowKey, backend.ErrPreconditionFailed)
	}
	var nf *types.ResourceNotFoundException
	if errors.As(err, &nf) {
		return fmt.Errorf("entity %s/%s: %w", partitionKey, rowKey, backend.ErrNotFound)
	}
	return fmt.Errorf("failed to %s %s/%s: %w", op, partitionKey, rowKey, err)
}

func (c *Client) classifyQuery(table string, err error) error {
	var nf *types.ResourceNotFoundException
	if errors.As(err, &nf) {
		return fmt.Errorf("table %q: %w", table, backend.ErrNotFound)
	}
	return fmt.Errorf("failed to query entities: %w", err)
}

func keyOf(partitionKey, rowKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		backend.PartitionKeyColumn: &types.AttributeValueMemberS{Value: partitionKey},
		backend.RowKeyColumn:       &types.AttributeValueMemberS{Value: rowKey},
	}
}

// marshalRecord converts rec to a DynamoDB item carrying a fresh ETag
// and Timestamp.
func marshalRecord(rec backend.Record, etag string) (map[string]types.AttributeValue, error) {
	item := make(map[string]types.AttributeValue, len(rec)+2)
	for k, v := range rec {
		if k == backend.ETagColumn || k == backend.TimestampColumn {
			continue
		}
		av, err := marshalValue(v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", k, err)
		}
		item[k] = av
	}
	item[backend.ETagColumn] = &types.AttributeValueMemberS{Value: etag}
	item[backend.TimestampColumn] = &types.AttributeValueMemberN{
		Value: strconv.FormatFloat(float64(time.Now().UnixMilli()), 'f', -1, 64),
	}
	return item, nil
}

func marshalValue(v any) (types.AttributeValue, error) {
	switch v.(type) {
	case string, float64, bool, []byte:
		return attributevalue.Marshal(v)
	default:
		return nil, fmt.Errorf("lattice: unsupported cell type %T", v)
	}
}

// unmarshalItem converts a DynamoDB item to a record. The record model
// admits four cell kinds only, so decoding stays explicit; attribute
// types outside the model are dropped.
func unmarshalItem(item map[string]types.AttributeValue) backend.Record {
	rec := make(backend.Record, len(item))
	for k, av := range item {
		switch av := av.(type) {
		case *types.AttributeValueMemberS:
			rec[k] = av.Value
		case *types.AttributeValueMemberN:
			if f, err := strconv.ParseFloat(av.Value, 64); err == nil {
				rec[k] = f
			}
		case *types.AttributeValueMemberBOOL:
			rec[k] = av.Value
		case *types.AttributeValueMemberB:
			b := make([]byte, len(av.Value))
			copy(b, av.Value)
			rec[k] = b
		}
	}
	return rec
}

func etagCondition(etag string) *expression.ConditionBuilder {
	switch etag {
	case "":
		return nil
	case backend.ETagAny:
		cond := expression.AttributeExists(expression.Name(backend.PartitionKeyColumn))
		return &cond
	default:
		cond := expression.Name(backend.ETagColumn).Equal(expression.Value(etag))
		return &cond
	}
}

func valuesOrNil(values map[string]types.AttributeValue) map[string]types.AttributeValue {
	if len(values) == 0 {
		return nil
	}
	return values
}
