// Package dynamo implements adapter.Adapter on a DynamoDB table whose
// partition key is the schema's primary column.
//
// Filters are compiled to DynamoDB filter expressions and evaluated by Scan,
// with a pure key lookup served by GetItem. Sorting, offsets, projection and
// search run client-side after the scan. Note that the contains operator is
// case-sensitive here, unlike the in-memory backend.
//
// Items whose TTL attribute has passed are treated as deleted: they are
// filtered from every read and cannot be updated, replaced or removed.
//
// InsertMany is atomic through TransactWriteItems and therefore limited to
// 100 records per call.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/jacentio/canopy/adapter"
	"github.com/jacentio/canopy/schema"
)

// Kind is the registry name of this backend.
const Kind = "dynamodb"

// maxTransactItems is the DynamoDB limit for one TransactWriteItems call.
const maxTransactItems = 100

// batchWriteSize is the DynamoDB limit for one BatchWriteItem call.
const batchWriteSize = 25

// ErrBatchTooLarge is returned when InsertMany receives more records than
// one transaction can hold.
var ErrBatchTooLarge = errors.New("canopy: dynamodb batch exceeds 100 items")

// Client is the subset of *dynamodb.Client the adapter uses.
type Client interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	UpdateTable(ctx context.Context, in *dynamodb.UpdateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error)
}

var _ Client = (*dynamodb.Client)(nil)

// Adapter is a DynamoDB adapter.Adapter.
type Adapter struct {
	config Config
	owner  *schema.Schema
	table  string
	pk     string

	mu     sync.RWMutex
	client Client
}

var (
	_ adapter.Adapter      = (*Adapter)(nil)
	_ adapter.Disconnector = (*Adapter)(nil)
)

// New creates an unconnected Adapter.
func New(config Config) *Adapter {
	config.validate()
	return &Adapter{config: config}
}

// Factory returns an adapter.FactoryFunc that reads Config from settings.
func Factory() adapter.FactoryFunc {
	return func(cfg adapter.Config) (adapter.Adapter, error) {
		c, err := ConfigFromSettings(cfg.Settings)
		if err != nil {
			return nil, err
		}
		return New(c), nil
	}
}

// Register adds the DynamoDB backend to r under Kind.
func Register(r *adapter.Registry) {
	r.Register(Kind, Factory())
}

func (a *Adapter) Init(owner *schema.Schema) error {
	a.owner = owner
	a.pk = owner.Primary().Column
	a.table = a.config.Table
	if a.table == "" {
		a.table = owner.Table()
	}
	return nil
}

// Connect builds a client, unless one was configured, and checks that the
// table exists.
func (a *Adapter) Connect(ctx context.Context) error {
	c := a.config.Client
	if c == nil {
		var opts []func(*awsconfig.LoadOptions) error
		if a.config.Region != "" {
			opts = append(opts, awsconfig.WithRegion(a.config.Region))
		}
		if a.config.Profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(a.config.Profile))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		c = dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if a.config.Endpoint != "" {
				o.BaseEndpoint = aws.String(a.config.Endpoint)
			}
		})
	}

	if _, err := c.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(a.table)}); err != nil {
		return adapter.Wrap(Kind, "describe table "+a.table, err)
	}

	a.mu.Lock()
	a.client = c
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.client = nil
	a.mu.Unlock()
	return nil
}

func (a *Adapter) conn() (Client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.client == nil {
		return nil, adapter.ErrNotConnected
	}
	return a.client, nil
}

func (a *Adapter) now() time.Time { return a.config.Clock.Now() }

func (a *Adapter) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{a.pk: &types.AttributeValueMemberS{Value: id}}
}

// keyLookup reports whether q addresses a single item by primary key only.
func (a *Adapter) keyLookup(q adapter.Query) (string, bool) {
	if len(q.Filter) != 1 || q.Search != "" {
		return "", false
	}
	id, ok := q.Filter[a.pk].(string)
	return id, ok
}

func (a *Adapter) Find(ctx context.Context, q adapter.Query) ([]adapter.Record, error) {
	c, err := a.conn()
	if err != nil {
		return nil, err
	}

	var recs []adapter.Record
	if id, ok := a.keyLookup(q); ok {
		rec, err := a.get(ctx, c, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			recs = []adapter.Record{rec}
		}
	} else {
		if recs, err = a.scan(ctx, c, q.Filter); err != nil {
			return nil, err
		}
	}
	return a.shape(recs, q), nil
}

// shape applies search, sort, paging and projection client-side.
func (a *Adapter) shape(recs []adapter.Record, q adapter.Query) []adapter.Record {
	if q.Search != "" {
		matched := recs[:0]
		for _, rec := range recs {
			if adapter.MatchSearch(rec, q.Search, q.SearchFields) {
				matched = append(matched, rec)
			}
		}
		recs = matched
	}
	adapter.SortRecords(recs, q.Sort)
	recs = adapter.Page(recs, q.Offset, q.Limit)
	if len(q.Fields) > 0 {
		for i, rec := range recs {
			recs[i] = adapter.Project(rec, q.Fields, a.pk)
		}
	}
	return recs
}

func (a *Adapter) get(ctx context.Context, c Client, id string) (adapter.Record, error) {
	out, err := c.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(a.table),
		Key:            a.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, adapter.Wrap(Kind, "get item", err)
	}
	if out.Item == nil || IsDeleted(out.Item, a.config.TTLAttribute, a.now()) {
		return nil, nil
	}
	return unmarshal(out.Item)
}

// scanInput compiles filter, merged with the TTL filter, into a ScanInput.
func (a *Adapter) scanInput(filter map[string]any) (*dynamodb.ScanInput, error) {
	b := newExprBuilder()
	expr, err := b.filter(nil, filter)
	if err != nil {
		return nil, err
	}
	if expr == "" {
		expr = TTLFilterExpr()
	} else {
		expr = fmt.Sprintf("(%s) AND %s", expr, TTLFilterExpr())
	}
	return &dynamodb.ScanInput{
		TableName:                 aws.String(a.table),
		FilterExpression:          aws.String(expr),
		ExpressionAttributeNames:  mergeExpr(b.names, TTLFilterNames(a.config.TTLAttribute)),
		ExpressionAttributeValues: mergeExpr(b.values, TTLFilterValues(a.now())),
	}, nil
}

func (a *Adapter) scan(ctx context.Context, c Client, filter map[string]any) ([]adapter.Record, error) {
	in, err := a.scanInput(filter)
	if err != nil {
		return nil, err
	}

	var recs []adapter.Record
	paginator := dynamodb.NewScanPaginator(c, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, adapter.Wrap(Kind, "scan", err)
		}
		for _, item := range page.Items {
			rec, err := unmarshal(item)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (a *Adapter) FindOne(ctx context.Context, q adapter.Query) (adapter.Record, error) {
	q.Limit = 1
	recs, err := a.Find(ctx, q)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// FindStream pages through the table lazily when no sort is requested.
// Sorted streams are materialized first.
func (a *Adapter) FindStream(ctx context.Context, q adapter.Query) (adapter.Cursor, error) {
	c, err := a.conn()
	if err != nil {
		return nil, err
	}
	if len(q.Sort) > 0 {
		recs, err := a.Find(ctx, q)
		if err != nil {
			return nil, err
		}
		return adapter.NewSliceCursor(recs), nil
	}
	in, err := a.scanInput(q.Filter)
	if err != nil {
		return nil, err
	}
	return newScanCursor(dynamodb.NewScanPaginator(c, in), q, a.pk), nil
}

func (a *Adapter) Count(ctx context.Context, q adapter.Query) (int64, error) {
	if q.Search != "" {
		q.Limit, q.Offset, q.Fields = 0, 0, nil
		recs, err := a.Find(ctx, q)
		return int64(len(recs)), err
	}
	c, err := a.conn()
	if err != nil {
		return 0, err
	}
	in, err := a.scanInput(q.Filter)
	if err != nil {
		return 0, err
	}
	in.Select = types.SelectCount

	var n int64
	paginator := dynamodb.NewScanPaginator(c, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, adapter.Wrap(Kind, "count", err)
		}
		n += int64(page.Count)
	}
	return n, nil
}

// prepare assigns a missing identifier and marshals rec.
func (a *Adapter) prepare(rec adapter.Record) (map[string]types.AttributeValue, error) {
	stored := adapter.Project(rec, nil)
	if id, _ := stored[a.pk].(string); id == "" {
		stored[a.pk] = uuid.NewString()
	}
	item, err := attributevalue.MarshalMap(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return item, nil
}

func (a *Adapter) Insert(ctx context.Context, rec adapter.Record) (adapter.Record, error) {
	c, err := a.conn()
	if err != nil {
		return nil, err
	}
	item, err := a.prepare(rec)
	if err != nil {
		return nil, err
	}

	_, err = c.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(a.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": a.pk},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, fmt.Errorf("%w: %s", adapter.ErrAlreadyExists, idOf(item, a.pk))
		}
		return nil, adapter.Wrap(Kind, "put item", err)
	}
	return unmarshal(item)
}

// InsertMany writes every record in one transaction.
func (a *Adapter) InsertMany(ctx context.Context, recs []adapter.Record) ([]adapter.Record, error) {
	if len(recs) == 0 {
		return []adapter.Record{}, nil
	}
	if len(recs) > maxTransactItems {
		return nil, fmt.Errorf("%w: got %d", ErrBatchTooLarge, len(recs))
	}
	c, err := a.conn()
	if err != nil {
		return nil, err
	}

	items := make([]map[string]types.AttributeValue, len(recs))
	tx := make([]types.TransactWriteItem, len(recs))
	for i, rec := range recs {
		if items[i], err = a.prepare(rec); err != nil {
			return nil, err
		}
		tx[i] = types.TransactWriteItem{
			Put: &types.Put{
				TableName:                aws.String(a.table),
				Item:                     items[i],
				ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
				ExpressionAttributeNames: map[string]string{"#pk": a.pk},
			},
		}
	}

	_, err = c.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: tx})
	if err := a.mapTransactionError(err, items); err != nil {
		return nil, err
	}

	out := make([]adapter.Record, len(items))
	for i, item := range items {
		if out[i], err = unmarshal(item); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// mapTransactionError maps a failed condition on item i to ErrAlreadyExists.
func (a *Adapter) mapTransactionError(err error, items []map[string]types.AttributeValue) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" && i < len(items) {
				return fmt.Errorf("%w: %s", adapter.ErrAlreadyExists, idOf(items[i], a.pk))
			}
		}
	}
	return adapter.Wrap(Kind, "transact write", err)
}

// existsCondition requires the item to exist and not be expired.
func (a *Adapter) existsCondition(b *exprBuilder) string {
	return fmt.Sprintf("attribute_exists(%s) AND %s", b.name(a.pk), TTLFilterExpr())
}

func (a *Adapter) UpdateByID(ctx context.Context, id string, patch adapter.Record) (adapter.Record, error) {
	c, err := a.conn()
	if err != nil {
		return nil, err
	}

	b := newExprBuilder()
	cols := make([]string, 0, len(patch))
	for col := range patch {
		if col != a.pk {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		rec, err := a.get(ctx, c, id)
		if err == nil && rec == nil {
			err = fmt.Errorf("%w: %s", adapter.ErrNotFound, id)
		}
		return rec, err
	}
	sort.Strings(cols)

	var sets, removes []string
	for _, col := range cols {
		n := b.name(col)
		if patch[col] == nil {
			removes = append(removes, n)
			continue
		}
		v, err := b.value(patch[col])
		if err != nil {
			return nil, err
		}
		sets = append(sets, n+" = "+v)
	}
	var update []string
	if len(sets) > 0 {
		update = append(update, "SET "+strings.Join(sets, ", "))
	}
	if len(removes) > 0 {
		update = append(update, "REMOVE "+strings.Join(removes, ", "))
	}

	cond := a.existsCondition(b)
	out, err := c.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(a.table),
		Key:                       a.key(id),
		UpdateExpression:          aws.String(strings.Join(update, " ")),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  mergeExpr(b.names, TTLFilterNames(a.config.TTLAttribute)),
		ExpressionAttributeValues: mergeExpr(b.values, TTLFilterValues(a.now())),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, a.mapConditionError(err, "update item", id)
	}
	return unmarshal(out.Attributes)
}

func (a *Adapter) ReplaceByID(ctx context.Context, id string, rec adapter.Record) (adapter.Record, error) {
	c, err := a.conn()
	if err != nil {
		return nil, err
	}
	stored := adapter.Project(rec, nil)
	stored[a.pk] = id
	item, err := attributevalue.MarshalMap(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	b := newExprBuilder()
	cond := a.existsCondition(b)
	_, err = c.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(a.table),
		Item:                      item,
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  mergeExpr(b.names, TTLFilterNames(a.config.TTLAttribute)),
		ExpressionAttributeValues: TTLFilterValues(a.now()),
	})
	if err != nil {
		return nil, a.mapConditionError(err, "put item", id)
	}
	return unmarshal(item)
}

func (a *Adapter) RemoveByID(ctx context.Context, id string) (adapter.Record, error) {
	c, err := a.conn()
	if err != nil {
		return nil, err
	}

	b := newExprBuilder()
	cond := a.existsCondition(b)
	out, err := c.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(a.table),
		Key:                       a.key(id),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  mergeExpr(b.names, TTLFilterNames(a.config.TTLAttribute)),
		ExpressionAttributeValues: TTLFilterValues(a.now()),
		ReturnValues:              types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, a.mapConditionError(err, "delete item", id)
	}
	return unmarshal(out.Attributes)
}

func (a *Adapter) mapConditionError(err error, op, id string) error {
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return fmt.Errorf("%w: %s", adapter.ErrNotFound, id)
	}
	return adapter.Wrap(Kind, op, err)
}

// Clear deletes every item, expired ones included, in batches of 25.
// Unprocessed items are retried with exponential backoff.
func (a *Adapter) Clear(ctx context.Context) error {
	c, err := a.conn()
	if err != nil {
		return err
	}

	var keys []map[string]types.AttributeValue
	paginator := dynamodb.NewScanPaginator(c, &dynamodb.ScanInput{
		TableName:                aws.String(a.table),
		ProjectionExpression:     aws.String("#pk"),
		ExpressionAttributeNames: map[string]string{"#pk": a.pk},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return adapter.Wrap(Kind, "scan keys", err)
		}
		keys = append(keys, page.Items...)
	}

	for start := 0; start < len(keys); start += batchWriteSize {
		end := min(start+batchWriteSize, len(keys))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		if err := a.batchWrite(ctx, c, reqs); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) batchWrite(ctx context.Context, c Client, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{a.table: reqs}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(time.Minute)), ctx)

	return backoff.Retry(func() error {
		out, err := c.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return backoff.Permanent(adapter.Wrap(Kind, "batch write", err))
		}
		if len(out.UnprocessedItems) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
		return fmt.Errorf("%d unprocessed items", len(pending[a.table]))
	}, policy)
}

// CreateIndex adds a global secondary index. The first key becomes the
// partition key and the optional second key the sort key.
func (a *Adapter) CreateIndex(ctx context.Context, idx adapter.Index) error {
	if idx.Unique {
		return fmt.Errorf("%w: dynamodb indexes cannot be unique", adapter.ErrUnsupportedFilter)
	}
	if len(idx.Keys) == 0 || len(idx.Keys) > 2 {
		return fmt.Errorf("dynamo: index %q needs one or two keys, got %d", idx.Name, len(idx.Keys))
	}
	c, err := a.conn()
	if err != nil {
		return err
	}

	var schemaKeys []types.KeySchemaElement
	var defs []types.AttributeDefinition
	for i, k := range idx.Keys {
		if strings.Contains(k.Column, ".") {
			return fmt.Errorf("dynamo: index %q: nested attribute %q cannot be a key", idx.Name, k.Column)
		}
		keyType := types.KeyTypeHash
		if i == 1 {
			keyType = types.KeyTypeRange
		}
		schemaKeys = append(schemaKeys, types.KeySchemaElement{AttributeName: aws.String(k.Column), KeyType: keyType})
		defs = append(defs, types.AttributeDefinition{AttributeName: aws.String(k.Column), AttributeType: types.ScalarAttributeTypeS})
	}

	name := idx.Name
	if name == "" {
		name = a.table + "-" + idx.Keys[0].Column
	}
	_, err = c.UpdateTable(ctx, &dynamodb.UpdateTableInput{
		TableName:            aws.String(a.table),
		AttributeDefinitions: defs,
		GlobalSecondaryIndexUpdates: []types.GlobalSecondaryIndexUpdate{{
			Create: &types.CreateGlobalSecondaryIndexAction{
				IndexName:  aws.String(name),
				KeySchema:  schemaKeys,
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		}},
	})
	return adapter.Wrap(Kind, "create index "+name, err)
}

// PlainRecord accepts raw DynamoDB items, records, or any value
// attributevalue can marshal to a map.
func (a *Adapter) PlainRecord(entity any) (adapter.Record, error) {
	switch v := entity.(type) {
	case nil:
		return nil, nil
	case map[string]types.AttributeValue:
		return unmarshal(v)
	case adapter.Record:
		return adapter.Project(v, nil), nil
	default:
		item, err := attributevalue.MarshalMap(v)
		if err != nil {
			return nil, fmt.Errorf("dynamo: cannot convert %T to record: %w", entity, err)
		}
		return unmarshal(item)
	}
}

func unmarshal(item map[string]types.AttributeValue) (adapter.Record, error) {
	rec := adapter.Record{}
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return rec, nil
}

func idOf(item map[string]types.AttributeValue, pk string) string {
	if s, ok := item[pk].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
