package dynamo

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeClient is an in-memory table keyed by the string attribute "id". It
// honors existence conditions and update expressions built by the adapter
// but ignores scan filters, which are asserted on the recorded inputs.
type fakeClient struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	pageSize int

	// unprocessed is the number of BatchWriteItem calls that leave one
	// request unprocessed.
	unprocessed int

	describeErr error

	scans   []*dynamodb.ScanInput
	gets    int
	updates []*dynamodb.UpdateItemInput
	batches int
	tables  []*dynamodb.UpdateTableInput
}

var _ Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{items: make(map[string]map[string]types.AttributeValue)}
}

func keyOf(item map[string]types.AttributeValue) string {
	return idOf(item, "id")
}

func (f *fakeClient) put(item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[keyOf(item)] = item
}

func (f *fakeClient) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[id]
	return ok
}

func conditionFails(cond *string, exists bool) bool {
	if cond == nil {
		return false
	}
	switch {
	case strings.HasPrefix(*cond, "attribute_not_exists"):
		return exists
	case strings.HasPrefix(*cond, "attribute_exists"):
		return !exists
	}
	return false
}

func (f *fakeClient) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableName: in.TableName}}, nil
}

func (f *fakeClient) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeClient) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := keyOf(in.Item)
	_, exists := f.items[id]
	if conditionFails(in.ConditionExpression, exists) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	id := keyOf(in.Key)
	item, exists := f.items[id]
	if conditionFails(in.ConditionExpression, exists) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
	}

	item = maps.Clone(item)
	var set, remove string
	if rest, ok := strings.CutPrefix(*in.UpdateExpression, "SET "); ok {
		set, remove, _ = strings.Cut(rest, " REMOVE ")
	} else {
		remove = strings.TrimPrefix(*in.UpdateExpression, "REMOVE ")
	}
	for _, assign := range splitNonEmpty(set) {
		n, v, _ := strings.Cut(assign, " = ")
		item[in.ExpressionAttributeNames[n]] = in.ExpressionAttributeValues[v]
	}
	for _, n := range splitNonEmpty(remove) {
		delete(item, in.ExpressionAttributeNames[n])
	}
	f.items[id] = item
	return &dynamodb.UpdateItemOutput{Attributes: item}, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ", ")
}

func (f *fakeClient) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := keyOf(in.Key)
	item, exists := f.items[id]
	if conditionFails(in.ConditionExpression, exists) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
	}
	delete(f.items, id)
	return &dynamodb.DeleteItemOutput{Attributes: item}, nil
}

func (f *fakeClient) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, in)

	ids := slices.Sorted(maps.Keys(f.items))
	if in.ExclusiveStartKey != nil {
		after := keyOf(in.ExclusiveStartKey)
		i, _ := slices.BinarySearch(ids, after)
		if i < len(ids) && ids[i] == after {
			i++
		}
		ids = ids[i:]
	}

	out := &dynamodb.ScanOutput{}
	if f.pageSize > 0 && len(ids) > f.pageSize {
		ids = ids[:f.pageSize]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: ids[len(ids)-1]}}
	}
	out.Count = int32(len(ids))
	if in.Select == types.SelectCount {
		return out, nil
	}
	for _, id := range ids {
		item := f.items[id]
		if in.ProjectionExpression != nil {
			item = map[string]types.AttributeValue{"id": item["id"]}
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (f *fakeClient) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, tx := range in.TransactItems {
		reasons[i].Code = aws.String("None")
		if tx.Put == nil {
			return nil, errors.New("fake: only Put is supported")
		}
		_, exists := f.items[keyOf(tx.Put.Item)]
		if conditionFails(tx.Put.ConditionExpression, exists) {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	for _, tx := range in.TransactItems {
		f.items[keyOf(tx.Put.Item)] = tx.Put.Item
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeClient) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++

	out := &dynamodb.BatchWriteItemOutput{}
	for table, reqs := range in.RequestItems {
		if f.unprocessed > 0 && len(reqs) > 0 {
			f.unprocessed--
			out.UnprocessedItems = map[string][]types.WriteRequest{table: reqs[len(reqs)-1:]}
			reqs = reqs[:len(reqs)-1]
		}
		for _, r := range reqs {
			delete(f.items, keyOf(r.DeleteRequest.Key))
		}
	}
	return out, nil
}

func (f *fakeClient) UpdateTable(ctx context.Context, in *dynamodb.UpdateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables = append(f.tables, in)
	return &dynamodb.UpdateTableOutput{}, nil
}
