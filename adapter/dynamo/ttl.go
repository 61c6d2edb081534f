package dynamo

import (
	"maps"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// IsDeleted checks if an item carries an expired TTL and is therefore only
// waiting for DynamoDB to purge it.
func IsDeleted(item map[string]types.AttributeValue, ttlAttr string, now time.Time) bool {
	if ttlAttr == "" {
		return false
	}
	attr, exists := item[ttlAttr]
	if !exists {
		return false
	}
	n, ok := attr.(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	ttl, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return false
	}
	return ttl <= now.Unix()
}

// TTLFilterExpr returns the filter expression that excludes expired items.
// Pair it with TTLFilterNames and TTLFilterValues.
func TTLFilterExpr() string {
	return "(attribute_not_exists(#ttl) OR #ttl > :now)"
}

// TTLFilterNames returns expression attribute names for TTLFilterExpr.
func TTLFilterNames(ttlAttr string) map[string]string {
	return map[string]string{"#ttl": ttlAttr}
}

// TTLFilterValues returns expression attribute values for TTLFilterExpr.
func TTLFilterValues(now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
	}
}

// mergeExpr merges expression attribute maps. Later maps win on conflicts.
func mergeExpr[V any](ms ...map[string]V) map[string]V {
	out := make(map[string]V)
	for _, m := range ms {
		maps.Copy(out, m)
	}
	return out
}
