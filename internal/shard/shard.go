// Package shard spreads keys over a fixed number of buckets.
package shard

import (
	"fmt"
	"hash/fnv"
)

// Bucket returns the bucket of member, in [0, numShards).
// With numShards<=1 every member maps to bucket 0.
func Bucket(member string, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(member))
	return int(h.Sum32() % uint32(numShards))
}

// Key computes the sharded key "<base>#<bucket>" for member, with the bucket
// as two hex digits.
func Key(base, member string, numShards int) string {
	return Format(base, Bucket(member, numShards))
}

// Format renders the key of a given bucket.
func Format(base string, bucket int) string {
	return fmt.Sprintf("%s#%02x", base, bucket)
}

// All returns the keys of every bucket, in bucket order.
func All(base string, numShards int) []string {
	n := max(numShards, 1)
	keys := make([]string, n)
	for i := range keys {
		keys[i] = Format(base, i)
	}
	return keys
}
