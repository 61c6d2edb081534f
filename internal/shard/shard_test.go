package shard

import (
	"fmt"
	"strings"
	"testing"
)

func TestKey_SingleShard(t *testing.T) {
	// With numShards=1, every member goes to shard "00"
	tests := []struct {
		base     string
		member   string
		expected string
	}{
		{"canopy:changes:person", "acme", "canopy:changes:person#00"},
		{"canopy:changes:person", "globex", "canopy:changes:person#00"},
		{"canopy:changes:order", "acme", "canopy:changes:order#00"},
	}

	for _, tt := range tests {
		result := Key(tt.base, tt.member, 1)
		if result != tt.expected {
			t.Errorf("Key(%q, %q, 1) = %q, want %q", tt.base, tt.member, result, tt.expected)
		}
	}
}

func TestKey_ZeroShards(t *testing.T) {
	// Zero or negative shards are treated as 1
	for _, n := range []int{0, -1} {
		if result := Key("base", "m", n); result != "base#00" {
			t.Errorf("Key with %d shards = %q, want 'base#00'", n, result)
		}
	}
}

func TestKey_MultipleShards(t *testing.T) {
	numShards := 16
	counts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		key := Key("base", fmt.Sprintf("tenant-%d", i), numShards)
		if !strings.HasPrefix(key, "base#") {
			t.Fatalf("expected prefix 'base#', got %q", key)
		}
		counts[key[len("base#"):]]++
	}

	// 1000 members over 16 shards should touch most of them
	if len(counts) < numShards/2 {
		t.Errorf("expected at least %d distinct shards, got %d", numShards/2, len(counts))
	}
	for s := range counts {
		if len(s) != 2 {
			t.Errorf("expected 2 hex digits, got %q", s)
		}
	}
}

func TestKey_Deterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		if Key("base", "acme", 256) != Key("base", "acme", 256) {
			t.Fatal("Key is not deterministic")
		}
	}
}

func TestBucket_Range(t *testing.T) {
	for _, n := range []int{1, 2, 7, 256} {
		for i := 0; i < 200; i++ {
			b := Bucket(fmt.Sprint(i), n)
			if b < 0 || b >= n {
				t.Fatalf("Bucket(%d, %d) = %d out of range", i, n, b)
			}
		}
	}
}

func TestAll(t *testing.T) {
	keys := All("c", 3)
	want := []string{"c#00", "c#01", "c#02"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("All = %v, want %v", keys, want)
	}
	if got := All("c", 0); len(got) != 1 || got[0] != "c#00" {
		t.Errorf("All with 0 shards = %v", got)
	}
}

func TestKey_MatchesAll(t *testing.T) {
	keys := All("c", 8)
	for i := 0; i < 50; i++ {
		k := Key("c", fmt.Sprint(i), 8)
		found := false
		for _, candidate := range keys {
			if candidate == k {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Key %q not among All", k)
		}
	}
}
