package tree

import (
	"sort"
	"testing"
	"time"
)

func TestKeyGen_SameMillisecondStaysOrdered(t *testing.T) {
	fixed := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	g := newKeyGen(func() time.Time { return fixed })

	keys := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		keys = append(keys, g.next())
	}

	if !sort.StringsAreSorted(keys) {
		t.Fatalf("keys generated in one millisecond are not ordered")
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if len(k) != 20 {
			t.Fatalf("key %q has length %d, want 20", k, len(k))
		}
		if _, dup := seen[k]; dup {
			t.Fatalf("duplicate key %q", k)
		}
		seen[k] = struct{}{}
	}
}

func TestKeyGen_LaterTimeSortsLater(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	g := newKeyGen(func() time.Time { return now })

	first := g.next()
	now = now.Add(time.Second)
	second := g.next()
	if !(first < second) {
		t.Fatalf("key order: %q >= %q", first, second)
	}
}
