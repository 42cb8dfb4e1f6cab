package sources

import "testing"

func TestSeenSetAddIfAbsent(t *testing.T) {
	s := NewSeenSet()
	if !s.AddIfAbsent("GCF_1") {
		t.Fatal("expected first add to report true")
	}
	if s.AddIfAbsent("GCF_1") {
		t.Fatal("expected second add of same token to report false")
	}
	if !s.AddIfAbsent("GCF_2") {
		t.Fatal("expected distinct token to report true")
	}
}

func TestKnownHashesCheckAndAdd(t *testing.T) {
	k := NewKnownHashes(map[string]struct{}{"seed": {}})
	if k.CheckAndAdd("seed") {
		t.Fatal("expected seeded hash to be treated as already known")
	}
	if !k.CheckAndAdd("fresh") {
		t.Fatal("expected new hash to be newly added")
	}
	if k.CheckAndAdd("fresh") {
		t.Fatal("expected repeated hash to report duplicate")
	}
	if got := k.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestAccessionCacheContainsAndAdd(t *testing.T) {
	c := NewAccessionCache(map[string]struct{}{"GCF_000001": {}})
	if !c.Contains("GCF_000001") {
		t.Fatal("expected seeded accession to be present")
	}
	if c.Contains("GCF_999999") {
		t.Fatal("expected unseeded accession to be absent")
	}
	c.Add("GCF_999999")
	if !c.Contains("GCF_999999") {
		t.Fatal("expected accession to be present after Add")
	}
}

func TestNewAccessionCacheHandlesNilSeed(t *testing.T) {
	c := NewAccessionCache(nil)
	if c.Contains("anything") {
		t.Fatal("expected empty cache to contain nothing")
	}
}
