package egress

import (
	"testing"
	"time"
)

func staticSource(name string) (*Source, error) {
	return &Source{Name: name, SourceAddress: "10.0.0." + name[len(name)-1:]}, nil
}

func TestPoolValidateRejectsAllZeroWeights(t *testing.T) {
	p := &Pool{Name: "p", Entries: []PoolEntry{{SourceName: "a", Weight: 0}}}
	if err := p.validate(); err == nil {
		t.Error("expected error for all-zero-weight pool")
	}
}

func TestPoolValidateRejectsNegativeWeight(t *testing.T) {
	p := &Pool{Name: "p", Entries: []PoolEntry{{SourceName: "a", Weight: -1}}}
	if err := p.validate(); err == nil {
		t.Error("expected error for negative weight")
	}
}

func TestSelectSourceConvergesToWeightRatio(t *testing.T) {
	pool := &Pool{Name: "mypool", Entries: []PoolEntry{
		{SourceName: "s1", Weight: 1},
		{SourceName: "s2", Weight: 3},
	}}
	reg := NewRegistry(staticSource, func(name string) (*Pool, error) { return pool, nil }, time.Minute)

	counts := map[string]int{}
	const n = 4000
	for i := 0; i < n; i++ {
		src, err := reg.SelectSource("mypool")
		if err != nil {
			t.Fatal(err)
		}
		counts[src.Name]++
	}

	ratio := float64(counts["s2"]) / float64(counts["s1"])
	if ratio < 2.7 || ratio > 3.3 {
		t.Errorf("expected ~3:1 ratio of s2:s1, got %d:%d (ratio %.2f)", counts["s2"], counts["s1"], ratio)
	}
}

func TestSelectSourceEmptyPoolErrors(t *testing.T) {
	pool := &Pool{Name: "empty", Entries: []PoolEntry{{SourceName: "a", Weight: 0}}}
	reg := NewRegistry(staticSource, func(name string) (*Pool, error) { return pool, nil }, time.Minute)
	if _, err := reg.SelectSource("empty"); err == nil {
		t.Error("expected error resolving an empty pool")
	}
}

func TestSourceCaching(t *testing.T) {
	calls := 0
	resolver := func(name string) (*Source, error) {
		calls++
		return &Source{Name: name}, nil
	}
	reg := NewRegistry(resolver, func(string) (*Pool, error) { return nil, nil }, time.Minute)

	if _, err := reg.Source("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Source("s1"); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("expected cached resolution, resolver called %d times", calls)
	}
}

func TestSourceLocalAddrInvalid(t *testing.T) {
	s := &Source{Name: "bad", SourceAddress: "not-an-ip"}
	if _, err := s.LocalAddr(); err == nil {
		t.Error("expected error for invalid source_address")
	}
}

func TestSourceLocalAddrUnset(t *testing.T) {
	s := &Source{Name: "default"}
	addr, err := s.LocalAddr()
	if err != nil || addr != nil {
		t.Errorf("expected nil, nil for unset source_address, got %v, %v", addr, err)
	}
}

func TestRandomSourceRespectsWeights(t *testing.T) {
	pool := &Pool{Name: "p", Entries: []PoolEntry{
		{SourceName: "only", Weight: 5},
	}}
	name, err := RandomSource(pool)
	if err != nil || name != "only" {
		t.Errorf("RandomSource = %q, %v; want only, nil", name, err)
	}
}

func TestRandomSourceEmptyPoolErrors(t *testing.T) {
	pool := &Pool{Name: "p", Entries: []PoolEntry{{SourceName: "a", Weight: 0}}}
	if _, err := RandomSource(pool); err == nil {
		t.Error("expected error for empty pool")
	}
}
