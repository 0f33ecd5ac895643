package batch

import (
	"testing"
	"time"

	"github.com/sandialabs/canary/internal/resourcepool"
	"github.com/sandialabs/canary/internal/tcase"
)

func caseWithDuration(family string, seconds int, nodes int) *tcase.Case {
	return &tcase.Case{
		Family:    family,
		Timeout:   time.Duration(seconds) * time.Second,
		Resources: resourcepool.Reservation{CPUs: 1, Nodes: nodes},
	}
}

func TestPartitionCountMaxOneCasePerBatch(t *testing.T) {
	cases := []*tcase.Case{caseWithDuration("a", 1, 0), caseWithDuration("b", 2, 0), caseWithDuration("c", 3, 0)}
	batches := Partition(cases, Policy{Kind: PolicyCountMax}, nil)
	if len(batches) != 3 {
		t.Fatalf("Partition(CountMax) produced %d batches, want 3", len(batches))
	}
	for _, b := range batches {
		if len(b.Cases) != 1 {
			t.Errorf("batch %s has %d cases, want 1", b.ID, len(b.Cases))
		}
	}
}

func TestPartitionDurationFirstFitDecreasing(t *testing.T) {
	cases := []*tcase.Case{
		caseWithDuration("a", 6, 0),
		caseWithDuration("b", 5, 0),
		caseWithDuration("c", 4, 0),
	}
	batches := Partition(cases, Policy{Kind: PolicyDuration, Duration: 10}, nil)
	total := 0
	for _, b := range batches {
		total += len(b.Cases)
		if b.duration() > 10 {
			t.Errorf("batch %s duration %v exceeds limit 10", b.ID, b.duration())
		}
	}
	if total != 3 {
		t.Errorf("total cases across batches = %d, want 3", total)
	}
}

func TestPartitionCountLPTBalancesBins(t *testing.T) {
	cases := []*tcase.Case{
		caseWithDuration("a", 10, 0),
		caseWithDuration("b", 9, 0),
		caseWithDuration("c", 1, 0),
		caseWithDuration("d", 1, 0),
	}
	batches := Partition(cases, Policy{Kind: PolicyCount, Count: 2}, nil)
	if len(batches) != 2 {
		t.Fatalf("Partition(Count=2) produced %d batches, want 2", len(batches))
	}
	d0, d1 := batches[0].duration(), batches[1].duration()
	diff := d0 - d1
	if diff < 0 {
		diff = -diff
	}
	if diff > 1 {
		t.Errorf("LPT bins imbalanced: %v vs %v", d0, d1)
	}
}

func TestPartitionAssignsDeterministicIDsAndBatchID(t *testing.T) {
	cases := []*tcase.Case{caseWithDuration("b", 1, 0), caseWithDuration("a", 1, 0)}
	batches := Partition(cases, Policy{Kind: PolicyCountMax}, nil)
	for _, b := range batches {
		for _, c := range b.Cases {
			if c.BatchID != b.ID {
				t.Errorf("case %s BatchID = %q, want %q", c.Key(), c.BatchID, b.ID)
			}
		}
	}
	// batches sorted by their lexicographically-first case key: "a" before "b".
	if batches[0].Cases[0].Family != "a" {
		t.Errorf("batches[0] holds family %q, want \"a\" (lexicographically first)", batches[0].Cases[0].Family)
	}
}

func TestPartitionAtomicLayoutMergesDependentBatches(t *testing.T) {
	a := caseWithDuration("a", 1, 0)
	b := caseWithDuration("b", 1, 0)
	deps := func(c *tcase.Case) []string {
		if c == b {
			return []string{a.Key()}
		}
		return nil
	}
	// Force a and b into separate batches via PolicyCountMax, then atomic
	// layout must merge them back into one since b depends on a.
	batches := Partition([]*tcase.Case{a, b}, Policy{Kind: PolicyCountMax, Layout: LayoutAtomic}, deps)
	if len(batches) != 1 {
		t.Fatalf("atomic layout produced %d batches, want 1 (merged)", len(batches))
	}
	if len(batches[0].Cases) != 2 {
		t.Errorf("merged batch has %d cases, want 2", len(batches[0].Cases))
	}
}

func TestPartitionFlatLayoutSplitsConflict(t *testing.T) {
	a := caseWithDuration("a", 1, 0)
	b := caseWithDuration("b", 1, 0)
	deps := func(c *tcase.Case) []string {
		if c == b {
			return []string{a.Key()}
		}
		return nil
	}
	// PolicyCount with 1 bin forces a and b into the same batch; flat layout
	// must then re-home b to a batch of its own.
	batches := Partition([]*tcase.Case{a, b}, Policy{Kind: PolicyCount, Count: 1, Layout: LayoutFlat}, deps)
	for _, bt := range batches {
		names := make(map[string]bool)
		for _, c := range bt.Cases {
			names[c.Family] = true
		}
		if names["a"] && names["b"] {
			t.Fatalf("flat layout left a and b in the same batch %s", bt.ID)
		}
	}
	total := 0
	for _, bt := range batches {
		total += len(bt.Cases)
	}
	if total != 2 {
		t.Errorf("total cases after flat split = %d, want 2", total)
	}
}

func TestPartitionSameNodeGroupsByNodeCount(t *testing.T) {
	single := caseWithDuration("single", 1, 1)
	multi := caseWithDuration("multi", 1, 4)
	batches := Partition([]*tcase.Case{single, multi}, Policy{Kind: PolicyCountMax, SameNode: true}, nil)
	if len(batches) != 2 {
		t.Fatalf("Partition(SameNode) produced %d batches, want 2 (different node counts)", len(batches))
	}
}
