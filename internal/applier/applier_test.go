package applier

import (
	"testing"

	"github.com/bullsequana/sabo/internal/placer"
	"github.com/bullsequana/sabo/internal/topology"
)

func newFakeTopology() (topology.Topology, error) {
	return topology.NewStatic([][]int{
		{0, 1, 2, 3},
		{4, 5, 6, 7},
	})
}

func TestApplyAssignsFirstCoresByAscendingNodeRank(t *testing.T) {
	assignments := []placer.Assignment{
		{NodeRank: 2, NumThreads: 2, SocketID: 0},
		{NodeRank: 0, NumThreads: 3, SocketID: 0},
		{NodeRank: 1, NumThreads: 3, SocketID: 1},
	}
	prev := map[int]RankState{
		0: {PrevNumThreads: 3, PrevSocketID: 0, PrevFirstCore: 0},
		1: {PrevNumThreads: 3, PrevSocketID: 1, PrevFirstCore: 0},
		2: {PrevNumThreads: 2, PrevSocketID: 0, PrevFirstCore: 3},
	}

	states := Apply(assignments, prev, 2, 5)

	byRank := map[int]RankState{}
	for _, st := range states {
		byRank[st.NodeRank] = st
	}

	if byRank[0].FirstCore != 0 {
		t.Errorf("rank 0 first core = %d, want 0", byRank[0].FirstCore)
	}
	if byRank[2].FirstCore != 3 {
		t.Errorf("rank 2 first core = %d, want 3 (after rank 0's 3 threads on socket 0)", byRank[2].FirstCore)
	}
	if byRank[1].FirstCore != 0 {
		t.Errorf("rank 1 first core = %d, want 0 (sole occupant of socket 1)", byRank[1].FirstCore)
	}
}

func TestApplyNoRebindWhenUnchanged(t *testing.T) {
	st := RankState{
		NodeRank: 0, NumThreads: 4, SocketID: 1, FirstCore: 0,
		PrevNumThreads: 4, PrevSocketID: 1, PrevFirstCore: 0,
	}
	if NeedsRebind(st) {
		t.Errorf("identical placement should not need a rebind")
	}
}

func TestApplyRebindWhenThreadCountChanges(t *testing.T) {
	st := RankState{
		NodeRank: 0, NumThreads: 5, SocketID: 1, FirstCore: 0,
		PrevNumThreads: 4, PrevSocketID: 1, PrevFirstCore: 0,
	}
	if !NeedsRebind(st) {
		t.Errorf("changed thread count should need a rebind")
	}
}

func TestFixupCapacityShrinksOverAllocatedSocket(t *testing.T) {
	assignments := []placer.Assignment{
		{NodeRank: 0, NumThreads: 4, SocketID: 0},
		{NodeRank: 1, NumThreads: 4, SocketID: 0},
		{NodeRank: 2, NumThreads: 4, SocketID: 0},
	}
	prev := map[int]RankState{0: {}, 1: {}, 2: {}}

	states := Apply(assignments, prev, 1, 8)

	total := 0
	for _, st := range states {
		if st.NumThreads < 1 {
			t.Errorf("rank %d: num threads dropped below 1", st.NodeRank)
		}
		total += st.NumThreads
	}
	if total != 8 {
		t.Fatalf("fixup left total = %d, want 8 (socket capacity)", total)
	}
}

func TestFixupCapacityGrowsUnderAllocatedSocket(t *testing.T) {
	assignments := []placer.Assignment{
		{NodeRank: 0, NumThreads: 1, SocketID: 0},
		{NodeRank: 1, NumThreads: 1, SocketID: 0},
	}
	prev := map[int]RankState{0: {}, 1: {}}

	states := Apply(assignments, prev, 1, 8)

	total := 0
	for _, st := range states {
		total += st.NumThreads
	}
	if total != 8 {
		t.Fatalf("fixup left total = %d, want 8 (socket capacity)", total)
	}
}

func TestCoreForThreadUsesSocketLocalOffsets(t *testing.T) {
	topo, err := newFakeTopology()
	if err != nil {
		t.Fatalf("newFakeTopology: %v", err)
	}

	st := RankState{SocketID: 1, FirstCore: 2}
	got := CoreForThread(st, topo, 1)
	want := topo.SocketCoreID(1, 3)
	if got != want {
		t.Errorf("CoreForThread = %d, want %d", got, want)
	}
}
