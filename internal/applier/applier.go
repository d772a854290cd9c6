// Package applier implements sabo's placement applier (spec.md
// §4.5): turning the solver's per-rank socket assignment into
// concrete first-core indices, a capacity fixup pass, and the actual
// core binding for the caller's own rank.
package applier

import (
	"fmt"
	"sort"

	"github.com/bullsequana/sabo/internal/binding"
	"github.com/bullsequana/sabo/internal/placer"
	"github.com/bullsequana/sabo/internal/topology"
)

// RankState is one rank's placement result plus the previous binding
// it is compared against to decide whether a rebind is needed.
type RankState struct {
	NodeRank   int
	NumThreads int
	SocketID   int

	PrevNumThreads int
	PrevSocketID   int
	PrevFirstCore  int

	FirstCore int
}

// Apply runs the capacity fixup pass, then sorts each socket's
// assigned ranks by ascending node rank and computes first-core
// indices as a prefix sum of thread counts. It returns the updated
// per-rank states in the same order as assignments, which need not be
// NodeRank order.
func Apply(assignments []placer.Assignment, prev map[int]RankState, numSockets, coresPerSocket int) []RankState {
	states := make([]RankState, len(assignments))
	for i, a := range assignments {
		p := prev[a.NodeRank]
		states[i] = RankState{
			NodeRank:       a.NodeRank,
			NumThreads:     a.NumThreads,
			SocketID:       a.SocketID,
			PrevNumThreads: p.PrevNumThreads,
			PrevSocketID:   p.PrevSocketID,
			PrevFirstCore:  p.PrevFirstCore,
		}
	}

	fixupCapacity(states, numSockets, coresPerSocket)
	assignFirstCores(states, numSockets)

	return states
}

// bySocket groups rank indices by socket id.
func bySocket(states []RankState, numSockets int) [][]int {
	groups := make([][]int, numSockets)
	for i, st := range states {
		groups[st.SocketID] = append(groups[st.SocketID], i)
	}
	return groups
}

// fixupCapacity corrects per-socket over/under-assignment left by
// upstream interaction between the allocator and the placer: while a
// socket is over capacity, decrement its ranks' thread counts
// round-robin (never below 1); while under capacity, increment them
// round-robin. It takes effect whenever the placer's assignment leaves
// a socket over or under its capacity, which the placer allows (it
// admits the placement that first pushes a socket over capacity, see
// placer.buildRecursive) even when the allocator's counts sum to the
// node total.
func fixupCapacity(states []RankState, numSockets, coresPerSocket int) {
	groups := bySocket(states, numSockets)

	for socket, members := range groups {
		free := coresPerSocket
		for _, idx := range members {
			free -= states[idx].NumThreads
		}

		if len(members) == 0 {
			continue
		}

		cursor := 0
		for free < 0 {
			idx := members[cursor%len(members)]
			if states[idx].NumThreads > 1 {
				states[idx].NumThreads--
				free++
			}
			cursor++

			if cursor > len(members)*coresPerSocket*2 {
				break // pathological input; avoid spinning forever
			}
		}

		cursor = 0
		for free > 0 {
			idx := members[cursor%len(members)]
			states[idx].NumThreads++
			free--
			cursor++
			_ = socket
		}
	}
}

// assignFirstCores re-sorts each socket's ranks by ascending node
// rank and computes each one's first-core index as the prefix sum of
// thread counts over ranks with smaller node rank on the same
// socket.
func assignFirstCores(states []RankState, numSockets int) {
	groups := bySocket(states, numSockets)

	for _, members := range groups {
		sort.Slice(members, func(i, j int) bool {
			return states[members[i]].NodeRank < states[members[j]].NodeRank
		})

		firstCore := 0
		for _, idx := range members {
			states[idx].FirstCore = firstCore
			firstCore += states[idx].NumThreads
		}
	}
}

// NeedsRebind reports whether the caller's own rank changed placement
// since the previous rebalance: num_threads, socket_id and
// first_core_id must all be unchanged for the short-circuit of
// spec.md §4.5 to apply.
func NeedsRebind(st RankState) bool {
	return st.NumThreads != st.PrevNumThreads || st.SocketID != st.PrevSocketID || st.FirstCore != st.PrevFirstCore
}

// CoreForThread computes the OS core thread index threadIndex of a
// team placed on st should bind to.
func CoreForThread(st RankState, topo topology.Topology, threadIndex int) int {
	return topo.SocketCoreID(st.SocketID, st.FirstCore+threadIndex)
}

// BindSelf is meant to be called by each of this rank's own OpenMP
// worker threads after a rebalance, mirroring the original's runtime
// binding primitive: each team thread looks up its own OS core by
// thread index and pins the calling OS thread to it. Callers must
// invoke this from the very thread being pinned (e.g. after
// runtime.LockOSThread).
func BindSelf(st RankState, topo topology.Topology, aff binding.Affinity, threadIndex int) error {
	osCore := CoreForThread(st, topo, threadIndex)
	if err := aff.Bind(osCore); err != nil {
		return fmt.Errorf("applier: bind thread %d to core %d: %w", threadIndex, osCore, err)
	}

	return nil
}
