// Package placer implements sabo's branch-and-bound socket placement
// solver (spec.md §4.4), grounded on common/decision_tree.c's
// tree_node/tree_ctx structures: a depth-first search over partial
// per-rank socket assignments, pruned by a running best bound, with
// node instances recycled through a small fixed-size free pool
// instead of churning allocations on every branch.
package placer

import "fmt"

// Process is one rank's placement request.
type Process struct {
	NumThreads   int
	PrevSocketID int
	NodeRank     int
}

// Assignment is the solver's verdict for one process.
type Assignment struct {
	NodeRank   int
	NumThreads int
	SocketID   int
}

const (
	nodeThreshold = 64
	unsetBound    = -1 << 30
)

// node is one partial-assignment search node. socketID[i] is the
// socket chosen for the i-th process in solve-order (sorted by
// ascending NumThreads), or -1 if unassigned.
type node struct {
	min              int
	norm             int
	numSocketChanges int
	placed           int
	depth            int

	socketFree []int
	socketID   []int

	best   *node
	father *node
}

// Solver holds the fixed-size node pool across repeated Solve calls
// for a given (numSockets, coresPerSocket) pair, the way tree_ctx
// holds one free-node list for the process's whole lifetime.
type Solver struct {
	numSockets     int
	coresPerSocket int

	free []*node
}

// NewSolver builds a Solver for a fixed socket topology. Its node pool
// starts empty and keeps at most nodeThreshold freed nodes for reuse.
func NewSolver(numSockets, coresPerSocket int) *Solver {
	s := &Solver{numSockets: numSockets, coresPerSocket: coresPerSocket}
	return s
}

func (s *Solver) allocNode(numProcesses int) *node {
	if n := len(s.free); n > 0 {
		nd := s.free[n-1]
		s.free = s.free[:n-1]
		return nd
	}

	return &node{
		socketFree: make([]int, s.numSockets),
		socketID:   make([]int, numProcesses),
	}
}

func (s *Solver) freeNode(n *node) {
	if n == nil {
		return
	}

	if len(s.free) < nodeThreshold {
		s.free = append(s.free, n)
	}
}

func (s *Solver) dupNode(dst, src *node, numProcesses int) *node {
	dst.min = src.min
	dst.norm = src.norm
	dst.numSocketChanges = src.numSocketChanges
	dst.placed = src.placed
	dst.depth = src.depth + 1
	dst.best = nil
	dst.father = src

	copy(dst.socketFree, src.socketFree)
	copy(dst.socketID, src.socketID)

	return dst
}

func (s *Solver) updateNode(n *node, socket int, processes []Process) {
	p := processes[n.placed]

	n.socketFree[socket] -= p.NumThreads
	n.socketID[n.placed] = socket
	n.placed++

	if p.PrevSocketID != socket {
		n.numSocketChanges++
	}

	if n.socketFree[socket] > 0 {
		return
	}

	if n.norm == unsetBound {
		n.norm = n.socketFree[socket]
	} else {
		n.norm += n.socketFree[socket]
	}
}

// Solve computes a socket assignment for processes, maximizing the
// lexicographic (norm, -numSocketChanges) objective of spec.md §4.4.
// Processes are sorted ascending by NumThreads before the search, so
// heavier ranks are decided last and the pruning bound is tightest
// where it matters most.
func (s *Solver) Solve(processes []Process) ([]Assignment, error) {
	if len(processes) == 0 {
		return nil, nil
	}

	sorted := make([]Process, len(processes))
	copy(sorted, processes)
	insertionSortByNumThreads(sorted)

	// A rank demanding more threads than any single socket holds can
	// never be placed without violating per-socket capacity (spec.md
	// §4.4: "Fatal error if no assignment satisfies per-socket
	// capacity, e.g. because some rank demands > C_s"). Sorted
	// ascending, the last entry is the largest.
	if largest := sorted[len(sorted)-1].NumThreads; largest > s.coresPerSocket {
		return nil, fmt.Errorf("placer: rank demands %d threads, exceeding cores_per_socket=%d", largest, s.coresPerSocket)
	}

	root := s.allocNode(len(sorted))
	root.min = unsetBound
	root.norm = unsetBound
	root.numSocketChanges = 0
	root.placed = 0
	root.depth = 0
	root.best = nil
	root.father = nil
	for i := range root.socketFree {
		root.socketFree[i] = s.coresPerSocket
	}
	for i := range root.socketID {
		root.socketID[i] = -1
	}

	s.buildRecursive(root, sorted)

	if root.best == nil {
		var demands []int
		for _, p := range sorted {
			demands = append(demands, p.NumThreads)
		}
		return nil, fmt.Errorf("placer: no feasible socket assignment (num_sockets=%d, cores_per_socket=%d, demands=%v)",
			s.numSockets, s.coresPerSocket, demands)
	}

	out := make([]Assignment, len(sorted))
	for i, p := range sorted {
		out[i] = Assignment{NodeRank: p.NodeRank, NumThreads: p.NumThreads, SocketID: root.best.socketID[i]}
	}

	return out, nil
}

func insertionSortByNumThreads(processes []Process) {
	for i := 1; i < len(processes); i++ {
		v := processes[i]
		j := i - 1
		for j >= 0 && processes[j].NumThreads > v.NumThreads {
			processes[j+1] = processes[j]
			j--
		}
		processes[j+1] = v
	}
}

func (s *Solver) buildRecursive(n *node, processes []Process) {
	var child *node

	for sock := 0; sock < s.numSockets; sock++ {
		if child == nil {
			child = s.allocNode(len(processes))
		}

		// Only refuse a socket that is already over capacity from an
		// earlier placement in this branch; the placement that first
		// pushes a socket negative is allowed through and penalized via
		// norm instead (spec.md §4.4: a saturated socket's C_s-used is
		// allowed to go negative).
		if n.socketFree[sock] < 0 {
			continue
		}

		child = s.dupNode(child, n, len(processes))
		s.updateNode(child, sock, processes)

		if child.norm != unsetBound && child.norm < n.min {
			continue
		}

		remaining := len(processes) - child.placed
		if remaining != 0 {
			s.buildRecursive(child, processes)
		} else {
			child.min = child.norm
		}

		if remaining != 0 {
			continue
		}

		if child.min < n.min {
			continue
		}

		if n.best != nil && child.min == n.min && child.numSocketChanges >= n.best.numSocketChanges {
			continue
		}

		tmp := n.best
		n.best = child
		n.min = child.min
		n.numSocketChanges = child.numSocketChanges
		child = tmp
	}

	s.freeNode(child)

	if n.father == nil {
		return
	}

	if n.father.min >= n.min {
		s.freeNode(n.best)
		return
	}

	s.freeNode(n.father.best)
	n.father.min = n.min
	n.father.best = n.best
}
