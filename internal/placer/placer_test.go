package placer

import "testing"

// TestSolveArticleExample mirrors spec.md §8's article example: four
// demands summing exactly to total capacity (48 = 2*24) but with no
// subset summing to exactly 24, so every complete assignment leaves
// one socket over capacity and the other under. The solver does not
// treat an over-capacity socket as infeasible — it only refuses to
// add a rank to a socket that is *already* over capacity from an
// earlier placement, never the placement that first pushes it
// negative — so it finds the tightest packing (norm=-1: one socket at
// 23/24, the other at 25/24) rather than aborting. Of the two
// norm=-1 splits, the one keeping every rank on its previous socket
// wins the migration tie-break.
func TestSolveArticleExample(t *testing.T) {
	s := NewSolver(2, 24)
	processes := []Process{
		{NodeRank: 0, NumThreads: 14, PrevSocketID: 0},
		{NodeRank: 1, NumThreads: 9, PrevSocketID: 0},
		{NodeRank: 2, NumThreads: 13, PrevSocketID: 1},
		{NodeRank: 3, NumThreads: 12, PrevSocketID: 1},
	}

	assignments, err := s.Solve(processes)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}

	want := map[int]int{0: 0, 1: 0, 2: 1, 3: 1}
	for _, a := range assignments {
		if a.SocketID != want[a.NodeRank] {
			t.Errorf("rank %d: got socket %d, want %d (no migration available, tightest packing)", a.NodeRank, a.SocketID, want[a.NodeRank])
		}
	}
}

// TestSolveHomogeneous checks the straightforward two-and-two case:
// four equal-sized ranks on two sockets with capacity for exactly two
// each.
func TestSolveHomogeneous(t *testing.T) {
	s := NewSolver(2, 64)
	processes := []Process{
		{NodeRank: 0, NumThreads: 32, PrevSocketID: -1},
		{NodeRank: 1, NumThreads: 32, PrevSocketID: -1},
		{NodeRank: 2, NumThreads: 32, PrevSocketID: -1},
		{NodeRank: 3, NumThreads: 32, PrevSocketID: -1},
	}

	assignments, err := s.Solve(processes)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}

	perSocket := map[int]int{}
	countBySocket := map[int]int{}
	for _, a := range assignments {
		perSocket[a.SocketID] += a.NumThreads
		countBySocket[a.SocketID]++
	}

	if len(perSocket) != 2 {
		t.Fatalf("expected both sockets used, got %v", perSocket)
	}
	for socket, sum := range perSocket {
		if sum != 64 {
			t.Errorf("socket %d: sum = %d, want 64", socket, sum)
		}
		if countBySocket[socket] != 2 {
			t.Errorf("socket %d: got %d ranks, want 2", socket, countBySocket[socket])
		}
	}
}

// TestSolveExactFit checks a case with an exact packing solution
// exists and is found, with norm == 0 (every socket filled exactly).
func TestSolveExactFit(t *testing.T) {
	s := NewSolver(2, 10)
	processes := []Process{
		{NodeRank: 0, NumThreads: 6, PrevSocketID: -1},
		{NodeRank: 1, NumThreads: 4, PrevSocketID: -1},
		{NodeRank: 2, NumThreads: 7, PrevSocketID: -1},
		{NodeRank: 3, NumThreads: 3, PrevSocketID: -1},
	}

	assignments, err := s.Solve(processes)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}

	perSocket := map[int]int{}
	for _, a := range assignments {
		perSocket[a.SocketID] += a.NumThreads
	}
	for socket, sum := range perSocket {
		if sum != 10 {
			t.Errorf("socket %d: sum = %d, want exact fit 10", socket, sum)
		}
	}
}

// TestSolvePrefersFewerMigrations checks the tie-break: among
// equally-tight packings, the solver favors the one keeping ranks on
// their previous socket.
func TestSolvePrefersFewerMigrations(t *testing.T) {
	s := NewSolver(2, 5)
	processes := []Process{
		{NodeRank: 0, NumThreads: 5, PrevSocketID: 0},
		{NodeRank: 1, NumThreads: 5, PrevSocketID: 1},
	}

	assignments, err := s.Solve(processes)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}

	for _, a := range assignments {
		var want int
		switch a.NodeRank {
		case 0:
			want = 0
		case 1:
			want = 1
		}
		if a.SocketID != want {
			t.Errorf("rank %d: got socket %d, want %d (no migration available, unique fit)", a.NodeRank, a.SocketID, want)
		}
	}
}

// TestSolveRejectsOverDemand checks a single rank demanding more
// threads than any socket has cores is reported as infeasible.
func TestSolveRejectsOverDemand(t *testing.T) {
	s := NewSolver(2, 4)
	processes := []Process{
		{NodeRank: 0, NumThreads: 6, PrevSocketID: -1},
		{NodeRank: 1, NumThreads: 2, PrevSocketID: -1},
	}

	if _, err := s.Solve(processes); err == nil {
		t.Fatalf("expected infeasible result for a demand exceeding coresPerSocket")
	}
}

// TestSolveReusesNodePool runs Solve repeatedly on the same Solver to
// exercise the free-list pool across calls.
func TestSolveReusesNodePool(t *testing.T) {
	s := NewSolver(2, 8)
	processes := []Process{
		{NodeRank: 0, NumThreads: 4, PrevSocketID: -1},
		{NodeRank: 1, NumThreads: 4, PrevSocketID: -1},
		{NodeRank: 2, NumThreads: 4, PrevSocketID: -1},
		{NodeRank: 3, NumThreads: 4, PrevSocketID: -1},
	}

	for i := 0; i < 50; i++ {
		if _, err := s.Solve(processes); err != nil {
			t.Fatalf("Solve iteration %d: %v", i, err)
		}
	}
}
