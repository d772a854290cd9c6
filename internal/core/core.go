// Package core implements sabo's orchestration context (spec.md
// §4.6): the per-process singleton tying probe, transport, allocator,
// placer and applier together, and the step-counter gate rule that
// decides when a rebalance point does useful work.
package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/bullsequana/sabo/internal/allocator"
	"github.com/bullsequana/sabo/internal/applier"
	"github.com/bullsequana/sabo/internal/binding"
	"github.com/bullsequana/sabo/internal/config"
	"github.com/bullsequana/sabo/internal/errs"
	"github.com/bullsequana/sabo/internal/logx"
	"github.com/bullsequana/sabo/internal/placer"
	"github.com/bullsequana/sabo/internal/probe"
	"github.com/bullsequana/sabo/internal/topology"
	"github.com/bullsequana/sabo/internal/transport"
)

// Context is sabo's per-process balancing state: configuration,
// topology, transport, the per-thread probe, the placement solver,
// and the node-local per-rank bookkeeping the allocator and placer
// need as their "current"/"previous" baseline across rebalances.
type Context struct {
	mu sync.Mutex

	cfg      *config.Config
	log      *logx.Logger
	topo     topology.Topology
	tp       transport.Transport
	probe    *probe.Runtime
	affinity binding.Affinity
	solver   *placer.Solver

	step int

	peerNumThreads []int
	peerSocketID   []int
	peerFirstCore  []int

	onRebind func(applier.RankState)
}

// New builds a Context. tp must already be initialized (tp.Init
// called) so GetNodeSize reflects the real node-local group.
func New(cfg *config.Config, log *logx.Logger, topo topology.Topology, tp transport.Transport, pr *probe.Runtime, aff binding.Affinity) *Context {
	nodeSize := tp.GetNodeSize()

	peerNumThreads := make([]int, nodeSize)
	for i := range peerNumThreads {
		peerNumThreads[i] = cfg.OmpNumThreads
	}

	return &Context{
		cfg:            cfg,
		log:            log,
		topo:           topo,
		tp:             tp,
		probe:          pr,
		affinity:       aff,
		solver:         placer.NewSolver(topo.NumSockets(), topo.NumCoresPerSocket()),
		peerNumThreads: peerNumThreads,
		peerSocketID:   make([]int, nodeSize),
		peerFirstCore:  make([]int, nodeSize),
	}
}

// SetRebindHook installs the callback invoked with the caller's own
// new placement whenever a rebalance actually changes it; this is the
// embedding application's hook into the parallel-runtime binding
// primitive spec.md §1 calls an external collaborator (each worker
// thread is expected to call applier.BindSelf with its own thread
// index from inside the hook, or from wherever it next reaches a
// safe point).
func (c *Context) SetRebindHook(f func(applier.RankState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRebind = f
}

// Step returns the current 0-indexed step counter.
func (c *Context) Step() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

func trigger(k, period int, periodic bool) bool {
	if periodic {
		return (k+1)%period == 0
	}
	return k == period
}

// shouldRebalance implements the gate rule of spec.md §4.6. Must be
// called with c.mu held.
func (c *Context) shouldRebalance() bool {
	k := c.step
	w := c.cfg.NumStepsExchanged
	return c.tp.IsInitialized() && (k+1 > w) && trigger(k, c.cfg.StepBalancing, c.cfg.Periodic)
}

// Rebalance is sabo's rebalance point: called once per step, either
// explicitly by the application or automatically by the probe at
// parallel-region end when implicit_balancing is enabled. It records
// this step's elapsed time, always participates in the node-local
// collective once the gate fires (so peers never deadlock on a rank
// that will go on to skip), and — unless the per-rank speed-up gate
// finds this rank already balanced — recomputes the node-wide thread
// allocation and socket placement and rebinds this rank if its own
// placement changed.
func (c *Context) Rebalance(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := c.probe.Gather()
	c.probe.Reset()

	total := 0.0
	for _, e := range elapsed {
		total += e
	}

	window := c.cfg.NumStepsExchanged
	sendBuf := c.tp.SendBuffer()
	sendBuf[c.step%window] = total

	should := c.shouldRebalance()
	c.step++

	if !should {
		return nil
	}

	if err := c.tp.Allgather(ctx); err != nil {
		errs.FatalComm("E_ALLGATHER", err.Error(), nil)
		return err
	}

	nodeSize := c.tp.GetNodeSize()
	recv := c.tp.RecvBuffer()
	own := c.tp.GetNodeRank()

	ranks := make([]allocator.Rank, nodeSize)
	for r := 0; r < nodeSize; r++ {
		rankElapsed := make([]float64, window)
		copy(rankElapsed, recv[r*window:(r+1)*window])

		ranks[r] = allocator.Rank{
			Elapsed:           rankElapsed,
			CurrentNumThreads: c.peerNumThreads[r],
		}
	}

	if allocator.ShouldSkipSpeedUp(ranks, own) {
		c.log.Debug(logx.Core, "node rank %d: speed-up gate skip at step %d", own, c.step-1)
		return nil
	}

	numThreads := allocator.Allocate(ranks, c.topo.NumSockets(), c.topo.NumCoresPerSocket())

	processes := make([]placer.Process, nodeSize)
	for r := 0; r < nodeSize; r++ {
		processes[r] = placer.Process{
			NumThreads:   numThreads[r],
			PrevSocketID: c.peerSocketID[r],
			NodeRank:     r,
		}
	}

	assignments, err := c.solver.Solve(processes)
	if err != nil {
		errs.FatalDecisionTree("E_INFEASIBLE", err.Error(), map[string]interface{}{"node_rank": own})
		return err
	}

	prev := make(map[int]applier.RankState, nodeSize)
	for r := 0; r < nodeSize; r++ {
		prev[r] = applier.RankState{
			PrevNumThreads: c.peerNumThreads[r],
			PrevSocketID:   c.peerSocketID[r],
			PrevFirstCore:  c.peerFirstCore[r],
		}
	}

	states := applier.Apply(assignments, prev, c.topo.NumSockets(), c.topo.NumCoresPerSocket())

	var ownState applier.RankState
	for _, st := range states {
		st.PrevNumThreads = prev[st.NodeRank].PrevNumThreads
		st.PrevSocketID = prev[st.NodeRank].PrevSocketID
		st.PrevFirstCore = prev[st.NodeRank].PrevFirstCore

		c.peerNumThreads[st.NodeRank] = st.NumThreads
		c.peerSocketID[st.NodeRank] = st.SocketID
		c.peerFirstCore[st.NodeRank] = st.FirstCore

		if st.NodeRank == own {
			ownState = st
		}
	}

	c.probe.Resize(ownState.NumThreads)

	if applier.NeedsRebind(ownState) && !c.cfg.NoRebalance && c.onRebind != nil {
		c.onRebind(ownState)
	}

	return nil
}

// OwnState returns the caller's own last-computed placement, useful
// for tests and for the integration harness to report what happened.
func (c *Context) OwnState() applier.RankState {
	c.mu.Lock()
	defer c.mu.Unlock()

	own := c.tp.GetNodeRank()
	return applier.RankState{
		NodeRank:   own,
		NumThreads: c.peerNumThreads[own],
		SocketID:   c.peerSocketID[own],
		FirstCore:  c.peerFirstCore[own],
	}
}

// Close finalizes the transport backing this Context.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tp.Fini(); err != nil {
		return fmt.Errorf("core: transport fini: %w", err)
	}
	return nil
}
