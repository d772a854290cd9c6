// Package probe implements sabo's OMPT-facing timing collection: the
// per-rank "elapsed time per thread" measurement the allocator
// consumes each step, grounded on ompt/sabo_ompt.c's
// on_ompt_callback_parallel_begin/_end and
// on_ompt_callback_sync_region.
//
// The OpenMP runtime calls exactly one parallel-region begin/end pair
// per region, always from the master thread (OMPT thread index 0),
// and a sync-region-enter callback from every thread that reaches a
// barrier. Worker elapsed time is charged as (now - region start),
// not (now - barrier entry): workers never receive their own
// begin/end callbacks, so the shared region-start timestamp set by
// the master is the only reference point available.
package probe

import "sync"

// SyncKind mirrors the subset of OMPT's ompt_sync_region_t values the
// original reacts to.
type SyncKind int

const (
	SyncRegionBarrier         SyncKind = 2
	SyncRegionBarrierImplicit SyncKind = 9
)

func (k SyncKind) interesting() bool {
	return k == SyncRegionBarrier || k == SyncRegionBarrierImplicit
}

// ThreadState mirrors the OMPT ompt_state_t values the original
// checks; only the "overhead" (waiting at a barrier) state matters.
type ThreadState int

const (
	ThreadStateWork     ThreadState = 0
	ThreadStateOverhead ThreadState = 0x101
)

// Runtime collects per-thread elapsed time for one OpenMP thread team
// across one parallel region, the Go analogue of
// ompt_threads_data_t.
type Runtime struct {
	mu sync.Mutex

	clock Clock

	numThreads int
	elapsed    []float64
	start      float64
	numCalls   int

	reenter []bool

	implicitBalancing bool
	rebalance         func()
}

// New builds a Runtime sized for numThreads OpenMP threads.
func New(numThreads int, clock Clock) *Runtime {
	if clock == nil {
		clock = NewSystemClock()
	}

	return &Runtime{
		clock:      clock,
		numThreads: numThreads,
		elapsed:    make([]float64, numThreads),
		reenter:    make([]bool, numThreads),
	}
}

// SetImplicitBalancing enables calling the rebalance callback
// automatically at every parallel-region end (SABO_IMPLICIT_BALANCING).
func (r *Runtime) SetImplicitBalancing(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.implicitBalancing = enabled
}

// SetRebalanceFunc wires the weak-linked rebalance entry point the
// original resolves with dlsym against the host application; nil
// disables implicit balancing regardless of SetImplicitBalancing.
func (r *Runtime) SetRebalanceFunc(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebalance = f
}

// Resize grows or shrinks the per-thread elapsed table after a
// rebalance changes this rank's thread count, preserving already
// accumulated elapsed values for surviving indices.
func (r *Runtime) Resize(numThreads int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := make([]float64, numThreads)
	copy(elapsed, r.elapsed)
	reenter := make([]bool, numThreads)
	copy(reenter, r.reenter)

	r.numThreads = numThreads
	r.elapsed = elapsed
	r.reenter = reenter
}

// OnParallelBegin is the master thread's callback at the start of a
// parallel region: it records the region's start time.
func (r *Runtime) OnParallelBegin(tid int) {
	if tid != 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.guard(0) {
		return
	}
	defer r.unguard(0)

	r.start = r.clock.Now()
	r.numCalls++
}

// OnParallelEnd is the master thread's callback at the end of a
// parallel region: it records the master's own elapsed time and,
// when implicit balancing is enabled, invokes the rebalance callback.
func (r *Runtime) OnParallelEnd(tid int) {
	if tid != 0 {
		return
	}

	r.mu.Lock()
	if r.guard(0) {
		r.mu.Unlock()
		return
	}

	r.elapsed[0] = r.clock.Now() - r.start
	implicit := r.implicitBalancing
	cb := r.rebalance
	r.unguard(0)
	r.mu.Unlock()

	if implicit && cb != nil {
		cb()
	}
}

// OnSyncRegionEnter is every thread's callback at barrier entry. Only
// the overhead state at an interesting sync kind is charged, and the
// master thread (tid 0) is skipped to avoid double counting its own
// OnParallelEnd measurement.
func (r *Runtime) OnSyncRegionEnter(tid int, kind SyncKind, state ThreadState) {
	if !kind.interesting() || state != ThreadStateOverhead {
		return
	}

	if tid == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if tid < 0 || tid >= len(r.reenter) {
		return
	}

	if r.guard(tid) {
		return
	}
	defer r.unguard(tid)

	r.elapsed[tid] += r.clock.Now() - r.start
}

func (r *Runtime) guard(tid int) bool {
	if r.reenter[tid] {
		return true
	}

	r.reenter[tid] = true
	return false
}

func (r *Runtime) unguard(tid int) {
	r.reenter[tid] = false
}

// Gather returns a copy of the per-thread elapsed-time table
// accumulated since the last Reset, for the allocator to consume.
func (r *Runtime) Gather() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]float64, len(r.elapsed))
	copy(out, r.elapsed)
	return out
}

// NumCalls returns how many parallel regions have begun since Reset.
func (r *Runtime) NumCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numCalls
}

// Reset zeroes the elapsed-time table and call counter at a window
// boundary.
func (r *Runtime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.elapsed {
		r.elapsed[i] = 0
	}

	r.numCalls = 0
}
