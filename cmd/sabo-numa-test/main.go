// Command sabo-numa-test is an in-process multi-rank integration
// harness for the rebalancing pipeline, in the spirit of the
// teacher's cmd/numa-integration-test: numbered checkpoints, panic on
// a hard failure, no external process orchestration required. It
// spins up -ranks goroutines sharing one synthetic socket topology and
// one shared-memory rendezvous file, drives each rank's probe with a
// synthetic, deliberately unbalanced workload, and reports the thread
// counts and socket placements core.Context converges to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/bullsequana/sabo/internal/applier"
	"github.com/bullsequana/sabo/internal/binding"
	"github.com/bullsequana/sabo/internal/config"
	"github.com/bullsequana/sabo/internal/core"
	"github.com/bullsequana/sabo/internal/logx"
	"github.com/bullsequana/sabo/internal/probe"
	"github.com/bullsequana/sabo/internal/topology"
	"github.com/bullsequana/sabo/internal/transport/shm"
)

func main() {
	var (
		numRanks       = flag.Int("ranks", 4, "node-local rank count")
		initialThreads = flag.Int("threads", 4, "initial OMP_NUM_THREADS per rank")
		numSockets     = flag.Int("sockets", 2, "synthetic socket count")
		coresPerSocket = flag.Int("cores-per-socket", 8, "synthetic cores per socket")
		steps          = flag.Int("steps", 6, "number of simulated parallel regions")
		window         = flag.Int("window", 2, "SABO_NUM_STEPS_EXCHANGED")
		period         = flag.Int("period", 2, "SABO_STEP_BALANCING")
	)
	flag.Parse()

	fmt.Println("=== sabo rebalancing pipeline integration test ===")

	capacity := *numSockets * (*coresPerSocket)
	if *numRanks*(*initialThreads) != capacity {
		panic(fmt.Sprintf("ranks*threads (%d) must equal sockets*cores-per-socket (%d): the allocator always fills total capacity exactly",
			*numRanks*(*initialThreads), capacity))
	}

	syncFile := filepath.Join(os.TempDir(), fmt.Sprintf("sabo-numa-test-%d.sync", os.Getpid()))
	defer os.Remove(syncFile)
	defer os.Remove(syncFile + ".shm")

	fmt.Printf("\n1. Launching %d ranks (%d sockets x %d cores, %d threads each)...\n",
		*numRanks, *numSockets, *coresPerSocket, *initialThreads)

	results := make([]applier.RankState, *numRanks)
	rebinds := make([]int, *numRanks)

	var wg sync.WaitGroup
	for rank := 0; rank < *numRanks; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			runRank(rankConfig{
				rank:           rank,
				numRanks:       *numRanks,
				initialThreads: *initialThreads,
				numSockets:     *numSockets,
				coresPerSocket: *coresPerSocket,
				steps:          *steps,
				window:         *window,
				period:         *period,
				syncFile:       syncFile,
			}, &results[rank], &rebinds[rank])
		}(rank)
	}
	wg.Wait()

	fmt.Println("\n2. Final placement per rank:")
	totalThreads := 0
	bySocket := make([]int, *numSockets)
	for r, st := range results {
		fmt.Printf("   rank %d: socket=%d first_core=%d num_threads=%d (rebinds=%d)\n",
			r, st.SocketID, st.FirstCore, st.NumThreads, rebinds[r])
		totalThreads += st.NumThreads
		bySocket[st.SocketID] += st.NumThreads
	}

	if totalThreads != capacity {
		panic(fmt.Sprintf("thread conservation violated: got %d, want %d", totalThreads, capacity))
	}
	for s, n := range bySocket {
		if n > *coresPerSocket {
			panic(fmt.Sprintf("socket %d over capacity: %d threads on %d cores", s, n, *coresPerSocket))
		}
	}
	fmt.Println("✓ thread count conserved and every socket within capacity")

	fmt.Println("\n=== integration test completed successfully ===")
}

type rankConfig struct {
	rank, numRanks             int
	initialThreads             int
	numSockets, coresPerSocket int
	steps, window, period      int
	syncFile                   string
}

// workload returns a synthetic per-step elapsed time for rank, with
// rank 0 deliberately overloaded so the allocator has something to
// rebalance away from.
func workload(rank, step int) float64 {
	if rank == 0 {
		return 0.08 + 0.01*float64(step%3)
	}
	return 0.01 + 0.002*float64(step%2)
}

func runRank(rc rankConfig, out *applier.RankState, rebindCount *int) {
	log := logx.New(0)

	cfg := &config.Config{
		OmpNumThreads:      rc.initialThreads,
		StepBalancing:      rc.period,
		Periodic:           true,
		NumStepsExchanged:  rc.window,
		SharedNodeFilename: rc.syncFile,
		WorldTaskID:        rc.rank,
		WorldNumTasks:      rc.numRanks,
		NodeTaskID:         rc.rank,
		NodeNumTasks:       rc.numRanks,
	}

	coreIDBySocket := make([][]int, rc.numSockets)
	next := 0
	for s := range coreIDBySocket {
		cores := make([]int, rc.coresPerSocket)
		for c := range cores {
			cores[c] = next
			next++
		}
		coreIDBySocket[s] = cores
	}
	topo, err := topology.NewStatic(coreIDBySocket)
	if err != nil {
		panic(fmt.Sprintf("rank %d: build topology: %v", rc.rank, err))
	}

	aff := binding.New(log)

	tp := shm.New(cfg, log)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tp.Init(ctx); err != nil {
		panic(fmt.Sprintf("rank %d: transport init: %v", rc.rank, err))
	}
	defer tp.Fini()

	clock := probe.NewFakeClock()
	pr := probe.New(rc.initialThreads, clock)

	cctx := core.New(cfg, log, topo, tp, pr, aff)

	var mu sync.Mutex
	cctx.SetRebindHook(func(st applier.RankState) {
		mu.Lock()
		*rebindCount++
		mu.Unlock()

		var wg sync.WaitGroup
		for t := 0; t < st.NumThreads; t++ {
			wg.Add(1)
			go func(threadIndex int) {
				defer wg.Done()
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()

				if err := applier.BindSelf(st, topo, aff, threadIndex); err != nil {
					log.Error("rank %d thread %d: %v", st.NodeRank, threadIndex, err)
				}
			}(t)
		}
		wg.Wait()
	})

	for step := 0; step < rc.steps; step++ {
		pr.OnParallelBegin(0)
		clock.Advance(workload(rc.rank, step))
		pr.OnParallelEnd(0)

		if err := cctx.Rebalance(ctx); err != nil {
			panic(fmt.Sprintf("rank %d: rebalance at step %d: %v", rc.rank, step, err))
		}
	}

	*out = cctx.OwnState()
}
