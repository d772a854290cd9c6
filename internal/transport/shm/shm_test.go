//go:build linux

package shm

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bullsequana/sabo/internal/config"
	"github.com/bullsequana/sabo/internal/logx"
)

func newRankConfig(syncFile string, nodeRank, nodeSize, window int) *config.Config {
	return &config.Config{
		NumStepsExchanged:  window,
		SharedNodeFilename: syncFile,
		WorldTaskID:        nodeRank,
		WorldNumTasks:      nodeSize,
		NodeTaskID:         nodeRank,
		NodeNumTasks:       nodeSize,
	}
}

// TestAllgatherExchangesEveryRanksSendBuffer runs nodeSize ranks as
// goroutines sharing one mmap'd region (the way separate processes
// would share one shm file) and checks every rank observes every
// other rank's W-length send buffer after one Allgather.
func TestAllgatherExchangesEveryRanksSendBuffer(t *testing.T) {
	dir := t.TempDir()
	syncFile := filepath.Join(dir, "node.sync")
	defer os.Remove(syncFile + ".shm")

	const nodeSize = 3
	const window = 2
	log := logx.New(0)

	backends := make([]*Backend, nodeSize)
	for r := 0; r < nodeSize; r++ {
		backends[r] = New(newRankConfig(syncFile, r, nodeSize, window), log)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make([]error, nodeSize)
	var wg sync.WaitGroup
	wg.Add(nodeSize)
	for r := 0; r < nodeSize; r++ {
		r := r
		go func() {
			defer wg.Done()
			errs[r] = backends[r].Init(ctx)
		}()
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d Init: %v", r, err)
		}
	}

	for r := 0; r < nodeSize; r++ {
		buf := backends[r].SendBuffer()
		for i := range buf {
			buf[i] = float64(r*100 + i)
		}
	}

	wg.Add(nodeSize)
	for r := 0; r < nodeSize; r++ {
		r := r
		go func() {
			defer wg.Done()
			errs[r] = backends[r].Allgather(ctx)
		}()
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d Allgather: %v", r, err)
		}
	}

	for r := 0; r < nodeSize; r++ {
		recv := backends[r].RecvBuffer()
		for src := 0; src < nodeSize; src++ {
			for i := 0; i < window; i++ {
				want := float64(src*100 + i)
				if got := recv[src*window+i]; got != want {
					t.Errorf("rank %d recv[src=%d][%d] = %v, want %v", r, src, i, got, want)
				}
			}
		}
	}

	for r := 0; r < nodeSize; r++ {
		if err := backends[r].Fini(); err != nil {
			t.Errorf("rank %d Fini: %v", r, err)
		}
	}
}

// TestGetWorldRankFromNodeRankTranslatesRendezvousTable checks the
// client's world rank, published during rendezvous, is visible to
// every other rank once Init completes.
func TestGetWorldRankFromNodeRankTranslatesRendezvousTable(t *testing.T) {
	dir := t.TempDir()
	syncFile := filepath.Join(dir, "node.sync")
	defer os.Remove(syncFile + ".shm")

	const nodeSize = 2
	log := logx.New(0)

	cfgMaster := newRankConfig(syncFile, 0, nodeSize, 1)
	cfgClient := newRankConfig(syncFile, 1, nodeSize, 1)
	cfgClient.WorldTaskID = 3

	master := New(cfgMaster, log)
	client := New(cfgClient, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var masterErr, clientErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); masterErr = master.Init(ctx) }()
	go func() { defer wg.Done(); clientErr = client.Init(ctx) }()
	wg.Wait()

	if masterErr != nil {
		t.Fatalf("master Init: %v", masterErr)
	}
	if clientErr != nil {
		t.Fatalf("client Init: %v", clientErr)
	}

	if got := master.GetWorldRankFromNodeRank(1); got != 3 {
		t.Errorf("node rank 1 -> world rank %d, want 3", got)
	}

	master.Fini()
	client.Fini()
}

// TestGetWorldRankFromNodeRankRejectsOutOfRange checks the translation
// table guards against an invalid node rank instead of panicking on an
// out-of-bounds slice access.
func TestGetWorldRankFromNodeRankRejectsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	syncFile := filepath.Join(dir, "node.sync")
	defer os.Remove(syncFile + ".shm")

	log := logx.New(0)
	b := New(newRankConfig(syncFile, 0, 1, 1), log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer b.Fini()

	if got := b.GetWorldRankFromNodeRank(5); got != -1 {
		t.Errorf("out-of-range node rank = %d, want -1", got)
	}
}
