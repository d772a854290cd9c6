//go:build linux

// Package shm implements sabo's shared-memory transport backend, a
// direct port of modules/module_shm.c: a single mmap'd region backs
// both rendezvous (which world rank sits at which node rank) and the
// allgather exchange itself, synchronized by a lock-free two-phase
// generation-counter barrier instead of any OS scheduling primitive.
//
// Rendezvous (which process owns the mmap) still goes through a
// flock'd regular file exactly as in the original; only the busy-wait
// in step 1 is softened with an fsnotify watch on the sync file so
// clients racing the master's first write don't spin a full OS
// thread, falling back to the original's 1ms retry when fsnotify is
// unavailable (e.g. no inotify support).
package shm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/bullsequana/sabo/internal/config"
	"github.com/bullsequana/sabo/internal/logx"
)

const maxProcessesOnNode = 256

// headerSize is the layout of the mmap'd shared_data struct:
// nodeSize int32 world ranks, then a uint32 generation id and a
// uint32 writer counter.
func headerSize(nodeSize int) int {
	return nodeSize*4 + 4 + 4
}

// Backend is sabo's shared-memory Transport.
type Backend struct {
	cfg    *config.Config
	log    *logx.Logger
	window int // W, num_steps_exchanged

	region []byte
	fd     int

	worldRanksOff int
	genIDOff      int
	nwriterOff    int
	rbufOff       int

	localGenID uint32

	worldRank, worldSize int
	nodeRank, nodeSize    int

	translateNodeRank []int

	sendBuf []float64
	recvBuf []float64

	initialized atomic.Bool
}

// New builds an uninitialized shared-memory Backend exchanging
// cfg.NumStepsExchanged doubles per rank on every Allgather.
func New(cfg *config.Config, log *logx.Logger) *Backend {
	return &Backend{cfg: cfg, log: log, fd: -1, window: cfg.NumStepsExchanged}
}

func (b *Backend) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.region[off]))
}

func (b *Backend) Init(ctx context.Context) error {
	b.worldRank = b.cfg.WorldTaskID
	b.worldSize = b.cfg.WorldNumTasks
	b.nodeRank = b.cfg.NodeTaskID
	b.nodeSize = b.cfg.NodeNumTasks

	if b.nodeSize <= 0 || b.nodeSize > maxProcessesOnNode {
		return fmt.Errorf("shm: invalid node size %d", b.nodeSize)
	}

	var err error
	if b.nodeRank == 0 {
		err = b.initMaster(ctx)
	} else {
		err = b.initClient(ctx)
	}
	if err != nil {
		return fmt.Errorf("shm: can't sync process on node: %w", err)
	}

	b.syncStep2()
	b.syncStep1(ctx)

	b.translateNodeRank = make([]int, b.nodeSize)
	for i := 0; i < b.nodeSize; i++ {
		wrank := int(int32(binary.LittleEndian.Uint32(b.region[b.worldRanksOff+4*i:])))
		b.translateNodeRank[i] = wrank
	}

	b.sendBuf = make([]float64, b.window)
	b.recvBuf = make([]float64, b.nodeSize*b.window)

	b.initialized.Store(true)
	return nil
}

func (b *Backend) mmapSize() int {
	return headerSize(b.nodeSize) + b.nodeSize*b.window*8
}

func (b *Backend) mapRegion(fd int) error {
	region, err := unix.Mmap(fd, 0, b.mmapSize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}

	b.region = region
	b.worldRanksOff = 0
	b.genIDOff = b.nodeSize * 4
	b.nwriterOff = b.genIDOff + 4
	b.rbufOff = headerSize(b.nodeSize)
	return nil
}

func (b *Backend) initMaster(ctx context.Context) error {
	shmName := b.shmFileName()

	_ = unix.Unlink(shmName)
	fd, err := unix.Open(shmName, unix.O_CREAT|unix.O_RDWR|unix.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("shm_open master: %w", err)
	}
	b.fd = fd

	if err := unix.Ftruncate(fd, int64(b.mmapSize())); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}

	if err := b.mapRegion(fd); err != nil {
		return err
	}
	for i := range b.region {
		b.region[i] = 0
	}
	binary.LittleEndian.PutUint32(b.region[b.worldRanksOff+4*b.nodeRank:], uint32(int32(b.worldRank)))

	return b.publishRendezvous(shmName)
}

func (b *Backend) initClient(ctx context.Context) error {
	shmName, err := b.awaitRendezvous(ctx)
	if err != nil {
		return err
	}

	fd, err := unix.Open(shmName, unix.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("shm_open client: %w", err)
	}
	b.fd = fd

	if err := b.mapRegion(fd); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(b.region[b.worldRanksOff+4*b.nodeRank:], uint32(int32(b.worldRank)))
	return nil
}

// publishRendezvous writes the shm file name to the flock'd sync
// file, unblocking every client spinning in awaitRendezvous.
func (b *Backend) publishRendezvous(shmName string) error {
	f, err := os.OpenFile(b.cfg.SharedNodeFilename, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("open syncfile: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("flock LOCK_EX: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate syncfile: %w", err)
	}
	if _, err := f.WriteAt([]byte(shmName), 0); err != nil {
		return fmt.Errorf("write syncfile: %w", err)
	}

	return nil
}

// awaitRendezvous waits for the master to publish the shm file name.
// It watches the sync file's directory with fsnotify and retries the
// read on every event, falling back to a 1ms poll loop (the
// original's usleep(1000)) when the watcher can't be created.
func (b *Backend) awaitRendezvous(ctx context.Context) (string, error) {
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		if err := watcher.Add(dirOf(b.cfg.SharedNodeFilename)); err != nil {
			watcher.Close()
			watcher = nil
		}
	}

	for {
		if name, ok := b.tryReadRendezvous(); ok {
			return name, nil
		}

		if werr == nil && watcher != nil {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-watcher.Events:
			case <-watcher.Errors:
			case <-time.After(time.Millisecond):
			}
		} else {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}
}

func (b *Backend) tryReadRendezvous() (string, bool) {
	f, err := os.Open(b.cfg.SharedNodeFilename)
	if err != nil {
		return "", false
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return "", false
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	buf := make([]byte, 256)
	n, err := f.Read(buf)
	if err != nil || n == 0 {
		return "", false
	}

	return string(buf[:n]), true
}

func (b *Backend) shmFileName() string {
	return b.cfg.SharedNodeFilename + ".shm"
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// syncStep1 busy-waits for the shared generation counter to reach
// this process's locally held generation, i.e. every process reached
// syncStep2 at least as many times as this one has.
func (b *Backend) syncStep1(ctx context.Context) {
	genPtr := b.u32(b.genIDOff)
	for {
		if atomic.LoadUint32(genPtr) == b.localGenID {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		cpuRelax()
	}
}

// syncStep2 is the "catch last processor" half of the barrier: the
// process that observes itself as the last writer bumps the shared
// generation counter, releasing everyone waiting in syncStep1.
func (b *Backend) syncStep2() {
	nwriterPtr := b.u32(b.nwriterOff)
	genPtr := b.u32(b.genIDOff)

	id := atomic.AddUint32(nwriterPtr, 1) - 1
	if int(id) == b.nodeSize-1 {
		atomic.StoreUint32(nwriterPtr, 0)
		atomic.AddUint32(genPtr, 1)
	}

	b.localGenID++
}

func (b *Backend) Fini() error {
	if b.region != nil {
		_ = unix.Munmap(b.region)
		b.region = nil
	}
	if b.fd >= 0 {
		_ = unix.Close(b.fd)
		b.fd = -1
	}
	b.initialized.Store(false)
	return nil
}

func (b *Backend) IsInitialized() bool { return b.initialized.Load() }

func (b *Backend) GetWorldRank() int { return b.worldRank }
func (b *Backend) GetWorldSize() int { return b.worldSize }
func (b *Backend) GetNodeRank() int  { return b.nodeRank }
func (b *Backend) GetNodeSize() int  { return b.nodeSize }

func (b *Backend) GetWorldRankFromNodeRank(nodeRank int) int {
	if nodeRank < 0 || nodeRank >= len(b.translateNodeRank) {
		return -1
	}
	return b.translateNodeRank[nodeRank]
}

func (b *Backend) SendBuffer() []float64 { return b.sendBuf }
func (b *Backend) RecvBuffer() []float64 { return b.recvBuf }

// Allgather publishes this rank's W-length sendBuf at offset
// node_rank*W in the shared rbuf array and copies the full
// node_size*W array into recvBuf, bracketed by the two-phase barrier
// so no reader observes a partially written generation.
func (b *Backend) Allgather(ctx context.Context) error {
	b.syncStep1(ctx)

	off := b.rbufOff + b.nodeRank*b.window*8
	for i, v := range b.sendBuf {
		binary.LittleEndian.PutUint64(b.region[off+i*8:], math.Float64bits(v))
	}

	b.syncStep2()
	b.syncStep1(ctx)

	for i := range b.recvBuf {
		bits := binary.LittleEndian.Uint64(b.region[b.rbufOff+i*8:])
		b.recvBuf[i] = math.Float64frombits(bits)
	}

	b.syncStep2()
	return nil
}
