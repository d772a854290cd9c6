//go:build linux && amd64

package shm

// cpuRelax issues an x86 PAUSE instruction, the relax hint spec.md §9
// calls for inside the barrier's busy-wait loop ("use an explicit
// hint intrinsic; deliberate — no yielding"), mirroring
// module_shm.c's cpu_relax().
func cpuRelax()
