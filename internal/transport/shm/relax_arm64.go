//go:build linux && arm64

package shm

// cpuRelax issues an arm64 YIELD instruction, the relax hint spec.md
// §9 calls for inside the barrier's busy-wait loop, mirroring
// module_shm.c's cpu_relax().
func cpuRelax()
