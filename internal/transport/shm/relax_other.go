//go:build linux && !amd64 && !arm64

package shm

// cpuRelax is a no-op on node architectures without a spin-wait hint
// instruction recognized by the Go assembler; syncStep1 simply spins
// without one here.
func cpuRelax() {}
