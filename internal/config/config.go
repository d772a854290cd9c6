// Package config loads sabo's process-wide, read-once configuration
// record. It replaces the original C library's per-variable cached
// getter with a sentinel uninitialized value (common/env.c) with the
// one-shot record the design notes in spec.md §9 call for.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/bullsequana/sabo/internal/logx"
)

// Config is sabo's immutable, process-wide tuning record (spec.md §3).
type Config struct {
	// OmpNumThreads is the initial per-rank thread count
	// (OMP_NUM_THREADS). Required, must be > 0.
	OmpNumThreads int

	// StepBalancing is the step period P (SABO_STEP_BALANCING).
	StepBalancing int

	// Periodic selects the gate rule: rebalance every P steps if
	// true, exactly once at step P if false (SABO_PERIODIC).
	Periodic bool

	// NumStepsExchanged is the window size W (SABO_NUM_STEPS_EXCHANGED).
	NumStepsExchanged int

	// NoRebalance disables the actual rebind call while still running
	// the solver, useful for measurement (SABO_NO_REBALANCE).
	NoRebalance bool

	// ImplicitBalancing makes the tool probe call the rebalance entry
	// point automatically at each parallel-region end
	// (SABO_IMPLICIT_BALANCING).
	ImplicitBalancing bool

	// HwlocXMLFile overrides topology discovery with a recorded
	// topology description (SABO_HWLOC_FILENAME).
	HwlocXMLFile string

	// SharedNodeFilename is the sync file path used by the
	// shared-memory transport backend (SABO_SHARED_FILENAME).
	SharedNodeFilename string

	// WorldTaskID / WorldNumTasks / NodeTaskID / NodeNumTasks identify
	// this rank for the shared-memory transport backend (the
	// message-passing backend derives them itself).
	WorldTaskID   int
	WorldNumTasks int
	NodeTaskID    int
	NodeNumTasks  int

	// LogDebug is the per-subsystem debug mask (SABO_LOG_DEBUG, hex).
	LogDebug logx.Subsystem
}

const (
	defaultStepBalancing     = 1
	defaultPeriodic          = false
	defaultNumStepsExchanged = 1
	defaultNoRebalance       = false
)

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}

	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}

	return n != 0
}

// Load reads the environment once and builds the immutable Config,
// validating the fatal-configuration class of errors eagerly the way
// env_variables_init does in the original.
func Load() (*Config, error) {
	cfg := &Config{
		OmpNumThreads:      getenvInt("OMP_NUM_THREADS", -1),
		StepBalancing:      getenvInt("SABO_STEP_BALANCING", defaultStepBalancing),
		Periodic:           getenvBool("SABO_PERIODIC", defaultPeriodic),
		NumStepsExchanged:  getenvInt("SABO_NUM_STEPS_EXCHANGED", defaultNumStepsExchanged),
		NoRebalance:        getenvBool("SABO_NO_REBALANCE", defaultNoRebalance),
		ImplicitBalancing:  getenvBool("SABO_IMPLICIT_BALANCING", false),
		HwlocXMLFile:       os.Getenv("SABO_HWLOC_FILENAME"),
		SharedNodeFilename: os.Getenv("SABO_SHARED_FILENAME"),
		WorldTaskID:        getenvInt("SABO_WORLD_TASK_ID", -1),
		WorldNumTasks:      getenvInt("SABO_WORLD_NUM_TASKS", -1),
		NodeTaskID:         getenvInt("SABO_NODE_TASK_ID", -1),
		NodeNumTasks:       getenvInt("SABO_NODE_NUM_TASKS", -1),
	}

	if v := os.Getenv("SABO_LOG_DEBUG"); v != "" {
		n, err := strconv.ParseUint(v, 16, 64)
		if err == nil {
			cfg.LogDebug = logx.Subsystem(n)
		}
	}

	if cfg.OmpNumThreads <= 0 {
		return nil, fmt.Errorf("sabo needs at least one omp thread (%d)", cfg.OmpNumThreads)
	}

	if cfg.StepBalancing <= 0 {
		return nil, fmt.Errorf("invalid step_balancing value (%d)", cfg.StepBalancing)
	}

	if cfg.NumStepsExchanged <= 0 {
		return nil, fmt.Errorf("invalid num_steps_exchanged value (%d)", cfg.NumStepsExchanged)
	}

	return cfg, nil
}
