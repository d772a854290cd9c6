package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OMP_NUM_THREADS", "SABO_STEP_BALANCING", "SABO_PERIODIC",
		"SABO_NUM_STEPS_EXCHANGED", "SABO_NO_REBALANCE", "SABO_IMPLICIT_BALANCING",
		"SABO_HWLOC_FILENAME", "SABO_SHARED_FILENAME", "SABO_WORLD_TASK_ID",
		"SABO_WORLD_NUM_TASKS", "SABO_NODE_TASK_ID", "SABO_NODE_NUM_TASKS", "SABO_LOG_DEBUG",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadRejectsMissingOmpNumThreads(t *testing.T) {
	clearEnv(t)

	if _, err := Load(); err == nil {
		t.Errorf("expected error when OMP_NUM_THREADS is unset")
	}
}

func TestLoadRejectsZeroOmpNumThreads(t *testing.T) {
	clearEnv(t)
	os.Setenv("OMP_NUM_THREADS", "0")
	defer os.Unsetenv("OMP_NUM_THREADS")

	if _, err := Load(); err == nil {
		t.Errorf("expected error when OMP_NUM_THREADS is 0")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("OMP_NUM_THREADS", "8")
	defer os.Unsetenv("OMP_NUM_THREADS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.StepBalancing != defaultStepBalancing {
		t.Errorf("StepBalancing = %d, want default %d", cfg.StepBalancing, defaultStepBalancing)
	}
	if cfg.Periodic != defaultPeriodic {
		t.Errorf("Periodic = %v, want default %v", cfg.Periodic, defaultPeriodic)
	}
	if cfg.NumStepsExchanged != defaultNumStepsExchanged {
		t.Errorf("NumStepsExchanged = %d, want default %d", cfg.NumStepsExchanged, defaultNumStepsExchanged)
	}
}

func TestLoadRejectsInvalidStepBalancing(t *testing.T) {
	clearEnv(t)
	os.Setenv("OMP_NUM_THREADS", "8")
	os.Setenv("SABO_STEP_BALANCING", "0")
	defer clearEnv(t)

	if _, err := Load(); err == nil {
		t.Errorf("expected error when SABO_STEP_BALANCING is 0")
	}
}

func TestLoadRejectsInvalidNumStepsExchanged(t *testing.T) {
	clearEnv(t)
	os.Setenv("OMP_NUM_THREADS", "8")
	os.Setenv("SABO_NUM_STEPS_EXCHANGED", "-1")
	defer clearEnv(t)

	if _, err := Load(); err == nil {
		t.Errorf("expected error when SABO_NUM_STEPS_EXCHANGED is negative")
	}
}

func TestLoadParsesLogDebugAsHex(t *testing.T) {
	clearEnv(t)
	os.Setenv("OMP_NUM_THREADS", "8")
	os.Setenv("SABO_LOG_DEBUG", "3")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogDebug != 3 {
		t.Errorf("LogDebug = %d, want 3", cfg.LogDebug)
	}
}
