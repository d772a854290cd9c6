package slurmenv

import (
	"reflect"
	"testing"
)

func TestParseTasksPerNodeExpandsRepeatGroups(t *testing.T) {
	got, err := ParseTasksPerNode("2(x3),1", 4)
	if err != nil {
		t.Fatalf("ParseTasksPerNode: %v", err)
	}
	want := []int{2, 2, 2, 1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseTasksPerNodeNoRepeatGroups(t *testing.T) {
	got, err := ParseTasksPerNode("4,2,1", 3)
	if err != nil {
		t.Fatalf("ParseTasksPerNode: %v", err)
	}
	want := []int{4, 2, 1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseTasksPerNodeSingleEntry(t *testing.T) {
	got, err := ParseTasksPerNode("8(x2)", 2)
	if err != nil {
		t.Fatalf("ParseTasksPerNode: %v", err)
	}
	want := []int{8, 8}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseTasksPerNodeRejectsWrongNodeCount(t *testing.T) {
	if _, err := ParseTasksPerNode("2(x3),1", 5); err == nil {
		t.Errorf("expected error when decoded node count doesn't match numNodes")
	}
}

func TestParseTasksPerNodeRejectsMalformedRepeat(t *testing.T) {
	cases := []string{
		"2(y3)",
		"2(x)",
		"2(x3",
		"",
		"2,,1",
		"a(x3)",
	}
	for _, c := range cases {
		if _, err := ParseTasksPerNode(c, 4); err == nil {
			t.Errorf("ParseTasksPerNode(%q): expected error, got none", c)
		}
	}
}

func fakeGetenv(values map[string]string) Getenv {
	return func(name string) string { return values[name] }
}

func TestTranslateDerivesWorldAndNodeIdentity(t *testing.T) {
	get := fakeGetenv(map[string]string{
		"SLURM_PROCID":         "5",
		"SLURM_NTASKS":         "8",
		"SLURM_LOCALID":        "1",
		"SLURM_NODEID":         "1",
		"SLURM_JOB_NUM_NODES":  "2",
		"SLURM_TASKS_PER_NODE": "4(x2)",
	})

	got, err := Translate(get)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	want := &Derived{
		WorldTaskID:   5,
		WorldNumTasks: 8,
		NodeTaskID:    1,
		NodeNumTasks:  4,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestTranslateAllowsZeroProcidAndLocalid(t *testing.T) {
	get := fakeGetenv(map[string]string{
		"SLURM_PROCID":         "0",
		"SLURM_NTASKS":         "4",
		"SLURM_LOCALID":        "0",
		"SLURM_NODEID":         "0",
		"SLURM_JOB_NUM_NODES":  "2",
		"SLURM_TASKS_PER_NODE": "2,2",
	})

	got, err := Translate(get)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got.WorldTaskID != 0 || got.NodeTaskID != 0 {
		t.Errorf("got %+v, want zero-valued task ids preserved", got)
	}
}

func TestTranslateFailsOnMissingVariable(t *testing.T) {
	get := fakeGetenv(map[string]string{
		"SLURM_NTASKS": "4",
	})

	if _, err := Translate(get); err == nil {
		t.Errorf("expected error when SLURM_PROCID is unset")
	}
}

func TestTranslateFailsOnNodeidOutOfRange(t *testing.T) {
	get := fakeGetenv(map[string]string{
		"SLURM_PROCID":         "0",
		"SLURM_NTASKS":         "4",
		"SLURM_LOCALID":        "0",
		"SLURM_NODEID":         "3",
		"SLURM_JOB_NUM_NODES":  "2",
		"SLURM_TASKS_PER_NODE": "2,2",
	})

	if _, err := Translate(get); err == nil {
		t.Errorf("expected error when SLURM_NODEID is out of range")
	}
}
