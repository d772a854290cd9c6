// Package slurmenv translates the Slurm job environment into the
// SABO_* variables internal/config.Load reads, a direct port of
// tools/slurm_variables_parser.c's SLURM_TASKS_PER_NODE decoder and
// its surrounding SLURM_* lookups.
package slurmenv

import (
	"fmt"
	"strconv"
	"strings"
)

// Derived is the set of process-identity values sabo needs that Slurm
// only exposes indirectly (SLURM_TASKS_PER_NODE must be decoded to
// learn how many tasks share this node).
type Derived struct {
	WorldTaskID   int
	WorldNumTasks int
	NodeTaskID    int
	NodeNumTasks  int
}

// Getenv abstracts os.Getenv so the decoder is testable without
// mutating the real process environment.
type Getenv func(name string) string

func readInt(get Getenv, name string, allowZero bool) (int, error) {
	v := get(name)
	if v == "" {
		return 0, fmt.Errorf("can't read %q env variable", name)
	}

	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %q integer %q", name, v)
	}

	if n < 0 || (n == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %q integer %q", name, v)
	}

	return n, nil
}

// ParseTasksPerNode expands Slurm's compressed SLURM_TASKS_PER_NODE
// notation ("2(x3),1" meaning three nodes with 2 tasks then one node
// with 1 task) into one entry per node. numNodes bounds the expected
// length the way the original sizes its fixed array from
// SLURM_JOB_NUM_NODES before parsing.
func ParseTasksPerNode(expr string, numNodes int) ([]int, error) {
	out := make([]int, 0, numNodes)
	rest := expr

	for len(rest) > 0 {
		count, tail, err := readLeadingInt(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value in %q: %w", expr, err)
		}
		if count <= 0 {
			return nil, fmt.Errorf("invalid integer value in %q", expr)
		}
		rest = tail

		repeat := 1
		if strings.HasPrefix(rest, "(") {
			if !strings.HasPrefix(rest, "(x") {
				return nil, fmt.Errorf("invalid repeat specification in %q", expr)
			}
			rest = rest[2:]

			n, tail, err := readLeadingInt(rest)
			if err != nil || n == 0 {
				return nil, fmt.Errorf("invalid repeat count in %q", expr)
			}
			rest = tail

			if !strings.HasPrefix(rest, ")") {
				return nil, fmt.Errorf("unexpected character in %q", expr)
			}
			rest = rest[1:]
			repeat = n
		}

		for i := 0; i < repeat; i++ {
			if len(out) >= numNodes {
				return nil, fmt.Errorf("unexpected error: %q overflows %d nodes", expr, numNodes)
			}
			out = append(out, count)
		}

		if rest == "" {
			break
		}
		if !strings.HasPrefix(rest, ",") {
			return nil, fmt.Errorf("unexpected character in %q", expr)
		}
		rest = rest[1:]
	}

	if len(out) != numNodes {
		return nil, fmt.Errorf("unexpected error: %q decodes to %d nodes, want %d", expr, len(out), numNodes)
	}

	return out, nil
}

func readLeadingInt(s string) (int, string, error) {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == start {
		return 0, "", fmt.Errorf("no digits at %q", s)
	}

	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, "", err
	}
	return n, s[i:], nil
}

// nodeTasks resolves this node's task count out of SLURM_TASKS_PER_NODE,
// indexed by SLURM_NODEID.
func nodeTasks(get Getenv) (int, error) {
	nodeID, err := readInt(get, "SLURM_NODEID", true)
	if err != nil {
		return 0, err
	}

	numNodes, err := readInt(get, "SLURM_JOB_NUM_NODES", false)
	if err != nil {
		return 0, err
	}

	if nodeID >= numNodes {
		return 0, fmt.Errorf("SLURM_NODEID %d out of range for SLURM_JOB_NUM_NODES %d", nodeID, numNodes)
	}

	expr := get("SLURM_TASKS_PER_NODE")
	if expr == "" {
		return 0, fmt.Errorf("can't read %q env variable", "SLURM_TASKS_PER_NODE")
	}

	perNode, err := ParseTasksPerNode(expr, numNodes)
	if err != nil {
		return 0, err
	}

	return perNode[nodeID], nil
}

// Translate reads the Slurm job environment and derives the values
// sabo needs: SLURM_PROCID/SLURM_NTASKS give the world identity
// directly, while the node-local task count takes the
// SLURM_TASKS_PER_NODE decode above.
func Translate(get Getenv) (*Derived, error) {
	worldTaskID, err := readInt(get, "SLURM_PROCID", true)
	if err != nil {
		return nil, err
	}

	worldNumTasks, err := readInt(get, "SLURM_NTASKS", false)
	if err != nil {
		return nil, err
	}

	nodeTaskID, err := readInt(get, "SLURM_LOCALID", true)
	if err != nil {
		return nil, err
	}

	nodeNumTasks, err := nodeTasks(get)
	if err != nil {
		return nil, err
	}

	return &Derived{
		WorldTaskID:   worldTaskID,
		WorldNumTasks: worldNumTasks,
		NodeTaskID:    nodeTaskID,
		NodeNumTasks:  nodeNumTasks,
	}, nil
}
