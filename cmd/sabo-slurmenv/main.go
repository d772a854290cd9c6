// Command sabo-slurmenv translates a Slurm job's environment into the
// SABO_WORLD_*/SABO_NODE_* variables sabo reads, then either prints
// them as shell export statements or execs a wrapped command with
// them injected, the way a Slurm job script would source this tool's
// output before launching the real MPI binary.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/bullsequana/sabo/internal/slurmenv"
)

func main() {
	var (
		printOnly = flag.Bool("print", false, "print export statements instead of exec'ing a command")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-print] [-- command args...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Translates SLURM_* job environment variables into SABO_* variables.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	derived, err := slurmenv.Translate(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sabo-slurmenv: %v\n", err)
		os.Exit(1)
	}

	exports := map[string]string{
		"SABO_WORLD_TASK_ID":   fmt.Sprintf("%d", derived.WorldTaskID),
		"SABO_WORLD_NUM_TASKS": fmt.Sprintf("%d", derived.WorldNumTasks),
		"SABO_NODE_TASK_ID":    fmt.Sprintf("%d", derived.NodeTaskID),
		"SABO_NODE_NUM_TASKS":  fmt.Sprintf("%d", derived.NodeNumTasks),
	}

	args := flag.Args()

	if *printOnly || len(args) == 0 {
		for _, k := range []string{"SABO_WORLD_TASK_ID", "SABO_WORLD_NUM_TASKS", "SABO_NODE_TASK_ID", "SABO_NODE_NUM_TASKS"} {
			fmt.Printf("export %s=%s\n", k, exports[k])
		}
		return
	}

	env := os.Environ()
	for k, v := range exports {
		env = append(env, k+"="+v)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "sabo-slurmenv: exec %s: %v\n", args[0], err)
		os.Exit(1)
	}
}
