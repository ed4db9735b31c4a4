package config

import (
	"fmt"
	"os"
	"strings"
)

// Environment is the snapshot of process state that config discovery reads.
type Environment struct {
	// Vars holds environment variables.
	Vars    map[string]string
	// WorkDir is the directory relative paths and workflow_config.json are
	// looked up in. Empty means the process working directory.
	WorkDir string
}

// CurrentEnvironment snapshots the process environment and working directory.
func CurrentEnvironment() (Environment, error) {
	wd, err := os.Getwd()
	if err != nil {
		return Environment{}, fmt.Errorf("getting working directory: %w", err)
	}
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return Environment{Vars: vars, WorkDir: wd}, nil
}
