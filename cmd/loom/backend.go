package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/pkg/state"
)

// loadBackend resolves the configured backend for a CLI command. The CLI
// talks to backends that exist outside the process, so "memory" is
// rejected and "s3" points users at embedding (the runtime takes an
// injected client; the CLI has no AWS credential plumbing of its own).
func loadBackend(cmd *cobra.Command) (*config.Config, state.Backend, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.Find(".")
	}
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Backend.Type {
	case "", "file":
		backend, err := state.NewFileBackend(cfg.Backend.Dir)
		if err != nil {
			return nil, nil, err
		}
		return cfg, backend, nil
	case "memory":
		return nil, nil, fmt.Errorf("the memory backend has no state outside a running process")
	case "s3":
		return nil, nil, fmt.Errorf("the s3 backend needs an AWS client; inspect it from your program or mount the inspector")
	default:
		return nil, nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}

// resolveStack picks the stack from args or config.
func resolveStack(cfg *config.Config, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if cfg.Stack != "" {
		return cfg.Stack, nil
	}
	return "", fmt.Errorf("no stack given and none configured in loom.json")
}
