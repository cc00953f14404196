package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/mergetrain/internal/configfile"
)

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write tool configuration",
	}
	cmd.AddCommand(newConfigGetCmd(c), newConfigSetCmd(c), newConfigPathCmd(c))
	return cmd
}

func newConfigGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one resolved configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configfile.Load()
			if err != nil {
				return err
			}
			values := map[string]any{
				"db":             cfg.DBPath,
				"actor":          cfg.Actor,
				"trunk":          cfg.Trunk,
				"workspace-root": cfg.WorkspaceRoot,
				"test-command":   cfg.TestCommand,
				"test-timeout":   cfg.TestTimeoutSeconds,
				"lock-ttl":       cfg.LockTTLSeconds,
				"queue-capacity": cfg.QueueCapacity,
				"max-failures":   cfg.MaxFailures,
			}
			v, ok := values[args[0]]
			if !ok {
				return &exitError{code: exitUsage, err: fmt.Errorf("unknown config key %q", args[0])}
			}
			fmt.Println(v)
			return nil
		},
	}
}

func newConfigSetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a key in the project config.yaml",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configfile.Load()
			if err != nil {
				return err
			}

			path := cfg.ProjectConfigPath
			doc := map[string]any{}
			if data, err := os.ReadFile(path); err == nil { // #nosec G304 - project config path
				if err := yaml.Unmarshal(data, &doc); err != nil {
					return fmt.Errorf("parse %s: %w", path, err)
				}
			}
			doc[args[0]] = args[1]

			out, err := yaml.Marshal(doc)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, out, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Printf("Set %s in %s\n", args[0], path)
			return nil
		},
	}
}

func newConfigPathCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configfile.Load()
			if err != nil {
				return err
			}
			fmt.Printf("project: %s\n", cfg.ProjectConfigPath)
			if global := configfile.GlobalConfigPath(); global != "" {
				fmt.Printf("global:  %s\n", global)
			}
			return nil
		},
	}
}
