// Package configfile loads the tool-level configuration from
// .mergetrain/config.yaml, found by walking up from the working directory.
// These are startup settings (database path, trunk bookmark, test command);
// the conflict_resolution section of the same file belongs to the policy
// package.
package configfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// ConfigDirName is the per-project directory holding the queue database,
// config, and logs.
const ConfigDirName = ".mergetrain"

// GlobalConfigPath returns the user-level config file path, or "" when the
// home directory cannot be determined.
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "mergetrain", "config.yaml")
}

// Config is the tool configuration after defaults and file merge.
type Config struct {
	// DBPath is the queue database location, relative to the project root
	// unless absolute.
	DBPath string
	// Actor identifies this operator in events when no --agent is given.
	Actor string
	// Trunk is the bookmark entries land on.
	Trunk string
	// WorkspaceRoot is where workspace checkouts live.
	WorkspaceRoot string
	// TestCommand runs inside a workspace before merging; empty skips tests.
	TestCommand string
	// TestTimeoutSeconds bounds one test run.
	TestTimeoutSeconds int
	// LockTTLSeconds is the processing lease lifetime.
	LockTTLSeconds int
	// QueueCapacity bounds pending entries; 0 means unbounded.
	QueueCapacity int
	// MaxFailures stops the train after this many terminal failures in a row.
	MaxFailures int

	// ProjectRoot is the directory containing ConfigDirName, or the working
	// directory when none was found.
	ProjectRoot string
	// ProjectConfigPath is the project config file, present or not.
	ProjectConfigPath string
}

// Load locates the project root and reads config.yaml through viper, with
// defaults for everything absent. A missing config file is not an error.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom is Load anchored at an explicit directory, for tests.
func LoadFrom(dir string) (*Config, error) {
	root, found := findProjectRoot(dir)

	v := viper.New()
	v.SetConfigFile(filepath.Join(root, ConfigDirName, "config.yaml"))
	v.SetConfigType("yaml")

	v.SetDefault("db", filepath.Join(ConfigDirName, "queue.db"))
	v.SetDefault("actor", "")
	v.SetDefault("trunk", "main")
	v.SetDefault("workspace-root", root)
	v.SetDefault("test-command", "")
	v.SetDefault("test-timeout", 600)
	v.SetDefault("lock-ttl", 300)
	v.SetDefault("queue-capacity", 0)
	v.SetDefault("max-failures", 3)

	if found {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read %s: %w", v.ConfigFileUsed(), err)
			}
		}
	}

	cfg := &Config{
		DBPath:             v.GetString("db"),
		Actor:              v.GetString("actor"),
		Trunk:              v.GetString("trunk"),
		WorkspaceRoot:      v.GetString("workspace-root"),
		TestCommand:        v.GetString("test-command"),
		TestTimeoutSeconds: v.GetInt("test-timeout"),
		LockTTLSeconds:     v.GetInt("lock-ttl"),
		QueueCapacity:      v.GetInt("queue-capacity"),
		MaxFailures:        v.GetInt("max-failures"),
		ProjectRoot:        root,
		ProjectConfigPath:  filepath.Join(root, ConfigDirName, "config.yaml"),
	}
	if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(root, cfg.DBPath)
	}
	if !filepath.IsAbs(cfg.WorkspaceRoot) {
		cfg.WorkspaceRoot = filepath.Join(root, cfg.WorkspaceRoot)
	}
	return cfg, nil
}

// findProjectRoot walks up from dir looking for a .mergetrain directory.
// Falls back to dir itself when none exists.
func findProjectRoot(dir string) (string, bool) {
	current := dir
	for {
		candidate := filepath.Join(current, ConfigDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return current, true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return dir, false
		}
		current = parent
	}
}
