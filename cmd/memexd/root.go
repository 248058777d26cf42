// Package cli wires the memexd command tree: the long-running kernel daemon
// plus plugin inspection and lockfile authoring tools.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/memexd/memex/internal/config"
	"github.com/memexd/memex/internal/kernel"
)

type rootFlags struct {
	dataDir  string
	safeMode bool
}

// SetupRootCmd builds the memexd command tree.
func SetupRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "memexd",
		Short: "Capability-based plugin kernel for the memex workspace",
		Long: `memexd boots the plugin kernel: it discovers plugin manifests, verifies
them against the hash lockfile, resolves dependencies, and exposes each
admitted plugin's capabilities behind permission enforcement.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", defaultDataDir(),
		"kernel data directory (config, lockfile, plugins, audit trail)")
	root.PersistentFlags().BoolVar(&flags.safeMode, "safe-mode", false,
		"boot only the default pack and ignore user config overrides")

	root.AddCommand(runCmd(flags))
	root.AddCommand(pluginsCmd(flags))
	root.AddCommand(auditCmd(flags))
	root.AddCommand(versionCmd())

	return root
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memex"
	}
	return filepath.Join(home, ".memex")
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	if err := os.MkdirAll(flags.dataDir, 0755); err != nil {
		return config.Config{}, fmt.Errorf("create data dir: %w", err)
	}
	return config.Load(flags.dataDir, flags.safeMode)
}

func runCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Boot the kernel and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.PluginRoot, 0755); err != nil {
				return fmt.Errorf("create plugin root: %w", err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			k, err := kernel.Boot(ctx, kernel.Options{
				Config:   cfg,
				SafeMode: flags.safeMode,
			})
			if err != nil {
				return err
			}
			defer k.Shutdown()

			mode := "normal"
			if flags.safeMode {
				mode = "safe"
			}
			fmt.Printf("memexd %s running (%s mode), %d plugins admitted\n",
				kernel.Version, mode, len(k.Admitted()))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				fmt.Printf("received %v, shutting down\n", sig)
			case <-ctx.Done():
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kernel version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("memexd %s (manifest schemas %v)\n", kernel.Version, kernel.SchemaVersions)
		},
	}
}
