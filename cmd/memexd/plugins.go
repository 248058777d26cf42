package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/memexd/memex/internal/config"
	"github.com/memexd/memex/internal/depgraph"
	"github.com/memexd/memex/internal/gate"
	"github.com/memexd/memex/internal/hashlock"
	"github.com/memexd/memex/internal/kernel"
	"github.com/memexd/memex/internal/logging"
	"github.com/memexd/memex/internal/manifest"
)

func pluginsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect, verify, and lock installed plugins",
	}
	cmd.AddCommand(pluginsListCmd(flags))
	cmd.AddCommand(pluginsVerifyCmd(flags))
	cmd.AddCommand(pluginsHashCmd())
	cmd.AddCommand(pluginsLockCmd(flags))
	return cmd
}

// dryAdmit runs the admission pipeline without starting any hosts.
func dryAdmit(cfg config.Config, safeMode bool) ([]hashlock.Verified, []manifest.Failure, error) {
	entries, failures, err := manifest.NewStore(cfg.PluginRoot).Discover()
	if err != nil {
		return nil, nil, err
	}
	lock, err := hashlock.LoadLockfile(cfg.LockPath, cfg.LockSignature)
	if err != nil {
		return nil, nil, err
	}
	verified := hashlock.Verify(entries, lock)
	admitted, gateFailures := gate.Filter(verified, &cfg, safeMode, kernel.Version, kernel.SchemaVersions)
	failures = append(failures, gateFailures...)

	nodes := make([]depgraph.Node, 0, len(admitted))
	byID := make(map[string]hashlock.Verified, len(admitted))
	for _, v := range admitted {
		nodes = append(nodes, depgraph.Node{ID: v.Manifest.PluginID, DependsOn: v.Manifest.DependsOn})
		byID[v.Manifest.PluginID] = v
	}
	result := depgraph.Sort(nodes)
	for _, ex := range result.Excluded {
		failures = append(failures, manifest.Failure{
			PluginID: ex.PluginID,
			Reason:   ex.Reason,
			Err:      fmt.Errorf("%s", ex.Detail),
		})
	}

	ordered := make([]hashlock.Verified, 0, len(result.Order))
	for _, id := range result.Order {
		ordered = append(ordered, byID[id])
	}
	return ordered, failures, nil
}

func pluginsListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plugins in load order with their admission status",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Disable()
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			admitted, failures, err := dryAdmit(cfg, flags.safeMode)
			if err != nil {
				return err
			}

			if len(admitted) == 0 && len(failures) == 0 {
				fmt.Println("No plugins found.")
				fmt.Printf("\nPlugin root: %s\n", cfg.PluginRoot)
				return nil
			}

			if len(admitted) > 0 {
				fmt.Println("Admitted (load order):")
				for _, v := range admitted {
					fmt.Printf("  - %s v%s", v.Manifest.PluginID, v.Manifest.Version)
					if len(v.Manifest.DependsOn) > 0 {
						fmt.Printf("  (after %v)", v.Manifest.DependsOn)
					}
					fmt.Println()
				}
			}

			if len(failures) > 0 {
				sort.Slice(failures, func(i, j int) bool { return failures[i].PluginID < failures[j].PluginID })
				fmt.Println("Rejected:")
				for _, f := range failures {
					fmt.Printf("  - %s: %s\n", f.PluginID, f.Error())
				}
			}
			return nil
		},
	}
}

func pluginsVerifyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify every plugin against the lockfile, exit nonzero on mismatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Disable()
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			entries, failures, err := manifest.NewStore(cfg.PluginRoot).Discover()
			if err != nil {
				return err
			}
			lock, err := hashlock.LoadLockfile(cfg.LockPath, cfg.LockSignature)
			if err != nil {
				return err
			}

			bad := len(failures)
			for _, f := range failures {
				fmt.Printf("FAIL %s: %s\n", f.PluginID, f.Error())
			}
			for _, v := range hashlock.Verify(entries, lock) {
				if v.HashOK {
					fmt.Printf("ok   %s\n", v.Manifest.PluginID)
				} else {
					bad++
					fmt.Printf("FAIL %s: %s\n", v.Manifest.PluginID, v.Detail)
				}
			}
			if bad > 0 {
				return fmt.Errorf("%d plugin(s) failed verification", bad)
			}
			return nil
		},
	}
}

func pluginsHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <plugin-dir>",
		Short: "Print the manifest and artifact hashes of a plugin directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Disable()
			dir := args[0]
			m, err := manifest.Load(dir)
			if err != nil {
				return err
			}
			manifestHash, err := hashlock.HashManifest(m)
			if err != nil {
				return err
			}
			artifactHash, err := hashlock.HashDir(dir)
			if err != nil {
				return err
			}
			fmt.Printf("plugin_id:       %s\n", m.PluginID)
			fmt.Printf("manifest_sha256: %s\n", manifestHash)
			fmt.Printf("artifact_sha256: %s\n", artifactHash)
			return nil
		},
	}
}

// pluginsLockCmd regenerates the lockfile from what is on disk and stamps
// each manifest's self-lock. This is the authoring step after installing or
// updating a plugin; the kernel itself never writes the lockfile.
func pluginsLockCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Regenerate the lockfile from the plugins currently on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Disable()
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			entries, failures, err := manifest.NewStore(cfg.PluginRoot).Discover()
			if err != nil {
				return err
			}
			for _, f := range failures {
				fmt.Printf("skipping %s: %s\n", f.PluginID, f.Error())
			}

			lock := hashlock.Lockfile{Version: 1, Plugins: make(map[string]hashlock.LockEntry)}
			for _, e := range entries {
				artifactHash, err := hashlock.HashDir(e.Dir)
				if err != nil {
					return fmt.Errorf("hash %s: %w", e.Manifest.PluginID, err)
				}
				manifestHash, err := hashlock.HashManifest(e.Manifest)
				if err != nil {
					return fmt.Errorf("hash manifest %s: %w", e.Manifest.PluginID, err)
				}
				lock.Plugins[e.Manifest.PluginID] = hashlock.LockEntry{
					ManifestSHA256: manifestHash,
					ArtifactSHA256: artifactHash,
				}

				// The self-lock field is excluded from the manifest
				// hash, so stamping it keeps the hash stable.
				e.Manifest.HashLock = manifest.HashLock{
					ManifestSHA256: manifestHash,
					ArtifactSHA256: artifactHash,
				}
				data, err := json.MarshalIndent(e.Manifest, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(filepath.Join(e.Dir, manifest.ManifestFile), data, 0644); err != nil {
					return err
				}
				fmt.Printf("locked %s v%s\n", e.Manifest.PluginID, e.Manifest.Version)
			}

			data, err := json.MarshalIndent(lock, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfg.LockPath, data, 0644); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d plugins)\n", cfg.LockPath, len(lock.Plugins))
			return nil
		},
	}
}
