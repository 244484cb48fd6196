package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/openmined/syftmirror/internal/backend"
	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/spf13/cobra"
)

const defaultProviderName = "local"

func init() {
	rootCmd.AddCommand(newInitCmd())
}

// newInitCmd writes a starter config mirroring dirs to a local provider directory
func newInitCmd() *cobra.Command {
	var dirs []string
	var target string
	var dataDir string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter mirror config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			out := cmd.OutOrStdout()
			path := resolveConfigPath(cmd)

			if utils.FileExists(path) && !force {
				fmt.Fprintf(out, "Config already exists at %s\n", green(path))
				fmt.Fprintf(out, "Use %s to overwrite it\n", cyan("--force"))
				return errors.New("config exists")
			}

			if len(dirs) == 0 {
				return errors.New("at least one --dir is required")
			}
			if target == "" {
				return errors.New("--target is required")
			}

			absTarget, err := filepath.Abs(target)
			if err != nil {
				return err
			}

			cfg := config.Default()
			cfg.Directories = dirs
			cfg.DataDir = dataDir
			cfg.Providers = []config.ProviderConfig{{
				Name:     defaultProviderName,
				Type:     backend.TypeLocal,
				RootPath: absTarget,
				Enabled:  true,
			}}
			cfg.ControlPlane.Enabled = true
			cfg.ControlPlane.Token = utils.TokenHex(16)

			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := utils.EnsureDir(absTarget); err != nil {
				return fmt.Errorf("failed to create target: %w", err)
			}
			if err := cfg.Save(path); err != nil {
				fmt.Fprintf(out, "%s: %s\n", red("ERROR"), err)
				return err
			}

			fmt.Fprintln(out, "SyftMirror initialized")
			fmt.Fprintf(out, "Config Path:   %s\n", green(path))
			fmt.Fprintf(out, "Directories:   %s\n", cyan(dirs))
			fmt.Fprintf(out, "Target:        %s\n", cyan(absTarget))
			fmt.Fprintf(out, "Control Plane: %s\n", cyan("http://"+cfg.ControlPlane.Addr))
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringSliceVar(&dirs, "dir", nil, "directory to mirror, repeatable")
	cmd.Flags().StringVar(&target, "target", "", "directory the local provider writes to")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", config.DefaultDataDir, "directory for the sync journal and logs")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config")

	return cmd
}
