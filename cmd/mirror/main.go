package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/openmined/syftmirror/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "MIRROR"

const banner = `
 ___ _  _ ___ _____   __  __ ___ ___ ___  ___  ___
/ __| || | __|_   _| |  \/  |_ _| _ \ _ \/ _ \| _ \
\__ \\_, | _|  | |   | |\/| || ||   /   / (_) |   /
|___/|__/|_|   |_|   |_|  |_|___|_|_\_|_\\___/|_|_\
`

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

// set by main, nil under tests
var consoleHandler slog.Handler

var rootCmd = &cobra.Command{
	Use:     "mirror",
	Short:   "Mirror local directories to one or more storage providers",
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		// all good now, show header
		cmd.SilenceUsage = true
		showBanner(cmd.OutOrStdout())

		defer slog.Info("Bye!")
		return runDaemon(cmd.Context(), cfg)
	},
}

func init() {
	addDaemonFlags(rootCmd)
}

func addDaemonFlags(cmd *cobra.Command) {
	cmd.Flags().SortFlags = false
	cmd.Flags().StringSlice("dir", nil, "directory to mirror, repeatable")
	cmd.Flags().StringP("data-dir", "d", config.DefaultDataDir, "directory for the sync journal and logs")
	cmd.Flags().Bool("http", false, "enable the local control plane")
	cmd.Flags().StringP("http-addr", "a", config.DefaultControlPlaneAddr, "address of the local control plane")
	cmd.Flags().StringP("http-token", "t", "", "access token for the local control plane")
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "mirror config file")
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	consoleHandler = newConsoleHandler(os.Stdout)
	slog.SetDefault(slog.New(consoleHandler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newConsoleHandler(w *os.File) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(w.Fd()),
	})
}

// newFileHandler writes text logs through a LogInterceptor, which adds the time
func newFileHandler(w io.Writer) (slog.Handler, *utils.LogInterceptor) {
	interceptor := utils.NewLogInterceptor(w)
	return slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	}), interceptor
}

// resolveConfigPath honors, in order, the --config flag, MIRROR_CONFIG_PATH and
// the default path
func resolveConfigPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if envPath := os.Getenv(envPrefix + "_CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return config.DefaultConfigPath
}

// loadConfig layers flags over MIRROR_* env vars over the config file over defaults
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)

	configPath := resolveConfigPath(cmd)
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
		slog.Debug("config file not found, using flags and env", "path", configPath)
	}

	bindFlag(v, cmd, "directories", "dir")
	bindFlag(v, cmd, "dataDir", "data-dir")
	bindFlag(v, cmd, "controlPlane.enabled", "http")
	bindFlag(v, cmd, "controlPlane.addr", "http-addr")
	bindFlag(v, cmd, "controlPlane.token", "http-token")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return config.FromViper(v)
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, name string) {
	if f := cmd.Flags().Lookup(name); f != nil {
		v.BindPFlag(key, f)
	}
}

func showBanner(w io.Writer) {
	color.New(color.FgHiCyan, color.Bold).Fprint(w, banner+"\n")
}
