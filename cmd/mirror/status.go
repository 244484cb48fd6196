package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/controlplane/client"
	"github.com/openmined/syftmirror/internal/controlplane/handlers"
	"github.com/openmined/syftmirror/internal/sync"
	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newSyncNowCmd())
}

// controlPlaneClient points at the daemon described by the config, unless
// --url or --token say otherwise
func controlPlaneClient(cmd *cobra.Command) (*client.Client, error) {
	url, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")

	if url == "" || token == "" {
		cfg := config.Default()
		if loaded, err := config.Load(resolveConfigPath(cmd)); err == nil {
			cfg = loaded
		}
		if url == "" {
			url = "http://" + cfg.ControlPlane.Addr
		}
		if token == "" {
			token = cfg.ControlPlane.Token
		}
	}
	return client.New(url, token), nil
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "control plane url, defaults to the configured address")
	cmd.Flags().String("token", "", "control plane token, defaults to the configured token")
}

func newStatusCmd() *cobra.Command {
	var retries bool
	var path string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			c, err := controlPlaneClient(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			out := cmd.OutOrStdout()

			if path != "" {
				st, err := c.Path(ctx, path)
				if err != nil {
					return err
				}
				printPath(out, st)
				return nil
			}

			status, err := c.Status(ctx)
			if err != nil {
				return err
			}
			printStatus(out, status)

			if retries {
				entries, err := c.Retries(ctx)
				if err != nil {
					return err
				}
				printRetries(out, entries)
			}
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().BoolVarP(&retries, "retries", "r", false, "also list scheduled retries")
	cmd.Flags().StringVarP(&path, "path", "p", "", "show a single path, e.g. docs/notes.txt")
	return cmd
}

func newSyncNowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Rescan the mirrored directories and retry failed files now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			c, err := controlPlaneClient(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			resp, err := c.SyncNow(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s, retrying %s\n",
				cyan(humanize.Comma(int64(resp.Queued))), cyan(humanize.Comma(int64(resp.Promoted))))
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func printStatus(w io.Writer, status *handlers.StatusResponse) {
	s := status.Sync

	state := red("stopped")
	if s.IsRunning {
		state = green("running")
	}
	fmt.Fprintf(w, "SyftMirror %s %s\n", status.Version, gray("("+status.Revision+")"))
	fmt.Fprintf(w, "State:     %s\n", state)
	if rt := status.Runtime; rt != nil {
		fmt.Fprintf(w, "Process:   pid %d, %s rss, up %s\n",
			rt.PID, humanize.IBytes(rt.MemoryRSS), (time.Duration(rt.Uptime) * time.Millisecond).Round(time.Second))
	}
	fmt.Fprintf(w, "Last sync: %s\n", humanTime(s.LastSync))
	fmt.Fprintf(w, "Next sync: %s\n", humanTime(s.NextSync))
	fmt.Fprintf(w, "Files:     %s synced, %s pending, %s active, %s retrying, %s failed\n",
		humanize.Comma(int64(s.Counts.Synced)),
		humanize.Comma(int64(s.Counts.Pending)),
		humanize.Comma(int64(s.Counts.Active)),
		humanize.Comma(int64(s.Counts.Retrying)),
		humanize.Comma(int64(s.Counts.PermanentFailures)),
	)

	if len(s.Providers) > 0 {
		fmt.Fprintln(w, "Providers:")
		for _, p := range s.Providers {
			mark := green("enabled")
			if !p.Enabled {
				mark = red("disabled")
				if p.Reason != "" {
					mark += gray(" " + p.Reason)
				}
			}
			fmt.Fprintf(w, "  %-16s %-6s %s\n", p.Name, p.Type, mark)
		}
	}

	if len(s.Errors) > 0 {
		fmt.Fprintln(w, "Recent errors:")
		for _, e := range s.Errors {
			who := e.Path
			if e.Provider != "" {
				who += " @" + e.Provider
			}
			fmt.Fprintf(w, "  %s %s %s\n", gray(humanize.Time(e.Time)), who, red(e.Error))
		}
	}
}

func printRetries(w io.Writer, entries []*sync.RetryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No retries scheduled")
		return
	}
	fmt.Fprintln(w, "Retries:")
	for _, e := range entries {
		providers := "all"
		if len(e.Providers) > 0 {
			providers = strings.Join(e.Providers, ",")
		}
		fmt.Fprintf(w, "  %s %s attempt %d, next %s, providers %s\n",
			cyan(e.Key), e.Kind, e.Attempts, humanize.Time(e.NextRetryAt), providers)
		if e.LastError != "" {
			fmt.Fprintf(w, "    %s\n", red(e.LastError))
		}
	}
}

func printPath(w io.Writer, st *sync.PathStatus) {
	fmt.Fprintf(w, "%s %s\n", cyan(st.Key), st.State)
	if st.Attempts > 0 {
		fmt.Fprintf(w, "  attempts:  %d\n", st.Attempts)
	}
	if len(st.Providers) > 0 {
		fmt.Fprintf(w, "  providers: %s\n", strings.Join(st.Providers, ","))
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "  error:     %s\n", red(st.LastError))
	}
	fmt.Fprintf(w, "  updated:   %s\n", humanize.Time(st.UpdatedAt))
}

func humanTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.Time(*t)
}
