package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/controlplane"
	"github.com/openmined/syftmirror/internal/controlplane/ws"
	"github.com/openmined/syftmirror/internal/sync"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/openmined/syftmirror/internal/version"
	"github.com/openmined/syftmirror/internal/workspace"
	"golang.org/x/sync/errgroup"
)

// extra time on top of the drain timeout for closing the journal and the server
const shutdownGrace = 5 * time.Second

// runDaemon mirrors until ctx is cancelled, then drains and returns
func runDaemon(ctx context.Context, cfg *config.Config) error {
	slog.Info("syftmirror", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)

	wsp, err := workspace.NewWorkspace(cfg.DataDir)
	if err != nil {
		return err
	}
	if err := wsp.Setup(); err != nil {
		return err
	}
	defer wsp.Unlock()

	closeLog, err := attachLogFile(wsp.LogPath("mirror"))
	if err != nil {
		return err
	}
	defer closeLog()

	var opts []sync.ManagerOption
	var hub *ws.EventHub
	if cfg.ControlPlane.Enabled {
		hub = ws.NewEventHub()
		opts = append(opts, sync.WithMonitoringSink(hub))
	}

	mgr, err := sync.NewManager(cfg, wsp.JournalPath, opts...)
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync: %w", err)
	}

	var srv *controlplane.ControlPlaneServer
	if cfg.ControlPlane.Enabled {
		srv, err = controlplane.NewControlPlaneServer(&cfg.ControlPlane, mgr, hub)
		if err != nil {
			mgr.Stop(context.Background())
			return err
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)

	if srv != nil {
		eg.Go(func() error {
			return srv.Start(egCtx)
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("shutting down, draining pending changes", "timeout", cfg.DrainTimeout())

		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout()+shutdownGrace)
		defer cancel()

		var errs []error
		if srv != nil {
			errs = append(errs, srv.Stop(stopCtx))
		}
		errs = append(errs, mgr.Stop(stopCtx))
		return errors.Join(errs...)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon", "error", err)
		return err
	}
	return nil
}

// attachLogFile tees logs into path, next to the console handler when main set one
func attachLogFile(path string) (func(), error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	prev := slog.Default()
	fileHandler, interceptor := newFileHandler(file)
	if consoleHandler != nil {
		slog.SetDefault(slog.New(utils.NewMultiLogHandler(consoleHandler, fileHandler)))
	} else {
		slog.SetDefault(slog.New(fileHandler))
	}

	return func() {
		slog.SetDefault(prev)
		interceptor.Close()
		file.Close()
	}, nil
}
