package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/controlplane"
	"github.com/openmined/syftmirror/internal/controlplane/middleware"
	"github.com/openmined/syftmirror/internal/controlplane/ws"
	"github.com/openmined/syftmirror/internal/sync"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	tracker *sync.StatusTracker
	retries []*sync.RetryEntry
}

func (s *stubService) Status() sync.SyncStatus { return s.tracker.Snapshot() }
func (s *stubService) Retries() []*sync.RetryEntry { return s.retries }
func (s *stubService) Rescan(ctx context.Context) (int, error) { return 1200, nil }
func (s *stubService) RetryNow() int { return len(s.retries) }
func (s *stubService) Tracker() *sync.StatusTracker { return s.tracker }

func newStatusServer(t *testing.T) (*stubService, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := clockwork.NewFakeClockAt(time.Now())
	svc := &stubService{tracker: sync.NewStatusTracker(clock)}
	routes := controlplane.SetupRoutes(svc, ws.NewEventHub(), &controlplane.RouteConfig{
		Auth:      middleware.TokenAuthConfig{Token: "tok"},
		RateLimit: 1000,
	})
	srv := httptest.NewServer(routes)
	t.Cleanup(srv.Close)
	return svc, srv.URL
}

func runClientCmd(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SilenceErrors = true
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	svc, url := newStatusServer(t)
	svc.tracker.SetRunning(true)
	svc.tracker.Succeeded("docs/a.txt", []string{"disk"})
	svc.tracker.Retrying("docs/b.txt", 2, []string{"s3"}, assert.AnError)
	svc.tracker.RecordError("docs/b.txt", "s3", assert.AnError)
	svc.retries = []*sync.RetryEntry{
		{Key: "docs/b.txt", Kind: sync.ChangeModify, Attempts: 2, NextRetryAt: time.Now().Add(time.Minute), Providers: []string{"s3"}, LastError: "timeout"},
	}

	out, err := runClientCmd(t, newStatusCmd(), "--url", url, "--token", "tok", "--retries")
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "1 synced")
	assert.Contains(t, out, "Recent errors:")
	assert.Contains(t, out, "docs/b.txt @s3")
	assert.Contains(t, out, "Retries:")
	assert.Contains(t, out, "docs/b.txt modify attempt 2")
	assert.Contains(t, out, "providers s3")
}

func TestStatusCommand_Path(t *testing.T) {
	svc, url := newStatusServer(t)
	svc.tracker.Retrying("docs/b.txt", 3, []string{"s3"}, assert.AnError)

	out, err := runClientCmd(t, newStatusCmd(), "--url", url, "--token", "tok", "--path", "docs/b.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "docs/b.txt retrying")
	assert.Contains(t, out, "attempts:  3")

	_, err = runClientCmd(t, newStatusCmd(), "--url", url, "--token", "tok", "--path", "docs/none.txt")
	require.Error(t, err)
}

func TestStatusCommand_BadToken(t *testing.T) {
	_, url := newStatusServer(t)

	_, err := runClientCmd(t, newStatusCmd(), "--url", url, "--token", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR_UNAUTHORIZED")
}

func TestSyncCommand(t *testing.T) {
	_, url := newStatusServer(t)

	out, err := runClientCmd(t, newSyncNowCmd(), "--url", url, "--token", "tok")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued 1,200, retrying 0")
}

func TestStatusCommand_ShowsProcess(t *testing.T) {
	_, url := newStatusServer(t)

	out, err := runClientCmd(t, newStatusCmd(), "--url", url, "--token", "tok")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("pid %d", os.Getpid()))
	assert.Contains(t, out, "stopped")
}
