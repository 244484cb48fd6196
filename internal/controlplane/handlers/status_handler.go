package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syftmirror/internal/sync"
	"github.com/openmined/syftmirror/internal/version"
)

type StatusResponse struct {
	Status    string          `json:"status"`
	Timestamp string          `json:"ts"`
	Version   string          `json:"version"`
	Revision  string          `json:"revision"`
	BuildDate string          `json:"buildDate"`
	Sync      sync.SyncStatus `json:"sync"`
	Runtime   *RuntimeStats   `json:"runtime,omitempty"`
}

// StatusHandler handles status-related endpoints
type StatusHandler struct {
	svc SyncService
}

func NewStatusHandler(svc SyncService) *StatusHandler {
	return &StatusHandler{svc: svc}
}

// Status returns the build info and a snapshot of the sync engine
func (h *StatusHandler) Status(c *gin.Context) {
	if h.svc == nil {
		AbortWithError(c, http.StatusServiceUnavailable, ErrCodeNotReady, errors.New("sync not running"))
		return
	}

	rt, err := NewRuntimeStats()
	if err != nil {
		slog.Debug("runtime stats", "error", err)
	}

	c.PureJSON(http.StatusOK, &StatusResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   version.Version,
		Revision:  version.Revision,
		BuildDate: version.BuildDate,
		Sync:      h.svc.Status(),
		Runtime:   rt,
	})
}
