package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syftmirror/internal/sync"
)

type SyncPathsResponse struct {
	Paths []sync.PathStatus `json:"paths"`
}

type SyncRetriesResponse struct {
	Retries []*sync.RetryEntry `json:"retries"`
}

type SyncTriggerResponse struct {
	Code     string `json:"code"`
	Queued   int    `json:"queued"`
	Promoted int    `json:"promoted"`
}

type SyncHandler struct {
	svc SyncService
}

func NewSyncHandler(svc SyncService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// Paths returns every path that has not settled yet, or the status of the path
// given in the query
func (h *SyncHandler) Paths(c *gin.Context) {
	tracker := h.svc.Tracker()

	if key := c.Query("path"); key != "" {
		st, ok := tracker.Path(key)
		if !ok {
			AbortWithError(c, http.StatusNotFound, ErrCodeNotFound, errors.New("path not tracked"))
			return
		}
		c.PureJSON(http.StatusOK, st)
		return
	}

	c.PureJSON(http.StatusOK, &SyncPathsResponse{Paths: tracker.Paths()})
}

// Retries lists the scheduled retries, soonest first
func (h *SyncHandler) Retries(c *gin.Context) {
	c.PureJSON(http.StatusOK, &SyncRetriesResponse{Retries: h.svc.Retries()})
}

// TriggerSync rescans the roots and makes every retry due now
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	queued, err := h.svc.Rescan(c.Request.Context())
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}

	c.PureJSON(http.StatusOK, &SyncTriggerResponse{
		Code:     CodeOk,
		Queued:   queued,
		Promoted: h.svc.RetryNow(),
	})
}

// Stream sends path status changes as server-sent events
func (h *SyncHandler) Stream(c *gin.Context) {
	tracker := h.svc.Tracker()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case st, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("sync", st)
			return true
		}
	})
}
