package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syftmirror/internal/sync"
)

const (
	CodeOk              string = "OK"
	ErrCodeBadRequest   string = "ERR_BAD_REQUEST"
	ErrCodeNotFound     string = "ERR_NOT_FOUND"
	ErrCodeUnknownError string = "ERR_UNKNOWN_ERROR"
	ErrCodeNotReady     string = "ERR_NOT_READY"
	ErrCodeRateLimited  string = "ERR_RATE_LIMITED"
)

// SyncService is what the control plane needs from the running mirror
type SyncService interface {
	Status() sync.SyncStatus
	Retries() []*sync.RetryEntry
	Rescan(ctx context.Context) (int, error)
	RetryNow() int
	Tracker() *sync.StatusTracker
}

type ControlPlaneResponse struct {
	Code string `json:"code"`
}

type ControlPlaneError struct {
	ErrorCode string `json:"code"`
	Error     string `json:"error"`
}

func AbortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	c.Error(err)
	c.PureJSON(status, ControlPlaneError{
		ErrorCode: code,
		Error:     err.Error(),
	})
}
