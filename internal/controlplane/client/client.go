package client

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/syftmirror/internal/controlplane/handlers"
	"github.com/openmined/syftmirror/internal/sync"
	"github.com/openmined/syftmirror/internal/version"
)

var userAgent = fmt.Sprintf("SyftMirror/%s (%s; %s; %s)", version.Version, version.Revision, runtime.GOOS, runtime.GOARCH)

// Client talks to the control plane of a running mirror
type Client struct {
	http *req.Client
}

func New(baseURL, token string) *Client {
	c := req.C().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetCommonRetryCount(2).
		SetCommonRetryFixedInterval(200*time.Millisecond).
		SetUserAgent(userAgent).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)
	if token != "" {
		c.SetCommonBearerAuthToken(token)
	}
	return &Client{http: c}
}

func (c *Client) Status(ctx context.Context) (*handlers.StatusResponse, error) {
	var out handlers.StatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		SetErrorResult(&APIError{}).
		Get("/v1/status")
	if err := handleAPIError(resp, err, "status"); err != nil {
		return nil, err
	}
	return &out, nil
}

// Paths returns the paths that have not settled yet
func (c *Client) Paths(ctx context.Context) ([]sync.PathStatus, error) {
	var out handlers.SyncPathsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		SetErrorResult(&APIError{}).
		Get("/v1/sync/paths")
	if err := handleAPIError(resp, err, "sync paths"); err != nil {
		return nil, err
	}
	return out.Paths, nil
}

// Path returns the status of a single key, ErrNotFound if it is not tracked
func (c *Client) Path(ctx context.Context, key string) (*sync.PathStatus, error) {
	var out sync.PathStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("path", key).
		SetSuccessResult(&out).
		SetErrorResult(&APIError{}).
		Get("/v1/sync/paths")
	if err := handleAPIError(resp, err, "sync path"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Retries(ctx context.Context) ([]*sync.RetryEntry, error) {
	var out handlers.SyncRetriesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		SetErrorResult(&APIError{}).
		Get("/v1/sync/retries")
	if err := handleAPIError(resp, err, "sync retries"); err != nil {
		return nil, err
	}
	return out.Retries, nil
}

// SyncNow asks the mirror to rescan and retry everything immediately
func (c *Client) SyncNow(ctx context.Context) (*handlers.SyncTriggerResponse, error) {
	var out handlers.SyncTriggerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		SetErrorResult(&APIError{}).
		Post("/v1/sync/now")
	if err := handleAPIError(resp, err, "sync now"); err != nil {
		return nil, err
	}
	return &out, nil
}
