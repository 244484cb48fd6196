package client

import (
	"errors"
	"fmt"

	"github.com/imroc/req/v3"
)

var ErrNotFound = errors.New("control plane: not found")

// APIError is the error body returned by the control plane
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s - %s", e.Code, e.Message)
}

func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("http request error: %s %w", operation, requestErr)
	}

	if resp.IsErrorState() {
		if resp.StatusCode == 404 {
			return fmt.Errorf("%s %w", operation, ErrNotFound)
		}
		if err, ok := resp.ErrorResult().(*APIError); ok && err.Code != "" {
			return fmt.Errorf("%s %w", operation, err)
		}
		return fmt.Errorf("api error: %s status %d", operation, resp.StatusCode)
	}

	return nil
}
