package yandex

import (
	"errors"
	"fmt"
	"time"
)

// ErrNightWindow signals that a deferred search creation was attempted
// outside the allowed nightly window. Callers treat it as a soft skip.
var ErrNightWindow = errors.New("deferred search creation outside night window")

// ErrMissingRawData signals a completed operation without a rawData payload.
var ErrMissingRawData = errors.New("operation response has no rawData")

// APIError is a non-2xx response from the search or IAM API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("yandex api: status %d: %s", e.StatusCode, body)
}

// OperationTimeoutError is returned when an operation stays unfinished past
// the polling deadline. The operation keeps running server-side and can be
// polled again later.
type OperationTimeoutError struct {
	OperationID string
	Waited      time.Duration
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("operation %s not ready after %s", e.OperationID, e.Waited)
}
