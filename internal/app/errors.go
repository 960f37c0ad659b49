package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ideaflow/syncd/internal/backup"
	"ideaflow/syncd/internal/data"
	"ideaflow/syncd/internal/remote"
	"ideaflow/syncd/internal/syncqueue"
)

// DomainError is an error with a fixed HTTP status and machine-readable code.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errOffline           = domainError(http.StatusConflict, "OFFLINE", "Remote endpoint is unreachable", nil)
	errFeedDisabled      = domainError(http.StatusServiceUnavailable, "FEED_DISABLED", "Real-time feed is not configured", nil)
	errSearchDisabled    = domainError(http.StatusServiceUnavailable, "SEARCH_DISABLED", "Search is not configured", nil)
	errSnapshotsDisabled = domainError(http.StatusServiceUnavailable, "SNAPSHOTS_DISABLED", "Object storage is not configured", nil)
)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, data.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, data.ErrUnknownCollection) {
		return http.StatusNotFound, "UNKNOWN_COLLECTION", "Unknown collection", nil
	}
	if errors.Is(err, syncqueue.ErrNotLeader) {
		return http.StatusConflict, "NOT_LEADER", "Another process is replaying the queue", nil
	}
	if errors.Is(err, backup.ErrObjectNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Snapshot not found", nil
	}
	if errors.Is(err, backup.ErrInvalidName) {
		return http.StatusBadRequest, "INVALID_NAME", "Invalid snapshot name", nil
	}
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Status >= 400 && statusErr.Status < 500 {
			return statusErr.Status, "REMOTE_REJECTED", "Remote endpoint rejected the request", map[string]any{"status": statusErr.Status, "body": statusErr.Body}
		}
		return http.StatusBadGateway, "REMOTE_ERROR", "Remote endpoint failed", map[string]any{"status": statusErr.Status}
	}
	var decodeErr *remote.DecodeError
	if errors.As(err, &decodeErr) {
		return http.StatusBadGateway, "REMOTE_ERROR", "Remote endpoint returned an invalid response", nil
	}
	if errors.Is(err, context.DeadlineExceeded) || remote.IsTransport(err) {
		return http.StatusServiceUnavailable, "REMOTE_UNAVAILABLE", "Remote endpoint is unreachable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
