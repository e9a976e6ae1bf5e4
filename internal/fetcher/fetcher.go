// Package fetcher downloads upstream permit payloads over HTTP and decodes the
// CSV, XLSX, JSON, and ZIP formats municipal sources publish.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Get fetches the URL with the extra headers and returns the full body.
	Get(ctx context.Context, url string, header http.Header) ([]byte, error)

	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// StatusError reports a non-200 upstream response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// StatusCode returns the upstream HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
