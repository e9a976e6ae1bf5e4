package source

import (
	"fmt"

	"github.com/sells-group/permitsync/internal/fetcher"
)

// FetchError is a fetch that failed after retries. Status is the upstream
// HTTP status or in-band service error code, 0 when there was none.
type FetchError struct {
	Source string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("source %s: fetch failed with status %d: %v", e.Source, e.Status, e.Err)
	}
	return fmt.Sprintf("source %s: fetch failed: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func newFetchError(source string, err error) *FetchError {
	return &FetchError{Source: source, Status: fetcher.StatusCode(err), Err: err}
}
