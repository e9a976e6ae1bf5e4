package source

import (
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/permitsync/internal/fetcher"
	"github.com/sells-group/permitsync/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testClient() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout: 5 * time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
	})
}

var testSince = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
