package tracker

import (
	"errors"
	"fmt"
)

var (
	errScrapeUnsupported = errors.New("scrape not supported: announce URL has no \"announce\" component")
	errScrapeMissingFile = errors.New("scrape response missing our info hash")
	errTruncatedPeers    = errors.New("truncated compact peer list")
)

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.code)
}

type failureError struct {
	reason string
}

func (e *failureError) Error() string {
	return fmt.Sprintf("tracker failure: %s", e.reason)
}
