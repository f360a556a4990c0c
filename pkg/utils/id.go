package utils

import (
	"time"

	"github.com/rs/xid"
)

// NewRunID returns a sortable, globally unique optimization run id.
func NewRunID() string {
	return "run-" + xid.New().String()
}

// RunIDTime extracts the creation time encoded in a run id.
func RunIDTime(runID string) (time.Time, bool) {
	if len(runID) < 4 || runID[:4] != "run-" {
		return time.Time{}, false
	}
	id, err := xid.FromString(runID[4:])
	if err != nil {
		return time.Time{}, false
	}
	return id.Time(), true
}
