// Package presence reports a driver's live position into the shared driver
// record and derives "online" from the recency of the last report.
package presence

import (
	"github.com/example/tow-dispatch/internal/models"
)

// OnlineWindowMillis is the staleness threshold: a driver whose last fix is
// older than this is considered offline no matter what the status field
// says. The boundary is exclusive.
const OnlineWindowMillis = 120_000

// IsOnline reports whether a location is fresh enough at the given time.
// Not persisted; recomputed on every read.
func IsOnline(loc *models.Location, nowMillis int64) bool {
	if loc == nil {
		return false
	}
	return nowMillis-loc.Timestamp < OnlineWindowMillis
}
