// Package clock provides the archivist's single source of "now". Every
// timestamp the engine persists or formats (message dates, analysis
// AnalyzedAt, CSV rows) is UTC, so there is exactly one place that decides
// what "now" means.
package clock

import "time"

// Now returns the current time in UTC.
func Now() time.Time {
	return time.Now().UTC()
}
