package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// isoDurationPattern matches the subset of ISO-8601 durations this engine's
// timer definitions use: PnDTnHnMnS, with every component optional except
// the leading P.
var isoDurationPattern = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(\d+(?:\.\d+)?S)?)?$`)

// parseISODuration converts an ISO-8601 duration string (as written on a
// timer event's definition) into a time.Duration. Only the calendar-free
// day/hour/minute/second subset is supported; month/year components are
// rejected since they have no fixed duration.
func parseISODuration(s string) (time.Duration, error) {
	m := isoDurationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("engine: unsupported timer duration %q", s)
	}
	var total time.Duration
	if m[1] != "" {
		days, _ := strconv.Atoi(m[1])
		total += time.Duration(days) * 24 * time.Hour
	}
	if m[2] != "" {
		hours, _ := strconv.Atoi(m[2])
		total += time.Duration(hours) * time.Hour
	}
	if m[3] != "" {
		minutes, _ := strconv.Atoi(m[3])
		total += time.Duration(minutes) * time.Minute
	}
	if m[4] != "" {
		seconds, err := strconv.ParseFloat(m[4][:len(m[4])-1], 64)
		if err != nil {
			return 0, fmt.Errorf("engine: invalid seconds component in %q: %w", s, err)
		}
		total += time.Duration(seconds * float64(time.Second))
	}
	return total, nil
}
