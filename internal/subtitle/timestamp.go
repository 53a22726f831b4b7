package subtitle

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// timingRe matches "00:01:02.345 --> 00:01:04,000" as well as the short
// "01:02.345" form WebVTT allows. Trailing cue settings are ignored.
var timingRe = regexp.MustCompile(`^\s*((?:\d+:)?\d{1,2}:\d{2}[.,]\d{1,3})\s*-->\s*((?:\d+:)?\d{1,2}:\d{2}[.,]\d{1,3})`)

func parseTiming(line string) (time.Duration, time.Duration, bool, error) {
	m := timingRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false, nil
	}
	start, err := parseTimestamp(m[1])
	if err != nil {
		return 0, 0, true, err
	}
	end, err := parseTimestamp(m[2])
	if err != nil {
		return 0, 0, true, err
	}
	return start, end, true, nil
}

// parseTimestamp converts "[hh:]mm:ss.fff" into a Duration using integer
// arithmetic only.
func parseTimestamp(s string) (time.Duration, error) {
	s = strings.Replace(s, ",", ".", 1)
	clock, frac, ok := strings.Cut(s, ".")
	if !ok {
		return 0, fmt.Errorf("timestamp %q: missing fraction", s)
	}
	parts := strings.Split(clock, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("timestamp %q: unexpected field count", s)
	}

	var hours, minutes, seconds int
	var err error
	if len(parts) == 3 {
		if hours, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("timestamp %q: %w", s, err)
		}
		parts = parts[1:]
	}
	if minutes, err = strconv.Atoi(parts[0]); err != nil {
		return 0, fmt.Errorf("timestamp %q: %w", s, err)
	}
	if seconds, err = strconv.Atoi(parts[1]); err != nil {
		return 0, fmt.Errorf("timestamp %q: %w", s, err)
	}
	if minutes > 59 || seconds > 59 {
		return 0, fmt.Errorf("timestamp %q: field out of range", s)
	}

	// right-pad so "5" means 500ms
	for len(frac) < 3 {
		frac += "0"
	}
	millis, err := strconv.Atoi(frac)
	if err != nil {
		return 0, fmt.Errorf("timestamp %q: %w", s, err)
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(millis)*time.Millisecond, nil
}

// formatSRTTimestamp formats d as "hh:mm:ss,mmm".
func formatSRTTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d,%03d", ms/3_600_000, (ms/60_000)%60, (ms/1000)%60, ms%1000)
}
