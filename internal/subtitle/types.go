package subtitle

import (
	"errors"
	"fmt"
	"time"
)

// Format of a raw timed-text track.
type Format string

const (
	FormatVTT Format = "vtt"
	FormatSRT Format = "srt"
)

// ErrMalformed is returned when raw track data cannot be parsed at all.
var ErrMalformed = errors.New("malformed subtitle track")

// Cue is a single timed subtitle fragment. Offsets are relative to the start
// of the video.
type Cue struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Track is the normalized result of parsing raw timed text.
type Track struct {
	Format  Format
	Cues    []Cue
	Dropped int // cues discarded because end preceded start
}

// Validate checks the ordering invariants every stored cue sequence must hold:
// start <= end per cue and non-decreasing start and end offsets across the
// sequence.
func Validate(cues []Cue) error {
	for i, c := range cues {
		if c.Start < 0 || c.End < c.Start {
			return fmt.Errorf("cue %d: end %s precedes start %s", i, c.End, c.Start)
		}
		if i == 0 {
			continue
		}
		prev := cues[i-1]
		if c.Start < prev.Start {
			return fmt.Errorf("cue %d: start %s precedes previous start %s", i, c.Start, prev.Start)
		}
		if c.End < prev.End {
			return fmt.Errorf("cue %d: end %s precedes previous end %s", i, c.End, prev.End)
		}
	}
	return nil
}

// Text joins every cue into a single whitespace separated transcript.
func Text(cues []Cue) string {
	n := 0
	for _, c := range cues {
		n += len(c.Text) + 1
	}
	buf := make([]byte, 0, n)
	for i, c := range cues {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, c.Text...)
	}
	return string(buf)
}
