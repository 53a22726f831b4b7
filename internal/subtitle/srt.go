package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ParseSRT parses SubRip data. Blocks without a timing line are skipped; an
// input that yields no timing line at all is malformed.
func ParseSRT(data []byte) (*Track, error) {
	track := &Track{Format: FormatSRT}
	timed := 0

	for _, block := range splitBlocks(normalizeNewlines(data)) {
		for i, line := range block {
			start, end, ok, err := parseTiming(line)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			if !ok {
				continue
			}
			timed++

			text := cleanCueText(block[i+1:])
			if text == "" {
				break
			}
			if end < start {
				track.Dropped++
				break
			}
			track.Cues = append(track.Cues, Cue{Start: start, End: end, Text: text})
			break
		}
	}

	if timed == 0 && strings.TrimSpace(string(data)) != "" {
		return nil, fmt.Errorf("%w: no SRT timing lines", ErrMalformed)
	}
	normalizeCues(track.Cues)
	return track, nil
}

// WriteSRT renders cues as SubRip, numbering from 1.
func WriteSRT(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	for i, c := range cues {
		if _, err := fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n",
			i+1,
			formatSRTTimestamp(c.Start),
			formatSRTTimestamp(c.End),
			c.Text,
		); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Parse dispatches on format.
func Parse(format Format, data []byte) (*Track, error) {
	switch Format(strings.ToLower(string(format))) {
	case FormatVTT:
		return ParseVTT(data)
	case FormatSRT:
		return ParseSRT(data)
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrMalformed, format)
	}
}
