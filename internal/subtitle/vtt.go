package subtitle

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
)

var (
	tagRe        = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// ParseVTT parses a WebVTT document into cues.
//
// Auto-generated captions repeat text across overlapping windows ("rolling"
// captions), so besides plain parsing the cue list is cleaned up:
//   - inline markup and karaoke timestamps are stripped
//   - exact (start, end, text) duplicates are removed
//   - a cue fully contained in the previous cue's text is skipped
//   - a cue that starts with the previous cue's text keeps only the new suffix
//
// Cues whose end precedes their start are dropped and counted in Track.Dropped.
func ParseVTT(data []byte) (*Track, error) {
	text := normalizeNewlines(data)
	if !strings.HasPrefix(strings.TrimLeft(text, " \t\n"), "WEBVTT") {
		return nil, fmt.Errorf("%w: missing WEBVTT header", ErrMalformed)
	}

	track := &Track{Format: FormatVTT}
	seen := make(map[string]struct{})

	for _, block := range splitBlocks(text) {
		timingIdx := -1
		var cue Cue
		for i, line := range block {
			start, end, ok, err := parseTiming(line)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			if ok {
				timingIdx = i
				cue.Start, cue.End = start, end
				break
			}
		}
		if timingIdx < 0 {
			// header, NOTE, STYLE and REGION blocks carry no timing line
			continue
		}

		cue.Text = cleanCueText(block[timingIdx+1:])
		if cue.Text == "" {
			continue
		}
		if cue.End < cue.Start {
			track.Dropped++
			continue
		}

		key := fmt.Sprintf("%d|%d|%s", cue.Start, cue.End, cue.Text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if n := len(track.Cues); n > 0 {
			prev := track.Cues[n-1].Text
			if strings.Contains(prev, cue.Text) {
				continue
			}
			if strings.HasPrefix(cue.Text, prev) {
				cue.Text = strings.TrimSpace(cue.Text[len(prev):])
				if cue.Text == "" {
					continue
				}
			}
		}
		track.Cues = append(track.Cues, cue)
	}

	normalizeCues(track.Cues)
	return track, nil
}

// normalizeCues orders cues by start offset and raises any end offset that
// falls behind the previous cue's end, so both offsets are non-decreasing.
func normalizeCues(cues []Cue) {
	sort.SliceStable(cues, func(i, j int) bool {
		return cues[i].Start < cues[j].Start
	})
	for i := 1; i < len(cues); i++ {
		if cues[i].End < cues[i-1].End {
			cues[i].End = cues[i-1].End
		}
	}
}

func cleanCueText(lines []string) string {
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		line = tagRe.ReplaceAllString(line, "")
		line = html.UnescapeString(line)
		line = strings.TrimSpace(whitespaceRe.ReplaceAllString(line, " "))
		if line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}

func normalizeNewlines(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	data = bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))
	return string(data)
}

// splitBlocks groups consecutive non-blank lines.
func splitBlocks(text string) [][]string {
	var (
		blocks  [][]string
		current []string
	)
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	return blocks
}
