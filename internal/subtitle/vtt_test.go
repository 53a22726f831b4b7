package subtitle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rollingVTT = `WEBVTT
Kind: captions
Language: en

NOTE generated by the upstream

00:00:00.080 --> 00:00:02.150 align:start position:0%
hello<00:00:00.400><c> everyone</c>

00:00:02.150 --> 00:00:02.160 align:start position:0%
hello everyone

00:00:02.160 --> 00:00:04.630 align:start position:0%
hello everyone
welcome<00:00:02.560><c> to</c><00:00:02.720><c> the</c><00:00:02.880><c> show</c>

00:00:02.160 --> 00:00:04.630 align:start position:0%
hello everyone
welcome<00:00:02.560><c> to</c><00:00:02.720><c> the</c><00:00:02.880><c> show</c>

00:00:05.000 --> 00:00:04.000
backwards cue

00:00:06.000 --> 00:00:07.500
Tom &amp; Jerry
`

func TestParseVTT_RollingCaptions(t *testing.T) {
	track, err := ParseVTT([]byte(rollingVTT))
	require.NoError(t, err)

	require.Len(t, track.Cues, 3)
	assert.Equal(t, Cue{Start: 80 * time.Millisecond, End: 2150 * time.Millisecond, Text: "hello everyone"}, track.Cues[0])
	assert.Equal(t, "welcome to the show", track.Cues[1].Text)
	assert.Equal(t, 2160*time.Millisecond, track.Cues[1].Start)
	assert.Equal(t, "Tom & Jerry", track.Cues[2].Text)
	assert.Equal(t, 1, track.Dropped)
	assert.Equal(t, FormatVTT, track.Format)
	require.NoError(t, Validate(track.Cues))
}

func TestParseVTT_ShortTimestampsAndCRLF(t *testing.T) {
	data := "\xef\xbb\xbfWEBVTT\r\n\r\n1\r\n01:02.5 --> 01:03.250\r\nline one\r\nline two\r\n"
	track, err := ParseVTT([]byte(data))
	require.NoError(t, err)
	require.Len(t, track.Cues, 1)
	assert.Equal(t, time.Minute+2*time.Second+500*time.Millisecond, track.Cues[0].Start)
	assert.Equal(t, time.Minute+3*time.Second+250*time.Millisecond, track.Cues[0].End)
	assert.Equal(t, "line one line two", track.Cues[0].Text)
}

func TestParseVTT_Malformed(t *testing.T) {
	_, err := ParseVTT([]byte("not a caption file"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = ParseVTT([]byte("WEBVTT\n\n00:99:00.000 --> 00:99:01.000\nbad minutes\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestParseVTT_SortsOutOfOrderCues(t *testing.T) {
	data := "WEBVTT\n\n00:00:05.000 --> 00:00:06.000\nsecond\n\n00:00:01.000 --> 00:00:02.000\nfirst\n"
	track, err := ParseVTT([]byte(data))
	require.NoError(t, err)
	require.Len(t, track.Cues, 2)
	assert.Equal(t, "first", track.Cues[0].Text)
	assert.Equal(t, "second", track.Cues[1].Text)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(nil))
	require.NoError(t, Validate([]Cue{{Start: 0, End: 0}, {Start: 0, End: time.Second}}))
	require.Error(t, Validate([]Cue{{Start: 2 * time.Second, End: time.Second}}))
	require.Error(t, Validate([]Cue{{Start: 2 * time.Second, End: 3 * time.Second}, {Start: time.Second, End: 4 * time.Second}}))
	require.Error(t, Validate([]Cue{{Start: 0, End: 10 * time.Second}, {Start: time.Second, End: 2 * time.Second}}))
}

func TestText(t *testing.T) {
	assert.Equal(t, "a b c", Text([]Cue{{Text: "a"}, {Text: "b"}, {Text: "c"}}))
	assert.Equal(t, "", Text(nil))
}

func TestParse_RaisesEndOffsetsThatGoBackwards(t *testing.T) {
	srt := "1\n00:00:00,000 --> 00:00:10,000\nlong intro\n\n2\n00:00:01,000 --> 00:00:02,000\nshort overlap\n\n3\n00:00:11,000 --> 00:00:12,000\nafter\n"
	vtt := "WEBVTT\n\n00:00.000 --> 00:10.000\nlong intro\n\n00:01.000 --> 00:02.000\nshort overlap\n\n00:11.000 --> 00:12.000\nafter\n"

	for _, tc := range []struct {
		format Format
		data   string
	}{{FormatSRT, srt}, {FormatVTT, vtt}} {
		t.Run(string(tc.format), func(t *testing.T) {
			track, err := Parse(tc.format, []byte(tc.data))
			require.NoError(t, err)
			require.Len(t, track.Cues, 3)
			assert.Equal(t, Cue{Start: time.Second, End: 10 * time.Second, Text: "short overlap"}, track.Cues[1])
			assert.Equal(t, 12*time.Second, track.Cues[2].End)
			assert.Zero(t, track.Dropped)
			require.NoError(t, Validate(track.Cues))
		})
	}
}
