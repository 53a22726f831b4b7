package digest

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/channel"
	"github.com/MimeLyc/subcache/internal/jobs"
	"github.com/MimeLyc/subcache/pkg/log"
)

const (
	defaultMaxVideoChars = 6000
	defaultMaxTotalChars = 24000
)

const systemPrompt = `You summarize video transcripts for a channel digest.
For every video write its title followed by two or three sentences on what it covers.
End with one short paragraph on common themes. Answer in the language of the transcripts.`

// SubtitleReader is the read side of cache.Cache.
type SubtitleReader interface {
	Get(ctx context.Context, videoID, lang string) (*cache.SubtitleEntry, bool, error)
}

type SummarizerOption func(*Summarizer)

// WithLimits bounds the transcript text sent per video and in total.
func WithLimits(perVideo, total int) SummarizerOption {
	return func(s *Summarizer) {
		if perVideo > 0 {
			s.maxVideoChars = perVideo
		}
		if total > 0 {
			s.maxTotalChars = total
		}
	}
}

// Summarizer turns the subtitles touched by a finished job into a Digest.
type Summarizer struct {
	subtitles     SubtitleReader
	chat          Chatter
	maxVideoChars int
	maxTotalChars int
}

func NewSummarizer(subtitles SubtitleReader, chat Chatter, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{
		subtitles:     subtitles,
		chat:          chat,
		maxVideoChars: defaultMaxVideoChars,
		maxTotalChars: defaultMaxTotalChars,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize builds a digest for a completed job from the cached subtitles of
// its successful items.
func (s *Summarizer) Summarize(ctx context.Context, job *jobs.BatchJob) (*Digest, error) {
	if job == nil || job.Status != jobs.StatusCompleted || job.Result == nil {
		return nil, fmt.Errorf("job is not completed")
	}

	var b strings.Builder
	var ids []string
	for _, item := range job.Result.Items {
		if item.Outcome == channel.OutcomeFailed {
			continue
		}
		if b.Len() >= s.maxTotalChars {
			log.Debug("Digest for job %s truncated at %d videos", job.ID, len(ids))
			break
		}
		entry, ok, err := s.subtitles.Get(ctx, item.VideoID, job.Lang)
		if err != nil {
			return nil, fmt.Errorf("read subtitles %s: %w", item.VideoID, err)
		}
		if !ok {
			continue
		}
		text := transcript(entry, s.maxVideoChars)
		if text == "" {
			continue
		}
		title := item.Title
		if title == "" {
			title = item.VideoID
		}
		fmt.Fprintf(&b, "## %s (%s)\n%s\n\n", title, item.VideoID, text)
		ids = append(ids, item.VideoID)
	}
	if len(ids) == 0 {
		return nil, ErrNothingToSummarize
	}

	body := b.String()
	if len(body) > s.maxTotalChars {
		body = truncateRunes(body, s.maxTotalChars)
	}
	name := job.Result.ChannelName
	prompt := fmt.Sprintf("Channel: %s\nVideos: %d\n\n%s", name, len(ids), body)

	summary, err := s.chat.SimpleChat(ctx, prompt, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("summarize job %s: %w", job.ID, err)
	}

	return &Digest{
		JobID:       job.ID,
		ChannelURL:  job.ChannelURL,
		ChannelName: name,
		Lang:        job.Lang,
		VideoIDs:    ids,
		Summary:     strings.TrimSpace(summary),
		Model:       s.chat.Model(),
	}, nil
}

// transcript joins cue texts, skipping consecutive repeats.
func transcript(entry *cache.SubtitleEntry, limit int) string {
	var b strings.Builder
	prev := ""
	for _, cue := range entry.Cues {
		text := strings.TrimSpace(cue.Text)
		if text == "" || text == prev {
			continue
		}
		prev = text
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strings.ReplaceAll(text, "\n", " "))
		if b.Len() >= limit {
			break
		}
	}
	return truncateRunes(b.String(), limit)
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
