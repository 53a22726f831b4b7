package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/ratelimit"
	"github.com/MimeLyc/subcache/internal/subtitle"
	"github.com/MimeLyc/subcache/pkg/file"
	"github.com/MimeLyc/subcache/pkg/log"
)

var commandContext = exec.CommandContext

var videoIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Option configures YtDlp.
type Option func(*YtDlp)

// WithBinary overrides the yt-dlp executable.
func WithBinary(binary string) Option {
	return func(y *YtDlp) {
		if binary != "" {
			y.binary = binary
		}
	}
}

// WithCookieFile sets the cookie file used when a call carries no credentials.
func WithCookieFile(path string) Option {
	return func(y *YtDlp) {
		y.cookieFile = path
	}
}

// WithLimiter makes every yt-dlp invocation wait for the shared budget.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(y *YtDlp) {
		y.limiter = l
	}
}

// YtDlp implements Extractor and channel resolution on top of the yt-dlp CLI.
type YtDlp struct {
	binary     string
	cookieFile string
	limiter    *ratelimit.Limiter
}

func NewYtDlp(opts ...Option) *YtDlp {
	y := &YtDlp{binary: "yt-dlp"}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

type videoInfo struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Uploader   string  `json:"uploader"`
	Channel    string  `json:"channel"`
	ChannelURL string  `json:"channel_url"`
	Duration   float64 `json:"duration"`
}

// Extract downloads the requested subtitle track (manual or automatic) and
// parses it into cues.
func (y *YtDlp) Extract(ctx context.Context, videoURL, lang string, creds *Credentials) (*Result, error) {
	videoURL = strings.TrimSpace(videoURL)
	if videoURL == "" {
		return nil, newError(KindNotFound, "", "video url is required", nil)
	}
	if lang == "" {
		lang = "en"
	}

	dir, err := os.MkdirTemp("", "subcache-extract-*")
	if err != nil {
		return nil, newError(KindTransient, videoURL, "create temp dir", err)
	}
	defer os.RemoveAll(dir)

	args := []string{
		"--skip-download",
		"--no-simulate",
		"--dump-single-json",
		"--no-warnings",
		"--no-progress",
		"--no-playlist",
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", lang,
		"--sub-format", "vtt/srt/best",
		"-o", filepath.Join(dir, "%(id)s.%(ext)s"),
	}
	cookies, err := cookieFile(creds, y.cookieFile, dir)
	if err != nil {
		return nil, err
	}
	if cookies != "" {
		args = append(args, "--cookies", cookies)
	}
	args = append(args, videoURL)

	stdout, err := y.run(ctx, videoURL, args)
	if err != nil {
		return nil, err
	}

	var info videoInfo
	if err := json.Unmarshal(stdout, &info); err != nil {
		return nil, newError(KindMalformed, videoURL, "decode yt-dlp metadata", err)
	}

	path, format, err := findTrack(dir, lang)
	if err != nil {
		return nil, newError(KindNoSubtitles, videoURL, fmt.Sprintf("no %s subtitles", lang), err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(KindTransient, videoURL, "read subtitle track", err)
	}

	track, err := subtitle.Parse(format, data)
	if err != nil {
		return nil, newError(KindMalformed, videoURL, "parse subtitle track", err)
	}
	if len(track.Cues) == 0 {
		return nil, newError(KindNoSubtitles, videoURL, fmt.Sprintf("%s track has no cues", lang), nil)
	}
	if track.Dropped > 0 {
		log.Warn("Dropped %d cues with end before start in %s", track.Dropped, videoURL)
	}

	detected := subtitle.DetectLanguage(track.Cues).String()
	if !subtitle.SameBaseLanguage(detected, lang) {
		log.Warn("Requested %s subtitles for %s but text looks like %s", lang, videoURL, detected)
	}

	uploader := info.Uploader
	if uploader == "" {
		uploader = info.Channel
	}
	return &Result{
		Video: cache.VideoRecord{
			VideoID:         info.ID,
			Title:           info.Title,
			Uploader:        uploader,
			DurationSeconds: int(info.Duration),
			ChannelRef:      info.ChannelURL,
		},
		Cues:             track.Cues,
		Format:           track.Format,
		Dropped:          track.Dropped,
		DetectedLanguage: detected,
	}, nil
}

type playlistEntry struct {
	Type       string          `json:"_type"`
	ID         string          `json:"id"`
	URL        string          `json:"url"`
	WebpageURL string          `json:"webpage_url"`
	Title      string          `json:"title"`
	Duration   float64         `json:"duration"`
	Entries    []playlistEntry `json:"entries"`
}

type playlistInfo struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Channel    string          `json:"channel"`
	ChannelID  string          `json:"channel_id"`
	Uploader   string          `json:"uploader"`
	Entries    []playlistEntry `json:"entries"`
	WebpageURL string          `json:"webpage_url"`
}

// Resolve enumerates up to maxItems videos of a channel in listing order.
func (y *YtDlp) Resolve(ctx context.Context, channelURL string, maxItems int, creds *Credentials) (*Listing, error) {
	channelURL = strings.TrimSpace(channelURL)
	if channelURL == "" {
		return nil, newError(KindNotFound, "", "channel url is required", nil)
	}

	dir, err := os.MkdirTemp("", "subcache-resolve-*")
	if err != nil {
		return nil, newError(KindTransient, channelURL, "create temp dir", err)
	}
	defer os.RemoveAll(dir)

	args := []string{"--flat-playlist", "--dump-single-json", "--no-warnings"}
	if maxItems > 0 {
		args = append(args, "--playlist-end", strconv.Itoa(maxItems))
	}
	cookies, err := cookieFile(creds, y.cookieFile, dir)
	if err != nil {
		return nil, err
	}
	if cookies != "" {
		args = append(args, "--cookies", cookies)
	}
	args = append(args, channelURL)

	stdout, err := y.run(ctx, channelURL, args)
	if err != nil {
		return nil, err
	}

	var info playlistInfo
	if err := json.Unmarshal(stdout, &info); err != nil {
		return nil, newError(KindMalformed, channelURL, "decode yt-dlp playlist", err)
	}

	name := info.Channel
	if name == "" {
		name = info.Uploader
	}
	if name == "" {
		name = info.Title
	}
	channelID := info.ChannelID
	if channelID == "" {
		channelID = info.ID
	}

	listing := &Listing{
		ChannelURL:  channelURL,
		ChannelID:   channelID,
		ChannelName: name,
	}
	for _, entry := range flattenEntries(info.Entries) {
		if maxItems > 0 && len(listing.Videos) >= maxItems {
			break
		}
		ref, ok := videoRef(entry)
		if !ok {
			log.Debug("Skipping non-video entry %q (%s)", entry.Title, entry.Type)
			continue
		}
		listing.Videos = append(listing.Videos, ref)
	}
	log.Info("Resolved %d videos for channel %s", len(listing.Videos), channelURL)
	return listing, nil
}

// flattenEntries expands nested playlists (channel tabs) depth first.
func flattenEntries(entries []playlistEntry) []playlistEntry {
	var flat []playlistEntry
	for _, e := range entries {
		if e.Type == "playlist" && len(e.Entries) > 0 {
			flat = append(flat, flattenEntries(e.Entries)...)
			continue
		}
		flat = append(flat, e)
	}
	return flat
}

func videoRef(e playlistEntry) (VideoRef, bool) {
	if e.Type != "" && e.Type != "url" && e.Type != "video" {
		return VideoRef{}, false
	}
	raw := e.URL
	if raw == "" {
		raw = e.WebpageURL
	}
	var url string
	switch {
	case strings.Contains(raw, "watch?v=") || strings.Contains(raw, "/shorts/"):
		url = raw
	case videoIDRe.MatchString(e.ID):
		url = "https://www.youtube.com/watch?v=" + e.ID
	default:
		return VideoRef{}, false
	}
	return VideoRef{ID: e.ID, URL: url, Title: e.Title, DurationSeconds: int(e.Duration)}, true
}

func (y *YtDlp) run(ctx context.Context, target string, args []string) ([]byte, error) {
	if err := y.limiter.Wait(ctx, "extract"); err != nil {
		return nil, newError(KindTransient, target, "waiting for extraction budget", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := commandContext(ctx, y.binary, args...) //nolint:gosec
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug("Running %s %s", y.binary, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, newError(KindTransient, target, "extraction interrupted", ctxErr)
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, newError(KindTransient, target, "yt-dlp not runnable", err)
		}
		output := stderr.String()
		return nil, newError(classifyOutput(output), target, lastLines(output, 3), err)
	}
	return stdout.Bytes(), nil
}

// findTrack picks the downloaded subtitle file for lang, preferring an exact
// language match and VTT over SRT.
func findTrack(dir, lang string) (string, subtitle.Format, error) {
	paths, err := file.FindWithExt(dir, string(subtitle.FormatVTT), string(subtitle.FormatSRT))
	if err != nil {
		return "", "", err
	}

	type candidate struct {
		path   string
		format subtitle.Format
		score  int
	}
	var candidates []candidate
	for _, path := range paths {
		name := filepath.Base(path)
		ext := strings.TrimPrefix(filepath.Ext(name), ".")
		format := subtitle.Format(strings.ToLower(ext))
		// <id>.<lang>.<ext>
		trackLang := strings.TrimPrefix(filepath.Ext(strings.TrimSuffix(name, "."+ext)), ".")
		score := 0
		switch {
		case strings.EqualFold(trackLang, lang):
			score = 4
		case subtitle.SameBaseLanguage(trackLang, lang):
			score = 2
		}
		if format == subtitle.FormatVTT {
			score++
		}
		candidates = append(candidates, candidate{path: path, format: format, score: score})
	}
	if len(candidates) == 0 {
		return "", "", fmt.Errorf("no subtitle file written")
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	return candidates[0].path, candidates[0].format, nil
}

var _ Extractor = (*YtDlp)(nil)
