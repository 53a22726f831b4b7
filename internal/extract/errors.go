package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an extraction failure.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindNoSubtitles  Kind = "no_subtitles"
	KindRateLimited  Kind = "rate_limited"
	KindUnauthorized Kind = "unauthorized"
	KindTransient    Kind = "transient"
	KindMalformed    Kind = "malformed"
)

// Error is returned by every Extractor and Resolver operation.
type Error struct {
	Kind     Kind
	VideoURL string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.VideoURL != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.VideoURL)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, url, message string, cause error) *Error {
	return &Error{Kind: kind, VideoURL: url, Message: message, Cause: cause}
}

// KindOf returns the Kind carried by err. Context errors count as transient;
// any other foreign error yields "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var extractErr *Error
	if errors.As(err, &extractErr) {
		return extractErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return ""
}

// Retryable reports whether a later attempt may succeed.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTransient
}

var outputPatterns = []struct {
	kind    Kind
	needles []string
}{
	{KindRateLimited, []string{"http error 429", "too many requests", "rate-limited", "rate limit"}},
	{KindUnauthorized, []string{"sign in to confirm", "login required", "use --cookies", "members-only", "http error 403", "confirm your age"}},
	{KindNoSubtitles, []string{"there are no subtitles", "no subtitles for the requested languages", "has no subtitles"}},
	{KindNotFound, []string{"private video", "video unavailable", "does not exist", "http error 404", "unsupported url", "is not a valid url", "has been removed", "this channel is not available"}},
}

// classifyOutput maps yt-dlp diagnostics to a Kind. Unknown output is
// treated as transient.
func classifyOutput(output string) Kind {
	lower := strings.ToLower(output)
	for _, p := range outputPatterns {
		for _, needle := range p.needles {
			if strings.Contains(lower, needle) {
				return p.kind
			}
		}
	}
	return KindTransient
}

// lastLines keeps the tail of command output for error messages.
func lastLines(output string, n int) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
