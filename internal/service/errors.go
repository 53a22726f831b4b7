package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/extract"
	"github.com/MimeLyc/subcache/pkg/log"
)

type ErrorType int

const (
	ErrValidation ErrorType = iota
	ErrNotFound
	ErrNoSubtitles
	ErrRateLimited
	ErrUnauthorized
	ErrUpstream
	ErrMalformed
	ErrStorage
	ErrConfig
	ErrUnknown
)

type Error struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorWithCause(errorType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type.String(), e.Message))

	if len(e.Context) > 0 {
		var ctxParts []string
		for k, v := range e.Context {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, v))
		}
		sort.Strings(ctxParts)
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

func (t ErrorType) String() string {
	switch t {
	case ErrValidation:
		return "Validation"
	case ErrNotFound:
		return "NotFound"
	case ErrNoSubtitles:
		return "NoSubtitles"
	case ErrRateLimited:
		return "RateLimited"
	case ErrUnauthorized:
		return "Unauthorized"
	case ErrUpstream:
		return "Upstream"
	case ErrMalformed:
		return "Malformed"
	case ErrStorage:
		return "Storage"
	case ErrConfig:
		return "Config"
	default:
		return "Unknown"
	}
}

// Advice returns a short remediation hint for an error type.
func Advice(t ErrorType) string {
	switch t {
	case ErrValidation:
		return "Check the request parameters"
	case ErrNotFound:
		return "Check that the video or channel URL exists and is public"
	case ErrNoSubtitles:
		return "The video has no subtitles in the requested language; try another lang"
	case ErrRateLimited:
		return "The upstream is throttling requests; retry later"
	case ErrUnauthorized:
		return "The upstream requires a signed-in session; supply cookies"
	case ErrUpstream:
		return "The extraction failed transiently; retry later"
	case ErrMalformed:
		return "The upstream returned data that could not be parsed"
	case ErrStorage:
		return "The subtitle store is unavailable; check the data directory"
	case ErrConfig:
		return "Check the service configuration"
	default:
		return "See the server logs for details"
	}
}

func IsErrorType(err error, errorType ErrorType) bool {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Type == errorType
	}
	return false
}

func WrapError(err error, errorType ErrorType, message string) *Error {
	return NewErrorWithCause(errorType, message, err)
}

// Classify maps an error from the lower layers to a typed service error.
// Errors that already are *Error are returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr
	}
	if errors.Is(err, cache.ErrStorageUnavailable) {
		return WrapError(err, ErrStorage, "subtitle storage unavailable")
	}
	if errors.Is(err, cache.ErrInvalidEntry) {
		return WrapError(err, ErrMalformed, "extracted subtitles are invalid")
	}
	switch extract.KindOf(err) {
	case extract.KindNotFound:
		return WrapError(err, ErrNotFound, "video not found")
	case extract.KindNoSubtitles:
		return WrapError(err, ErrNoSubtitles, "no subtitles available")
	case extract.KindRateLimited:
		return WrapError(err, ErrRateLimited, "rate limited by upstream")
	case extract.KindUnauthorized:
		return WrapError(err, ErrUnauthorized, "upstream requires authentication")
	case extract.KindMalformed:
		return WrapError(err, ErrMalformed, "malformed upstream data")
	case extract.KindTransient:
		if errors.Is(err, context.Canceled) {
			return WrapError(err, ErrUpstream, "request cancelled")
		}
		return WrapError(err, ErrUpstream, "extraction failed")
	}
	return WrapError(err, ErrUnknown, "unexpected error")
}

// SafeExecute runs fn and turns a panic into an ErrUnknown error.
func SafeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered panic: %v", r)
			err = NewError(ErrUnknown, fmt.Sprintf("runtime error: %v", r))
		}
	}()

	return fn()
}
