package core

import (
	"errors"
	"fmt"
)

var (
	ErrFileNotFound        = errors.New("file not found")
	ErrEncodingFailure     = errors.New("text is neither UTF-8 nor Shift-JIS")
	ErrEmptyPrompt         = errors.New("prompt is empty")
	ErrMissingCredential   = errors.New("missing credential")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrUnsupportedTuning   = errors.New("tuning parameter not supported by provider")
	// ErrMalformedStreamFrame marks a stream payload that could not be parsed. Providers
	// skip such frames; it never ends a stream.
	ErrMalformedStreamFrame = errors.New("malformed stream frame")
	// ErrProvider matches every *ProviderError via errors.Is.
	ErrProvider = errors.New("provider error")
)

// EncodingError reports a file that could not be decoded. Unwrap yields the primary
// (UTF-8) failure so callers can inspect it.
type EncodingError struct {
	Path     string
	Primary  error
	Fallback error
}

func (e *EncodingError) Error() string {
	msg := fmt.Sprintf("decode %s: %v", e.Path, e.Primary)
	if e.Fallback != nil {
		msg += fmt.Sprintf(" (Shift-JIS fallback: %v)", e.Fallback)
	}
	return msg
}

func (e *EncodingError) Unwrap() error { return e.Primary }

func (e *EncodingError) Is(target error) bool { return target == ErrEncodingFailure }

// ProviderError is a failure reported by a backend: a non-success HTTP status, an
// invocation error or a broken stream. Body carries the raw response body when there is
// one.
type ProviderError struct {
	Provider   ProviderKind
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: request failed", e.Provider)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// AsProviderError extracts a *ProviderError from err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
