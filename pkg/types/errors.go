package types

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes why an identification request failed
type ErrorKind string

const (
	KindImageUnreadable      ErrorKind = "image_unreadable"
	KindInsufficientLighting ErrorKind = "insufficient_lighting"
	KindInvalidRegion        ErrorKind = "invalid_region"
	KindNoCoverDetected      ErrorKind = "no_cover_detected"
	KindInferenceError       ErrorKind = "inference_error"
	KindEmptyCatalog         ErrorKind = "empty_catalog"
	KindMalformedLabel       ErrorKind = "malformed_label"
)

var (
	// ErrImageUnreadable signals a missing, corrupt or unsupported image file.
	ErrImageUnreadable = errors.New("image unreadable")
	// ErrInsufficientLighting signals a region (or whole image) too dark to be a real cover.
	ErrInsufficientLighting = errors.New("insufficient lighting")
	// ErrInvalidRegion signals a degenerate or out-of-bounds rectangle.
	ErrInvalidRegion = errors.New("invalid region")
	// ErrNoCoverDetected signals that the detector returned no candidates.
	ErrNoCoverDetected = errors.New("no album cover detected")
	// ErrInference signals a feature extractor or detector backend failure.
	ErrInference = errors.New("inference error")
	// ErrEmptyCatalog signals matching against a catalog with zero entries.
	ErrEmptyCatalog = errors.New("empty catalog")
	// ErrMalformedLabel signals a catalog label that does not follow album---artist.
	ErrMalformedLabel = errors.New("malformed label")
)

var kindErrors = map[ErrorKind]error{
	KindImageUnreadable:      ErrImageUnreadable,
	KindInsufficientLighting: ErrInsufficientLighting,
	KindInvalidRegion:        ErrInvalidRegion,
	KindNoCoverDetected:      ErrNoCoverDetected,
	KindInferenceError:       ErrInference,
	KindEmptyCatalog:         ErrEmptyCatalog,
	KindMalformedLabel:       ErrMalformedLabel,
}

// Sentinel returns the sentinel error for a kind, or nil for unknown kinds.
func (k ErrorKind) Sentinel() error {
	return kindErrors[k]
}

// PipelineError is a categorized failure raised by one pipeline step.
type PipelineError struct {
	Kind   ErrorKind
	Detail string
	Cause  error
}

// NewError creates a PipelineError. cause may be nil.
func NewError(kind ErrorKind, detail string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Detail: detail, Cause: cause}
}

// Errorf creates a PipelineError with a formatted detail and no cause.
func Errorf(kind ErrorKind, format string, args ...any) *PipelineError {
	return &PipelineError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes both the kind sentinel and the underlying cause, so
// errors.Is(err, ErrInvalidRegion) and errors.Is(err, os.ErrNotExist) both work.
func (e *PipelineError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.Sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// KindOf extracts the ErrorKind carried by err. It recognizes PipelineError
// values anywhere in the chain as well as bare sentinels.
func KindOf(err error) (ErrorKind, bool) {
	if err == nil {
		return "", false
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	for kind, sentinel := range kindErrors {
		if errors.Is(err, sentinel) {
			return kind, true
		}
	}
	return "", false
}
