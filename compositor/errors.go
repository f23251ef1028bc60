package compositor

import (
	"errors"
	"fmt"
)

var (
	ErrNoSource    = errors.New("no source image loaded")
	ErrNotRendered = errors.New("canvas has not been rendered")
	// ErrTainted means the background came from another origin without a
	// CORS grant. The canvas can still be previewed but never exported.
	ErrTainted     = errors.New("canvas is tainted by a cross-origin image")
	ErrUnknownFont = errors.New("unknown font family")
)

// ImageLoadError reports a source image that could not be fetched or decoded.
type ImageLoadError struct {
	URL string
	Err error
}

func (e *ImageLoadError) Error() string {
	return fmt.Sprintf("load image %q: %v", e.URL, e.Err)
}

func (e *ImageLoadError) Unwrap() error {
	return e.Err
}

// ExportError reports a canvas that could not be serialized.
type ExportError struct {
	Err error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export canvas: %v", e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}
