// Package errors defines the sentinel error taxonomy shared across the
// value log's packages. Components wrap one of these with context via
// fmt.Errorf("%w: ...", ErrX) and callers discriminate with errors.Is.
package errors

import "errors"

var (
	// ErrIo indicates an underlying storage failure. It is never swallowed.
	ErrIo = errors.New("vlog: io error")

	// ErrCorruptBlob indicates a blob record failed checksum or structural
	// validation.
	ErrCorruptBlob = errors.New("vlog: corrupt blob")

	// ErrCorruptSegment indicates a segment footer failed checksum or
	// structural validation.
	ErrCorruptSegment = errors.New("vlog: corrupt segment")

	// ErrCorruptManifest indicates the manifest file failed checksum or
	// structural validation.
	ErrCorruptManifest = errors.New("vlog: corrupt manifest")

	// ErrNotFound indicates a handle refers to an unregistered or retired
	// segment, or to an offset no longer backed by data.
	ErrNotFound = errors.New("vlog: not found")

	// ErrInvalidInput indicates a key or value exceeded size limits, an
	// empty key was supplied, or some other caller-supplied argument was
	// invalid.
	ErrInvalidInput = errors.New("vlog: invalid input")

	// ErrBuilderClosed indicates an operation was attempted on a builder
	// or writer that has already been finished or aborted.
	ErrBuilderClosed = errors.New("vlog: builder closed")

	// ErrBusy indicates a second concurrent GC pass was attempted while
	// one was already running.
	ErrBusy = errors.New("vlog: busy")
)
