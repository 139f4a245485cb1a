// Package volerr defines the failure kinds shared across the conversion
// pipeline. Per-volume failures (missing slices, short reads, mosaic
// geometry) are fatal to a single output volume but never to the run;
// configuration failures abort before any processing begins.
package volerr

import "errors"

var (
	// ErrMissingSlice reports that an expected (position, time, echo) key
	// has no corresponding slice in the index.
	ErrMissingSlice = errors.New("missing slice")

	// ErrShortRead reports that a slice's declared pixel byte range did not
	// yield the expected number of elements.
	ErrShortRead = errors.New("short pixel read")

	// ErrMosaicGeometry reports that a decoded mosaic plane is inconsistent
	// with its declared tile grid.
	ErrMosaicGeometry = errors.New("mosaic geometry mismatch")

	// ErrOrientationForm reports a request for an unimplemented spatial
	// representation (for example the s-form).
	ErrOrientationForm = errors.New("unsupported orientation form")

	// ErrConfig reports invalid or mutually exclusive options. Detected
	// before processing starts; aborts the whole run.
	ErrConfig = errors.New("configuration error")
)
