package rimage

import "github.com/pkg/errors"

var (
	// ErrResourceUnavailable is returned when a raster or configuration resource is missing,
	// unreadable or cannot be decoded.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrDimensionMismatch is returned when the color and depth rasters of a frame do not
	// describe the same width and height.
	ErrDimensionMismatch = errors.New("color and depth dimensions do not match")
)

// NewResourceUnavailableError wraps the cause of a failed load with ErrResourceUnavailable.
func NewResourceUnavailableError(cause error, path string) error {
	return errors.Wrapf(ErrResourceUnavailable, "%q: %v", path, cause)
}

// NewDimensionMismatchError is used when color and depth sizes differ.
func NewDimensionMismatchError(colorWidth, colorHeight, depthWidth, depthHeight int) error {
	return errors.Wrapf(ErrDimensionMismatch, "Color(%d,%d) != Depth(%d,%d)",
		colorWidth, colorHeight, depthWidth, depthHeight)
}
