package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// NewVector convenience method for creating a vector.
func NewVector(x, y, z float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}

// Point is a position in meters with a color whose channels are normalized to [0, 1].
type Point struct {
	Position r3.Vector
	Color    colorful.Color
}

// NewColorFromRGB255 normalizes 8 bit channels to [0, 1].
func NewColorFromRGB255(r, g, b uint8) colorful.Color {
	return colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
}

// ColorToRGB255 converts a normalized color back to 8 bit channels, clamping out of range values.
func ColorToRGB255(c colorful.Color) (uint8, uint8, uint8) {
	return c.Clamped().RGB255()
}

// validatePosition rejects positions that cannot be hashed or bucketed.
func validatePosition(p r3.Vector) error {
	for _, comp := range []struct {
		name string
		val  float64
	}{{"x", p.X}, {"y", p.Y}, {"z", p.Z}} {
		if math.IsNaN(comp.val) || math.IsInf(comp.val, 0) {
			return errors.Errorf("%s component (%v) is not a finite number", comp.name, comp.val)
		}
	}
	return nil
}
