// Package rimage assembles aligned color and depth rasters into frames that can be
// back-projected into point clouds.
package rimage

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// DepthScale is the number of raw depth units per meter. Depth rasters store millimeters.
const DepthScale = 1000.

// Frame is an aligned color and depth pair of the same width and height. Color holds
// row-major RGB triples and Depth holds row-major depths in meters.
type Frame struct {
	Width  int
	Height int
	Color  []uint8
	Depth  []float64
}

// NewFrame validates that the color and depth images describe the same pixel grid and
// flattens them into a Frame. Color is reduced to 8 bits per channel and depth is read as
// 16 bit samples scaled to meters.
func NewFrame(colorImg, depthImg image.Image) (*Frame, error) {
	if colorImg == nil {
		return nil, errors.New("no rgb channel, cannot assemble frame")
	}
	if depthImg == nil {
		return nil, errors.New("no depth channel, cannot assemble frame")
	}
	cb, db := colorImg.Bounds(), depthImg.Bounds()
	if cb.Dx() != db.Dx() || cb.Dy() != db.Dy() {
		return nil, NewDimensionMismatchError(cb.Dx(), cb.Dy(), db.Dx(), db.Dy())
	}
	width, height := cb.Dx(), cb.Dy()

	frame := &Frame{
		Width:  width,
		Height: height,
		Color:  make([]uint8, width*height*3),
		Depth:  make([]float64, width*height),
	}

	// Clone rebases to the origin and converts any color model to 8 bit NRGBA.
	nrgba := imaging.Clone(colorImg)
	for y := 0; y < height; y++ {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := 0; x < width; x++ {
			k := 3 * (y*width + x)
			copy(frame.Color[k:k+3], row[4*x:4*x+3])
		}
	}

	gray16, isGray16 := depthImg.(*image.Gray16)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var raw uint16
			if isGray16 {
				raw = gray16.Gray16At(db.Min.X+x, db.Min.Y+y).Y
			} else {
				//nolint:forcetypeassert
				raw = color.Gray16Model.Convert(depthImg.At(db.Min.X+x, db.Min.Y+y)).(color.Gray16).Y
			}
			frame.Depth[y*width+x] = float64(raw) / DepthScale
		}
	}
	return frame, nil
}

// NewFrameFromRaw builds a Frame from already decoded buffers: rgb holds width*height RGB
// triples and depthMM holds width*height depths in millimeters.
func NewFrameFromRaw(width, height int, rgb []uint8, depthMM []uint16) (*Frame, error) {
	if width < 0 || height < 0 {
		return nil, errors.Errorf("invalid frame size (%d, %d)", width, height)
	}
	if len(rgb) != width*height*3 {
		return nil, errors.Wrapf(ErrDimensionMismatch,
			"color buffer has %d bytes, expected %d for (%d,%d)", len(rgb), width*height*3, width, height)
	}
	if len(depthMM) != width*height {
		return nil, errors.Wrapf(ErrDimensionMismatch,
			"depth buffer has %d samples, expected %d for (%d,%d)", len(depthMM), width*height, width, height)
	}
	frame := &Frame{
		Width:  width,
		Height: height,
		Color:  append([]uint8(nil), rgb...),
		Depth:  make([]float64, len(depthMM)),
	}
	for i, d := range depthMM {
		frame.Depth[i] = float64(d) / DepthScale
	}
	return frame, nil
}

// ReadFrameFromFiles decodes the color and depth rasters at the given paths and assembles
// them into a Frame.
func ReadFrameFromFiles(colorPath, depthPath string) (*Frame, error) {
	colorImg, err := ReadImageFromFile(colorPath)
	if err != nil {
		return nil, err
	}
	depthImg, err := ReadImageFromFile(depthPath)
	if err != nil {
		return nil, err
	}
	return NewFrame(colorImg, depthImg)
}

// Bounds returns the pixel rectangle of the frame.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// ColorAt returns the 8 bit color at pixel (u, v).
func (f *Frame) ColorAt(u, v int) (uint8, uint8, uint8) {
	k := 3 * (v*f.Width + u)
	return f.Color[k], f.Color[k+1], f.Color[k+2]
}

// DepthAt returns the depth in meters at pixel (u, v).
func (f *Frame) DepthAt(u, v int) float64 {
	return f.Depth[v*f.Width+u]
}

// ValidDepthCount returns the number of pixels with a strictly positive depth.
func (f *Frame) ValidDepthCount() int {
	n := 0
	for _, d := range f.Depth {
		if d > 0 {
			n++
		}
	}
	return n
}
