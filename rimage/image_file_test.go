package rimage

import (
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"github.com/xfmoulet/qoi"
	"go.viam.com/test"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

func writeEncoded(t *testing.T, path string, encode func(io.Writer) error) {
	t.Helper()
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, encode(f), test.ShouldBeNil)
	test.That(t, f.Close(), test.ShouldBeNil)
}

func TestReadImageFromFileFormats(t *testing.T) {
	dir := t.TempDir()
	img := makeTestColor(3, 2)

	for _, tc := range []struct {
		ext    string
		encode func(io.Writer) error
	}{
		{"qoi", func(w io.Writer) error { return qoi.Encode(w, img) }},
		{"ppm", func(w io.Writer) error { return ppm.Encode(w, img) }},
		{"bmp", func(w io.Writer) error { return bmp.Encode(w, img) }},
		{"tiff", func(w io.Writer) error { return tiff.Encode(w, img, nil) }},
	} {
		t.Run(tc.ext, func(t *testing.T) {
			path := filepath.Join(dir, "color."+tc.ext)
			writeEncoded(t, path, tc.encode)
			decoded, err := ReadImageFromFile(path)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, decoded.Bounds(), test.ShouldResemble, img.Bounds())
			for y := 0; y < 2; y++ {
				for x := 0; x < 3; x++ {
					r, g, b, _ := decoded.At(x, y).RGBA()
					er, eg, eb, _ := img.At(x, y).RGBA()
					test.That(t, []uint32{r >> 8, g >> 8, b >> 8}, test.ShouldResemble, []uint32{er >> 8, eg >> 8, eb >> 8})
				}
			}
		})
	}

	t.Run("jpeg", func(t *testing.T) {
		path := filepath.Join(dir, "color.jpg")
		writeEncoded(t, path, func(w io.Writer) error { return jpeg.Encode(w, img, &jpeg.Options{Quality: 100}) })
		decoded, err := ReadImageFromFile(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, decoded.Bounds(), test.ShouldResemble, img.Bounds())
	})

	t.Run("16 bit tiff depth", func(t *testing.T) {
		depth := makeTestDepth(2, 2, []uint16{0, 1000, 2500, 65535})
		path := filepath.Join(dir, "depth.tiff")
		writeEncoded(t, path, func(w io.Writer) error { return tiff.Encode(w, depth, nil) })

		decoded, err := ReadImageFromFile(path)
		test.That(t, err, test.ShouldBeNil)
		gray, ok := decoded.(*image.Gray16)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, gray.Gray16At(0, 1), test.ShouldResemble, color.Gray16{2500})

		frame, err := NewFrame(makeTestColor(2, 2), decoded)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, frame.Depth, test.ShouldResemble, []float64{0, 1, 2.5, 65.535})
	})

	t.Run("unknown format", func(t *testing.T) {
		path := filepath.Join(dir, "color.txt")
		test.That(t, os.WriteFile(path, []byte("P7 nope"), 0o600), test.ShouldBeNil)
		_, err := ReadImageFromFile(path)
		test.That(t, errors.Is(err, ErrResourceUnavailable), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "color.txt")
	})
}
