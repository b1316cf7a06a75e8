package rimage

import (
	"bufio"
	"image"
	// Register the decoders understood by ReadImageFromFile.
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "github.com/lmittmann/ppm"
	_ "github.com/xfmoulet/qoi"
	"go.viam.com/utils"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// ReadImageFromFile decodes the raster at path. png, jpeg, tiff, bmp, ppm/pgm and qoi are
// supported. 16 bit grayscale png and pgm files decode to *image.Gray16.
func ReadImageFromFile(path string) (image.Image, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, NewResourceUnavailableError(err, path)
	}
	defer utils.UncheckedErrorFunc(f.Close)

	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, NewResourceUnavailableError(err, path)
	}
	return img, nil
}
