package transform

import (
	"github.com/pkg/errors"

	"go.viam.com/rgbdodometry/pointcloud"
	"go.viam.com/rgbdodometry/rimage"
)

// FrameToPointCloud back-projects every pixel of the frame with a positive depth into camera
// space, in raster order. Pixels with no depth reading are skipped without error.
func (params *PinholeCameraIntrinsics) FrameToPointCloud(frame *rimage.Frame) (pointcloud.PointCloud, error) {
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, errors.New("frame is nil")
	}
	pc := pointcloud.NewWithPrealloc(frame.ValidDepthCount())
	for v := 0; v < frame.Height; v++ {
		for u := 0; u < frame.Width; u++ {
			z := frame.DepthAt(u, v)
			// also rejects NaN
			if !(z > 0) {
				continue
			}
			x, y, z := params.PixelToPoint(float64(u), float64(v), z)
			r, g, b := frame.ColorAt(u, v)
			if err := pc.Set(pointcloud.NewVector(x, y, z), pointcloud.NewColorFromRGB255(r, g, b)); err != nil {
				return nil, err
			}
		}
	}
	return pc, nil
}
