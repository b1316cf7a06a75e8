// Package odometry estimates the camera motion between two RGBD frames by voxelizing each
// frame's back-projected point cloud and aligning the voxel grids.
package odometry

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/rgbdodometry/logging"
	"go.viam.com/rgbdodometry/pointcloud"
	"go.viam.com/rgbdodometry/rimage"
	"go.viam.com/rgbdodometry/rimage/transform"
)

// FramePaths locates the color and depth rasters of one RGBD frame.
type FramePaths struct {
	ColorPath string
	DepthPath string
}

// BuildVoxelGrid back-projects the frame and voxelizes the resulting cloud. Normals are
// estimated afterwards when cfg.EstimateNormals is set.
func BuildVoxelGrid(
	ctx context.Context,
	frame *rimage.Frame,
	intrinsics *transform.PinholeCameraIntrinsics,
	cfg Config,
	logger logging.Logger,
) (*pointcloud.VoxelGrid, error) {
	if err := cfg.Validate("odometry"); err != nil {
		return nil, err
	}
	pc, err := intrinsics.FrameToPointCloud(frame)
	if err != nil {
		return nil, err
	}
	vg, err := pointcloud.NewVoxelGridFromPointCloudParallel(ctx, pc, cfg.VoxelSize, cfg.NumWorkers)
	if err != nil {
		return nil, err
	}
	withNormals := 0
	if cfg.EstimateNormals {
		withNormals = vg.EstimateNormals()
	}
	logger.CDebugw(ctx, "built voxel grid",
		"width", frame.Width,
		"height", frame.Height,
		"points", pc.Size(),
		"voxels", vg.Size(),
		"normals", withNormals)
	return vg, nil
}

// LoadVoxelGrid reads the frame at paths and builds its voxel grid.
func LoadVoxelGrid(
	ctx context.Context,
	paths FramePaths,
	intrinsics *transform.PinholeCameraIntrinsics,
	cfg Config,
	logger logging.Logger,
) (*pointcloud.VoxelGrid, error) {
	frame, err := rimage.ReadFrameFromFiles(paths.ColorPath, paths.DepthPath)
	if err != nil {
		return nil, err
	}
	vg, err := BuildVoxelGrid(ctx, frame, intrinsics, cfg, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "building voxel grid for %q", paths.ColorPath)
	}
	return vg, nil
}

// LoadVoxelGrids reads the intrinsics file and builds the voxel grids of the source and
// target frames. Both frames are assumed to come from the camera it describes.
func LoadVoxelGrids(
	ctx context.Context,
	source, target FramePaths,
	intrinsicsPath string,
	cfg Config,
	logger logging.Logger,
) (*pointcloud.VoxelGrid, *pointcloud.VoxelGrid, error) {
	if err := cfg.Validate("odometry"); err != nil {
		return nil, nil, err
	}
	intrinsics, err := transform.NewPinholeCameraIntrinsicsFromJSONFile(intrinsicsPath)
	if err != nil {
		return nil, nil, err
	}
	sourceGrid, err := LoadVoxelGrid(ctx, source, intrinsics, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	targetGrid, err := LoadVoxelGrid(ctx, target, intrinsics, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return sourceGrid, targetGrid, nil
}

// ComputeRGBDOdometry estimates the rigid motion taking the source frame's camera
// coordinates to the target frame's. It is LoadVoxelGrids followed by Register.
func ComputeRGBDOdometry(
	ctx context.Context,
	source, target FramePaths,
	intrinsicsPath string,
	cfg Config,
	logger logging.Logger,
) (*Result, error) {
	start := time.Now()
	sourceGrid, targetGrid, err := LoadVoxelGrids(ctx, source, target, intrinsicsPath, cfg, logger)
	if err != nil {
		return nil, err
	}

	result, err := Register(ctx, sourceGrid, targetGrid, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Infow("computed rgbd odometry",
		"iterations", result.Iterations,
		"converged", result.Converged,
		"rmse", result.RMSE,
		"fitness", result.Fitness,
		"correspondences", result.NumCorrespondences,
		"rotation_rad", result.Transform.RotationAngle(),
		"translation", result.Transform.Translation,
		"elapsed", time.Since(start))
	return result, nil
}
