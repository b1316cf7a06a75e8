// Package main estimates the camera motion between two RGBD frames.
package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/rgbdodometry/logging"
	"go.viam.com/rgbdodometry/odometry"
	"go.viam.com/rgbdodometry/pointcloud"
)

const (
	flagSourceColor   = "source-color"
	flagSourceDepth   = "source-depth"
	flagTargetColor   = "target-color"
	flagTargetDepth   = "target-depth"
	flagIntrinsics    = "intrinsics"
	flagConfig        = "config"
	flagVoxelSize     = "voxel-size"
	flagMaxIterations = "max-iterations"
	flagMaxDistance   = "max-correspondence-distance"
	flagNormals       = "normals"
	flagWorkers       = "workers"
	flagSourcePCD     = "source-pcd"
	flagTargetPCD     = "target-pcd"
	flagPCDFormat     = "pcd-format"
	flagLogLevel      = "log-level"
	flagDebug         = "debug"
	defaultPCDFormat  = "binary"
	defaultLogLevel   = "info"
	loggerName        = "rgbd_odometry"
)

func main() {
	if err := realMain(os.Args, os.Stdout); err != nil {
		logging.NewStderrLogger(loggerName, logging.ERROR).Fatal(err)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      loggerName,
		Usage:     "estimate the rigid motion between two RGBD frames",
		UsageText: loggerName + " --source-color a.png --source-depth a_depth.png --target-color b.png --target-depth b_depth.png --intrinsics K.json",
		Writer:    out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagSourceColor, Usage: "color raster of the source `FILE`", Required: true},
			&cli.StringFlag{Name: flagSourceDepth, Usage: "16 bit depth raster (mm) of the source `FILE`", Required: true},
			&cli.StringFlag{Name: flagTargetColor, Usage: "color raster of the target `FILE`", Required: true},
			&cli.StringFlag{Name: flagTargetDepth, Usage: "16 bit depth raster (mm) of the target `FILE`", Required: true},
			&cli.StringFlag{Name: flagIntrinsics, Aliases: []string{"k"}, Usage: "camera intrinsics JSON `FILE` (fx, fy, cx, cy)", Required: true},
			&cli.StringFlag{Name: flagConfig, Aliases: []string{"c"}, Usage: "load odometry configuration from `FILE`"},
			&cli.Float64Flag{Name: flagVoxelSize, Usage: "voxel edge length in meters"},
			&cli.IntFlag{Name: flagMaxIterations, Usage: "maximum registration iterations"},
			&cli.Float64Flag{Name: flagMaxDistance, Usage: "maximum distance in meters between matched voxel centers"},
			&cli.BoolFlag{Name: flagNormals, Usage: "estimate per voxel surface normals"},
			&cli.IntFlag{Name: flagWorkers, Usage: "goroutines used to build each voxel grid"},
			&cli.StringFlag{Name: flagSourcePCD, Usage: "write the source voxel centers to `FILE`"},
			&cli.StringFlag{Name: flagTargetPCD, Usage: "write the target voxel centers to `FILE`"},
			&cli.StringFlag{Name: flagPCDFormat, Value: defaultPCDFormat, Usage: "pcd data format, ascii or binary"},
			&cli.StringFlag{Name: flagLogLevel, Value: defaultLogLevel, Usage: "debug, info, warn or error"},
			&cli.BoolFlag{Name: flagDebug, Aliases: []string{"vvv"}, Usage: "enable debug logging"},
		},
		Action: runOdometry,
	}
}

func realMain(args []string, out io.Writer) error {
	return newApp(out).Run(args)
}

// configFromFlags starts from the config file, if any, and applies explicitly set flags on top.
func configFromFlags(c *cli.Context) (odometry.Config, error) {
	cfg := odometry.DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		fromFile, err := odometry.NewConfigFromJSONFile(path)
		if err != nil {
			return odometry.Config{}, err
		}
		cfg = *fromFile
	}
	if c.IsSet(flagVoxelSize) {
		cfg.VoxelSize = c.Float64(flagVoxelSize)
	}
	if c.IsSet(flagMaxIterations) {
		cfg.MaxIterations = c.Int(flagMaxIterations)
	}
	if c.IsSet(flagMaxDistance) {
		cfg.MaxCorrespondenceDistance = c.Float64(flagMaxDistance)
	}
	if c.IsSet(flagNormals) {
		cfg.EstimateNormals = c.Bool(flagNormals)
	}
	if c.IsSet(flagWorkers) {
		cfg.NumWorkers = c.Int(flagWorkers)
	}
	if err := cfg.Validate("flags"); err != nil {
		return odometry.Config{}, err
	}
	return cfg, nil
}

func newLogger(c *cli.Context) (logging.Logger, error) {
	if c.Bool(flagDebug) {
		return logging.NewStderrLogger(loggerName, logging.DEBUG), nil
	}
	level, err := logging.LevelFromString(c.String(flagLogLevel))
	if err != nil {
		return nil, err
	}
	return logging.NewStderrLogger(loggerName, level), nil
}

type odometryOutput struct {
	Transform          [][]float64 `json:"transform"`
	Iterations         int         `json:"iterations"`
	Converged          bool        `json:"converged"`
	RMSE               float64     `json:"rmse"`
	Fitness            float64     `json:"fitness"`
	NumCorrespondences int         `json:"num_correspondences"`
	MeanResidual       float64     `json:"mean_residual"`
	MedianResidual     float64     `json:"median_residual"`
	MaxResidual        float64     `json:"max_residual"`
}

func newOdometryOutput(result *odometry.Result) odometryOutput {
	m := result.Transform.Matrix()
	rows, cols := m.Dims()
	matrix := make([][]float64, rows)
	for i := range matrix {
		matrix[i] = make([]float64, cols)
		for j := range matrix[i] {
			matrix[i][j] = m.At(i, j)
		}
	}
	return odometryOutput{
		Transform:          matrix,
		Iterations:         result.Iterations,
		Converged:          result.Converged,
		RMSE:               result.RMSE,
		Fitness:            result.Fitness,
		NumCorrespondences: result.NumCorrespondences,
		MeanResidual:       result.Residuals.Mean,
		MedianResidual:     result.Residuals.Median,
		MaxResidual:        result.Residuals.Max,
	}
}

// exportVoxelCenters writes the grid's voxel centers to path; an empty path skips the export.
func exportVoxelCenters(vg *pointcloud.VoxelGrid, path string, pcdType pointcloud.PCDType, logger logging.Logger) error {
	if path == "" {
		return nil
	}
	cloud, err := vg.ToPointCloud()
	if err != nil {
		return err
	}
	if err := pointcloud.WriteToPCDFile(cloud, path, pcdType); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	logger.Infow("wrote voxel centers", "path", path, "voxels", cloud.Size())
	return nil
}

func runOdometry(c *cli.Context) (err error) {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, logger.Sync())
	}()

	cfg, err := configFromFlags(c)
	if err != nil {
		return err
	}
	pcdType, err := pointcloud.PCDTypeFromString(c.String(flagPCDFormat))
	if err != nil {
		return err
	}
	ctx := c.Context
	if c.Bool(flagDebug) {
		ctx = logging.EnableDebugMode(ctx, "")
	}

	sourceGrid, targetGrid, err := odometry.LoadVoxelGrids(ctx,
		odometry.FramePaths{ColorPath: c.String(flagSourceColor), DepthPath: c.String(flagSourceDepth)},
		odometry.FramePaths{ColorPath: c.String(flagTargetColor), DepthPath: c.String(flagTargetDepth)},
		c.String(flagIntrinsics), cfg, logger)
	if err != nil {
		return err
	}
	if err := exportVoxelCenters(sourceGrid, c.String(flagSourcePCD), pcdType, logger); err != nil {
		return err
	}
	if err := exportVoxelCenters(targetGrid, c.String(flagTargetPCD), pcdType, logger); err != nil {
		return err
	}

	result, err := odometry.Register(ctx, sourceGrid, targetGrid, cfg, logger)
	if err != nil {
		return err
	}
	logger.Infow("registered frames",
		"iterations", result.Iterations,
		"converged", result.Converged,
		"rmse", result.RMSE)

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(newOdometryOutput(result))
}
