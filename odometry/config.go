package odometry

import (
	"encoding/json"
	"math"
	"os"
	"reflect"
	"runtime"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/rgbdodometry/rimage"
)

// Config describes how frames are voxelized and registered. Distances are in meters.
type Config struct {
	VoxelSize                 float64 `json:"voxel_size"`
	MaxIterations             int     `json:"max_iterations"`
	ConvergenceThreshold      float64 `json:"convergence_threshold"`
	MaxCorrespondenceDistance float64 `json:"max_correspondence_distance"`
	EstimateNormals           bool    `json:"estimate_normals"`
	// NumWorkers is the number of goroutines used to build each voxel grid. 0 or 1 builds sequentially.
	NumWorkers int `json:"num_workers"`
}

// DefaultConfig returns the configuration used when no file or flags override it.
func DefaultConfig() Config {
	return Config{
		VoxelSize:                 0.02,
		MaxIterations:             30,
		ConvergenceThreshold:      1e-6,
		MaxCorrespondenceDistance: 0.05,
		EstimateNormals:           true,
		NumWorkers:                runtime.NumCPU(),
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if !(cfg.VoxelSize > 0) || math.IsInf(cfg.VoxelSize, 0) {
		return utils.NewConfigValidationError(path, errors.Errorf("voxel_size must be a positive number, got %v", cfg.VoxelSize))
	}
	if cfg.MaxIterations < 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("max_iterations must be at least 1, got %d", cfg.MaxIterations))
	}
	if !(cfg.ConvergenceThreshold >= 0) {
		return utils.NewConfigValidationError(path,
			errors.Errorf("convergence_threshold cannot be negative, got %v", cfg.ConvergenceThreshold))
	}
	if !(cfg.MaxCorrespondenceDistance > 0) {
		return utils.NewConfigValidationError(path,
			errors.Errorf("max_correspondence_distance must be positive, got %v", cfg.MaxCorrespondenceDistance))
	}
	if cfg.NumWorkers < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("num_workers cannot be negative, got %d", cfg.NumWorkers))
	}
	return nil
}

// NewConfigFromJSONFile reads a JSON config file on top of DefaultConfig. Fields that are
// absent keep their default; unknown fields are an error.
func NewConfigFromJSONFile(path string) (*Config, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, rimage.NewResourceUnavailableError(err, path)
	}
	defer utils.UncheckedErrorFunc(f.Close)

	var raw map[string]interface{}
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return nil, errors.Wrapf(err, "error parsing config %q", path)
	}

	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.DecodeHookFuncType(rejectFractionalInts),
		ErrorUnused: true,
		TagName:     "json",
		Result:      &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrapf(err, "error decoding config %q", path)
	}
	if err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// rejectFractionalInts stops mapstructure from truncating JSON numbers like 2.5 into int fields.
func rejectFractionalInts(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.Float64 {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return data, nil
	}
	//nolint:forcetypeassert
	f := data.(float64)
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return nil, errors.Errorf("expected an integer, got %v", f)
	}
	return data, nil
}
