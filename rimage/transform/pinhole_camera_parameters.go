// Package transform holds the pinhole camera model used to move between pixels and
// camera space points.
package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rgbdodometry/rimage"
)

var (
	// ErrNoIntrinsics is when a camera does not have intrinsics parameters or they are not usable.
	ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

	// ErrSchema is returned when an intrinsics resource does not parse into exactly fx, fy, cx and cy.
	ErrSchema = errors.New("intrinsics do not match the expected schema")
)

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// NewSchemaError is used when an intrinsics resource cannot be decoded.
func NewSchemaError(cause error) error {
	return errors.Wrapf(ErrSchema, "%v", cause)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if !(params.Fx > 0) || math.IsInf(params.Fx, 0) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if !(params.Fy > 0) || math.IsInf(params.Fy, 0) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if math.IsNaN(params.Cx) || math.IsInf(params.Cx, 0) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Cx = %#v", params.Cx))
	}
	if math.IsNaN(params.Cy) || math.IsInf(params.Cy, 0) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Cy = %#v", params.Cy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSON decodes a JSON object with exactly the numeric fields
// fx, fy, cx and cy. Unknown, missing or non numeric fields are schema errors.
func NewPinholeCameraIntrinsicsFromJSON(r io.Reader) (*PinholeCameraIntrinsics, error) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, NewSchemaError(errors.Wrap(err, "error parsing JSON string"))
	}
	if raw == nil {
		return nil, NewSchemaError(errors.New("expected a JSON object"))
	}

	intrinsics := &PinholeCameraIntrinsics{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		ErrorUnset:  true,
		TagName:     "json",
		Result:      intrinsics,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, NewSchemaError(err)
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return intrinsics, nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, rimage.NewResourceUnavailableError(err, jsonPath)
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)

	intrinsics, err := NewPinholeCameraIntrinsicsFromJSON(jsonFile)
	if err != nil {
		return nil, errors.Wrapf(err, "reading intrinsics from %q", jsonPath)
	}
	return intrinsics, nil
}

// PixelToPoint transforms a pixel with depth to a 3D point.
// The intrinsics parameters should be the ones of the sensor used to obtain the image that
// contains the pixel.
func (params *PinholeCameraIntrinsics) PixelToPoint(u, v, depth float64) (float64, float64, float64) {
	xOverZ := (u - params.Cx) / params.Fx
	yOverZ := (v - params.Cy) / params.Fy
	return xOverZ * depth, yOverZ * depth, depth
}

// PointToPixel projects a 3D point to (sub)pixel coordinates in the image plane.
// The intrinsics parameters should be the ones of the sensor we want to project to.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z != 0. {
		return (x/z)*params.Fx + params.Cx, (y/z)*params.Fy + params.Cy
	}
	// if depth is zero at this pixel, return negative coordinates so that the cropping to RGB bounds will filter it out
	return -1.0, -1.0
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 cx]
//
//	[0 fy cy]
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Cx)
	cameraMatrix.Set(1, 2, params.Cy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}
