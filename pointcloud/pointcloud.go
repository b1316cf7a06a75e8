// Package pointcloud defines colored point clouds, a voxel hash grid that aggregates them,
// and the neighborhood search that proposes correspondences between two grids.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"
)

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasColor bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// NewMetaData returns MetaData with empty bounds.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge grows the bounds to include v.
func (meta *MetaData) Merge(v r3.Vector) {
	meta.HasColor = true
	meta.MinX = math.Min(meta.MinX, v.X)
	meta.MaxX = math.Max(meta.MaxX, v.X)
	meta.MinY = math.Min(meta.MinY, v.Y)
	meta.MaxY = math.Max(meta.MaxY, v.Y)
	meta.MinZ = math.Min(meta.MinZ, v.Z)
	meta.MaxZ = math.Max(meta.MaxZ, v.Z)
}

// PointCloud is a general purpose container of colored points. Points are logically a set
// keyed by position; iteration follows insertion order but callers should not rely on it.
type PointCloud interface {
	// Size returns the number of points in the cloud.
	Size() int

	// MetaData returns meta data.
	MetaData() MetaData

	// Set places the given point in the cloud. Setting an existing position replaces its color.
	Set(p r3.Vector, c colorful.Color) error

	// At returns the color of the point at the given position, if one exists.
	At(x, y, z float64) (colorful.Color, bool)

	// Points returns a copy of the points in the cloud.
	Points() []Point

	// Iterate iterates over all points in the cloud and calls the given
	// function for each point. If the supplied function returns false,
	// iteration will stop after the function returns.
	// numBatches lets you divide up the work. 0 means don't divide.
	// myBatch is used iff numBatches > 0 and is which batch you want.
	Iterate(numBatches, myBatch int, fn func(p r3.Vector, c colorful.Color) bool)
}
