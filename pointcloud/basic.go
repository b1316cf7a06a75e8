package pointcloud

import (
	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"
)

// basicPointCloud is the basic implementation of the PointCloud interface backed by
// a slice of points and an index keyed by position.
type basicPointCloud struct {
	points   []Point
	indexMap map[r3.Vector]int
	meta     MetaData
}

// New returns an empty PointCloud backed by a basicPointCloud.
func New() PointCloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty, preallocated PointCloud backed by a basicPointCloud.
func NewWithPrealloc(size int) PointCloud {
	return &basicPointCloud{
		points:   make([]Point, 0, size),
		indexMap: make(map[r3.Vector]int, size),
		meta:     NewMetaData(),
	}
}

func (cloud *basicPointCloud) Size() int {
	return len(cloud.points)
}

func (cloud *basicPointCloud) MetaData() MetaData {
	return cloud.meta
}

func (cloud *basicPointCloud) At(x, y, z float64) (colorful.Color, bool) {
	idx, ok := cloud.indexMap[r3.Vector{X: x, Y: y, Z: z}]
	if !ok {
		return colorful.Color{}, false
	}
	return cloud.points[idx].Color, true
}

// Set validates that the point can be stored before setting it in the cloud.
func (cloud *basicPointCloud) Set(p r3.Vector, c colorful.Color) error {
	if err := validatePosition(p); err != nil {
		return err
	}
	if idx, ok := cloud.indexMap[p]; ok {
		cloud.points[idx].Color = c
		return nil
	}
	cloud.indexMap[p] = len(cloud.points)
	cloud.points = append(cloud.points, Point{Position: p, Color: c})
	cloud.meta.Merge(p)
	return nil
}

func (cloud *basicPointCloud) Points() []Point {
	return append([]Point(nil), cloud.points...)
}

func (cloud *basicPointCloud) Iterate(numBatches, myBatch int, fn func(p r3.Vector, c colorful.Color) bool) {
	for i, pt := range cloud.points {
		if numBatches > 0 && i%numBatches != myBatch {
			continue
		}
		if !fn(pt.Position, pt.Color) {
			return
		}
	}
}
