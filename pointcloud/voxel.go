package pointcloud

import (
	"cmp"
	"math"
	"slices"

	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

/* A voxel grid is a sparse hash of fixed size cubic cells. Every point that lands in a cell
is folded into that cell's running color average and sample count; the points themselves are
not retained. Cell indices are floor(coordinate / size) on each axis, so the cell with index
(i, j, k) spans [i*size, (i+1)*size) and its center is (i + 0.5) * size.
*/

var (
	// ErrInvalidVoxelSize is returned when a grid is created with a non positive or non finite edge length.
	ErrInvalidVoxelSize = errors.New("voxel size must be a positive finite number")

	// ErrVoxelSizeMismatch is returned when two grids with different edge lengths are combined.
	ErrVoxelSizeMismatch = errors.New("voxel grids have different voxel sizes")
)

// VoxelCoords stores Voxel coordinates in VoxelGrid axes.
type VoxelCoords struct {
	I, J, K int64
}

// IsEqual tests if two VoxelCoords are the same.
func (c VoxelCoords) IsEqual(c2 VoxelCoords) bool {
	return c.I == c2.I && c.J == c2.J && c.K == c2.K
}

// Offset returns the coordinates shifted by (di, dj, dk).
func (c VoxelCoords) Offset(di, dj, dk int64) VoxelCoords {
	return VoxelCoords{c.I + di, c.J + dj, c.K + dk}
}

// Compare orders coordinates by I, then J, then K.
func (c VoxelCoords) Compare(c2 VoxelCoords) int {
	if r := cmp.Compare(c.I, c2.I); r != 0 {
		return r
	}
	if r := cmp.Compare(c.J, c2.J); r != 0 {
		return r
	}
	return cmp.Compare(c.K, c2.K)
}

// neighborOffsets lists the 27 offsets of a cell's neighborhood, the cell itself included,
// with dx varying slowest and dz fastest.
var neighborOffsets = func() []VoxelCoords {
	offsets := make([]VoxelCoords, 0, 27)
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for dz := int64(-1); dz <= 1; dz++ {
				offsets = append(offsets, VoxelCoords{dx, dy, dz})
			}
		}
	}
	return offsets
}()

// Voxel is one occupied cell of a VoxelGrid.
type Voxel struct {
	Key VoxelCoords
	// Center is the world space center of the cell, not the centroid of its points.
	Center r3.Vector
	// Color is the mean color of every point merged into the cell.
	Color colorful.Color
	// Count is the number of points merged into the cell. Always at least 1.
	Count int
	// Normal is nil until VoxelGrid.EstimateNormals finds a well defined surface normal.
	Normal *r3.Vector
}

// addSamples folds count samples with mean color c into the voxel's running average.
func (v *Voxel) addSamples(c colorful.Color, count int) {
	total := v.Count + count
	oldWeight, newWeight := float64(v.Count), float64(count)
	v.Color = colorful.Color{
		R: (v.Color.R*oldWeight + c.R*newWeight) / float64(total),
		G: (v.Color.G*oldWeight + c.G*newWeight) / float64(total),
		B: (v.Color.B*oldWeight + c.B*newWeight) / float64(total),
	}
	v.Count = total
}

// VoxelGrid contains the sparse grid of Voxels of a point cloud.
type VoxelGrid struct {
	Voxels map[VoxelCoords]*Voxel
	size   float64
}

// NewVoxelGrid returns an empty VoxelGrid whose cells have the given edge length.
func NewVoxelGrid(voxelSize float64) (*VoxelGrid, error) {
	if !(voxelSize > 0) || math.IsInf(voxelSize, 0) {
		return nil, errors.Wrapf(ErrInvalidVoxelSize, "got %v", voxelSize)
	}
	return &VoxelGrid{
		Voxels: make(map[VoxelCoords]*Voxel),
		size:   voxelSize,
	}, nil
}

// NewVoxelGridFromPointCloud creates and fills a VoxelGrid from a point cloud.
func NewVoxelGridFromPointCloud(pc PointCloud, voxelSize float64) (*VoxelGrid, error) {
	vg, err := NewVoxelGrid(voxelSize)
	if err != nil {
		return nil, err
	}
	pc.Iterate(0, 0, func(p r3.Vector, c colorful.Color) bool {
		err = vg.AddPoint(p, c)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return vg, nil
}

// VoxelSize returns the edge length of the grid's cells.
func (vg *VoxelGrid) VoxelSize() float64 {
	return vg.size
}

// Size returns the number of occupied voxels.
func (vg *VoxelGrid) Size() int {
	return len(vg.Voxels)
}

// Coordinates returns the index of the cell containing pt. Floor division keeps cells the
// same size on both sides of zero.
func (vg *VoxelGrid) Coordinates(pt r3.Vector) VoxelCoords {
	return VoxelCoords{
		I: int64(math.Floor(pt.X / vg.size)),
		J: int64(math.Floor(pt.Y / vg.size)),
		K: int64(math.Floor(pt.Z / vg.size)),
	}
}

// maxCellIndex bounds the magnitude of a cell index so neighborhood offsets cannot overflow int64.
const maxCellIndex = 1 << 62

// checkedCoordinates is Coordinates for positions about to be stored: the position must be
// finite and its cell index must stay within maxCellIndex on every axis.
func (vg *VoxelGrid) checkedCoordinates(pt r3.Vector) (VoxelCoords, error) {
	if err := validatePosition(pt); err != nil {
		return VoxelCoords{}, err
	}
	for _, comp := range []float64{pt.X, pt.Y, pt.Z} {
		if math.Abs(math.Floor(comp/vg.size)) > maxCellIndex {
			return VoxelCoords{}, errors.Errorf("position %v is too far from the origin for voxel size %v", pt, vg.size)
		}
	}
	return vg.Coordinates(pt), nil
}

// VoxelCenter returns the world space center of the cell with the given index.
func (vg *VoxelGrid) VoxelCenter(key VoxelCoords) r3.Vector {
	return r3.Vector{
		X: (float64(key.I) + 0.5) * vg.size,
		Y: (float64(key.J) + 0.5) * vg.size,
		Z: (float64(key.K) + 0.5) * vg.size,
	}
}

// AddPoint merges a colored point into the cell containing it, creating the cell on first use.
// Normals estimated before the call are not updated.
func (vg *VoxelGrid) AddPoint(pt r3.Vector, c colorful.Color) error {
	key, err := vg.checkedCoordinates(pt)
	if err != nil {
		return err
	}
	vg.addSamples(key, c, 1)
	return nil
}

func (vg *VoxelGrid) addSamples(key VoxelCoords, c colorful.Color, count int) {
	if vox, ok := vg.Voxels[key]; ok {
		vox.addSamples(c, count)
		return
	}
	vg.Voxels[key] = &Voxel{
		Key:    key,
		Center: vg.VoxelCenter(key),
		Color:  c,
		Count:  count,
	}
}

// GetVoxelFromKey returns a pointer to a voxel from a VoxelCoords key, or nil.
func (vg *VoxelGrid) GetVoxelFromKey(coords VoxelCoords) *Voxel {
	return vg.Voxels[coords]
}

// Keys returns the occupied cell indices ordered by I, then J, then K.
func (vg *VoxelGrid) Keys() []VoxelCoords {
	keys := lo.Keys(vg.Voxels)
	slices.SortFunc(keys, VoxelCoords.Compare)
	return keys
}

// Neighborhood returns the occupied voxels among the 27 cells around key, key included.
// The cell at key does not need to be occupied.
func (vg *VoxelGrid) Neighborhood(key VoxelCoords) []*Voxel {
	neighbors := make([]*Voxel, 0, len(neighborOffsets))
	for _, off := range neighborOffsets {
		if vox, ok := vg.Voxels[key.Offset(off.I, off.J, off.K)]; ok {
			neighbors = append(neighbors, vox)
		}
	}
	return neighbors
}

// Merge folds every voxel of other into vg with the same running average used by AddPoint,
// weighting each side by its sample count. The result does not depend on merge order.
// Normals of vg are cleared since neighborhoods may have changed.
func (vg *VoxelGrid) Merge(other *VoxelGrid) error {
	if other == nil {
		return nil
	}
	if other.size != vg.size {
		return errors.Wrapf(ErrVoxelSizeMismatch, "%v != %v", vg.size, other.size)
	}
	for key, vox := range other.Voxels {
		vg.addSamples(key, vox.Color, vox.Count)
	}
	for _, vox := range vg.Voxels {
		vox.Normal = nil
	}
	return nil
}

// ToPointCloud returns a point cloud with one point per voxel at the voxel center.
func (vg *VoxelGrid) ToPointCloud() (PointCloud, error) {
	pc := NewWithPrealloc(vg.Size())
	for _, key := range vg.Keys() {
		vox := vg.Voxels[key]
		if err := pc.Set(vox.Center, vox.Color); err != nil {
			return nil, err
		}
	}
	return pc, nil
}
