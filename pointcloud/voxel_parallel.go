package pointcloud

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/sync/errgroup"
)

// cancelCheckInterval is how many points or voxels are processed between context checks.
const cancelCheckInterval = 1024

// partitionOf assigns a cell to one of n workers with the usual three prime spatial hash.
func partitionOf(key VoxelCoords, n int) int {
	h := uint64(key.I)*73856093 ^ uint64(key.J)*19349663 ^ uint64(key.K)*83492791
	return int(h % uint64(n))
}

type keyedSample struct {
	key   VoxelCoords
	color colorful.Color
}

// NewVoxelGridFromPointCloudParallel builds the same grid as NewVoxelGridFromPointCloud with
// numWorkers goroutines. A single pass over the cloud buckets each point by the worker that
// owns its cell, keeping cloud order within a bucket. Each worker then folds only its own
// bucket into a partial grid and the disjoint partial grids are combined with Merge.
func NewVoxelGridFromPointCloudParallel(
	ctx context.Context,
	pc PointCloud,
	voxelSize float64,
	numWorkers int,
) (*VoxelGrid, error) {
	if numWorkers <= 1 {
		return NewVoxelGridFromPointCloud(pc, voxelSize)
	}
	partials := make([]*VoxelGrid, numWorkers)
	for i := range partials {
		vg, err := NewVoxelGrid(voxelSize)
		if err != nil {
			return nil, err
		}
		partials[i] = vg
	}

	buckets := make([][]keyedSample, numWorkers)
	for i := range buckets {
		buckets[i] = make([]keyedSample, 0, pc.Size()/numWorkers+1)
	}
	var err error
	seen := 0
	pc.Iterate(0, 0, func(p r3.Vector, c colorful.Color) bool {
		seen++
		if seen%cancelCheckInterval == 0 {
			if err = ctx.Err(); err != nil {
				return false
			}
		}
		var key VoxelCoords
		if key, err = partials[0].checkedCoordinates(p); err != nil {
			return false
		}
		owner := partitionOf(key, numWorkers)
		buckets[owner] = append(buckets[owner], keyedSample{key, c})
		return true
	})
	if err != nil {
		return nil, err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for w := range partials {
		grid, bucket := partials[w], buckets[w]
		group.Go(func() error {
			for i, sample := range bucket {
				if i%cancelCheckInterval == 0 {
					if err := groupCtx.Err(); err != nil {
						return err
					}
				}
				grid.addSamples(sample.key, sample.color, 1)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	merged := partials[0]
	for _, partial := range partials[1:] {
		if err := merged.Merge(partial); err != nil {
			return nil, err
		}
	}
	return merged, nil
}
