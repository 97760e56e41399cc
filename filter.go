/*
Copyright (C) 2026 the Canopy authors.
This file is part of Canopy.

Canopy is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Canopy is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Canopy.  If not, see <http://www.gnu.org/licenses/>.
*/

package canopy

import (
	"fmt"
	"math"
)

// IVFParams configures the isolated-voxel noise filter.
type IVFParams struct {
	// Res is the voxel edge length (m).
	Res float64
	// Neighbors is the largest number of returns in a voxel's 3x3x3
	// neighborhood (the voxel itself included) for which the voxel
	// still counts as isolated.
	Neighbors int
}

type voxelKey struct {
	x, y, z int
}

// ClassifyNoise classifies isolated returns as noise. The cloud is
// divided into cubic voxels of edge length params.Res; a return is
// isolated when its voxel's 3x3x3 neighborhood holds no more than
// params.Neighbors returns in total. Isolated returns get ClassNoise;
// no other attribute is modified. The number of returns classified is
// returned.
func ClassifyNoise(c *Cloud, params IVFParams) (int, error) {
	if params.Res <= 0 {
		return 0, fmt.Errorf("canopy: noise filter voxel size must be positive, not %g", params.Res)
	}
	if params.Neighbors < 1 {
		return 0, fmt.Errorf("canopy: noise filter neighbor count must be positive, not %d", params.Neighbors)
	}

	counts := make(map[voxelKey]int)
	keys := make([]voxelKey, len(c.Points))
	for i, p := range c.Points {
		k := voxelKey{
			x: int(math.Floor(p.X / params.Res)),
			y: int(math.Floor(p.Y / params.Res)),
			z: int(math.Floor(p.Z / params.Res)),
		}
		keys[i] = k
		counts[k]++
	}

	marked := 0
	for i := range c.Points {
		k := keys[i]
		n := 0
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				for dz := -1; dz <= 1; dz++ {
					n += counts[voxelKey{k.x + dx, k.y + dy, k.z + dz}]
				}
			}
		}
		if n <= params.Neighbors {
			c.Points[i].Class = ClassNoise
			marked++
		}
	}
	return marked, nil
}
