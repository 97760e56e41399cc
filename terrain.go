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

	"github.com/ctessum/geom"
	"github.com/ctessum/sparse"
)

// TerrainModel provides ground elevation lookups for height
// normalization. Implementations built on external interpolators
// (TIN, kriging, inverse distance) can be plugged in here; Canopy's
// own GroundGrid provides a non-interpolating gridded model.
type TerrainModel interface {
	// ElevationAt returns the ground elevation at p. ok is false
	// where the model has no information.
	ElevationAt(p geom.Point) (z float64, ok bool)
}

// GroundGrid is a gridded terrain model: each cell holds the mean
// elevation of the ground-classified returns within it. Cells without
// ground returns are voids until FillVoids is called.
type GroundGrid struct {
	Grid *GridDef
	Elev *sparse.DenseArray
}

// NewGroundGrid builds a terrain model on grid g from the returns in
// c carrying the classification code groundClass, normally
// ClassGround.
func NewGroundGrid(g *GridDef, c *Cloud, groundClass int) (*GroundGrid, error) {
	ground := c.Keep(KeepClass(groundClass))
	if ground.Len() == 0 {
		return nil, fmt.Errorf("canopy: cloud contains no returns with ground class %d", groundClass)
	}
	return &GroundGrid{Grid: g, Elev: g.Rasterize(ground, AggMean)}, nil
}

// TerrainFromLayer adapts a gridded elevation layer, for example a
// terrain model read from a product file, into a TerrainModel.
func TerrainFromLayer(g *GridDef, l Layer) *GroundGrid {
	return &GroundGrid{Grid: g, Elev: l.Data}
}

// ElevationAt implements TerrainModel. ok is false outside the grid
// and in void cells.
func (t *GroundGrid) ElevationAt(p geom.Point) (float64, bool) {
	row, col, ok := t.Grid.CellIndex(p)
	if !ok {
		return math.NaN(), false
	}
	z := t.Elev.Get(row, col)
	if math.IsNaN(z) {
		return math.NaN(), false
	}
	return z, true
}

// FillVoids fills cells without ground returns with the mean of the
// nearest cells that have them, searching outward ring by ring. This
// is a lookup policy for voids, not terrain interpolation. It returns
// the number of cells filled.
func (t *GroundGrid) FillVoids() int {
	g := t.Grid
	out := t.Elev.Copy()
	maxR := g.Nx
	if g.Ny > maxR {
		maxR = g.Ny
	}
	filled := 0
	for row := 0; row < g.Ny; row++ {
		for col := 0; col < g.Nx; col++ {
			if !math.IsNaN(t.Elev.Get(row, col)) {
				continue
			}
			for r := 1; r <= maxR; r++ {
				var sum float64
				var n int
				for _, rc := range ringCells(row, col, r, g.Ny, g.Nx) {
					if v := t.Elev.Get(rc[0], rc[1]); !math.IsNaN(v) {
						sum += v
						n++
					}
				}
				if n > 0 {
					out.Elements[row*g.Nx+col] = sum / float64(n)
					filled++
					break
				}
			}
		}
	}
	t.Elev = out
	return filled
}

// ringCells returns the in-bounds cells at Chebyshev distance r from
// (row, col).
func ringCells(row, col, r, ny, nx int) [][2]int {
	var cells [][2]int
	for dr := -r; dr <= r; dr++ {
		for dc := -r; dc <= r; dc++ {
			if dr > -r && dr < r && dc > -r && dc < r {
				continue // interior of the ring
			}
			rr, cc := row+dr, col+dc
			if rr < 0 || rr >= ny || cc < 0 || cc >= nx {
				continue
			}
			cells = append(cells, [2]int{rr, cc})
		}
	}
	return cells
}

// NormalizeHeights returns a new cloud in which each return's Z value
// is its height above the terrain model tm. Returns over terrain the
// model cannot resolve are dropped; their count is returned. The
// input cloud is not modified.
func NormalizeHeights(c *Cloud, tm TerrainModel) (*Cloud, int, error) {
	if tm == nil {
		return nil, 0, fmt.Errorf("canopy: normalization requires a terrain model")
	}
	o := NewCloud()
	dropped := 0
	for _, p := range c.Points {
		z, ok := tm.ElevationAt(p.Point)
		if !ok {
			dropped++
			continue
		}
		p.Z -= z
		o.Add(p)
	}
	return o, dropped, nil
}

// DSM returns the digital surface model for grid g: the maximum
// return elevation in each cell, calculated from the unnormalized
// cloud.
func DSM(g *GridDef, c *Cloud) *sparse.DenseArray {
	return g.Rasterize(c, AggMax)
}

// CHM returns the canopy height model for grid g: the maximum height
// above ground in each cell, calculated from a normalized cloud.
// Filter the cloud beforehand (for example with HeightBetween) to
// exclude heights outside the plausible range.
func CHM(g *GridDef, normalized *Cloud) *sparse.DenseArray {
	return g.Rasterize(normalized, AggMax)
}

// DTM returns the digital terrain model for grid g: the ground
// elevation from terrain model tm at each cell centroid. Cells the
// model cannot resolve are NaN.
func DTM(g *GridDef, tm TerrainModel) *sparse.DenseArray {
	out := nanArray(g.Ny, g.Nx)
	for i, c := range g.Cells {
		if z, ok := tm.ElevationAt(c.Centroid()); ok {
			out.Elements[i] = z
		}
	}
	return out
}
