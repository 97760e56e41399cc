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
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/index/rtree"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
	goshp "github.com/jonas-p/go-shp"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// GridDef specifies a regular grid that canopy products are
// calculated on.
type GridDef struct {
	Name   string
	Nx, Ny int
	Dx, Dy float64
	X0, Y0 float64
	Cells  []*GridCell
	SR     *proj.SR
	// Proj4 is the projection definition the grid was created with.
	// It is written to .prj sidecar files when the grid or its
	// products are exported.
	Proj4  string
	Extent geom.Polygon
	rtree  *rtree.Rtree
}

// GridCell defines an individual cell in a grid.
type GridCell struct {
	geom.Polygonal
	Row, Col int
}

// NewGridRegular creates a new regular grid, where all grid cells are
// the same size. Cells are stored in row-major order, so
// Cells[row*Nx+col] is the cell at (row, col).
func NewGridRegular(name string, nx, ny int, dx, dy, x0, y0 float64, sr *proj.SR) *GridDef {
	g := &GridDef{
		Name: name,
		Nx:   nx, Ny: ny,
		Dx: dx, Dy: dy,
		X0: x0, Y0: y0,
		SR:    sr,
		rtree: rtree.NewTree(25, 50),
	}
	g.Cells = make([]*GridCell, nx*ny)
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			x := x0 + float64(ix)*dx
			y := y0 + float64(iy)*dy
			c := &GridCell{Row: iy, Col: ix}
			c.Polygonal = geom.Polygon([]geom.Path{{
				{X: x, Y: y}, {X: x + dx, Y: y},
				{X: x + dx, Y: y + dy}, {X: x, Y: y + dy}, {X: x, Y: y}}})
			g.rtree.Insert(c)
			g.Cells[iy*nx+ix] = c
		}
	}
	g.Extent = geom.Polygon([]geom.Path{{{X: x0, Y: y0},
		{X: x0 + dx*float64(nx), Y: y0},
		{X: x0 + dx*float64(nx), Y: y0 + dy*float64(ny)},
		{X: x0, Y: y0 + dy*float64(ny)}, {X: x0, Y: y0}}})
	return g
}

// CoverGrid creates the smallest grid of square cells of the given
// size that covers extent b.
func CoverGrid(name string, b *geom.Bounds, cellSize float64, sr *proj.SR) (*GridDef, error) {
	if b == nil || b.Empty() {
		return nil, fmt.Errorf("canopy: cannot create grid %s from an empty extent", name)
	}
	if cellSize <= 0 {
		return nil, fmt.Errorf("canopy: grid %s cell size must be positive, not %g", name, cellSize)
	}
	nx := int(math.Ceil((b.Max.X - b.Min.X) / cellSize))
	ny := int(math.Ceil((b.Max.Y - b.Min.Y) / cellSize))
	if nx < 1 {
		nx = 1
	}
	if ny < 1 {
		ny = 1
	}
	return NewGridRegular(name, nx, ny, cellSize, cellSize, b.Min.X, b.Min.Y, sr), nil
}

// GridConfig is a holder for the configuration information for
// creating a regular grid.
type GridConfig struct {
	// X0 and Y0 are the western and southern edges of the grid
	// [grid units].
	X0, Y0 float64

	// Dx and Dy are the cell edge lengths in the west-east and
	// south-north directions [grid units].
	Dx, Dy float64

	// Nx and Ny are the numbers of grid columns and rows.
	Nx, Ny int

	// Proj is the grid projection in PROJ4 format.
	Proj string
}

// SpatialRef returns the spatial reference defined by the Proj field.
func (c *GridConfig) SpatialRef() (*proj.SR, error) {
	if c.Proj == "" {
		return nil, fmt.Errorf("canopy: the grid projection (the Grid.Proj configuration variable) is not specified")
	}
	sr, err := proj.Parse(c.Proj)
	if err != nil {
		return nil, fmt.Errorf("canopy: parsing the grid projection (the Grid.Proj configuration variable): %v", err)
	}
	return sr, nil
}

// RegularGrid creates the grid the configuration describes.
func (c *GridConfig) RegularGrid(name string) (*GridDef, error) {
	sr, err := c.SpatialRef()
	if err != nil {
		return nil, err
	}
	g := NewGridRegular(name, c.Nx, c.Ny, c.Dx, c.Dy, c.X0, c.Y0, sr)
	g.Proj4 = c.Proj
	return g, nil
}

// CellIndex returns the row and column of the cell that owns point p.
// Cells are half open: a point on a shared edge belongs to the cell
// above or to the right of the edge, except that the far edges of the
// last row and column are closed. Every point within the grid extent
// therefore has exactly one owner cell.
func (g *GridDef) CellIndex(p geom.Point) (row, col int, within bool) {
	col = int(math.Floor((p.X - g.X0) / g.Dx))
	row = int(math.Floor((p.Y - g.Y0) / g.Dy))
	if p.X == g.X0+float64(g.Nx)*g.Dx {
		col = g.Nx - 1
	}
	if p.Y == g.Y0+float64(g.Ny)*g.Dy {
		row = g.Ny - 1
	}
	if col < 0 || col >= g.Nx || row < 0 || row >= g.Ny {
		return 0, 0, false
	}
	return row, col, true
}

// CellAt returns the grid cell that owns point p, or nil if p is
// outside the grid.
func (g *GridDef) CellAt(p geom.Point) *GridCell {
	row, col, ok := g.CellIndex(p)
	if !ok {
		return nil
	}
	return g.Cells[row*g.Nx+col]
}

// CellsIntersecting returns the grid cells whose bounds intersect gg,
// for zonal queries against polygons such as stands or crowns.
func (g *GridDef) CellsIntersecting(gg geom.Geom) []*GridCell {
	var cells []*GridCell
	for _, cI := range g.rtree.SearchIntersect(gg.Bounds()) {
		cells = append(cells, cI.(*GridCell))
	}
	return cells
}

// partition assigns each return in c to its owner cell, returning the
// per-cell sample sets in cell order. Returns outside the grid are
// ignored.
func (g *GridDef) partition(c *Cloud) [][]PointSample {
	buckets := make([][]PointSample, len(g.Cells))
	for _, p := range c.Points {
		row, col, ok := g.CellIndex(p.Point)
		if !ok {
			continue
		}
		i := row*g.Nx + col
		buckets[i] = append(buckets[i], p.Sample())
	}
	return buckets
}

// PointMetrics partitions the cloud's returns among the grid cells
// and calculates the full canopy metric schema for each cell,
// returning one layer per metric plus an NPOINTS layer holding the
// per-cell return count. The metric layers of cells with no returns
// are NaN; their NPOINTS value is zero. Cells are processed
// concurrently; each cell's record is written only by the worker that
// owns it, so the result does not depend on the number of workers.
func (g *GridDef) PointMetrics(c *Cloud) (*LayerStack, error) {
	buckets := g.partition(c)

	names, descriptions, units := MetricOptions()
	stack := NewLayerStack(g)
	layers := make([]*sparse.DenseArray, len(names))
	for i, name := range names {
		layers[i] = nanArray(g.Ny, g.Nx)
		stack.AddLayer(name, descriptions[i], units[i], layers[i])
	}
	counts := sparse.ZerosDense(g.Ny, g.Nx)
	stack.AddLayer("NPOINTS", "Number of returns in the cell", "count", counts)

	// Cells are stored row-major, so the cell index doubles as the
	// layer element index. Elements are written directly because
	// DenseArray.Set skips zero values, which are legitimate here.
	nprocs := runtime.GOMAXPROCS(0)
	var wg sync.WaitGroup
	errs := make([]error, nprocs)
	wg.Add(nprocs)
	for pp := 0; pp < nprocs; pp++ {
		go func(pp int) {
			defer wg.Done()
			for ii := pp; ii < len(g.Cells); ii += nprocs {
				samples := buckets[ii]
				counts.Elements[ii] = float64(len(samples))
				if len(samples) == 0 {
					continue
				}
				m, err := CellPointMetrics(samples)
				if err != nil {
					cell := g.Cells[ii]
					errs[pp] = fmt.Errorf("canopy: grid %s cell (%d,%d): %v",
						g.Name, cell.Row, cell.Col, err)
					return
				}
				for j, name := range names {
					layers[j].Elements[ii] = m.Value(name)
				}
			}
		}(pp)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return stack, nil
}

// A CellAggregator reduces the elevations that fall in one grid cell
// to a single raster value. It is only called with at least one
// value.
type CellAggregator func(vals []float64) float64

// Aggregators for Rasterize.
var (
	AggMax   CellAggregator = floats.Max
	AggMin   CellAggregator = floats.Min
	AggMean  CellAggregator = func(vals []float64) float64 { return stat.Mean(vals, nil) }
	AggCount CellAggregator = func(vals []float64) float64 { return float64(len(vals)) }
)

// Rasterize reduces the cloud to one value per grid cell using agg.
// Cells that receive no returns are NaN.
func (g *GridDef) Rasterize(c *Cloud, agg CellAggregator) *sparse.DenseArray {
	vals := make([][]float64, len(g.Cells))
	for _, p := range c.Points {
		row, col, ok := g.CellIndex(p.Point)
		if !ok {
			continue
		}
		vals[row*g.Nx+col] = append(vals[row*g.Nx+col], p.Z)
	}

	out := nanArray(g.Ny, g.Nx)
	nprocs := runtime.GOMAXPROCS(0)
	var wg sync.WaitGroup
	wg.Add(nprocs)
	for pp := 0; pp < nprocs; pp++ {
		go func(pp int) {
			defer wg.Done()
			for ii := pp; ii < len(g.Cells); ii += nprocs {
				if len(vals[ii]) == 0 {
					continue
				}
				out.Elements[ii] = agg(vals[ii])
			}
		}(pp)
	}
	wg.Wait()
	return out
}

// nanArray returns a dense array with every element NaN.
func nanArray(dims ...int) *sparse.DenseArray {
	a := sparse.ZerosDense(dims...)
	for i := range a.Elements {
		a.Elements[i] = math.NaN()
	}
	return a
}

// WriteShp writes the grid cell polygons to a shapefile in directory
// outdir, with row and column attributes.
func (g *GridDef) WriteShp(outdir string) error {
	for _, ext := range []string{".shp", ".prj", ".dbf", ".shx"} {
		os.Remove(filepath.Join(outdir, g.Name+ext))
	}
	fields := make([]goshp.Field, 2)
	fields[0] = goshp.NumberField("row", 10)
	fields[1] = goshp.NumberField("col", 10)
	shpf, err := shp.NewEncoderFromFields(filepath.Join(outdir, g.Name+".shp"),
		goshp.POLYGON, fields...)
	if err != nil {
		return fmt.Errorf("canopy: creating grid shapefile: %v", err)
	}
	for _, cell := range g.Cells {
		if err := shpf.EncodeFields(cell.Polygonal, cell.Row, cell.Col); err != nil {
			return fmt.Errorf("canopy: writing grid shapefile: %v", err)
		}
	}
	shpf.Close()
	if g.Proj4 != "" {
		if err := writePrj(filepath.Join(outdir, g.Name+".shp"), g.Proj4); err != nil {
			return err
		}
	}
	return nil
}

// writePrj writes the projection definition to the .prj sidecar of
// the shapefile at shpPath.
func writePrj(shpPath, proj4 string) error {
	fileBase := strings.TrimSuffix(shpPath, filepath.Ext(shpPath))
	f, err := os.Create(fileBase + ".prj")
	if err != nil {
		return fmt.Errorf("canopy: creating prj file: %v", err)
	}
	fmt.Fprint(f, proj4)
	return f.Close()
}
