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
	"math"
	"strings"
	"testing"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
)

const testProj = "+proj=utm +zone=15 +ellps=GRS80 +datum=NAD83 +units=m +no_defs"

func testSR(t *testing.T) *proj.SR {
	sr, err := proj.Parse(testProj)
	if err != nil {
		t.Fatal(err)
	}
	return sr
}

func TestNewGridRegular(t *testing.T) {
	g := NewGridRegular("test", 3, 2, 10, 5, 100, 200, nil)
	if len(g.Cells) != 6 {
		t.Fatalf("have %d cells, want 6", len(g.Cells))
	}
	c := g.Cells[1*3+2]
	if c.Row != 1 || c.Col != 2 {
		t.Errorf("have cell (%d,%d), want (1,2)", c.Row, c.Col)
	}
	b := c.Bounds()
	if b.Min.X != 120 || b.Min.Y != 205 || b.Max.X != 130 || b.Max.Y != 210 {
		t.Errorf("cell (1,2) bounds: have %+v, want (120, 205) to (130, 210)", b)
	}
	e := g.Extent.Bounds()
	if e.Min.X != 100 || e.Min.Y != 200 || e.Max.X != 130 || e.Max.Y != 210 {
		t.Errorf("extent: have %+v, want (100, 200) to (130, 210)", e)
	}
}

var cellIndexTests = []struct {
	x, y     float64
	row, col int
	within   bool
}{
	{0.5, 0.5, 0, 0, true},
	{0.5, 1.5, 1, 0, true},
	{1, 0.5, 0, 1, true}, // a shared edge belongs to the cell on its right
	{0.5, 1, 1, 0, true}, // a shared edge belongs to the cell above it
	{2, 2, 1, 1, true},   // the far corner is closed
	{2, 0.5, 0, 1, true},
	{0.5, 2, 1, 0, true},
	{-0.1, 0.5, 0, 0, false},
	{0.5, 2.5, 0, 0, false},
}

func TestCellIndex(t *testing.T) {
	g := NewGridRegular("test", 2, 2, 1, 1, 0, 0, nil)
	for _, test := range cellIndexTests {
		row, col, within := g.CellIndex(geom.Point{X: test.x, Y: test.y})
		if row != test.row || col != test.col || within != test.within {
			t.Errorf("point (%g,%g): have (%d,%d,%v), want (%d,%d,%v)",
				test.x, test.y, row, col, within, test.row, test.col, test.within)
		}
		cell := g.CellAt(geom.Point{X: test.x, Y: test.y})
		if !test.within {
			if cell != nil {
				t.Errorf("point (%g,%g): have cell (%d,%d), want nil", test.x, test.y, cell.Row, cell.Col)
			}
		} else if cell == nil || cell.Row != test.row || cell.Col != test.col {
			t.Errorf("point (%g,%g): CellAt does not agree with CellIndex", test.x, test.y)
		}
	}
}

func TestCoverGrid(t *testing.T) {
	b := geom.NewBoundsPoint(geom.Point{X: 0, Y: 0})
	b.Extend(geom.NewBoundsPoint(geom.Point{X: 25, Y: 10}))
	g, err := CoverGrid("test", b, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g.Nx != 3 || g.Ny != 1 {
		t.Errorf("have %dx%d cells, want 3x1", g.Nx, g.Ny)
	}
	if g.X0 != 0 || g.Y0 != 0 || g.Dx != 10 || g.Dy != 10 {
		t.Errorf("have origin (%g,%g) and cell size (%g,%g), want (0,0) and (10,10)",
			g.X0, g.Y0, g.Dx, g.Dy)
	}

	// Degenerate bounds from a single return still give one cell.
	g, err = CoverGrid("test", geom.NewBoundsPoint(geom.Point{X: 5, Y: 5}), 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g.Nx != 1 || g.Ny != 1 {
		t.Errorf("single point: have %dx%d cells, want 1x1", g.Nx, g.Ny)
	}

	if _, err := CoverGrid("test", geom.NewBounds(), 10, nil); err == nil {
		t.Error("an empty extent should be an error")
	}
	if _, err := CoverGrid("test", nil, 10, nil); err == nil {
		t.Error("a nil extent should be an error")
	}
	if _, err := CoverGrid("test", b, 0, nil); err == nil {
		t.Error("a zero cell size should be an error")
	}
}

func TestGridConfig(t *testing.T) {
	cfg := &GridConfig{X0: 100, Y0: 200, Dx: 10, Dy: 5, Nx: 3, Ny: 2, Proj: testProj}
	g, err := cfg.RegularGrid("test")
	if err != nil {
		t.Fatal(err)
	}
	if g.Proj4 != testProj {
		t.Errorf("have Proj4 %q, want %q", g.Proj4, testProj)
	}
	if g.SR == nil {
		t.Error("the grid should carry a spatial reference")
	}
	if len(g.Cells) != 6 {
		t.Errorf("have %d cells, want 6", len(g.Cells))
	}

	cfg.Proj = ""
	if _, err := cfg.SpatialRef(); err == nil {
		t.Error("a missing projection should be an error")
	}
	if _, err := cfg.RegularGrid("test"); err == nil {
		t.Error("a missing projection should be an error")
	}
}

func TestCellsIntersecting(t *testing.T) {
	g := NewGridRegular("test", 3, 3, 1, 1, 0, 0, nil)
	zone := geom.Polygon{{
		{X: 0.5, Y: 0.5}, {X: 1.5, Y: 0.5},
		{X: 1.5, Y: 1.5}, {X: 0.5, Y: 1.5}, {X: 0.5, Y: 0.5}}}
	cells := g.CellsIntersecting(zone)
	if len(cells) != 4 {
		t.Fatalf("have %d cells, want 4", len(cells))
	}
	for _, c := range cells {
		if c.Row > 1 || c.Col > 1 {
			t.Errorf("cell (%d,%d) does not intersect the zone", c.Row, c.Col)
		}
	}
}

// TestGridPointMetrics checks that returns are assigned to the
// correct cells and that each cell gets the full metric schema plus
// a return count.
func TestGridPointMetrics(t *testing.T) {
	g := NewGridRegular("test", 2, 1, 10, 10, 0, 0, nil)
	c := NewCloud()
	c.Add(Point{Point: geom.Point{X: 1, Y: 1}, Z: 1, ReturnNumber: 1})
	c.Add(Point{Point: geom.Point{X: 2, Y: 2}, Z: 3, ReturnNumber: 1})
	c.Add(Point{Point: geom.Point{X: 3, Y: 3}, Z: 6, ReturnNumber: 2})
	// Outside the grid; ignored.
	c.Add(Point{Point: geom.Point{X: 50, Y: 50}, Z: 99, ReturnNumber: 1})

	s, err := g.PointMetrics(c)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(s.Names()), len(MetricNames())+1; have != want {
		t.Errorf("have %d layers, want %d", have, want)
	}

	checks := []struct {
		layer string
		want  float64
	}{
		{"COV", 0.5},
		{"Hmean", 10. / 3.},
		{"HMAX", 6},
		{"S", 1. / 3.},
		{"NPOINTS", 3},
	}
	for _, check := range checks {
		l, err := s.Layer(check.layer)
		if err != nil {
			t.Fatal(err)
		}
		if different(l.Data.Elements[0], check.want, metricsTolerance) {
			t.Errorf("%s: have %g, want %g", check.layer, l.Data.Elements[0], check.want)
		}
	}

	// The empty cell: NaN metrics, zero count.
	hmax, err := s.Layer("HMAX")
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(hmax.Data.Elements[1]) {
		t.Errorf("empty cell HMAX: have %g, want NaN", hmax.Data.Elements[1])
	}
	npoints, err := s.Layer("NPOINTS")
	if err != nil {
		t.Fatal(err)
	}
	if npoints.Data.Elements[1] != 0 {
		t.Errorf("empty cell NPOINTS: have %g, want 0", npoints.Data.Elements[1])
	}
}

// TestGridPointMetricsInvalidSample checks that a malformed return
// stops the calculation with an error naming the offending cell.
func TestGridPointMetricsInvalidSample(t *testing.T) {
	g := NewGridRegular("test", 1, 1, 10, 10, 0, 0, nil)
	c := NewCloud()
	c.Add(Point{Point: geom.Point{X: 5, Y: 5}, Z: 1, ReturnNumber: 0})
	_, err := g.PointMetrics(c)
	if err == nil {
		t.Fatal("an invalid return number should be an error")
	}
	if !strings.Contains(err.Error(), "cell (0,0)") {
		t.Errorf("the error should name the offending cell: %v", err)
	}
}

func TestRasterize(t *testing.T) {
	g := NewGridRegular("test", 2, 2, 1, 1, 0, 0, nil)
	c := NewCloud()
	c.Add(Point{Point: geom.Point{X: 0.5, Y: 0.5}, Z: 2, ReturnNumber: 1})
	c.Add(Point{Point: geom.Point{X: 0.5, Y: 0.5}, Z: 4, ReturnNumber: 1})
	c.Add(Point{Point: geom.Point{X: 1.5, Y: 1.5}, Z: 7, ReturnNumber: 1})

	checks := []struct {
		name         string
		agg          CellAggregator
		cell0, cell3 float64
	}{
		{"max", AggMax, 4, 7},
		{"min", AggMin, 2, 7},
		{"mean", AggMean, 3, 7},
		{"count", AggCount, 2, 1},
	}
	for _, check := range checks {
		out := g.Rasterize(c, check.agg)
		if different(out.Elements[0], check.cell0, metricsTolerance) {
			t.Errorf("%s cell (0,0): have %g, want %g", check.name, out.Elements[0], check.cell0)
		}
		if different(out.Elements[3], check.cell3, metricsTolerance) {
			t.Errorf("%s cell (1,1): have %g, want %g", check.name, out.Elements[3], check.cell3)
		}
		if !math.IsNaN(out.Elements[1]) || !math.IsNaN(out.Elements[2]) {
			t.Errorf("%s: cells with no returns should be NaN", check.name)
		}
	}
}

func TestGridWriteShp(t *testing.T) {
	g := NewGridRegular("testgrid", 2, 2, 1, 1, 0, 0, testSR(t))
	g.Proj4 = testProj
	defer DeleteShapefile("testgrid.shp")
	if err := g.WriteShp("."); err != nil {
		t.Fatal(err)
	}

	d, err := shp.NewDecoder("testgrid.shp")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.SR(); err != nil {
		t.Errorf("reading the grid projection: %v", err)
	}
	n := 0
	for {
		var rec struct {
			geom.Polygon
			Row int
			Col int
		}
		if ok := d.DecodeRow(&rec); !ok {
			break
		}
		if rec.Row*g.Nx+rec.Col != n {
			t.Errorf("row %d: have cell (%d,%d); cells should be written in row-major order",
				n, rec.Row, rec.Col)
		}
		n++
	}
	d.Close()
	if err := d.Error(); err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("have %d cells, want 4", n)
	}
}
