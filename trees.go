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
	"io/ioutil"
	"math"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/index/rtree"
	"github.com/ctessum/geom/proj"
	goshp "github.com/jonas-p/go-shp"
)

// TreeTop is a detected tree apex. Detection itself happens outside of
// this model; tops arrive through a TreeTopSource.
type TreeTop struct {
	geom.Point
	ID     int
	Height float64
}

// TreeTopSource supplies detected tree tops in the working spatial
// reference.
type TreeTopSource interface {
	TreeTops() ([]TreeTop, error)
}

// TreeTopList is an in-memory TreeTopSource.
type TreeTopList []TreeTop

// TreeTops returns the tops in the list.
func (l TreeTopList) TreeTops() ([]TreeTop, error) { return l, nil }

// ReadTreeTopShapefile reads detected tree tops from the point
// shapefile fname, converting them to the spatial reference gridSR.
// Each row must have ID and Height attributes; a missing height is
// normalized to zero.
func ReadTreeTopShapefile(fname string, gridSR *proj.SR) (TreeTopList, error) {
	fname = strings.TrimSuffix(fname, ".shp")
	f, err := shp.NewDecoder(fname + ".shp")
	if err != nil {
		return nil, fmt.Errorf("canopy: reading tree top shapefile '%s': %v", fname, err)
	}
	sr, err := f.SR()
	if err != nil {
		return nil, fmt.Errorf("canopy: reading projection information for "+
			"tree top shapefile '%s': %v", fname, err)
	}
	trans, err := sr.NewTransform(gridSR)
	if err != nil {
		return nil, fmt.Errorf("canopy: creating a spatial reprojector for "+
			"tree top shapefile '%s': %v", fname, err)
	}
	var tops TreeTopList
	for {
		var t TreeTop
		if ok := f.DecodeRow(&t); !ok {
			break
		}
		g, err := t.Point.Transform(trans)
		if err != nil {
			return nil, fmt.Errorf("canopy: spatially reprojecting in "+
				"tree top file %s: %v", fname, err)
		}
		t.Point = g.(geom.Point)
		if math.IsNaN(t.Height) {
			t.Height = 0.
		}
		tops = append(tops, t)
	}
	f.Close()
	if err := f.Error(); err != nil {
		return nil, fmt.Errorf("canopy: reading tree top shapefile."+
			"\nfile: %s\nerror: %v", fname, err)
	}
	return tops, nil
}

// Crown is a delineated tree crown. Delineation happens outside of
// this model; crowns arrive through a CrownSource.
type Crown struct {
	geom.Polygonal
	ID int
}

// CrownSource supplies delineated crowns in the working spatial
// reference.
type CrownSource interface {
	Crowns() ([]Crown, error)
}

// crownEntry associates a crown with its position in a CrownSet for
// spatial index lookups.
type crownEntry struct {
	Crown
	i int
}

// CrownSet is a collection of crowns held in an r-tree for fast
// point-in-crown searching.
type CrownSet struct {
	data      *rtree.Rtree
	dataSlice []Crown
}

// NewCrownSet returns a new empty crown collection.
func NewCrownSet() *CrownSet {
	return &CrownSet{
		data: rtree.NewTree(25, 50),
	}
}

// Add adds a crown to the set.
func (s *CrownSet) Add(cr Crown) {
	s.data.Insert(&crownEntry{Crown: cr, i: len(s.dataSlice)})
	s.dataSlice = append(s.dataSlice, cr)
}

// Crowns returns the crowns in the set.
func (s *CrownSet) Crowns() ([]Crown, error) { return s.dataSlice, nil }

// Len returns the number of crowns in the set.
func (s *CrownSet) Len() int { return len(s.dataSlice) }

// ReadCrownShapefile reads delineated crowns from the polygon
// shapefile fname, converting them to the spatial reference gridSR.
// Each row must have an ID attribute.
func ReadCrownShapefile(fname string, gridSR *proj.SR) (*CrownSet, error) {
	fname = strings.TrimSuffix(fname, ".shp")
	f, err := shp.NewDecoder(fname + ".shp")
	if err != nil {
		return nil, fmt.Errorf("canopy: reading crown shapefile '%s': %v", fname, err)
	}
	sr, err := f.SR()
	if err != nil {
		return nil, fmt.Errorf("canopy: reading projection information for "+
			"crown shapefile '%s': %v", fname, err)
	}
	trans, err := sr.NewTransform(gridSR)
	if err != nil {
		return nil, fmt.Errorf("canopy: creating a spatial reprojector for "+
			"crown shapefile '%s': %v", fname, err)
	}
	set := NewCrownSet()
	for {
		var row struct {
			geom.Polygon
			ID int
		}
		if ok := f.DecodeRow(&row); !ok {
			break
		}
		g, err := row.Polygon.Transform(trans)
		if err != nil {
			return nil, fmt.Errorf("canopy: spatially reprojecting in "+
				"crown file %s: %v", fname, err)
		}
		set.Add(Crown{Polygonal: g.(geom.Polygon), ID: row.ID})
	}
	f.Close()
	if err := f.Error(); err != nil {
		return nil, fmt.Errorf("canopy: reading crown shapefile."+
			"\nfile: %s\nerror: %v", fname, err)
	}
	return set, nil
}

// ReadCrownGeoJSON reads delineated crowns from the GeoJSON file
// fname, which must already be in the working spatial reference. A
// Polygon geometry becomes a single crown and a MultiPolygon one
// crown per polygon; crown IDs are assigned in file order.
func ReadCrownGeoJSON(fname string) (*CrownSet, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("canopy: opening crown file: %v", err)
	}
	b, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("canopy: reading crown file: %v", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("canopy: closing crown file: %v", err)
	}
	g, err := geojson.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("canopy: decoding crown file: %v", err)
	}
	set := NewCrownSet()
	switch crowns := g.(type) {
	case geom.Polygon:
		set.Add(Crown{Polygonal: crowns, ID: set.Len()})
	case geom.MultiPolygon:
		for _, p := range crowns {
			set.Add(Crown{Polygonal: p, ID: set.Len()})
		}
	default:
		return nil, fmt.Errorf("canopy: invalid crown file geometry type %T", g)
	}
	return set, nil
}

// CrownRecord holds the point metrics pooled within a single crown.
type CrownRecord struct {
	Crown
	Metrics CellMetrics
	Area    float64
	N       int

	// Top is the height of the tallest detected tree top contained
	// in the crown, assigned by MatchTreeTops. It is NaN when no top
	// has been matched.
	Top float64
}

// CrownMetrics pools the points of cloud c into the crowns supplied
// by src and evaluates the metric schema for each crown, returning
// one record per crown in source order. Heights come from the point
// elevations, so c should hold height-normalized points. A point
// falling in overlapping crowns contributes to each of them; a crown
// containing no points gets all-NaN metrics.
func CrownMetrics(c *Cloud, src CrownSource) ([]CrownRecord, error) {
	crowns, err := src.Crowns()
	if err != nil {
		return nil, fmt.Errorf("canopy: reading crowns: %v", err)
	}
	if len(crowns) == 0 {
		return nil, nil
	}
	set, ok := src.(*CrownSet)
	if !ok {
		set = NewCrownSet()
		for _, cr := range crowns {
			set.Add(cr)
		}
	}

	samples := make([][]PointSample, len(crowns))
	for _, p := range c.Points {
		for _, sp := range set.data.SearchIntersect(p.Bounds()) {
			e := sp.(*crownEntry)
			if p.Point.Within(e.Polygonal) == geom.Outside {
				continue
			}
			samples[e.i] = append(samples[e.i], p.Sample())
		}
	}

	recs := make([]CrownRecord, len(crowns))
	nprocs := runtime.GOMAXPROCS(0)
	var wg sync.WaitGroup
	wg.Add(nprocs)
	errs := make([]error, nprocs)
	for pp := 0; pp < nprocs; pp++ {
		go func(pp int) {
			defer wg.Done()
			for ii := pp; ii < len(crowns); ii += nprocs {
				m, err := CellPointMetrics(samples[ii])
				if err != nil {
					errs[pp] = fmt.Errorf("canopy: crown %d: %v", crowns[ii].ID, err)
					return
				}
				recs[ii] = CrownRecord{
					Crown:   crowns[ii],
					Metrics: m,
					Area:    crowns[ii].Area(),
					N:       len(samples[ii]),
					Top:     math.NaN(),
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
	return recs, nil
}

// MatchTreeTops assigns each record the height of the tallest tree
// top its crown contains. Records whose crowns contain no top keep a
// NaN top height.
func MatchTreeTops(tops []TreeTop, recs []CrownRecord) {
	tree := rtree.NewTree(25, 50)
	for i := range recs {
		recs[i].Top = math.NaN()
		tree.Insert(&crownEntry{Crown: recs[i].Crown, i: i})
	}
	for _, t := range tops {
		for _, sp := range tree.SearchIntersect(t.Bounds()) {
			e := sp.(*crownEntry)
			if t.Point.Within(e.Polygonal) == geom.Outside {
				continue
			}
			if math.IsNaN(recs[e.i].Top) || t.Height > recs[e.i].Top {
				recs[e.i].Top = t.Height
			}
		}
	}
}

// WriteCrownShapefile writes per-crown metric records to the polygon
// shapefile fname with ID, area, point count, and top height
// attributes followed by the full metric schema. If proj4 is not
// empty it is written to the .prj sidecar.
func WriteCrownShapefile(fname string, recs []CrownRecord, proj4 string) error {
	names := MetricNames()
	fields := []goshp.Field{
		goshp.NumberField("ID", 10),
		goshp.FloatField("Area", 14, 8),
		goshp.NumberField("N", 10),
		goshp.FloatField("Top", 14, 8),
	}
	for _, n := range names {
		fields = append(fields, goshp.FloatField(n, 14, 8))
	}
	e, err := shp.NewEncoderFromFields(fname, goshp.POLYGON, fields...)
	if err != nil {
		return fmt.Errorf("canopy: creating crown shapefile %s: %v", fname, err)
	}
	for _, rec := range recs {
		vals := make([]interface{}, 0, len(fields))
		vals = append(vals, rec.ID, rec.Area, rec.N, rec.Top)
		for _, n := range names {
			vals = append(vals, rec.Metrics.Value(n))
		}
		if err := e.EncodeFields(rec.Polygonal, vals...); err != nil {
			return fmt.Errorf("canopy: writing crown shapefile %s: %v", fname, err)
		}
	}
	e.Close()
	if proj4 != "" {
		return writePrj(fname, proj4)
	}
	return nil
}
