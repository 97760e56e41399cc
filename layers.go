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
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/ctessum/cdf"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
)

func init() {
	gob.Register(geom.Polygon{})
}

// DataVersion is the version of the gridded product file format. It
// is checked when reading files back in.
const DataVersion = "1.0"

// Layer is one gridded canopy product.
type Layer struct {
	Description string
	Units       string
	Data        *sparse.DenseArray
}

// LayerStack holds a set of gridded canopy products that share one
// grid, keyed by layer name.
type LayerStack struct {
	Grid *GridDef

	// Data maps layer names to layers.
	Data map[string]Layer
}

// NewLayerStack creates an empty layer stack on grid g.
func NewLayerStack(g *GridDef) *LayerStack {
	return &LayerStack{Grid: g, Data: make(map[string]Layer)}
}

// AddLayer adds a layer to the stack, replacing any existing layer
// with the same name.
func (s *LayerStack) AddLayer(name, description, units string, data *sparse.DenseArray) {
	s.Data[name] = Layer{Description: description, Units: units, Data: data}
}

// Layer returns the named layer.
func (s *LayerStack) Layer(name string) (Layer, error) {
	l, ok := s.Data[name]
	if !ok {
		return Layer{}, fmt.Errorf("canopy: layer stack has no layer %s", name)
	}
	return l, nil
}

// Names returns the layer names in alphabetical order.
func (s *LayerStack) Names() []string {
	names := make([]string, 0, len(s.Data))
	for n := range s.Data {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Zonal returns the mean of the named layer over the grid cells whose
// centroids lie within zone, and the number of cells contributing.
// NaN cells are skipped; if no cells contribute, the mean is NaN.
func (s *LayerStack) Zonal(name string, zone geom.Polygonal) (mean float64, n int, err error) {
	l, err := s.Layer(name)
	if err != nil {
		return math.NaN(), 0, err
	}
	var sum float64
	for _, c := range s.Grid.CellsIntersecting(zone) {
		if c.Centroid().Within(zone) == geom.Outside {
			continue
		}
		v := l.Data.Get(c.Row, c.Col)
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN(), 0, nil
	}
	return sum / float64(n), n, nil
}

// WriteNetCDF writes the stack to the NetCDF file w. Layer data are
// written as float32. The grid parameters are stored as global
// attributes so the file is self-describing.
func (s *LayerStack) WriteNetCDF(w *os.File) error {
	g := s.Grid
	h := cdf.NewHeader([]string{"y", "x"}, []int{g.Ny, g.Nx})
	h.AddAttribute("", "comment", "Canopy gridded product file")
	h.AddAttribute("", "x0", []float64{g.X0})
	h.AddAttribute("", "y0", []float64{g.Y0})
	h.AddAttribute("", "dx", []float64{g.Dx})
	h.AddAttribute("", "dy", []float64{g.Dy})
	h.AddAttribute("", "nx", []int32{int32(g.Nx)})
	h.AddAttribute("", "ny", []int32{int32(g.Ny)})
	h.AddAttribute("", "proj4", g.Proj4)
	h.AddAttribute("", "grid_name", g.Name)
	h.AddAttribute("", "data_version", DataVersion)

	// Sort the names so they write in the same order every time.
	names := s.Names()
	for _, name := range names {
		l := s.Data[name]
		h.AddVariable(name, []string{"y", "x"}, []float32{0})
		h.AddAttribute(name, "description", l.Description)
		h.AddAttribute(name, "units", l.Units)
	}
	h.Define()

	f, err := cdf.Create(w, h) // writes the header to w
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := writeNCF(f, name, s.Data[name].Data); err != nil {
			return fmt.Errorf("canopy: writing layer %s to netcdf file: %v", name, err)
		}
	}
	return cdf.UpdateNumRecs(w)
}

// ReadLayerStack reads a gridded product file written by WriteNetCDF,
// reconstructing the grid from the file's global attributes.
func ReadLayerStack(rw cdf.ReaderWriterAt) (*LayerStack, error) {
	f, err := cdf.Open(rw)
	if err != nil {
		return nil, fmt.Errorf("canopy: opening netcdf file: %v", err)
	}

	dataVersion := f.Header.GetAttribute("", "data_version").(string)
	if dataVersion != DataVersion {
		return nil, fmt.Errorf("canopy: data version %s is incompatible "+
			"with the required version %s", dataVersion, DataVersion)
	}

	x0 := f.Header.GetAttribute("", "x0").([]float64)[0]
	y0 := f.Header.GetAttribute("", "y0").([]float64)[0]
	dx := f.Header.GetAttribute("", "dx").([]float64)[0]
	dy := f.Header.GetAttribute("", "dy").([]float64)[0]
	nx := int(f.Header.GetAttribute("", "nx").([]int32)[0])
	ny := int(f.Header.GetAttribute("", "ny").([]int32)[0])
	proj4 := f.Header.GetAttribute("", "proj4").(string)
	gridName := f.Header.GetAttribute("", "grid_name").(string)

	var sr *proj.SR
	if proj4 != "" {
		if sr, err = proj.Parse(proj4); err != nil {
			return nil, fmt.Errorf("canopy: parsing grid projection: %v", err)
		}
	}
	g := NewGridRegular(gridName, nx, ny, dx, dy, x0, y0, sr)
	g.Proj4 = proj4

	s := NewLayerStack(g)
	for _, v := range f.Header.Variables() {
		description := f.Header.GetAttribute(v, "description").(string)
		units := f.Header.GetAttribute(v, "units").(string)
		dims := f.Header.Lengths(v)
		data := sparse.ZerosDense(dims...)
		tmp := make([]float32, len(data.Elements))
		r := f.Reader(v, nil, nil)
		if _, err := r.Read(tmp); err != nil {
			return nil, fmt.Errorf("canopy: reading layer %s: %v", v, err)
		}
		for i, val := range tmp {
			data.Elements[i] = float64(val)
		}
		s.AddLayer(v, description, units, data)
	}
	return s, nil
}

func writeNCF(f *cdf.File, name string, data *sparse.DenseArray) error {
	// Check that data matches dimensions.
	n := 1
	for _, v := range data.Shape {
		n *= v
	}
	if len(data.Elements) != n {
		return fmt.Errorf("dims are %d but array length is %d", n, len(data.Elements))
	}

	data32 := make([]float32, len(data.Elements))
	for i, e := range data.Elements {
		data32[i] = float32(e)
	}
	end := f.Header.Lengths(name)
	start := make([]int, len(end))
	w := f.Writer(name, start, end)
	_, err := w.Write(data32)
	return err
}

// layerStackSave is the gob image of a LayerStack. The grid is stored
// as its parameters and rebuilt on load.
type layerStackSave struct {
	Name           string
	Nx, Ny         int
	Dx, Dy, X0, Y0 float64
	Proj4          string
	Layers         map[string]Layer
}

// Save writes the stack to w in gob format (format description at
// https://golang.org/pkg/encoding/gob/), for caching between runs.
func (s *LayerStack) Save(w io.Writer) error {
	e := gob.NewEncoder(w)
	g := s.Grid
	sd := layerStackSave{
		Name: g.Name,
		Nx:   g.Nx, Ny: g.Ny,
		Dx: g.Dx, Dy: g.Dy,
		X0: g.X0, Y0: g.Y0,
		Proj4:  g.Proj4,
		Layers: s.Data,
	}
	if err := e.Encode(sd); err != nil {
		return fmt.Errorf("canopy: saving layer stack: %v", err)
	}
	return nil
}

// LoadLayerStack reads a layer stack from a gob stream previously
// written by Save.
func LoadLayerStack(r io.Reader) (*LayerStack, error) {
	dec := gob.NewDecoder(r)
	var sd layerStackSave
	if err := dec.Decode(&sd); err != nil {
		return nil, fmt.Errorf("canopy: loading layer stack: %v", err)
	}
	var sr *proj.SR
	var err error
	if sd.Proj4 != "" {
		if sr, err = proj.Parse(sd.Proj4); err != nil {
			return nil, fmt.Errorf("canopy: loading layer stack: %v", err)
		}
	}
	g := NewGridRegular(sd.Name, sd.Nx, sd.Ny, sd.Dx, sd.Dy, sd.X0, sd.Y0, sr)
	g.Proj4 = sd.Proj4
	for _, l := range sd.Layers {
		l.Data.Fix() // restore unexported array fields lost in encoding
	}
	return &LayerStack{Grid: g, Data: sd.Layers}, nil
}
