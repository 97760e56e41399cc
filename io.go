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
	"path/filepath"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
)

// pointRecord is the shapefile row layout for lidar returns: a point
// geometry with elevation, return number, and classification
// attributes. The shapefile format limits attribute names to 10
// characters.
type pointRecord struct {
	geom.Point
	Z         float64
	ReturnNum int
	Class     int
}

// ReadPointShapefiles reads lidar returns from the given point
// shapefiles and converts them to the spatial reference gridSR. Every
// row must carry a valid elevation (Z) and return number (ReturnNum);
// the classification code (Class) is optional and defaults to
// ClassNever. c is a channel over which status updates will be sent.
// If c is nil, no updates will be sent.
func ReadPointShapefiles(gridSR *proj.SR, c chan string, shapefiles ...string) (*Cloud, error) {
	cloud := NewCloud()
	for _, fname := range shapefiles {
		if c != nil {
			c <- fmt.Sprintf("Loading point shapefile: %s.", fname)
		}
		fname = strings.TrimSuffix(fname, ".shp")
		f, err := shp.NewDecoder(fname + ".shp")
		if err != nil {
			return nil, fmt.Errorf("canopy: reading point shapefile '%s': %v", fname, err)
		}
		sr, err := f.SR()
		if err != nil {
			return nil, fmt.Errorf("canopy: reading projection information for "+
				"point shapefile '%s': %v", fname, err)
		}
		trans, err := sr.NewTransform(gridSR)
		if err != nil {
			return nil, fmt.Errorf("canopy: creating a spatial reprojector for "+
				"point shapefile '%s': %v", fname, err)
		}
		row := 0
		for {
			var rec pointRecord
			if ok := f.DecodeRow(&rec); !ok {
				break
			}
			g, err := rec.Point.Transform(trans)
			if err != nil {
				return nil, fmt.Errorf("canopy: spatially reprojecting in "+
					"point file %s: %v", fname, err)
			}
			// A missing elevation or return number poisons every
			// downstream statistic, so reject the file instead of
			// guessing.
			if math.IsNaN(rec.Z) {
				return nil, fmt.Errorf("canopy: point file %s row %d has a missing elevation", fname, row)
			}
			if rec.ReturnNum < 1 {
				return nil, fmt.Errorf("canopy: point file %s row %d has missing or "+
					"invalid return number %d", fname, row, rec.ReturnNum)
			}
			cloud.Add(Point{
				Point:        g.(geom.Point),
				Z:            rec.Z,
				ReturnNumber: rec.ReturnNum,
				Class:        rec.Class,
			})
			row++
		}
		f.Close()
		if err := f.Error(); err != nil {
			return nil, fmt.Errorf("canopy: reading point shapefile."+
				"\nfile: %s\nerror: %v", fname, err)
		}
	}
	return cloud, nil
}

// WritePointShapefile writes the cloud to the point shapefile fname
// with elevation, return number, and classification attributes. If
// proj4 is not empty it is written to the .prj sidecar.
func WritePointShapefile(fname string, c *Cloud, proj4 string) error {
	e, err := shp.NewEncoder(fname, pointRecord{})
	if err != nil {
		return fmt.Errorf("canopy: creating point shapefile %s: %v", fname, err)
	}
	for _, p := range c.Points {
		rec := pointRecord{Point: p.Point, Z: p.Z, ReturnNum: p.ReturnNumber, Class: p.Class}
		if err := e.Encode(&rec); err != nil {
			return fmt.Errorf("canopy: writing point shapefile %s: %v", fname, err)
		}
	}
	e.Close()
	if proj4 != "" {
		return writePrj(fname, proj4)
	}
	return nil
}

// DeleteShapefile deletes the named shapefile along with its sidecar
// files. Missing sidecars are not an error.
func DeleteShapefile(fname string) error {
	fileBase := strings.TrimSuffix(fname, filepath.Ext(fname))
	for _, ext := range []string{".shp", ".dbf", ".shx", ".prj"} {
		if err := os.Remove(fileBase + ext); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// cloudSave is the gob image of a Cloud; the extent is rebuilt on
// load.
type cloudSave struct {
	Points []Point
}

// SaveCloud writes the cloud to w in gob format (format description
// at https://golang.org/pkg/encoding/gob/). Saving a merged cloud
// avoids re-reading the point shapefiles between runs.
func SaveCloud(c *Cloud, w io.Writer) error {
	e := gob.NewEncoder(w)
	if err := e.Encode(cloudSave{Points: c.Points}); err != nil {
		return fmt.Errorf("canopy: saving cloud: %v", err)
	}
	return nil
}

// LoadCloud reads a cloud from a gob stream previously written by
// SaveCloud.
func LoadCloud(r io.Reader) (*Cloud, error) {
	dec := gob.NewDecoder(r)
	var sd cloudSave
	if err := dec.Decode(&sd); err != nil {
		return nil, fmt.Errorf("canopy: loading cloud: %v", err)
	}
	o := NewCloud()
	for _, p := range sd.Points {
		o.Add(p)
	}
	return o, nil
}
