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

// Package canopy turns classified lidar point clouds into gridded
// canopy products: per-cell height and cover metrics, surface models,
// and per-crown summaries.
package canopy

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ctessum/geom/proj"
)

// Version gives the model version number.
const Version = "0.1.0"

// SceneManipulator is a function that modifies the state of a scene.
type SceneManipulator func(s *Scene) error

// Scene holds the state of a canopy product pipeline. The pipeline is
// specified as three ordered function chains which are run by Init,
// Run, and Cleanup respectively.
type Scene struct {
	InitFuncs    []SceneManipulator
	RunFuncs     []SceneManipulator
	CleanupFuncs []SceneManipulator

	// Cloud is the working point cloud in elevation coordinates.
	Cloud *Cloud

	// Normalized is the working point cloud in height-above-ground
	// coordinates.
	Normalized *Cloud

	// Terrain is the ground model used for height normalization and
	// the terrain surface.
	Terrain TerrainModel

	// MetricGrid is the grid the metric schema is evaluated on.
	// SurfaceGrid carries the surface models and is typically finer.
	MetricGrid, SurfaceGrid *GridDef

	// Products collects the metric layers on MetricGrid.
	Products *LayerStack

	// Surfaces collects the surface model layers on SurfaceGrid.
	Surfaces *LayerStack

	// CrownRecords holds per-crown pooled metrics.
	CrownRecords []CrownRecord
}

// Init initializes the scene by running the InitFuncs in order.
func (s *Scene) Init() error {
	for _, f := range s.InitFuncs {
		if err := f(s); err != nil {
			return err
		}
	}
	return nil
}

// Run runs the pipeline by running the RunFuncs in order.
func (s *Scene) Run() error {
	for _, f := range s.RunFuncs {
		if err := f(s); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup shuts the pipeline down by running the CleanupFuncs in
// order.
func (s *Scene) Cleanup() error {
	for _, f := range s.CleanupFuncs {
		if err := f(s); err != nil {
			return err
		}
	}
	return nil
}

// Stage names a pipeline step so that its errors identify themselves.
func Stage(name string, f SceneManipulator) SceneManipulator {
	return func(s *Scene) error {
		if err := f(s); err != nil {
			return fmt.Errorf("canopy: %s: %v", name, err)
		}
		return nil
	}
}

// Grids returns a function that sets the metric and surface grids for
// the scene.
func Grids(metric, surface *GridDef) SceneManipulator {
	return func(s *Scene) error {
		s.MetricGrid = metric
		s.SurfaceGrid = surface
		return nil
	}
}

// LoadClouds returns a function that reads the given point
// shapefiles into the scene, converting them to the spatial
// reference gridSR. c is a channel over which status updates will be
// sent. If c is nil, no updates will be sent.
func LoadClouds(gridSR *proj.SR, c chan string, shapefiles ...string) SceneManipulator {
	return func(s *Scene) error {
		cloud, err := ReadPointShapefiles(gridSR, c, shapefiles...)
		if err != nil {
			return err
		}
		s.Cloud = cloud
		return nil
	}
}

// LoadCloudData returns a function that reads a previously saved
// cloud from r into the scene, avoiding re-reading the point
// shapefiles between runs.
func LoadCloudData(r io.Reader) SceneManipulator {
	return func(s *Scene) error {
		cloud, err := LoadCloud(r)
		if err != nil {
			return err
		}
		s.Cloud = cloud
		return nil
	}
}

// SaveCloudData returns a function that saves the working cloud to w
// for later use with LoadCloudData.
func SaveCloudData(w io.Writer) SceneManipulator {
	return func(s *Scene) error {
		if s.Cloud == nil {
			return fmt.Errorf("canopy: saving cloud: no cloud has been loaded")
		}
		return SaveCloud(s.Cloud, w)
	}
}

// ClassifyNoiseStage returns a function that marks isolated returns
// in the working cloud as noise. c is a channel over which status
// updates will be sent. If c is nil, no updates will be sent.
func ClassifyNoiseStage(params IVFParams, c chan string) SceneManipulator {
	return func(s *Scene) error {
		if s.Cloud == nil {
			return fmt.Errorf("canopy: classifying noise: no cloud has been loaded")
		}
		n, err := ClassifyNoise(s.Cloud, params)
		if err != nil {
			return err
		}
		if c != nil {
			c <- fmt.Sprintf("Classified %d isolated returns as noise.", n)
		}
		return nil
	}
}

// DropNoise returns a function that removes noise-classified returns
// from the working cloud.
func DropNoise() SceneManipulator {
	return func(s *Scene) error {
		if s.Cloud == nil {
			return fmt.Errorf("canopy: dropping noise: no cloud has been loaded")
		}
		s.Cloud = s.Cloud.Keep(DropClass(ClassNoise))
		return nil
	}
}

// BuildGroundModel returns a function that builds the scene terrain
// model on the surface grid from the returns carrying the
// classification code groundClass. If fillVoids is true, cells
// without ground returns borrow the mean elevation of the nearest
// populated cells. c is a channel over which status updates will be
// sent. If c is nil, no updates will be sent.
func BuildGroundModel(groundClass int, fillVoids bool, c chan string) SceneManipulator {
	return func(s *Scene) error {
		if s.Cloud == nil {
			return fmt.Errorf("canopy: building ground model: no cloud has been loaded")
		}
		if s.SurfaceGrid == nil {
			return fmt.Errorf("canopy: building ground model: no surface grid has been set")
		}
		t, err := NewGroundGrid(s.SurfaceGrid, s.Cloud, groundClass)
		if err != nil {
			return err
		}
		if fillVoids {
			n := t.FillVoids()
			if c != nil {
				c <- fmt.Sprintf("Filled %d ground model voids.", n)
			}
		}
		s.Terrain = t
		return nil
	}
}

// NormalizeStage returns a function that converts the working cloud
// elevations to heights above ground, storing the result as the
// scene's normalized cloud. c is a channel over which status updates
// will be sent. If c is nil, no updates will be sent.
func NormalizeStage(c chan string) SceneManipulator {
	return func(s *Scene) error {
		if s.Cloud == nil {
			return fmt.Errorf("canopy: normalizing heights: no cloud has been loaded")
		}
		normalized, dropped, err := NormalizeHeights(s.Cloud, s.Terrain)
		if err != nil {
			return err
		}
		if c != nil {
			c <- fmt.Sprintf("Normalized %d returns; dropped %d outside the ground model.",
				normalized.Len(), dropped)
		}
		s.Normalized = normalized
		return nil
	}
}

// RasterizeDSM returns a function that rasterizes the working cloud's
// highest elevations into a digital surface model layer.
func RasterizeDSM() SceneManipulator {
	return func(s *Scene) error {
		if s.Cloud == nil {
			return fmt.Errorf("canopy: rasterizing surface model: no cloud has been loaded")
		}
		if s.SurfaceGrid == nil {
			return fmt.Errorf("canopy: rasterizing surface model: no surface grid has been set")
		}
		if s.Surfaces == nil {
			s.Surfaces = NewLayerStack(s.SurfaceGrid)
		}
		s.Surfaces.AddLayer("DSM", "Digital surface model", "m", DSM(s.SurfaceGrid, s.Cloud))
		return nil
	}
}

// RasterizeDTM returns a function that rasterizes the scene terrain
// model into a digital terrain model layer.
func RasterizeDTM() SceneManipulator {
	return func(s *Scene) error {
		if s.Terrain == nil {
			return fmt.Errorf("canopy: rasterizing terrain model: no terrain model has been built")
		}
		if s.SurfaceGrid == nil {
			return fmt.Errorf("canopy: rasterizing terrain model: no surface grid has been set")
		}
		if s.Surfaces == nil {
			s.Surfaces = NewLayerStack(s.SurfaceGrid)
		}
		s.Surfaces.AddLayer("DTM", "Digital terrain model", "m", DTM(s.SurfaceGrid, s.Terrain))
		return nil
	}
}

// RasterizeCHM returns a function that rasterizes the normalized
// cloud's highest heights into a canopy height model layer.
func RasterizeCHM() SceneManipulator {
	return func(s *Scene) error {
		if s.Normalized == nil {
			return fmt.Errorf("canopy: rasterizing height model: heights have not been normalized")
		}
		if s.SurfaceGrid == nil {
			return fmt.Errorf("canopy: rasterizing height model: no surface grid has been set")
		}
		if s.Surfaces == nil {
			s.Surfaces = NewLayerStack(s.SurfaceGrid)
		}
		s.Surfaces.AddLayer("CHM", "Canopy height model", "m", CHM(s.SurfaceGrid, s.Normalized))
		return nil
	}
}

// GridMetrics returns a function that evaluates the metric schema
// over the normalized cloud on the metric grid, storing the result as
// the scene's product stack.
func GridMetrics() SceneManipulator {
	return func(s *Scene) error {
		if s.Normalized == nil {
			return fmt.Errorf("canopy: gridding metrics: heights have not been normalized")
		}
		if s.MetricGrid == nil {
			return fmt.Errorf("canopy: gridding metrics: no metric grid has been set")
		}
		products, err := s.MetricGrid.PointMetrics(s.Normalized)
		if err != nil {
			return err
		}
		s.Products = products
		return nil
	}
}

// PoolCrowns returns a function that pools the normalized cloud into
// the crowns supplied by src and evaluates the metric schema for each
// crown.
func PoolCrowns(src CrownSource) SceneManipulator {
	return func(s *Scene) error {
		if s.Normalized == nil {
			return fmt.Errorf("canopy: pooling crowns: heights have not been normalized")
		}
		recs, err := CrownMetrics(s.Normalized, src)
		if err != nil {
			return err
		}
		s.CrownRecords = recs
		return nil
	}
}

// MatchTops returns a function that assigns each pooled crown record
// the height of the tallest detected tree top its crown contains.
func MatchTops(src TreeTopSource) SceneManipulator {
	return func(s *Scene) error {
		if s.CrownRecords == nil {
			return fmt.Errorf("canopy: matching tree tops: no crowns have been pooled")
		}
		tops, err := src.TreeTops()
		if err != nil {
			return fmt.Errorf("canopy: reading tree tops: %v", err)
		}
		MatchTreeTops(tops, s.CrownRecords)
		return nil
	}
}

// WriteProducts returns a function that writes the product stack
// through the given outputter.
func WriteProducts(o *Outputter) SceneManipulator {
	return func(s *Scene) error {
		if s.Products == nil {
			return fmt.Errorf("canopy: writing products: no products have been calculated")
		}
		return o.Output(s.Products)
	}
}

// WriteSurfaces returns a function that writes the surface stack to
// the NetCDF file fname.
func WriteSurfaces(fname string) SceneManipulator {
	return func(s *Scene) error {
		if s.Surfaces == nil {
			return fmt.Errorf("canopy: writing surfaces: no surfaces have been rasterized")
		}
		f, err := os.Create(fname)
		if err != nil {
			return fmt.Errorf("canopy: creating surface file: %v", err)
		}
		if err := s.Surfaces.WriteNetCDF(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
}

// WriteCrowns returns a function that writes the per-crown metric
// records to the polygon shapefile fname.
func WriteCrowns(fname string) SceneManipulator {
	return func(s *Scene) error {
		if s.CrownRecords == nil {
			return fmt.Errorf("canopy: writing crowns: no crowns have been pooled")
		}
		var proj4 string
		if s.MetricGrid != nil {
			proj4 = s.MetricGrid.Proj4
		} else if s.SurfaceGrid != nil {
			proj4 = s.SurfaceGrid.Proj4
		}
		return WriteCrownShapefile(fname, s.CrownRecords, proj4)
	}
}

// PipelineStatus holds a snapshot of pipeline progress.
type PipelineStatus struct {
	// Step is the number of pipeline steps completed so far.
	Step int

	// Walltime is the time elapsed since the pipeline started.
	Walltime time.Duration

	// StepTime is the time elapsed since the previous snapshot.
	StepTime time.Duration

	// Points and NormalizedPoints are the sizes of the working and
	// normalized clouds.
	Points, NormalizedPoints int

	// Crowns is the number of crowns pooled so far.
	Crowns int
}

func (p *PipelineStatus) String() string {
	return fmt.Sprintf("Step %-3d  walltime=%6.3gh  Δwalltime=%4.2gs  "+
		"points=%d  normalized=%d  crowns=%d",
		p.Step, p.Walltime.Hours(), p.StepTime.Seconds(),
		p.Points, p.NormalizedPoints, p.Crowns)
}

// Log returns a function that sends pipeline progress snapshots to c.
// Interleave it between other pipeline steps to trace their effects.
func Log(c chan *PipelineStatus) SceneManipulator {
	startTime := time.Now()
	stepTime := time.Now()
	step := 0
	return func(s *Scene) error {
		step++
		status := &PipelineStatus{
			Step:     step,
			Walltime: time.Since(startTime),
			StepTime: time.Since(stepTime),
			Crowns:   len(s.CrownRecords),
		}
		if s.Cloud != nil {
			status.Points = s.Cloud.Len()
		}
		if s.Normalized != nil {
			status.NormalizedPoints = s.Normalized.Len()
		}
		stepTime = time.Now()
		if c != nil {
			c <- status
		}
		return nil
	}
}
