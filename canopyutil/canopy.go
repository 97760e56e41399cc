/*
Copyright © 2026 the Canopy authors.
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

// Package canopyutil provides a command-line interface to the canopy
// model.
package canopyutil

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ctessum/geom/proj"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/canopy"
	"github.com/spf13/cobra"
)

// Log is the logger the commands report progress through. By default
// it is the logrus standard logger.
var Log logrus.FieldLogger = logrus.StandardLogger()

// readCrowns reads delineated crowns from fname, which is interpreted
// as a polygon shapefile if its name ends in ".shp" and as a GeoJSON
// file otherwise.
func readCrowns(fname string, gridSR *proj.SR) (canopy.CrownSource, error) {
	if strings.HasSuffix(fname, ".shp") {
		return canopy.ReadCrownShapefile(fname, gridSR)
	}
	return canopy.ReadCrownGeoJSON(fname)
}

// Run runs the canopy product pipeline.
//
// CobraCommand is the cobra.Command instance where Run is called from.
//
// LogFile is the path to the desired logfile location. It can include
// environment variables.
//
// OutputFile is the path to the desired output shapefile location.
//
// OutputVariables specifies which model variables should be included in the
// output file.
//
// PointFiles are the paths to the point shapefiles holding the lidar
// returns.
//
// CloudData is the path to an intermediate point cloud data file, or the
// location where it should be created if it doesn't already exist. If it
// is empty, the point shapefiles are re-read every run.
//
// GridCfg provides information for specifying the metric grid. The surface
// grid covers the same extent with cells of edge length SurfaceCellSize.
//
// Noise configures the isolated-voxel noise filter. If it is nil, no noise
// filtering is done.
//
// GroundClass is the classification code of the returns the ground model
// is built from. If FillVoids is true, ground model cells without ground
// returns borrow the elevation of the nearest populated cells.
//
// TreeTopFile and CrownFile are the paths to the detected tree top and
// delineated crown files. If CrownFile is empty, no crown products are
// calculated; if TreeTopFile is empty, no tree tops are matched to the
// crowns. CrownOutputFile is the path the crown metrics shapefile is
// written to.
//
// RasterFile is the path the surface models are written to. If it is
// empty, no surface models are calculated.
func Run(CobraCommand *cobra.Command, LogFile, OutputFile string,
	OutputVariables map[string]string, PointFiles []string, CloudData string,
	GridCfg *canopy.GridConfig, SurfaceCellSize float64,
	Noise *canopy.IVFParams, GroundClass int, FillVoids bool,
	TreeTopFile, CrownFile, CrownOutputFile, RasterFile string) error {

	startTime := time.Now()

	// Start functions to receive and print log messages.
	logfile, err := os.Create(LogFile)
	if err != nil {
		return fmt.Errorf("canopy: problem creating log file: %v", err)
	}
	mw := io.MultiWriter(CobraCommand.OutOrStdout(), logfile)
	logrus.SetOutput(mw)
	cLog := make(chan *canopy.PipelineStatus)
	msgLog := make(chan string)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		for msg := range cLog {
			Log.Info(msg.String())
		}
		wg.Done()
	}()
	go func() {
		for msg := range msgLog {
			Log.Info(msg)
		}
		wg.Done()
	}()

	defer func() { // Wait for the logging to finish.
		close(cLog)
		close(msgLog)
		wg.Wait()
		logfile.Close()
	}()

	o, err := canopy.NewOutputter(OutputFile, OutputVariables, nil)
	if err != nil {
		return err
	}
	Log.Info("Parsing output variable expressions...")
	if err := o.CheckOutputVars(append(canopy.MetricNames(), "NPOINTS")...); err != nil {
		return err
	}

	sr, err := GridCfg.SpatialRef()
	if err != nil {
		return err
	}
	metricGrid, err := GridCfg.RegularGrid("canopy")
	if err != nil {
		return err
	}
	surfaceGrid, err := canopy.CoverGrid("surface", metricGrid.Extent.Bounds(), SurfaceCellSize, sr)
	if err != nil {
		return err
	}
	surfaceGrid.Proj4 = GridCfg.Proj

	var crowns canopy.CrownSource
	var tops canopy.TreeTopSource
	if CrownFile != "" {
		Log.Info("Reading crowns...")
		crowns, err = readCrowns(CrownFile, sr)
		if err != nil {
			return err
		}
		if TreeTopFile != "" {
			Log.Info("Reading tree tops...")
			tops, err = canopy.ReadTreeTopShapefile(TreeTopFile, sr)
			if err != nil {
				return err
			}
		}
	}

	loadCloud := func(s *canopy.Scene) error {
		f, err := os.Open(CloudData)
		if err != nil {
			return fmt.Errorf("problem opening file to load CloudData: %v", err)
		}
		defer f.Close()
		return canopy.LoadCloudData(f)(s)
	}
	saveCloud := func(s *canopy.Scene) error {
		f, err := os.Create(CloudData)
		if err != nil {
			return fmt.Errorf("problem creating file to store CloudData in: %v", err)
		}
		defer f.Close()
		return canopy.SaveCloudData(f)(s)
	}

	initFuncs := []canopy.SceneManipulator{
		canopy.Grids(metricGrid, surfaceGrid),
	}
	if CloudData != "" {
		if _, err := os.Stat(CloudData); err == nil {
			initFuncs = append(initFuncs,
				canopy.Stage("loading cloud data", loadCloud))
		} else { // pre-merged cloud doesn't exist yet
			initFuncs = append(initFuncs,
				canopy.LoadClouds(sr, msgLog, PointFiles...),
				canopy.Stage("saving cloud data", saveCloud))
		}
	} else {
		initFuncs = append(initFuncs, canopy.LoadClouds(sr, msgLog, PointFiles...))
	}
	if Noise != nil {
		initFuncs = append(initFuncs,
			canopy.ClassifyNoiseStage(*Noise, msgLog),
			canopy.DropNoise())
	}
	initFuncs = append(initFuncs,
		canopy.BuildGroundModel(GroundClass, FillVoids, msgLog),
		canopy.NormalizeStage(msgLog))

	var runFuncs []canopy.SceneManipulator
	if RasterFile != "" {
		runFuncs = append(runFuncs,
			canopy.RasterizeDSM(),
			canopy.RasterizeDTM(),
			canopy.RasterizeCHM(),
			canopy.Log(cLog))
	}
	runFuncs = append(runFuncs, canopy.GridMetrics(), canopy.Log(cLog))
	if crowns != nil {
		runFuncs = append(runFuncs, canopy.PoolCrowns(crowns), canopy.Log(cLog))
		if tops != nil {
			runFuncs = append(runFuncs, canopy.MatchTops(tops), canopy.Log(cLog))
		}
	}

	cleanupFuncs := []canopy.SceneManipulator{
		canopy.WriteProducts(o),
	}
	if RasterFile != "" {
		cleanupFuncs = append(cleanupFuncs, canopy.WriteSurfaces(RasterFile))
	}
	if crowns != nil {
		cleanupFuncs = append(cleanupFuncs, canopy.WriteCrowns(CrownOutputFile))
	}

	d := &canopy.Scene{
		InitFuncs:    initFuncs,
		RunFuncs:     runFuncs,
		CleanupFuncs: cleanupFuncs,
	}

	Log.Info("Initializing pipeline...")
	if err = d.Init(); err != nil {
		return fmt.Errorf("canopy: problem initializing pipeline: %v", err)
	}

	sum := d.Cloud.Summarize()
	Log.WithFields(logrus.Fields{
		"points": sum.N,
		"first":  sum.FirstReturns,
		"ground": sum.GroundReturns,
		"zmin":   sum.ZMin,
		"zmax":   sum.ZMax,
	}).Info("Prepared point cloud.")

	if err = d.Run(); err != nil {
		return fmt.Errorf("canopy: problem running pipeline: %v", err)
	}

	if err = d.Cleanup(); err != nil {
		return fmt.Errorf("canopy: problem shutting down pipeline: %v", err)
	}

	elapsedTime := time.Since(startTime)
	Log.Infof("Elapsed time: %f hours", elapsedTime.Hours())

	return nil
}
