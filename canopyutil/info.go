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

package canopyutil

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spatialmodel/canopy"
	"github.com/spf13/cobra"
)

// Info reads the point cloud described by PointFiles and CloudData
// and prints descriptive statistics for it. The output is written to
// the output stream of CobraCommand.
func Info(CobraCommand *cobra.Command, PointFiles []string, CloudData string, GridCfg *canopy.GridConfig) error {
	// Start a function to receive and print log messages.
	msgLog := make(chan string)
	go func() {
		for msg := range msgLog {
			Log.Info(msg)
		}
	}()

	var c *canopy.Cloud
	if CloudData != "" {
		if _, err := os.Stat(CloudData); err == nil {
			f, err := os.Open(CloudData)
			if err != nil {
				return fmt.Errorf("problem opening file to load CloudData: %v", err)
			}
			c, err = canopy.LoadCloud(f)
			f.Close()
			if err != nil {
				return err
			}
		}
	}
	if c == nil {
		sr, err := GridCfg.SpatialRef()
		if err != nil {
			return err
		}
		c, err = canopy.ReadPointShapefiles(sr, msgLog, PointFiles...)
		if err != nil {
			return err
		}
	}

	sum := c.Summarize()
	b := c.Bounds()

	w := tabwriter.NewWriter(CobraCommand.OutOrStdout(), 0, 8, 1, '\t', 0)
	fmt.Fprintf(w, "returns\t%d\n", sum.N)
	fmt.Fprintf(w, "first returns\t%d\n", sum.FirstReturns)
	fmt.Fprintf(w, "ground returns\t%d\n", sum.GroundReturns)
	fmt.Fprintf(w, "noise returns\t%d\n", sum.NoiseReturns)
	if sum.N > 0 {
		fmt.Fprintf(w, "extent\t(%g, %g) to (%g, %g)\n", b.Min.X, b.Min.Y, b.Max.X, b.Max.Y)
		fmt.Fprintf(w, "elevation minimum\t%g\n", sum.ZMin)
		fmt.Fprintf(w, "elevation maximum\t%g\n", sum.ZMax)
		fmt.Fprintf(w, "elevation mean\t%g\n", sum.ZMean)
		fmt.Fprintf(w, "elevation std. dev.\t%g\n", sum.ZSD)
	}
	return w.Flush()
}
