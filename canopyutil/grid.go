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
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/canopy"
)

// Grid creates the metric grid and saves its cell geometry as a
// shapefile in directory outDir.
func Grid(outDir string, gridCfg *canopy.GridConfig) error {
	g, err := gridCfg.RegularGrid("canopy")
	if err != nil {
		return err
	}

	Log.WithFields(logrus.Fields{
		"nx": g.Nx,
		"ny": g.Ny,
		"dx": g.Dx,
		"dy": g.Dy,
	}).Info("Creating grid")

	if err := g.WriteShp(outDir); err != nil {
		return err
	}
	Log.Infof("Grid successfully created at %s", filepath.Join(outDir, g.Name+".shp"))
	return nil
}
