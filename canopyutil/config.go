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
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lnashier/viper"
	"github.com/spatialmodel/canopy"
	"github.com/spf13/cast"
)

// checkOutputVars removes end lines and expands environment
// variables in the output variables.
func checkOutputVars(vars map[string]string) (map[string]string, error) {
	if len(vars) == 0 {
		return nil, fmt.Errorf("there are no variables specified for output. Please fill in " +
			"the OutputVariables configuration and try again.")
	}
	for k, v := range vars {
		v = strings.Replace(v, "\r\n", " ", -1)
		v = strings.Replace(v, "\n", " ", -1)
		vars[os.ExpandEnv(k)] = os.ExpandEnv(v)
	}
	return vars, nil
}

// expandStringSlice expands the environment variables in a slice of strings.
func expandStringSlice(s []string) []string {
	for i := 0; i < len(s); i++ {
		s[i] = os.ExpandEnv(s[i])
	}
	return s
}

// checkOutputFile makes sure that the output file is specified and its
// directory exists, and expand any environment variables.
func checkOutputFile(f string) (string, error) {
	if f == "" {
		return "", fmt.Errorf(`you need to specify an output file configuration variable (for example: OutputFile="output.shp"`)
	}
	f = os.ExpandEnv(f)
	outdir := filepath.Dir(f)
	if _, err := os.Stat(outdir); err != nil {
		return f, fmt.Errorf("canopy: the OutputFile directory doesn't exist: %v", err)
	}
	return f, nil
}

// checkLogFile fills in a default value for the log file path if one isn't
// specified.
func checkLogFile(logFile, outputFile string) string {
	if logFile == "" {
		logFile = strings.TrimSuffix(outputFile, filepath.Ext(outputFile)) + ".log"
	}
	return logFile
}

// GridFromConfig unmarshals a viper configuration for a regular grid.
func GridFromConfig(cfg *viper.Viper) (*canopy.GridConfig, error) {
	c := canopy.GridConfig{
		X0:   cfg.GetFloat64("Grid.X0"),
		Y0:   cfg.GetFloat64("Grid.Y0"),
		Dx:   cfg.GetFloat64("Grid.Dx"),
		Dy:   cfg.GetFloat64("Grid.Dy"),
		Nx:   cfg.GetInt("Grid.Nx"),
		Ny:   cfg.GetInt("Grid.Ny"),
		Proj: os.ExpandEnv(cfg.GetString("Grid.Proj")),
	}

	vars := []float64{c.Dx, c.Dy}
	varNames := []string{"Grid.Dx", "Grid.Dy"}
	for i, v := range vars {
		if !(v > 0) {
			return nil, fmt.Errorf("parsing grid configuration: %s=%g but should be >0", varNames[i], v)
		}
	}

	vars2 := []int{c.Nx, c.Ny}
	varNames = []string{"Grid.Nx", "Grid.Ny"}
	for i, v := range vars2 {
		if v < 1 {
			return nil, fmt.Errorf("parsing grid configuration: %s=%d but should be >=1", varNames[i], v)
		}
	}

	return &c, nil
}

// noiseFromConfig unmarshals a viper configuration for the isolated-voxel
// noise filter, returning nil if the filter is disabled.
func noiseFromConfig(cfg *viper.Viper) *canopy.IVFParams {
	if !cfg.GetBool("NoiseFilter.Enable") {
		return nil
	}
	return &canopy.IVFParams{
		Res:       cfg.GetFloat64("NoiseFilter.Res"),
		Neighbors: cfg.GetInt("NoiseFilter.Neighbors"),
	}
}

// GetStringMapString returns a map[string]string from a viper configuration,
// accounting for the fact that it might be a json object if it was set
// from a command line argument.
func GetStringMapString(varName string, cfg *viper.Viper) map[string]string {
	i := cfg.Get(varName)
	switch i.(type) {
	case map[string]string:
		return i.(map[string]string)
	case map[string]interface{}:
		return cast.ToStringMapString(i)
	case string:
		b := bytes.NewBuffer(([]byte)(i.(string)))
		d := json.NewDecoder(b)
		o := make(map[string]string)
		if err := d.Decode(&o); err != nil {
			panic(err)
		}
		return o
	default:
		panic(fmt.Errorf("invalid type for getStringMapString variable %s: %#v", varName, i))
	}
}
