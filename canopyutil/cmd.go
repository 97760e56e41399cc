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

	"github.com/lnashier/viper"
	"github.com/spatialmodel/canopy"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to Canopy.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "griddir",
			usage: `
              griddir specifies the directory that the grid geometry
              shapefile should be written to.`,
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{gridCmd.Flags()},
		},
		{
			name: "Grid.X0",
			usage: `
              Grid.X0 specifies the X coordinate of the lower-left corner of the
              metric grid.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), gridCmd.Flags(), infoCmd.Flags()},
		},
		{
			name: "Grid.Y0",
			usage: `
              Grid.Y0 specifies the Y coordinate of the lower-left corner of the
              metric grid.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), gridCmd.Flags(), infoCmd.Flags()},
		},
		{
			name: "Grid.Dx",
			usage: `
              Grid.Dx specifies the X edge lengths of metric grid cells, in the
              units of the grid spatial projection--typically meters.`,
			defaultVal: 20.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), gridCmd.Flags(), infoCmd.Flags()},
		},
		{
			name: "Grid.Dy",
			usage: `
              Grid.Dy specifies the Y edge lengths of metric grid cells, in the
              units of the grid spatial projection--typically meters.`,
			defaultVal: 20.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), gridCmd.Flags(), infoCmd.Flags()},
		},
		{
			name: "Grid.Nx",
			usage: `
              Grid.Nx specifies the number of metric grid columns.`,
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), gridCmd.Flags(), infoCmd.Flags()},
		},
		{
			name: "Grid.Ny",
			usage: `
              Grid.Ny specifies the number of metric grid rows.`,
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), gridCmd.Flags(), infoCmd.Flags()},
		},
		{
			name: "Grid.Proj",
			usage: `
              Grid.Proj gives projection info for the grid in Proj4 format. The
              point shapefiles are assumed to use the same projection.`,
			defaultVal: "+proj=utm +zone=15 +ellps=GRS80 +datum=NAD83 +units=m +no_defs",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), gridCmd.Flags(), infoCmd.Flags()},
		},
		{
			name: "Surface.CellSize",
			usage: `
              Surface.CellSize specifies the edge lengths of surface model cells,
              in the units of the grid spatial projection. The surface grid covers
              the same extent as the metric grid.`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "PointFiles",
			usage: `
              PointFiles are the paths to the point shapefiles holding the lidar
              returns. The files need to have columns labeled "Z", "ReturnNum",
              and "Class" containing the return elevation in meters, the return
              number within its pulse, and the ASPRS classification code,
              respectively. Can include environment variables.`,
			defaultVal: []string{"${GOPATH}/src/github.com/spatialmodel/canopy/testdata/testPoints.shp"},
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), infoCmd.Flags()},
		},
		{
			name: "CloudData",
			usage: `
              CloudData is the path to an intermediate point cloud data file in
              gob format, or the location where it should be created if it
              doesn't already exist. If it is left empty the point shapefiles
              will be re-read every run. The path can include environment
              variables.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), infoCmd.Flags()},
		},
		{
			name: "NoiseFilter.Enable",
			usage: `
              NoiseFilter.Enable specifies whether isolated returns should be
              classified as noise and removed before the ground model is built.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "NoiseFilter.Res",
			usage: `
              NoiseFilter.Res specifies the voxel edge length used by the
              isolated-voxel noise filter, in the units of the grid spatial
              projection.`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "NoiseFilter.Neighbors",
			usage: `
              NoiseFilter.Neighbors specifies the number of occupied neighboring
              voxels at or below which a return is considered isolated.`,
			defaultVal: 3,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "GroundClass",
			usage: `
              GroundClass specifies the classification code of the returns the
              ground model is built from. The ASPRS code for ground is 2.`,
			defaultVal: 2,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "FillVoids",
			usage: `
              FillVoids specifies whether ground model cells without ground
              returns should borrow the elevation of the nearest populated
              cells. If false, returns above void cells are dropped during
              height normalization.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "TreeTopFile",
			usage: `
              TreeTopFile is the path to a point shapefile holding detected tree
              tops, with a column labeled "Height" containing the top height in
              meters. If it is left empty no tree tops will be matched to the
              crowns. The path can include environment variables.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "CrownFile",
			usage: `
              CrownFile is the path to a polygon shapefile or GeoJSON file
              holding delineated crowns to pool metrics over. If it is left
              empty no crown products will be written. The path can include
              environment variables.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "CrownOutputFile",
			usage: `
              CrownOutputFile is the path to the desired crown metrics shapefile
              location. It can include environment variables.`,
			defaultVal: "canopy_crowns.shp",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "OutputFile",
			usage: `
              OutputFile is the path to the desired output shapefile location. It can
              include environment variables.`,
			defaultVal: "canopy_output.shp",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "RasterFile",
			usage: `
              RasterFile is the path to the desired surface model NetCDF file
              location. If it is left empty no surface models will be written.
              The path can include environment variables.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "OutputVariables",
			usage: `
              OutputVariables specifies which model variables should be included in the
              output file. It can include environment variables.`,
			defaultVal: map[string]string{
				"COV":   "COV",
				"Hmean": "Hmean",
				"HSD":   "HSD",
				"HMAX":  "HMAX",
				"S":     "S",
			},
			flagsets: []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "LogFile",
			usage: `
              LogFile is the path to the desired logfile location. It can include
              environment variables. If LogFile is left blank, the logfile will be saved in
              the same location as the OutputFile.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("CANOPY")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case []string:
				if option.shorthand == "" {
					set.StringSlice(option.name, option.defaultVal.([]string), option.usage)
				} else {
					set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				s := string(b.Bytes())
				if option.shorthand == "" {
					set.String(option.name, s, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(runCmd)
	Root.AddCommand(gridCmd)
	Root.AddCommand(infoCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("canopy: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "canopy",
	Short: "A lidar canopy metrics model.",
	Long: `Canopy calculates gridded canopy metrics, surface models, and per-crown
summaries from classified lidar point clouds.
Use the subcommands specified below to access the model functionality.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'CANOPY_var' where 'var' is the
name of the variable to be set. Many configuration variables are additionally
allowed to contain environment variables within them.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of Canopy.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Canopy v%s\n", canopy.Version)
	},
	DisableAutoGenTag: true,
}

// runCmd is a command that runs the canopy product pipeline.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the model.",
	Long: `run reads the point shapefiles specified in the configuration file,
normalizes the returns to heights above ground, and writes the gridded
canopy products.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		gridCfg, err := GridFromConfig(Cfg)
		if err != nil {
			return err
		}
		outputFile, err := checkOutputFile(Cfg.GetString("OutputFile"))
		if err != nil {
			return err
		}
		outputVars, err := checkOutputVars(GetStringMapString("OutputVariables", Cfg))
		if err != nil {
			return err
		}
		return Run(
			cmd,
			checkLogFile(Cfg.GetString("LogFile"), outputFile),
			outputFile,
			outputVars,
			expandStringSlice(Cfg.GetStringSlice("PointFiles")),
			os.ExpandEnv(Cfg.GetString("CloudData")),
			gridCfg,
			Cfg.GetFloat64("Surface.CellSize"),
			noiseFromConfig(Cfg),
			Cfg.GetInt("GroundClass"),
			Cfg.GetBool("FillVoids"),
			os.ExpandEnv(Cfg.GetString("TreeTopFile")),
			os.ExpandEnv(Cfg.GetString("CrownFile")),
			os.ExpandEnv(Cfg.GetString("CrownOutputFile")),
			os.ExpandEnv(Cfg.GetString("RasterFile")),
		)
	},
	DisableAutoGenTag: true,
}

// gridCmd is a command that creates and saves the metric grid geometry.
var gridCmd = &cobra.Command{
	Use:   "grid",
	Short: "Create the metric grid",
	Long: `grid creates the metric grid as specified by the information in the
configuration file and saves its cell geometry as a shapefile for
inspection in a GIS.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		gridCfg, err := GridFromConfig(Cfg)
		if err != nil {
			return err
		}
		return Grid(os.ExpandEnv(Cfg.GetString("griddir")), gridCfg)
	},
	DisableAutoGenTag: true,
}

// infoCmd is a command that summarizes a point cloud.
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Summarize the point cloud",
	Long: `info reads the point shapefiles specified in the configuration file and
prints descriptive statistics for the returns they hold.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		gridCfg, err := GridFromConfig(Cfg)
		if err != nil {
			return err
		}
		return Info(
			cmd,
			expandStringSlice(Cfg.GetStringSlice("PointFiles")),
			os.ExpandEnv(Cfg.GetString("CloudData")),
			gridCfg,
		)
	},
	DisableAutoGenTag: true,
}
