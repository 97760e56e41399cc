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
	"math"
	"reflect"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PointSample is one lidar return as seen by the cell metrics
// calculator: a height above ground and the position of the return
// within its pulse. Heights are in meters. A valid return number is
// 1 or greater.
type PointSample struct {
	Height       float64
	ReturnNumber int
}

// Height thresholds (m) used by the cover and understory metrics.
const (
	coverHeightCutoff = 2.
	strataBottom      = 2.
	strataTop         = 5.
)

// CellMetrics holds the canopy structure metrics for a single grid
// cell. The fields are the complete metric schema; field order is
// output order. Degenerate statistics are NaN rather than zero so
// that missing information stays distinguishable from measured zeros.
type CellMetrics struct {
	COV   float64 `desc:"Canopy cover: fraction of first returns at or above 2 m" units:"fraction"`
	Hmean float64 `desc:"Mean return height" units:"m"`
	HSD   float64 `desc:"Standard deviation of return heights" units:"m"`
	HMAX  float64 `desc:"Maximum return height" units:"m"`
	S     float64 `desc:"Fraction of returns strictly between 2 m and 5 m" units:"fraction"`

	H5TH   float64 `desc:"5th percentile of return heights" units:"m"`
	H10TH  float64 `desc:"10th percentile of return heights" units:"m"`
	H15TH  float64 `desc:"15th percentile of return heights" units:"m"`
	H20TH  float64 `desc:"20th percentile of return heights" units:"m"`
	H25TH  float64 `desc:"25th percentile of return heights" units:"m"`
	H30TH  float64 `desc:"30th percentile of return heights" units:"m"`
	H35TH  float64 `desc:"35th percentile of return heights" units:"m"`
	H40TH  float64 `desc:"40th percentile of return heights" units:"m"`
	H45TH  float64 `desc:"45th percentile of return heights" units:"m"`
	H50TH  float64 `desc:"50th percentile of return heights" units:"m"`
	H55TH  float64 `desc:"55th percentile of return heights" units:"m"`
	H60TH  float64 `desc:"60th percentile of return heights" units:"m"`
	H65TH  float64 `desc:"65th percentile of return heights" units:"m"`
	H70TH  float64 `desc:"70th percentile of return heights" units:"m"`
	H75TH  float64 `desc:"75th percentile of return heights" units:"m"`
	H80TH  float64 `desc:"80th percentile of return heights" units:"m"`
	H85TH  float64 `desc:"85th percentile of return heights" units:"m"`
	H90TH  float64 `desc:"90th percentile of return heights" units:"m"`
	H95TH  float64 `desc:"95th percentile of return heights" units:"m"`
	H96TH  float64 `desc:"96th percentile of return heights" units:"m"`
	H97TH  float64 `desc:"97th percentile of return heights" units:"m"`
	H98TH  float64 `desc:"98th percentile of return heights" units:"m"`
	H99TH  float64 `desc:"99th percentile of return heights" units:"m"`
	H100TH float64 `desc:"100th percentile (maximum) of return heights" units:"m"`
}

// InvalidSampleError is returned by CellPointMetrics when a sample is
// malformed. Malformed input is a bug in the caller, so the
// calculation stops immediately rather than producing a partially
// valid record.
type InvalidSampleError struct {
	Index        int // position of the offending sample in the input
	ReturnNumber int
}

func (e InvalidSampleError) Error() string {
	return fmt.Sprintf("canopy: sample %d has invalid return number %d", e.Index, e.ReturnNumber)
}

// CellPointMetrics calculates the canopy metrics for the lidar returns
// in one grid cell. It is a pure function: it holds no state between
// calls, does not modify samples, and may be called concurrently for
// different cells without synchronization.
//
// An empty input yields a record with every field NaN and no error.
// A single sample yields its height for the mean, maximum, and all
// percentiles, and NaN for the standard deviation. Cover is the
// fraction of first returns at or above the 2 m cutoff among all
// first returns, so cells without first returns get NaN cover; the
// understory fraction S counts samples strictly between 2 m and 5 m
// among all samples. Percentiles interpolate linearly between order
// statistics of the full sorted height set.
func CellPointMetrics(samples []PointSample) (CellMetrics, error) {
	m := nanMetrics()
	if len(samples) == 0 {
		return m, nil
	}

	heights := make([]float64, len(samples))
	var nFirst, nFirstCover, nStrata float64
	for i, s := range samples {
		if s.ReturnNumber < 1 {
			return nanMetrics(), InvalidSampleError{Index: i, ReturnNumber: s.ReturnNumber}
		}
		heights[i] = s.Height
		if s.ReturnNumber == 1 {
			nFirst++
			if s.Height >= coverHeightCutoff {
				nFirstCover++
			}
		}
		if s.Height > strataBottom && s.Height < strataTop {
			nStrata++
		}
	}

	m.COV = nFirstCover / nFirst // NaN when the cell has no first returns.
	m.Hmean = stat.Mean(heights, nil)
	m.HSD = stat.StdDev(heights, nil) // n-1 divisor; NaN for a single sample.
	m.HMAX = floats.Max(heights)
	m.S = nStrata / float64(len(samples))

	sort.Float64s(heights)
	m.H5TH = quantile(heights, 5)
	m.H10TH = quantile(heights, 10)
	m.H15TH = quantile(heights, 15)
	m.H20TH = quantile(heights, 20)
	m.H25TH = quantile(heights, 25)
	m.H30TH = quantile(heights, 30)
	m.H35TH = quantile(heights, 35)
	m.H40TH = quantile(heights, 40)
	m.H45TH = quantile(heights, 45)
	m.H50TH = quantile(heights, 50)
	m.H55TH = quantile(heights, 55)
	m.H60TH = quantile(heights, 60)
	m.H65TH = quantile(heights, 65)
	m.H70TH = quantile(heights, 70)
	m.H75TH = quantile(heights, 75)
	m.H80TH = quantile(heights, 80)
	m.H85TH = quantile(heights, 85)
	m.H90TH = quantile(heights, 90)
	m.H95TH = quantile(heights, 95)
	m.H96TH = quantile(heights, 96)
	m.H97TH = quantile(heights, 97)
	m.H98TH = quantile(heights, 98)
	m.H99TH = quantile(heights, 99)
	m.H100TH = quantile(heights, 100)
	return m, nil
}

// quantile returns the pct-th percentile of sorted, interpolating
// linearly between adjacent order statistics. sorted must be in
// ascending order; pct is in percent, 0 through 100.
func quantile(sorted []float64, pct float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	h := pct / 100 * float64(n-1)
	i := int(h)
	if i >= n-1 {
		return sorted[n-1]
	}
	return sorted[i] + (h-float64(i))*(sorted[i+1]-sorted[i])
}

func nanMetrics() CellMetrics {
	var m CellMetrics
	v := reflect.ValueOf(&m).Elem()
	for i := 0; i < v.NumField(); i++ {
		v.Field(i).SetFloat(math.NaN())
	}
	return m
}

// MetricNames returns the names of the cell metric fields in schema
// order.
func MetricNames() []string {
	t := reflect.TypeOf(CellMetrics{})
	names := make([]string, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		names[i] = t.Field(i).Name
	}
	return names
}

// MetricOptions returns the names, descriptions, and units of the
// cell metric fields, for use in output file metadata and user
// interfaces.
func MetricOptions() (names, descriptions, units []string) {
	t := reflect.TypeOf(CellMetrics{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		names = append(names, f.Name)
		descriptions = append(descriptions, f.Tag.Get("desc"))
		units = append(units, f.Tag.Get("units"))
	}
	return names, descriptions, units
}

// Value returns the named metric. It panics if name is not a metric
// field.
func (m *CellMetrics) Value(name string) float64 {
	v := reflect.Indirect(reflect.ValueOf(m)).FieldByName(name)
	if !v.IsValid() {
		panic(fmt.Sprintf("canopy: unknown metric %v", name))
	}
	return v.Float()
}
