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
	"github.com/GaryBoone/GoStats/stats"
	"github.com/ctessum/geom"
)

// Point classification codes, following the ASPRS LAS convention.
const (
	ClassNever      = 0 // never classified
	ClassUnassigned = 1
	ClassGround     = 2
	ClassNoise      = 7 // low point (noise)
)

// Point is a single lidar return: a horizontal position in the
// working spatial reference, an elevation Z (which becomes height
// above ground after normalization), the position of the return
// within its pulse, and a classification code.
type Point struct {
	geom.Point
	Z            float64
	ReturnNumber int
	Class        int
}

// Sample converts the return to the form used by the cell metrics
// calculator.
func (p Point) Sample() PointSample {
	return PointSample{Height: p.Z, ReturnNumber: p.ReturnNumber}
}

// Cloud is an in-memory collection of lidar returns. The zero value
// is not usable; create clouds with NewCloud.
type Cloud struct {
	Points []Point
	bounds *geom.Bounds
}

// NewCloud creates an empty point cloud.
func NewCloud() *Cloud {
	return &Cloud{bounds: geom.NewBounds()}
}

// Add appends a return to the cloud and extends its extent.
func (c *Cloud) Add(p Point) {
	c.Points = append(c.Points, p)
	c.bounds.Extend(geom.NewBoundsPoint(p.Point))
}

// Len returns the number of returns in the cloud.
func (c *Cloud) Len() int { return len(c.Points) }

// Bounds returns the horizontal extent of the cloud. The result is
// empty for a cloud with no returns.
func (c *Cloud) Bounds() *geom.Bounds { return c.bounds.Copy() }

// A PointPredicate decides whether a return is kept when filtering
// a cloud.
type PointPredicate func(Point) bool

// Keep returns a new cloud holding the returns that satisfy pred,
// leaving the receiver unchanged.
func (c *Cloud) Keep(pred PointPredicate) *Cloud {
	o := NewCloud()
	for _, p := range c.Points {
		if pred(p) {
			o.Add(p)
		}
	}
	return o
}

// FirstOnly keeps first returns.
func FirstOnly(p Point) bool { return p.ReturnNumber == 1 }

// KeepClass keeps returns with the given classification code.
func KeepClass(class int) PointPredicate {
	return func(p Point) bool { return p.Class == class }
}

// DropClass keeps returns that do not have the given classification
// code.
func DropClass(class int) PointPredicate {
	return func(p Point) bool { return p.Class != class }
}

// HeightBetween keeps returns with Z in the closed interval
// [lo, hi].
func HeightBetween(lo, hi float64) PointPredicate {
	return func(p Point) bool { return p.Z >= lo && p.Z <= hi }
}

// CloudSummary describes a cloud's elevation distribution and
// classification makeup.
type CloudSummary struct {
	N             int
	ZMin, ZMax    float64
	ZMean, ZSD    float64
	FirstReturns  int
	GroundReturns int
	NoiseReturns  int
}

// Summarize calculates descriptive statistics for the cloud.
func (c *Cloud) Summarize() CloudSummary {
	var s stats.Stats
	var o CloudSummary
	for _, p := range c.Points {
		s.Update(p.Z)
		if p.ReturnNumber == 1 {
			o.FirstReturns++
		}
		switch p.Class {
		case ClassGround:
			o.GroundReturns++
		case ClassNoise:
			o.NoiseReturns++
		}
	}
	o.N = s.Count()
	if o.N > 0 {
		o.ZMin = s.Min()
		o.ZMax = s.Max()
		o.ZMean = s.Mean()
		o.ZSD = s.SampleStandardDeviation()
	}
	return o
}
