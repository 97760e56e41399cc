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
	"testing"

	"github.com/ctessum/geom"
)

func testCloud() *Cloud {
	c := NewCloud()
	c.Add(Point{Point: geom.Point{X: 0.5, Y: 0.5}, Z: 1, ReturnNumber: 1, Class: ClassGround})
	c.Add(Point{Point: geom.Point{X: 1.5, Y: 0.5}, Z: 2, ReturnNumber: 1, Class: ClassUnassigned})
	c.Add(Point{Point: geom.Point{X: 0.5, Y: 1.5}, Z: 3, ReturnNumber: 2, Class: ClassUnassigned})
	c.Add(Point{Point: geom.Point{X: 1.5, Y: 1.5}, Z: 4, ReturnNumber: 1, Class: ClassNoise})
	return c
}

func TestCloudKeep(t *testing.T) {
	c := testCloud()
	checks := []struct {
		name string
		pred PointPredicate
		want int
	}{
		{"FirstOnly", FirstOnly, 3},
		{"KeepClass(ground)", KeepClass(ClassGround), 1},
		{"DropClass(noise)", DropClass(ClassNoise), 3},
		{"HeightBetween(2,3)", HeightBetween(2, 3), 2},
	}
	for _, check := range checks {
		if n := c.Keep(check.pred).Len(); n != check.want {
			t.Errorf("%s: have %d returns, want %d", check.name, n, check.want)
		}
	}
	if c.Len() != 4 {
		t.Errorf("Keep modified the receiver: have %d returns, want 4", c.Len())
	}
}

func TestCloudBounds(t *testing.T) {
	c := testCloud()
	b := c.Bounds()
	if b.Min.X != 0.5 || b.Min.Y != 0.5 || b.Max.X != 1.5 || b.Max.Y != 1.5 {
		t.Errorf("have bounds %+v, want (0.5, 0.5) to (1.5, 1.5)", b)
	}
	if !NewCloud().Bounds().Empty() {
		t.Error("an empty cloud should have empty bounds")
	}
}

func TestCloudSummarize(t *testing.T) {
	sum := testCloud().Summarize()
	if sum.N != 4 {
		t.Errorf("N: have %d, want 4", sum.N)
	}
	if sum.FirstReturns != 3 {
		t.Errorf("FirstReturns: have %d, want 3", sum.FirstReturns)
	}
	if sum.GroundReturns != 1 {
		t.Errorf("GroundReturns: have %d, want 1", sum.GroundReturns)
	}
	if sum.NoiseReturns != 1 {
		t.Errorf("NoiseReturns: have %d, want 1", sum.NoiseReturns)
	}
	if sum.ZMin != 1 || sum.ZMax != 4 {
		t.Errorf("elevation range: have [%g, %g], want [1, 4]", sum.ZMin, sum.ZMax)
	}
	if different(sum.ZMean, 2.5, metricsTolerance) {
		t.Errorf("ZMean: have %g, want 2.5", sum.ZMean)
	}
	if different(sum.ZSD, 1.2909944487358056, 1.e-9) {
		t.Errorf("ZSD: have %g, want 1.291", sum.ZSD)
	}
	var empty CloudSummary
	if NewCloud().Summarize() != empty {
		t.Error("an empty cloud should summarize to the zero value")
	}
}
