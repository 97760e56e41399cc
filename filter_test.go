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

// TestClassifyNoise checks that a lone return far from the rest of
// the cloud is classified as noise while clustered returns, and
// returns one voxel over from a cluster, are kept.
func TestClassifyNoise(t *testing.T) {
	c := NewCloud()
	for i := 0; i < 5; i++ {
		c.Add(Point{Point: geom.Point{X: 0.5, Y: 0.5}, Z: 0.5, ReturnNumber: 1, Class: ClassUnassigned})
	}
	// One voxel east of the cluster; its neighborhood includes the
	// cluster so it is not isolated.
	c.Add(Point{Point: geom.Point{X: 1.5, Y: 0.5}, Z: 0.5, ReturnNumber: 1, Class: ClassUnassigned})
	// A bird or atmospheric return high above the canopy.
	c.Add(Point{Point: geom.Point{X: 10.5, Y: 10.5}, Z: 50.5, ReturnNumber: 1, Class: ClassUnassigned})

	n, err := ClassifyNoise(c, IVFParams{Res: 1, Neighbors: 3})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("have %d noise returns, want 1", n)
	}
	for i, p := range c.Points {
		want := ClassUnassigned
		if i == 6 {
			want = ClassNoise
		}
		if p.Class != want {
			t.Errorf("return %d: have class %d, want %d", i, p.Class, want)
		}
	}
}

// TestClassifyNoiseThreshold checks the isolation threshold: a voxel
// whose neighborhood holds exactly Neighbors returns is still
// isolated.
func TestClassifyNoiseThreshold(t *testing.T) {
	c := NewCloud()
	for i := 0; i < 3; i++ {
		c.Add(Point{Point: geom.Point{X: 0.5, Y: 0.5}, Z: 0.5, ReturnNumber: 1, Class: ClassUnassigned})
	}
	n, err := ClassifyNoise(c, IVFParams{Res: 1, Neighbors: 3})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("have %d noise returns, want 3", n)
	}
	n, err = ClassifyNoise(c, IVFParams{Res: 1, Neighbors: 2})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("below the threshold: have %d noise returns, want 0", n)
	}
}

func TestClassifyNoiseParams(t *testing.T) {
	c := NewCloud()
	if _, err := ClassifyNoise(c, IVFParams{Res: 0, Neighbors: 3}); err == nil {
		t.Error("a zero voxel size should be an error")
	}
	if _, err := ClassifyNoise(c, IVFParams{Res: 1, Neighbors: 0}); err == nil {
		t.Error("a zero neighbor count should be an error")
	}
}
