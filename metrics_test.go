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
	"math"
	"math/rand"
	"testing"
)

const metricsTolerance = 1.e-10

func different(a, b, tolerance float64) bool {
	if 2*math.Abs(a-b)/math.Abs(a+b) > tolerance || math.IsNaN(a) || math.IsNaN(b) {
		return true
	}
	return false
}

// sameValue reports exact equality, treating two NaNs as equal.
func sameValue(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return a == b
}

// Tests the worked example: three returns at heights 1, 3, and 6 m,
// where the 6 m return is a second return.
func TestCellPointMetricsExample(t *testing.T) {
	samples := []PointSample{
		{Height: 1, ReturnNumber: 1},
		{Height: 3, ReturnNumber: 1},
		{Height: 6, ReturnNumber: 2},
	}
	m, err := CellPointMetrics(samples)
	if err != nil {
		t.Fatal(err)
	}
	checks := []struct {
		name string
		want float64
	}{
		{"COV", 0.5},          // one of two first returns at or above 2 m
		{"Hmean", 10. / 3.},   // (1+3+6)/3
		{"HSD", 2.5166114784}, // sample standard deviation
		{"HMAX", 6},
		{"S", 1. / 3.}, // only the 3 m return is strictly within (2,5)
		{"H25TH", 2},
		{"H50TH", 3},
		{"H75TH", 4.5},
		{"H95TH", 5.7},
		{"H96TH", 5.76},
		{"H100TH", 6},
	}
	for _, c := range checks {
		if have := m.Value(c.name); different(have, c.want, 1.e-9) {
			t.Errorf("%s: have %v, want %v", c.name, have, c.want)
		}
	}
}

// Tests that percentiles interpolate linearly between order statistics
// for a set with known quartiles.
func TestQuantileInterpolation(t *testing.T) {
	samples := make([]PointSample, 10)
	for i := range samples {
		samples[i] = PointSample{Height: float64(i + 1), ReturnNumber: 1}
	}
	m, err := CellPointMetrics(samples)
	if err != nil {
		t.Fatal(err)
	}
	if different(m.H25TH, 3.25, metricsTolerance) {
		t.Errorf("H25TH: have %v, want 3.25", m.H25TH)
	}
	if different(m.H50TH, 5.5, metricsTolerance) {
		t.Errorf("H50TH: have %v, want 5.5", m.H50TH)
	}
	if different(m.H75TH, 7.75, metricsTolerance) {
		t.Errorf("H75TH: have %v, want 7.75", m.H75TH)
	}
	if different(m.H99TH, 9.91, metricsTolerance) {
		t.Errorf("H99TH: have %v, want 9.91", m.H99TH)
	}
}

func randomSamples(r *rand.Rand, n int) []PointSample {
	samples := make([]PointSample, n)
	for i := range samples {
		samples[i] = PointSample{
			Height:       r.Float64() * 40,
			ReturnNumber: 1 + r.Intn(4),
		}
	}
	return samples
}

// Tests that the maximum and the 100th percentile are exactly equal
// and that the percentile family never decreases with level.
func TestPercentileFamily(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	names := MetricNames()
	for trial := 0; trial < 50; trial++ {
		m, err := CellPointMetrics(randomSamples(r, 1+r.Intn(200)))
		if err != nil {
			t.Fatal(err)
		}
		if m.HMAX != m.H100TH {
			t.Fatalf("trial %d: HMAX (%v) != H100TH (%v)", trial, m.HMAX, m.H100TH)
		}
		prev := math.Inf(-1)
		for _, name := range names[5:] { // percentile fields
			v := m.Value(name)
			if v < prev {
				t.Fatalf("trial %d: %s (%v) < previous percentile (%v)", trial, name, v, prev)
			}
			prev = v
		}
	}
}

// Tests that a cell with no first returns yields NaN cover but
// otherwise well-defined metrics, without failing.
func TestNoFirstReturns(t *testing.T) {
	samples := []PointSample{
		{Height: 2.5, ReturnNumber: 2},
		{Height: 7, ReturnNumber: 3},
	}
	m, err := CellPointMetrics(samples)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(m.COV) {
		t.Errorf("COV: have %v, want NaN", m.COV)
	}
	if different(m.Hmean, 4.75, metricsTolerance) {
		t.Errorf("Hmean: have %v, want 4.75", m.Hmean)
	}
	if m.HMAX != 7 {
		t.Errorf("HMAX: have %v, want 7", m.HMAX)
	}
	if different(m.S, 0.5, metricsTolerance) {
		t.Errorf("S: have %v, want 0.5", m.S)
	}
}

// Tests the single-sample cell: mean, maximum, and every percentile
// equal the lone height; the standard deviation is undefined.
func TestSingleSample(t *testing.T) {
	m, err := CellPointMetrics([]PointSample{{Height: 12.5, ReturnNumber: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(m.HSD) {
		t.Errorf("HSD: have %v, want NaN", m.HSD)
	}
	names := MetricNames()
	for _, name := range append([]string{"Hmean", "HMAX"}, names[5:]...) {
		if v := m.Value(name); v != 12.5 {
			t.Errorf("%s: have %v, want 12.5", name, v)
		}
	}
	if m.COV != 1 {
		t.Errorf("COV: have %v, want 1", m.COV)
	}
	if m.S != 0 {
		t.Errorf("S: have %v, want 0", m.S)
	}
}

// Tests that an empty cell yields a record with every field NaN and
// no error.
func TestEmptyCell(t *testing.T) {
	m, err := CellPointMetrics(nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range MetricNames() {
		if v := m.Value(name); !math.IsNaN(v) {
			t.Errorf("%s: have %v, want NaN", name, v)
		}
	}
}

// Tests that a malformed sample stops the calculation with an
// InvalidSampleError identifying the offending sample.
func TestInvalidSample(t *testing.T) {
	samples := []PointSample{
		{Height: 4, ReturnNumber: 1},
		{Height: 9, ReturnNumber: 0},
	}
	_, err := CellPointMetrics(samples)
	if err == nil {
		t.Fatal("expected an error for a zero return number")
	}
	e, ok := err.(InvalidSampleError)
	if !ok {
		t.Fatalf("expected InvalidSampleError, got %T", err)
	}
	if e.Index != 1 || e.ReturnNumber != 0 {
		t.Errorf("have sample %d return %d, want sample 1 return 0", e.Index, e.ReturnNumber)
	}
}

// Tests that repeated calls on the same input and calls on permuted
// input produce identical records.
func TestIdempotentAndOrderInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	samples := randomSamples(r, 137)
	first, err := CellPointMetrics(samples)
	if err != nil {
		t.Fatal(err)
	}
	again, err := CellPointMetrics(samples)
	if err != nil {
		t.Fatal(err)
	}
	shuffled := make([]PointSample, len(samples))
	copy(shuffled, samples)
	r.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	permuted, err := CellPointMetrics(shuffled)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range MetricNames() {
		if !sameValue(first.Value(name), again.Value(name)) {
			t.Errorf("%s not idempotent: %v then %v", name, first.Value(name), again.Value(name))
		}
		if !sameValue(first.Value(name), permuted.Value(name)) {
			t.Errorf("%s depends on sample order: %v vs %v", name, first.Value(name), permuted.Value(name))
		}
	}
}

// Tests the metric schema introspection.
func TestMetricSchema(t *testing.T) {
	names, descriptions, units := MetricOptions()
	if len(names) != 29 {
		t.Fatalf("have %d metrics, want 29", len(names))
	}
	if len(descriptions) != len(names) || len(units) != len(names) {
		t.Fatalf("schema slices have unequal lengths: %d, %d, %d",
			len(names), len(descriptions), len(units))
	}
	for i, name := range names {
		if descriptions[i] == "" {
			t.Errorf("%s has no description", name)
		}
		if units[i] == "" {
			t.Errorf("%s has no units", name)
		}
	}
	if names[0] != "COV" || names[len(names)-1] != "H100TH" {
		t.Errorf("unexpected schema order: %v", names)
	}
}

func TestValueUnknownPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected a panic for an unknown metric name")
		}
	}()
	m := nanMetrics()
	m.Value("XYZZY")
}
