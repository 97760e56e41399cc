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
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/ctessum/geom/encoding/shp"
	goshp "github.com/jonas-p/go-shp"
)

// Outputter is a holder for output parameters.
//
// fileName contains the path where the output will be saved.
//
// outputVariables maps the names of the variables for which data
// should be returned to expressions that define how the requested
// data should be calculated. These expressions can utilize layer
// names, other output variables, and functions.
//
// modelVariables is automatically generated based on the layer
// variables that are required to calculate the requested output
// variables.
//
// Functions are defined in the outputFunctions variable.
type Outputter struct {
	fileName        string
	outputVariables map[string]string
	modelVariables  []string
	outputFunctions map[string]govaluate.ExpressionFunction
}

// NewOutputter initializes a new Outputter holder and adds a set of
// default output functions. Default functions include:
//
// 'min(x, y)' and 'max(x, y)' which take the smaller or larger of two
// values.
//
// 'abs(x)' which applies the absolute value function.
//
// 'sqrt(x)' which applies the square root function.
//
// 'exp(x)' which applies the exponential function e^x.
//
// 'nz(x, v)' which replaces x with v where x is not-a-number, for
// cells where a metric is undefined.
func NewOutputter(fileName string, outputVariables map[string]string, outputFunctions map[string]govaluate.ExpressionFunction) (*Outputter, error) {
	defaultOutputFuncs := map[string]govaluate.ExpressionFunction{
		"min": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 2 {
				return nil, fmt.Errorf("canopy: got %d arguments for function 'min', but needs 2", len(arg))
			}
			return (float64)(math.Min(arg[0].(float64), arg[1].(float64))), nil
		},
		"max": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 2 {
				return nil, fmt.Errorf("canopy: got %d arguments for function 'max', but needs 2", len(arg))
			}
			return (float64)(math.Max(arg[0].(float64), arg[1].(float64))), nil
		},
		"abs": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("canopy: got %d arguments for function 'abs', but needs 1", len(arg))
			}
			return (float64)(math.Abs(arg[0].(float64))), nil
		},
		"sqrt": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("canopy: got %d arguments for function 'sqrt', but needs 1", len(arg))
			}
			return (float64)(math.Sqrt(arg[0].(float64))), nil
		},
		"exp": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("canopy: got %d arguments for function 'exp', but needs 1", len(arg))
			}
			return (float64)(math.Exp(arg[0].(float64))), nil
		},
		"nz": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 2 {
				return nil, fmt.Errorf("canopy: got %d arguments for function 'nz', but needs 2", len(arg))
			}
			if math.IsNaN(arg[0].(float64)) {
				return arg[1].(float64), nil
			}
			return arg[0].(float64), nil
		},
	}

	for key, val := range outputFunctions {
		defaultOutputFuncs[key] = val
	}

	o := Outputter{
		fileName:        fileName,
		outputVariables: make(map[string]string, len(outputVariables)),
		outputFunctions: defaultOutputFuncs,
	}
	for key, val := range outputVariables {
		o.outputVariables[key] = val
	}

	if err := o.checkCycles(); err != nil {
		return nil, err
	}
	err := o.checkForDerivatives()
	return &o, err
}

// removeDuplicates removes all duplicated strings from a slice,
// returning a slice that contains only unique strings.
func removeDuplicates(s []string) []string {
	result := make([]string, 0, len(s))
	seen := make(map[string]string)
	for _, val := range s {
		if _, ok := seen[val]; !ok {
			result = append(result, val)
			seen[val] = val
		}
	}
	return result
}

func checkPrefix(s string) (bool, error) {
	var isPrefix bool
	var err error
	if string(s) != "" {
		isPrefix, err = regexp.MatchString("[a-zA-Z0-9_]", string(s[0]))
		if err != nil {
			return false, err
		}
	} else {
		isPrefix = false
	}
	return isPrefix, nil
}

func checkSuffix(s string) (bool, error) {
	var isSuffix bool
	var err error
	if string(s) != "" {
		isSuffix, err = regexp.MatchString("[a-zA-Z0-9_]", string(s[len(s)-1]))
		if err != nil {
			return false, err
		}
	} else {
		isSuffix = false
	}
	return isSuffix, nil
}

// checkCycles returns an error if any output variable is defined,
// directly or through other output variables, in terms of itself.
// Pass-through definitions such as "COV": "COV" are allowed.
func (o *Outputter) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(o.outputVariables))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("canopy: output variable '%s' is defined in terms of itself", name)
		case done:
			return nil
		}
		state[name] = visiting
		expression, err := govaluate.NewEvaluableExpressionWithFunctions(o.outputVariables[name], o.outputFunctions)
		if err != nil {
			return fmt.Errorf("canopy: output variable '%s': %v", name, err)
		}
		for _, v := range removeDuplicates(expression.Vars()) {
			if def, ok := o.outputVariables[v]; ok && def != v {
				if err := visit(v); err != nil {
					return err
				}
			}
		}
		state[name] = done
		return nil
	}
	names := make([]string, 0, len(o.outputVariables))
	for name := range o.outputVariables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// checkForDerivatives identifies the unique layer variables that are
// required to calculate the requested output variables, replacing any
// user-defined output variable showing up in a subsequent expression
// by its corresponding user-defined expression. checkCycles must have
// passed beforehand so that the substitution terminates.
func (o *Outputter) checkForDerivatives() error {
	o.modelVariables = make([]string, 0, len(o.outputVariables))
	for key, val := range o.outputVariables {
		expression, err := govaluate.NewEvaluableExpressionWithFunctions(val, o.outputFunctions)
		if err != nil {
			return fmt.Errorf("canopy: output variable '%s': %v", key, err)
		}
		uniqueVars := removeDuplicates(expression.Vars())
		o.modelVariables = append(o.modelVariables, uniqueVars...)
		// For each variable name identified in an output variable
		// expression, check if the variable is defined in terms of
		// other variables within a separate expression. If so, any
		// instance of the variable name in the current expression is
		// replaced by the expression that defines it.
		var isSuffix bool
		var isPrefix bool
		for _, uniqueVar := range uniqueVars {
			if o.outputVariables[uniqueVar] != "" && o.outputVariables[uniqueVar] != uniqueVar {
				// In order to verify that an instance of a variable
				// name is not part of a longer variable name, the text
				// preceding and following the variable name is
				// analyzed. For example, 'S' is not a standalone
				// variable in an expression if it appears as 'HSD'.
				splitVal := strings.Split(val, uniqueVar)
				for i := 0; i < len(splitVal)-1; i++ {
					isSuffix, err = checkSuffix(splitVal[i])
					if err != nil {
						return fmt.Errorf("canopy: output variable '%s': %v", key, err)
					}
					isPrefix, err = checkPrefix(splitVal[i+1])
					if err != nil {
						return fmt.Errorf("canopy: output variable '%s': %v", key, err)
					}
					splitVal[i] = splitVal[i] + uniqueVar
					if !isSuffix && !isPrefix {
						splitVal[i] = strings.Replace(splitVal[i], uniqueVar, "("+o.outputVariables[uniqueVar]+")", -1)
					}
				}
				o.outputVariables[key] = strings.Join(splitVal, "")
				return o.checkForDerivatives()
			}
		}
	}
	o.modelVariables = removeDuplicates(o.modelVariables)
	return nil
}

// ModelVariables returns the unique layer names needed to evaluate
// every requested output variable.
func (o *Outputter) ModelVariables() []string {
	return append([]string{}, o.modelVariables...)
}

// checkOutputNames checks (1) if any output variable names exceed 10
// characters and (2) if any output variable names include characters
// that are unsupported in shapefile field names.
func checkOutputNames(o map[string]string) error {
	for key := range o {
		long := len(key) > 10
		noCharError, err := regexp.MatchString("^[A-Za-z]\\w*$", key)
		if err != nil {
			panic(err)
		}
		if long && !noCharError {
			return fmt.Errorf("canopy: output variable name '%s' exceeds 10 characters and includes unsupported character(s)", key)
		} else if long {
			return fmt.Errorf("canopy: output variable name '%s' exceeds 10 characters", key)
		} else if !noCharError {
			return fmt.Errorf("canopy: output variable name '%s' includes unsupported characters", key)
		}
	}
	return nil
}

// CheckOutputVars ensures the output variables can be calculated from
// the given available layer names.
func (o *Outputter) CheckOutputVars(available ...string) error {
	avail := make(map[string]uint8, len(available))
	for _, n := range available {
		avail[n] = 0
	}
	for _, v := range o.modelVariables {
		if _, ok := avail[v]; !ok {
			return fmt.Errorf("canopy: undefined variable name '%s'", v)
		}
	}
	return checkOutputNames(o.outputVariables)
}

// Results evaluates each output variable expression in each grid
// cell of the layer stack, returning a map from output variable name
// to per-cell values in cell order.
func (o *Outputter) Results(s *LayerStack) (map[string][]float64, error) {
	if err := o.CheckOutputVars(s.Names()...); err != nil {
		return nil, err
	}
	ncells := len(s.Grid.Cells)
	expressions := make(map[string]*govaluate.EvaluableExpression, len(o.outputVariables))
	results := make(map[string][]float64, len(o.outputVariables))
	for name, val := range o.outputVariables {
		expression, err := govaluate.NewEvaluableExpressionWithFunctions(val, o.outputFunctions)
		if err != nil {
			return nil, fmt.Errorf("canopy: output variable '%s': %v", name, err)
		}
		expressions[name] = expression
		results[name] = make([]float64, ncells)
	}
	layers := make(map[string]Layer, len(o.modelVariables))
	for _, v := range o.modelVariables {
		l, err := s.Layer(v)
		if err != nil {
			return nil, err
		}
		layers[v] = l
	}
	params := make(map[string]interface{}, len(o.modelVariables))
	for i := 0; i < ncells; i++ {
		for _, v := range o.modelVariables {
			params[v] = layers[v].Data.Elements[i]
		}
		for name, expression := range expressions {
			r, err := expression.Evaluate(params)
			if err != nil {
				return nil, fmt.Errorf("canopy: evaluating output variable '%s': %v", name, err)
			}
			v, ok := r.(float64)
			if !ok {
				return nil, fmt.Errorf("canopy: output variable '%s' yields a %T; want float64", name, r)
			}
			results[name][i] = v
		}
	}
	return results, nil
}

// Output evaluates the output variables over the layer stack and
// writes one polygon record per grid cell to the output shapefile,
// along with a .prj sidecar carrying the grid projection.
func (o *Outputter) Output(s *LayerStack) error {
	results, err := o.Results(s)
	if err != nil {
		return err
	}

	vars := make([]string, 0, len(results))
	for v := range results {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	fields := make([]goshp.Field, len(vars))
	for i, v := range vars {
		fields[i] = goshp.FloatField(v, 14, 8)
	}

	// Remove the extension and replace it with .shp.
	fileBase := strings.TrimSuffix(o.fileName, filepath.Ext(o.fileName))
	o.fileName = fileBase + ".shp"
	shape, err := shp.NewEncoderFromFields(o.fileName, goshp.POLYGON, fields...)
	if err != nil {
		return fmt.Errorf("canopy: creating output shapefile: %v", err)
	}
	for i, c := range s.Grid.Cells {
		outFields := make([]interface{}, len(vars))
		for j, v := range vars {
			outFields[j] = results[v][i]
		}
		err = shape.EncodeFields(c.Polygonal, outFields...)
		if err != nil {
			return fmt.Errorf("canopy: writing output shapefile: %v", err)
		}
	}
	shape.Close()

	if s.Grid.Proj4 != "" {
		return writePrj(o.fileName, s.Grid.Proj4)
	}
	return nil
}
