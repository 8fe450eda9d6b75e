/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"fmt"
	"math"

	"github.com/Knetic/govaluate"
)

// WeightHelp is a help message used by flags in main
const WeightHelp = `Weight expression is evaluated for every trusted server, offsets are combined as weighted average.
supported operations:
  evaluation is done with govaluate, please check https://github.com/Knetic/govaluate/blob/master/MANUAL.md
supported variables (all in seconds except stratum):
  offset (offset of the server)
  delay (round trip delay to the server)
  dispersion (error estimate of the server, aged)
  jitter (standard deviation of recent offsets)
  stratum (stratum of the server)
supported functions:
  abs(value) - absolute value
  sqrt(value) - square root
  max(a, b) and min(a, b)
example:
  1 / max(dispersion + delay / 2, 0.000001)`

var supportedVariables = []string{
	"offset",
	"delay",
	"dispersion",
	"jitter",
	"stratum",
}

func isSupportedVar(varName string) bool {
	for _, v := range supportedVariables {
		if v == varName {
			return true
		}
	}
	return false
}

func oneArg(name string, f func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s: wrong number of arguments: want 1, got %d", name, len(args))
		}
		val, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("%s: argument must be a number", name)
		}
		return f(val), nil
	}
}

func twoArgs(name string, f func(float64, float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%s: wrong number of arguments: want 2, got %d", name, len(args))
		}
		a, okA := args[0].(float64)
		b, okB := args[1].(float64)
		if !okA || !okB {
			return nil, fmt.Errorf("%s: arguments must be numbers", name)
		}
		return f(a, b), nil
	}
}

// all the functions we support in expressions
var functions = map[string]govaluate.ExpressionFunction{
	"abs":  oneArg("abs", math.Abs),
	"sqrt": oneArg("sqrt", math.Sqrt),
	"max":  twoArgs("max", math.Max),
	"min":  twoArgs("min", math.Min),
}

func prepareExpression(exprStr string) (*govaluate.EvaluableExpression, error) {
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(exprStr, functions)
	if err != nil {
		return nil, err
	}
	for _, v := range expr.Vars() {
		if !isSupportedVar(v) {
			return nil, fmt.Errorf("unsupported variable %q", v)
		}
	}
	return expr, nil
}

func weightParameters(s *AssociationStats) map[string]interface{} {
	return map[string]interface{}{
		"offset":     s.Offset.Seconds(),
		"delay":      s.Delay.Seconds(),
		"dispersion": s.AgedDispersion.Seconds(),
		"jitter":     s.Jitter.Seconds(),
		"stratum":    float64(s.Stratum),
	}
}

// evaluateWeight returns weight of the server. Only finite positive weights are valid
func evaluateWeight(expr *govaluate.EvaluableExpression, s *AssociationStats) (float64, error) {
	res, err := expr.Evaluate(weightParameters(s))
	if err != nil {
		return 0, err
	}
	w, ok := res.(float64)
	if !ok {
		return 0, fmt.Errorf("expression returned %T, want number", res)
	}
	if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
		return 0, fmt.Errorf("invalid weight %v", w)
	}
	return w, nil
}
