package utils

import (
	"fmt"
	"math"
	"strings"

	goeval "github.com/edisonguo/govaluate"
)

// BandExpressions holds a set of named band math expressions. ExprVarRef[i]
// lists the band names referenced by Expressions[i].
type BandExpressions struct {
	Expressions []*goeval.EvaluableExpression
	ExprText    []string
	ExprNames   []string
	ExprVarRef  [][]string
	VarList     []string
}

// ParseBandExpressions parses entries of the form "NAME=expression". An
// entry without a name is named after its expression text.
func ParseBandExpressions(bands []string) (*BandExpressions, error) {
	bandExpr := &BandExpressions{}
	varFound := make(map[string]struct{})

	for _, band := range bands {
		name := band
		text := band
		if idx := strings.Index(band, "="); idx >= 0 {
			name = strings.TrimSpace(band[:idx])
			text = strings.TrimSpace(band[idx+1:])
		}
		if len(name) == 0 || len(text) == 0 {
			return nil, fmt.Errorf("invalid band expression: '%v'", band)
		}
		if err := bandExpr.add(name, text, varFound); err != nil {
			return nil, err
		}
	}

	return bandExpr, nil
}

// NewBandExpressions compiles named expressions in the given order.
func NewBandExpressions(names []string, texts []string) (*BandExpressions, error) {
	if len(names) != len(texts) {
		return nil, fmt.Errorf("%d expression names for %d expressions", len(names), len(texts))
	}
	bandExpr := &BandExpressions{}
	varFound := make(map[string]struct{})
	for i := range names {
		if err := bandExpr.add(names[i], texts[i], varFound); err != nil {
			return nil, err
		}
	}
	return bandExpr, nil
}

func (be *BandExpressions) add(name, text string, varFound map[string]struct{}) error {
	for _, n := range be.ExprNames {
		if n == name {
			return fmt.Errorf("duplicate band expression name: %v", name)
		}
	}

	expr, err := goeval.NewEvaluableExpression(text)
	if err != nil {
		return fmt.Errorf("band expression %v '%v': %v", name, text, err)
	}

	var varRef []string
	seen := make(map[string]struct{})
	for _, token := range expr.Tokens() {
		if token.Kind != goeval.VARIABLE {
			continue
		}
		varName, ok := token.Value.(string)
		if !ok {
			return fmt.Errorf("variable token '%v' failed to cast string", token.Value)
		}
		if _, found := seen[varName]; !found {
			seen[varName] = struct{}{}
			varRef = append(varRef, varName)
		}
		if _, found := varFound[varName]; !found {
			varFound[varName] = struct{}{}
			be.VarList = append(be.VarList, varName)
		}
	}

	be.Expressions = append(be.Expressions, expr)
	be.ExprText = append(be.ExprText, text)
	be.ExprNames = append(be.ExprNames, name)
	be.ExprVarRef = append(be.ExprVarRef, varRef)
	return nil
}

// Index returns the position of the named expression or -1.
func (be *BandExpressions) Index(name string) int {
	for i, n := range be.ExprNames {
		if n == name {
			return i
		}
	}
	return -1
}

// EvalRaster evaluates expression ix pixel by pixel over the named input
// rasters. A NaN operand or a non-finite result yields NaN.
func (be *BandExpressions) EvalRaster(ix int, bands []*Float32Raster) (*Float32Raster, error) {
	if ix < 0 || ix >= len(be.Expressions) {
		return nil, fmt.Errorf("band expression index %d out of range", ix)
	}

	varRef := be.ExprVarRef[ix]
	inputs := make([]*Float32Raster, len(varRef))
	for i, variable := range varRef {
		r, found := FindRaster(bands, variable)
		if !found {
			return nil, fmt.Errorf("band expression %v references unknown band %v", be.ExprNames[ix], variable)
		}
		if i > 0 && (r.Width != inputs[0].Width || r.Height != inputs[0].Height) {
			return nil, fmt.Errorf("band expression %v: band %v size differs from %v", be.ExprNames[ix], variable, inputs[0].NameSpace)
		}
		inputs[i] = r
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("band expression %v references no bands", be.ExprNames[ix])
	}

	width, height := inputs[0].Width, inputs[0].Height
	out := NewFloat32Raster(be.ExprNames[ix], width, height)
	expr := be.Expressions[ix]
	parameters := make(map[string]interface{}, len(varRef))

	for i := range out.Data {
		noData := false
		for iv, variable := range varRef {
			v := inputs[iv].Data[i]
			if IsNoData(v) {
				noData = true
				break
			}
			parameters[variable] = float64(v)
		}
		if noData {
			out.Data[i] = NoDataValue()
			continue
		}

		result, err := expr.Evaluate(parameters)
		if err != nil {
			return nil, fmt.Errorf("eval '%v' error: %v", be.ExprText[ix], err)
		}

		val, err := toFloat64(result)
		if err != nil {
			return nil, fmt.Errorf("eval '%v': %v", be.ExprText[ix], err)
		}
		if math.IsNaN(val) || math.IsInf(val, 0) {
			out.Data[i] = NoDataValue()
		} else {
			out.Data[i] = float32(val)
		}
	}

	return out, nil
}

func toFloat64(result interface{}) (float64, error) {
	switch v := result.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("failed to cast eval result '%v' to float", result)
	}
}
