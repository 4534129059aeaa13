package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/spachava753/tuner/internal/util"
)

// Distribution describes the search space a parameter value was drawn from.
// Values are persisted in an internal float64 representation; for
// categorical parameters that is the index of the choice.
type Distribution interface {
	// Kind returns the serialised distribution name.
	Kind() string
	// ToExternal converts an internal value to the value handed to objectives.
	ToExternal(internal float64) any
	// ToInternal converts an external value to its internal representation.
	ToInternal(external any) (float64, error)
	// Contains reports whether an internal value lies in the distribution.
	Contains(internal float64) bool
	// Single reports whether the distribution has exactly one possible value.
	Single() bool
}

// FloatDistribution is a continuous (Step == 0) or discretised range of floats.
type FloatDistribution struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
	Log  bool    `json:"log"`
	Step float64 `json:"step,omitempty"`
}

// NewFloatDistribution validates and returns a FloatDistribution.
func NewFloatDistribution(low, high float64, log bool, step float64) (FloatDistribution, error) {
	d := FloatDistribution{Low: low, High: high, Log: log, Step: step}
	if low > high {
		return d, fmt.Errorf("float distribution: low %v must not exceed high %v", low, high)
	}
	if log && step != 0 {
		return d, fmt.Errorf("float distribution: step and log cannot be combined")
	}
	if log && low <= 0 {
		return d, fmt.Errorf("float distribution: low must be positive for log scale, got %v", low)
	}
	if step < 0 {
		return d, fmt.Errorf("float distribution: step must be positive, got %v", step)
	}
	return d, nil
}

func (d FloatDistribution) Kind() string { return "FloatDistribution" }

func (d FloatDistribution) ToExternal(internal float64) any { return internal }

func (d FloatDistribution) ToInternal(external any) (float64, error) {
	v, ok := util.ToFloat64(external)
	if !ok {
		return 0, fmt.Errorf("float distribution: %v (%T) is not numeric", external, external)
	}
	return v, nil
}

func (d FloatDistribution) Contains(internal float64) bool {
	if math.IsNaN(internal) || !util.InRange(internal, d.Low, d.High) {
		return false
	}
	if d.Step == 0 {
		return true
	}
	k := (internal - d.Low) / d.Step
	return math.Abs(k-math.Round(k)) < 1e-8
}

func (d FloatDistribution) Single() bool {
	if d.Step == 0 {
		return d.Low == d.High
	}
	return d.High-d.Low < d.Step
}

// IntDistribution is a range of integers with an optional step or log scale.
type IntDistribution struct {
	Low  int  `json:"low"`
	High int  `json:"high"`
	Log  bool `json:"log"`
	Step int  `json:"step"`
}

// NewIntDistribution validates and returns an IntDistribution. A step of 0
// is treated as 1.
func NewIntDistribution(low, high int, log bool, step int) (IntDistribution, error) {
	if step == 0 {
		step = 1
	}
	d := IntDistribution{Low: low, High: high, Log: log, Step: step}
	if low > high {
		return d, fmt.Errorf("int distribution: low %d must not exceed high %d", low, high)
	}
	if step < 0 {
		return d, fmt.Errorf("int distribution: step must be positive, got %d", step)
	}
	if log && step != 1 {
		return d, fmt.Errorf("int distribution: step and log cannot be combined")
	}
	if log && low < 1 {
		return d, fmt.Errorf("int distribution: low must be >= 1 for log scale, got %d", low)
	}
	return d, nil
}

func (d IntDistribution) Kind() string { return "IntDistribution" }

func (d IntDistribution) ToExternal(internal float64) any { return int(math.Round(internal)) }

func (d IntDistribution) ToInternal(external any) (float64, error) {
	v, ok := util.ToFloat64(external)
	if !ok {
		return 0, fmt.Errorf("int distribution: %v (%T) is not numeric", external, external)
	}
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("int distribution: %v is not an integer", external)
	}
	return v, nil
}

func (d IntDistribution) Contains(internal float64) bool {
	if internal != math.Trunc(internal) {
		return false
	}
	v := int(internal)
	if !util.InRange(v, d.Low, d.High) {
		return false
	}
	step := d.Step
	if step == 0 {
		step = 1
	}
	return (v-d.Low)%step == 0
}

func (d IntDistribution) Single() bool {
	step := d.Step
	if step == 0 {
		step = 1
	}
	return d.High-d.Low < step
}

// CategoricalDistribution is a finite set of choices. A choice is nil, a
// bool, an int, a float64 or a string; other numeric kinds are converted to
// int or float64 by NewCategoricalDistribution.
type CategoricalDistribution struct {
	Choices []any `json:"choices"`
}

// NewCategoricalDistribution validates and returns a CategoricalDistribution.
func NewCategoricalDistribution(choices []any) (CategoricalDistribution, error) {
	if len(choices) == 0 {
		return CategoricalDistribution{}, fmt.Errorf("categorical distribution: choices must not be empty")
	}
	cp := make([]any, len(choices))
	for i, c := range choices {
		v, err := normalizeChoice(c)
		if err != nil {
			return CategoricalDistribution{}, fmt.Errorf("categorical distribution: choice %d: %w", i, err)
		}
		cp[i] = v
	}
	return CategoricalDistribution{Choices: cp}, nil
}

func (d CategoricalDistribution) Kind() string { return "CategoricalDistribution" }

func (d CategoricalDistribution) ToExternal(internal float64) any {
	return d.Choices[int(internal)]
}

func (d CategoricalDistribution) ToInternal(external any) (float64, error) {
	for i, c := range d.Choices {
		if sameChoice(c, external) {
			return float64(i), nil
		}
	}
	return 0, fmt.Errorf("categorical distribution: %v is not one of %v", external, d.Choices)
}

func (d CategoricalDistribution) Contains(internal float64) bool {
	if internal != math.Trunc(internal) {
		return false
	}
	return util.InRange(int(internal), 0, len(d.Choices)-1)
}

func (d CategoricalDistribution) Single() bool { return len(d.Choices) == 1 }

type choiceJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON tags every choice with its kind so that ints, floats, bools
// and strings decode to the same Go types.
func (d CategoricalDistribution) MarshalJSON() ([]byte, error) {
	out := make([]choiceJSON, len(d.Choices))
	for i, c := range d.Choices {
		v, err := normalizeChoice(c)
		if err != nil {
			return nil, fmt.Errorf("choice %d: %w", i, err)
		}
		var (
			kind string
			data []byte
		)
		switch x := v.(type) {
		case nil:
			kind = "null"
		case bool:
			kind, data = "bool", []byte(strconv.FormatBool(x))
		case int:
			kind, data = "int", []byte(strconv.Itoa(x))
		case float64:
			kind = "float"
			data, err = jsonFloat(x).MarshalJSON()
		case string:
			kind = "string"
			data, err = json.Marshal(x)
		}
		if err != nil {
			return nil, fmt.Errorf("choice %d: %w", i, err)
		}
		out[i] = choiceJSON{Type: kind, Value: data}
	}
	return json.Marshal(struct {
		Choices []choiceJSON `json:"choices"`
	}{out})
}

func (d *CategoricalDistribution) UnmarshalJSON(data []byte) error {
	var in struct {
		Choices []choiceJSON `json:"choices"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	choices := make([]any, len(in.Choices))
	for i, c := range in.Choices {
		var err error
		switch c.Type {
		case "null":
		case "bool":
			var b bool
			err = json.Unmarshal(c.Value, &b)
			choices[i] = b
		case "int":
			var n int
			err = json.Unmarshal(c.Value, &n)
			choices[i] = n
		case "float":
			var f jsonFloat
			err = json.Unmarshal(c.Value, &f)
			choices[i] = float64(f)
		case "string":
			var s string
			err = json.Unmarshal(c.Value, &s)
			choices[i] = s
		default:
			err = fmt.Errorf("unknown choice type %q", c.Type)
		}
		if err != nil {
			return fmt.Errorf("choice %d: %w", i, err)
		}
	}
	d.Choices = choices
	return nil
}

// normalizeChoice maps a choice to one of the supported kinds.
func normalizeChoice(c any) (any, error) {
	switch v := c.(type) {
	case nil, bool, int, float64, string:
		return v, nil
	case int8:
		return int(v), nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint:
		if uint64(v) > math.MaxInt {
			return nil, fmt.Errorf("%d overflows int", v)
		}
		return int(v), nil
	case uint64:
		if v > math.MaxInt {
			return nil, fmt.Errorf("%d overflows int", v)
		}
		return int(v), nil
	case float32:
		return float64(v), nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", v)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported type %T (want nil, bool, number or string)", c)
	}
}

// sameChoice compares choices across numeric kinds, since numbers decoded
// from attributes come back as float64.
func sameChoice(choice, v any) bool {
	fa, okA := util.ToFloat64(choice)
	fb, okB := util.ToFloat64(v)
	if okA && okB {
		return fa == fb
	}
	if _, err := normalizeChoice(choice); err != nil {
		return false
	}
	if _, err := normalizeChoice(v); err != nil {
		return false
	}
	return choice == v
}

type distributionJSON struct {
	Name       string          `json:"name"`
	Attributes json.RawMessage `json:"attributes"`
}

// MarshalDistribution encodes a distribution with its kind tag.
func MarshalDistribution(d Distribution) ([]byte, error) {
	attrs, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", d.Kind(), err)
	}
	return json.Marshal(distributionJSON{Name: d.Kind(), Attributes: attrs})
}

// UnmarshalDistribution decodes a distribution produced by MarshalDistribution.
func UnmarshalDistribution(data []byte) (Distribution, error) {
	var raw distributionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding distribution: %w", err)
	}

	switch raw.Name {
	case "FloatDistribution":
		var d FloatDistribution
		if err := json.Unmarshal(raw.Attributes, &d); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", raw.Name, err)
		}
		return d, nil
	case "IntDistribution":
		var d IntDistribution
		if err := json.Unmarshal(raw.Attributes, &d); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", raw.Name, err)
		}
		return d, nil
	case "CategoricalDistribution":
		var d CategoricalDistribution
		if err := json.Unmarshal(raw.Attributes, &d); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", raw.Name, err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown distribution %q", raw.Name)
	}
}

// EqualDistributions reports whether two distributions describe the same
// search space. Comparison is done on the encoded form so that values
// decoded from storage compare equal to freshly built ones.
func EqualDistributions(a, b Distribution) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ea, err := MarshalDistribution(a)
	if err != nil {
		return false
	}
	eb, err := MarshalDistribution(b)
	if err != nil {
		return false
	}
	return bytes.Equal(normalizeJSON(ea), normalizeJSON(eb))
}

func normalizeJSON(data []byte) []byte {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return data
	}
	out, err := json.Marshal(v)
	if err != nil {
		return data
	}
	return out
}
