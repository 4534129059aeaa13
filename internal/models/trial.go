package models

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/spachava753/tuner/internal/util"
)

// TrialState is the lifecycle state of a trial.
//
//	WAITING -> RUNNING -> {COMPLETE, PRUNED, FAIL}
type TrialState string

const (
	TrialWaiting  TrialState = "WAITING"
	TrialRunning  TrialState = "RUNNING"
	TrialComplete TrialState = "COMPLETE"
	TrialPruned   TrialState = "PRUNED"
	TrialFail     TrialState = "FAIL"
)

// IsFinished reports whether the state is terminal.
func (s TrialState) IsFinished() bool {
	return s == TrialComplete || s == TrialPruned || s == TrialFail
}

// Valid reports whether s is a known state.
func (s TrialState) Valid() bool {
	switch s {
	case TrialWaiting, TrialRunning, TrialComplete, TrialPruned, TrialFail:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to TrialState) bool {
	switch from {
	case TrialWaiting:
		return to == TrialRunning
	case TrialRunning:
		return to.IsFinished()
	default:
		return false
	}
}

// IntermediateValue is a single value reported at a step.
type IntermediateValue struct {
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// IntermediateValues keeps reported values in report order. Steps are unique.
type IntermediateValues []IntermediateValue

// Get returns the value reported at step.
func (iv IntermediateValues) Get(step int) (float64, bool) {
	for _, v := range iv {
		if v.Step == step {
			return v.Value, true
		}
	}
	return 0, false
}

// Has reports whether step was reported.
func (iv IntermediateValues) Has(step int) bool {
	_, ok := iv.Get(step)
	return ok
}

// LastStep returns the largest reported step.
func (iv IntermediateValues) LastStep() (int, bool) {
	if len(iv) == 0 {
		return 0, false
	}
	last := iv[0].Step
	for _, v := range iv[1:] {
		if v.Step > last {
			last = v.Step
		}
	}
	return last, true
}

// Steps returns the reported steps in ascending order.
func (iv IntermediateValues) Steps() []int {
	steps := make([]int, len(iv))
	for i, v := range iv {
		steps[i] = v.Step
	}
	sort.Ints(steps)
	return steps
}

// FrozenTrial is an immutable snapshot of a trial. Snapshots handed out by
// storages are deep copies unless documented otherwise.
type FrozenTrial struct {
	ID                 int64                   `json:"trial_id"`
	Number             int                     `json:"number"`
	State              TrialState              `json:"state"`
	Value              *float64                `json:"value"`
	DatetimeStart      *time.Time              `json:"datetime_start"`
	DatetimeComplete   *time.Time              `json:"datetime_complete"`
	Params             map[string]any          `json:"params"`
	Distributions      map[string]Distribution `json:"distributions"`
	UserAttrs          map[string]any          `json:"user_attrs"`
	SystemAttrs        map[string]any          `json:"system_attrs"`
	IntermediateValues IntermediateValues      `json:"intermediate_values"`
}

// LastStep returns the last step with a reported intermediate value.
func (t FrozenTrial) LastStep() (int, bool) {
	return t.IntermediateValues.LastStep()
}

// Clone returns a deep copy of the trial.
func (t FrozenTrial) Clone() FrozenTrial {
	c := t
	if t.Value != nil {
		v := *t.Value
		c.Value = &v
	}
	if t.DatetimeStart != nil {
		ts := *t.DatetimeStart
		c.DatetimeStart = &ts
	}
	if t.DatetimeComplete != nil {
		ts := *t.DatetimeComplete
		c.DatetimeComplete = &ts
	}
	c.Params = CloneAttrs(t.Params)
	c.Distributions = make(map[string]Distribution, len(t.Distributions))
	for k, d := range t.Distributions {
		if cd, ok := d.(CategoricalDistribution); ok {
			choices := make([]any, len(cd.Choices))
			copy(choices, cd.Choices)
			d = CategoricalDistribution{Choices: choices}
		}
		c.Distributions[k] = d
	}
	c.UserAttrs = CloneAttrs(t.UserAttrs)
	c.SystemAttrs = CloneAttrs(t.SystemAttrs)
	if t.IntermediateValues != nil {
		c.IntermediateValues = make(IntermediateValues, len(t.IntermediateValues))
		copy(c.IntermediateValues, t.IntermediateValues)
	}
	return c
}

// Validate checks that the trial is internally consistent before it is
// inserted into a storage.
func (t FrozenTrial) Validate() error {
	if !t.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTrial, t.State)
	}
	if !t.State.IsFinished() && t.DatetimeComplete != nil {
		return fmt.Errorf("%w: datetime_complete is set on an unfinished trial", ErrInvalidTrial)
	}
	if t.State == TrialComplete && t.Value == nil {
		return fmt.Errorf("%w: a COMPLETE trial requires a value", ErrInvalidTrial)
	}
	if t.Value != nil && math.IsNaN(*t.Value) && t.State == TrialComplete {
		return fmt.Errorf("%w: a COMPLETE trial cannot have a NaN value", ErrInvalidTrial)
	}

	for name := range t.Params {
		if _, ok := t.Distributions[name]; !ok {
			return fmt.Errorf("%w: param %q has no distribution", ErrInvalidTrial, name)
		}
	}
	for name := range t.Distributions {
		if _, ok := t.Params[name]; !ok {
			return fmt.Errorf("%w: distribution %q has no param", ErrInvalidTrial, name)
		}
	}
	for name, value := range t.Params {
		d := t.Distributions[name]
		internal, err := d.ToInternal(value)
		if err != nil {
			return fmt.Errorf("%w: param %q: %v", ErrInvalidTrial, name, err)
		}
		if !d.Contains(internal) {
			return fmt.Errorf("%w: param %q value %v is outside its distribution", ErrInvalidTrial, name, value)
		}
	}

	seen := make(map[int]struct{}, len(t.IntermediateValues))
	for _, iv := range t.IntermediateValues {
		if _, dup := seen[iv.Step]; dup {
			return fmt.Errorf("%w: step %d reported twice", ErrInvalidTrial, iv.Step)
		}
		seen[iv.Step] = struct{}{}
	}
	return nil
}

type frozenTrialJSON struct {
	ID                 int64                      `json:"trial_id"`
	Number             int                        `json:"number"`
	State              TrialState                 `json:"state"`
	Value              *jsonFloat                 `json:"value"`
	DatetimeStart      *time.Time                 `json:"datetime_start"`
	DatetimeComplete   *time.Time                 `json:"datetime_complete"`
	Params             map[string]any             `json:"params"`
	Distributions      map[string]json.RawMessage `json:"distributions"`
	UserAttrs          map[string]any             `json:"user_attrs"`
	SystemAttrs        map[string]any             `json:"system_attrs"`
	IntermediateValues IntermediateValues         `json:"intermediate_values"`
}

// MarshalJSON encodes distributions with their kind tag so they can be
// decoded again.
func (t FrozenTrial) MarshalJSON() ([]byte, error) {
	out := frozenTrialJSON{
		ID:                 t.ID,
		Number:             t.Number,
		State:              t.State,
		DatetimeStart:      t.DatetimeStart,
		DatetimeComplete:   t.DatetimeComplete,
		Params:             t.Params,
		Distributions:      make(map[string]json.RawMessage, len(t.Distributions)),
		UserAttrs:          t.UserAttrs,
		SystemAttrs:        t.SystemAttrs,
		IntermediateValues: t.IntermediateValues,
	}
	if t.Value != nil {
		v := jsonFloat(*t.Value)
		out.Value = &v
	}
	for name, d := range t.Distributions {
		data, err := MarshalDistribution(d)
		if err != nil {
			return nil, fmt.Errorf("encoding distribution %q: %w", name, err)
		}
		out.Distributions[name] = data
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a trial and restores param values to the types
// their distributions produce.
func (t *FrozenTrial) UnmarshalJSON(data []byte) error {
	var in frozenTrialJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*t = FrozenTrial{
		ID:                 in.ID,
		Number:             in.Number,
		State:              in.State,
		DatetimeStart:      in.DatetimeStart,
		DatetimeComplete:   in.DatetimeComplete,
		Params:             make(map[string]any, len(in.Params)),
		Distributions:      make(map[string]Distribution, len(in.Distributions)),
		UserAttrs:          in.UserAttrs,
		SystemAttrs:        in.SystemAttrs,
		IntermediateValues: in.IntermediateValues,
	}
	if in.Value != nil {
		t.Value = Float(float64(*in.Value))
	}
	if t.UserAttrs == nil {
		t.UserAttrs = map[string]any{}
	}
	if t.SystemAttrs == nil {
		t.SystemAttrs = map[string]any{}
	}

	for name, raw := range in.Distributions {
		d, err := UnmarshalDistribution(raw)
		if err != nil {
			return fmt.Errorf("decoding distribution %q: %w", name, err)
		}
		t.Distributions[name] = d
	}
	for name, v := range in.Params {
		d, ok := t.Distributions[name]
		if !ok {
			t.Params[name] = v
			continue
		}
		internal, err := d.ToInternal(v)
		if err != nil {
			return fmt.Errorf("decoding param %q: %w", name, err)
		}
		t.Params[name] = d.ToExternal(internal)
	}
	return nil
}

// CloneAttrs deep-copies an attribute map. Nested maps and slices of the
// JSON-like kinds are copied; other values are copied by assignment.
func CloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneAttrs(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []float64:
		out := make([]float64, len(x))
		copy(out, x)
		return out
	case []string:
		out := make([]string, len(x))
		copy(out, x)
		return out
	case []int:
		out := make([]int, len(x))
		copy(out, x)
		return out
	default:
		return v
	}
}

// AttrInt reads an integer attribute, accepting any numeric kind since
// values decoded from storage come back as float64.
func AttrInt(attrs map[string]any, key string) (int, bool) {
	v, ok := attrs[key]
	if !ok {
		return 0, false
	}
	f, ok := util.ToFloat64(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// FixedParams returns the parameter values an enqueued trial was created with.
func (t FrozenTrial) FixedParams() map[string]any {
	fixed, _ := t.SystemAttrs[SystemAttrFixedParams].(map[string]any)
	return fixed
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
