package models

import (
	"encoding/json"
	"math"

	"github.com/spachava753/tuner/internal/util"
)

// jsonFloat encodes NaN and infinities as the strings "nan", "inf" and
// "-inf", which encoding/json refuses to emit as numbers.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"nan"`), nil
	case math.IsInf(v, 1):
		return []byte(`"inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-inf"`), nil
	}
	return json.Marshal(v)
}

func (f *jsonFloat) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := util.ParseFloat(s)
		if err != nil {
			return err
		}
		*f = jsonFloat(v)
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = jsonFloat(v)
	return nil
}

type intermediateValueJSON struct {
	Step  int       `json:"step"`
	Value jsonFloat `json:"value"`
}

func (iv IntermediateValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(intermediateValueJSON{Step: iv.Step, Value: jsonFloat(iv.Value)})
}

func (iv *IntermediateValue) UnmarshalJSON(data []byte) error {
	var in intermediateValueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	iv.Step = in.Step
	iv.Value = float64(in.Value)
	return nil
}
