package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributionConstructors(t *testing.T) {
	_, err := NewFloatDistribution(2, 1, false, 0)
	assert.Error(t, err, "low above high")
	_, err = NewFloatDistribution(0, 1, true, 0)
	assert.Error(t, err, "log with zero low")
	_, err = NewFloatDistribution(1, 2, true, 0.1)
	assert.Error(t, err, "log with step")
	_, err = NewIntDistribution(0, 10, true, 1)
	assert.Error(t, err, "int log with zero low")
	_, err = NewCategoricalDistribution(nil)
	assert.Error(t, err, "no choices")

	d, err := NewIntDistribution(0, 10, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Step)
}

func TestDistributionContains(t *testing.T) {
	stepped := FloatDistribution{Low: 0, High: 1, Step: 0.25}
	ints := IntDistribution{Low: 1, High: 9, Step: 2}
	cats := CategoricalDistribution{Choices: []any{"a", "b"}}

	tests := []struct {
		name string
		dist Distribution
		v    float64
		want bool
	}{
		{"float on grid", stepped, 0.75, true},
		{"float off grid", stepped, 0.3, false},
		{"float above", stepped, 1.25, false},
		{"int on step", ints, 5, true},
		{"int off step", ints, 4, false},
		{"int fraction", ints, 3.5, false},
		{"categorical index", cats, 1, true},
		{"categorical out of range", cats, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dist.Contains(tt.v))
		})
	}
}

func TestCategoricalConversions(t *testing.T) {
	d := CategoricalDistribution{Choices: []any{"sgd", 4, true}}

	idx, err := d.ToInternal(4.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, idx)
	assert.Equal(t, true, d.ToExternal(2))

	_, err = d.ToInternal("adam")
	assert.Error(t, err)
}

func TestEqualDistributions(t *testing.T) {
	a := FloatDistribution{Low: 0, High: 1}
	assert.True(t, EqualDistributions(a, FloatDistribution{Low: 0, High: 1}))
	assert.False(t, EqualDistributions(a, FloatDistribution{Low: 0, High: 2}))
	assert.False(t, EqualDistributions(a, IntDistribution{Low: 0, High: 1, Step: 1}))

	data, err := MarshalDistribution(CategoricalDistribution{Choices: []any{1, "x"}})
	require.NoError(t, err)
	decoded, err := UnmarshalDistribution(data)
	require.NoError(t, err)
	assert.True(t, EqualDistributions(CategoricalDistribution{Choices: []any{1, "x"}}, decoded))

	_, err = UnmarshalDistribution([]byte(`{"name":"Gaussian","attributes":{}}`))
	assert.Error(t, err)
}

func TestCategoricalChoiceKinds(t *testing.T) {
	d, err := NewCategoricalDistribution([]any{int64(3), float32(0.5), 2.0, "relu", true, nil})
	require.NoError(t, err)
	assert.Equal(t, []any{3, 0.5, 2.0, "relu", true, nil}, d.Choices)

	data, err := MarshalDistribution(d)
	require.NoError(t, err)
	decoded, err := UnmarshalDistribution(data)
	require.NoError(t, err)

	got := decoded.(CategoricalDistribution).Choices
	require.Len(t, got, 6)
	assert.IsType(t, 0, got[0])
	assert.IsType(t, 0.0, got[1])
	assert.IsType(t, 0.0, got[2], "a whole float stays a float")
	assert.IsType(t, "", got[3])
	assert.IsType(t, false, got[4])
	assert.Nil(t, got[5])
	assert.Equal(t, d.Choices, got)
	assert.True(t, EqualDistributions(d, decoded))

	assert.False(t, EqualDistributions(
		CategoricalDistribution{Choices: []any{2}},
		CategoricalDistribution{Choices: []any{2.0}},
	))
}

func TestCategoricalRejectsUnsupportedChoices(t *testing.T) {
	for _, choices := range [][]any{
		{"a", []int{1}},
		{map[string]any{"k": 1}},
		{struct{}{}},
		{uint64(1) << 63},
	} {
		_, err := NewCategoricalDistribution(choices)
		assert.Error(t, err, "%v", choices)
	}

	d, err := NewCategoricalDistribution([]any{"a", 1})
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		_, err = d.ToInternal([]int{1})
	})
	assert.Error(t, err)
}
