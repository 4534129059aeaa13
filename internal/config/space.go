package config

import (
	"fmt"
	"io/fs"
	"maps"
	"math"
	"slices"

	"github.com/BurntSushi/toml"

	"github.com/spachava753/tuner/internal/models"
)

// ParamConfig is one [params.<name>] table of a search space file.
type ParamConfig struct {
	Type    string  `toml:"type" validate:"oneof=float int categorical"`
	Low     float64 `toml:"low"`
	High    float64 `toml:"high"`
	Step    float64 `toml:"step" validate:"gte=0"`
	Log     bool    `toml:"log"`
	Choices []any   `toml:"choices"`
}

// SearchSpace maps parameter names to their distributions.
type SearchSpace struct {
	Params map[string]ParamConfig `toml:"params"`

	dists map[string]models.Distribution
}

// Names returns the parameter names in sorted order.
func (s SearchSpace) Names() []string {
	return slices.Sorted(maps.Keys(s.Params))
}

// Distribution returns the distribution of name.
func (s SearchSpace) Distribution(name string) (models.Distribution, bool) {
	d, ok := s.dists[name]
	return d, ok
}

// LoadSearchSpace loads and parses a search space TOML file from fsys.
//
//	[params.lr]
//	type = "float"
//	low = 1e-4
//	high = 1e-1
//	log = true
func LoadSearchSpace(fsys fs.FS, name string) (SearchSpace, error) {
	var space SearchSpace

	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return space, fmt.Errorf("reading %s: %w", name, err)
	}

	md, err := toml.Decode(string(data), &space)
	if err != nil {
		return space, fmt.Errorf("parsing %s: %w", name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return space, fmt.Errorf("parsing %s: unknown key %s", name, undecoded[0])
	}
	if len(space.Params) == 0 {
		return space, fmt.Errorf("%s: no parameters defined", name)
	}

	space.dists = make(map[string]models.Distribution, len(space.Params))
	for _, param := range space.Names() {
		pc := space.Params[param]
		if err := validate.Struct(pc); err != nil {
			return space, fmt.Errorf("param %q: %w", param, err)
		}

		if pc.Type != "categorical" {
			if !md.IsDefined("params", param, "low") || !md.IsDefined("params", param, "high") {
				return space, fmt.Errorf("param %q: low and high are required", param)
			}
			if pc.Log && md.IsDefined("params", param, "step") {
				return space, fmt.Errorf("param %q: log and step cannot be combined", param)
			}
		}

		dist, err := pc.distribution()
		if err != nil {
			return space, fmt.Errorf("param %q: %w", param, err)
		}
		space.dists[param] = dist
	}
	return space, nil
}

func (pc ParamConfig) distribution() (models.Distribution, error) {
	switch pc.Type {
	case "float":
		return models.NewFloatDistribution(pc.Low, pc.High, pc.Log, pc.Step)
	case "int":
		for _, v := range []float64{pc.Low, pc.High, pc.Step} {
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("int bounds and step must be whole numbers, got %v", v)
			}
		}
		return models.NewIntDistribution(int(pc.Low), int(pc.High), pc.Log, int(pc.Step))
	default:
		// TOML integers decode as int64; the distribution stores them as int.
		return models.NewCategoricalDistribution(pc.Choices)
	}
}
