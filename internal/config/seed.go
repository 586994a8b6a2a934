package config

import (
	"fmt"
	"math"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/web3guy0/polylearn/types"
)

// ModelSeed describes a model created by the onboard command
type ModelSeed struct {
	Name            string             `yaml:"name" validate:"required"`
	Weights         map[string]float64 `yaml:"weights" validate:"required,min=1,dive,gte=0,lte=1"`
	BetThreshold    float64            `yaml:"bet_threshold" validate:"gte=0.5,lte=0.9"`
	MaxBet          float64            `yaml:"max_bet" validate:"gt=0"`
	StartingBalance float64            `yaml:"starting_balance" validate:"gte=0"`
}

type seedFile struct {
	Models []ModelSeed `yaml:"models" validate:"required,dive"`
}

// LoadSeeds parses and validates a YAML seed file
func LoadSeeds(path string) ([]ModelSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seeds: %w", err)
	}
	return ParseSeeds(raw)
}

// ParseSeeds decodes seeds; weights must sum to 1 within 1e-6
func ParseSeeds(raw []byte) ([]ModelSeed, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seeds: %w", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid seeds: %w", err)
	}
	seen := make(map[string]bool, len(f.Models))
	for _, s := range f.Models {
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate model %q", s.Name)
		}
		seen[s.Name] = true

		var sum float64
		for _, w := range s.Weights {
			sum += w
		}
		if math.Abs(sum-1) > 1e-6 {
			return nil, fmt.Errorf("model %q weights sum to %.4f, want 1", s.Name, sum)
		}
	}
	return f.Models, nil
}

// Model builds the version-1 model for a seed. A zero starting balance takes fallback.
func (s ModelSeed) Model(fallback decimal.Decimal) *types.Model {
	starting := fallback
	if s.StartingBalance > 0 {
		starting = decimal.NewFromFloat(s.StartingBalance)
	}
	weights := make(map[string]float64, len(s.Weights))
	for k, v := range s.Weights {
		weights[k] = v
	}
	return &types.Model{
		Name:          s.Name,
		Active:        true,
		SignalWeights: weights,
		Thresholds: types.Thresholds{
			BetThreshold: s.BetThreshold,
			MaxBet:       decimal.NewFromFloat(s.MaxBet),
		},
		Version:         1,
		StartingBalance: starting,
	}
}
