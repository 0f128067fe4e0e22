package benchmark

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-rcnn/rpn"
)

// ScenarioBuilder helps build test scenarios with fluent API
type ScenarioBuilder struct {
	scenario Scenario
}

// NewScenarioBuilder starts a single-image scenario of 100 iterations after
// 10 warmup runs, at 224x224 with the default thresholds.
func NewScenarioBuilder(name string) *ScenarioBuilder {
	return &ScenarioBuilder{
		scenario: Scenario{
			Name:       name,
			Resolution: CommonResolutions[0],
			BatchSize:  1,
			Iterations: 100,
			WarmupRuns: 10,
			Thresholds: rpn.DefaultThresholds(),
		},
	}
}

// WithResolution sets the image resolution
func (sb *ScenarioBuilder) WithResolution(width, height int) *ScenarioBuilder {
	sb.scenario.Resolution = Resolution{
		Width:  width,
		Height: height,
		Name:   fmt.Sprintf("%dx%d", width, height),
	}
	return sb
}

// WithIterations sets the number of test iterations
func (sb *ScenarioBuilder) WithIterations(iterations int) *ScenarioBuilder {
	sb.scenario.Iterations = iterations
	return sb
}

// WithWarmupRuns sets the number of warmup runs
func (sb *ScenarioBuilder) WithWarmupRuns(warmups int) *ScenarioBuilder {
	sb.scenario.WarmupRuns = warmups
	return sb
}

// WithBatchSize sets the batch size for processing
func (sb *ScenarioBuilder) WithBatchSize(batchSize int) *ScenarioBuilder {
	sb.scenario.BatchSize = batchSize
	return sb
}

// WithThresholds sets the inference thresholds.
func (sb *ScenarioBuilder) WithThresholds(th rpn.Thresholds) *ScenarioBuilder {
	sb.scenario.Thresholds = th
	return sb
}

// Build returns the configured test scenario
func (sb *ScenarioBuilder) Build() Scenario {
	return sb.scenario
}

// ScenarioSet represents a collection of related test scenarios
type ScenarioSet struct {
	Name        string     `json:"name"        yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Scenarios   []Scenario `json:"scenarios"   yaml:"scenarios"`
}

// QuickScenarios is one short run per batch size 1 and 4 at 224x224.
func QuickScenarios() *ScenarioSet {
	set := &ScenarioSet{Name: "Quick", Description: "Short runs at the detector input size"}
	for _, batch := range []int{1, 4} {
		set.Scenarios = append(set.Scenarios, NewScenarioBuilder(fmt.Sprintf("quick_b%d", batch)).
			WithBatchSize(batch).
			WithIterations(10).
			WithWarmupRuns(2).
			Build())
	}
	return set
}

// ResolutionScenarios runs each of CommonResolutions, which measures the
// resize cost on top of inference.
func ResolutionScenarios(iterations int) *ScenarioSet {
	set := &ScenarioSet{Name: "Resolutions", Description: "Source frame size comparison"}
	for _, r := range CommonResolutions {
		s := NewScenarioBuilder("resolution_" + r.Name).
			WithIterations(iterations).
			WithWarmupRuns(iterations / 10).
			Build()
		s.Resolution = r
		set.Scenarios = append(set.Scenarios, s)
	}
	return set
}

// ThresholdScenarios compares objectness thresholds, which changes the
// number of proposals the classifier sees.
func ThresholdScenarios(iterations int, objectness ...float32) *ScenarioSet {
	set := &ScenarioSet{Name: "Thresholds", Description: "Objectness threshold comparison"}
	for _, o := range objectness {
		th := rpn.DefaultThresholds()
		th.Objectness = o
		set.Scenarios = append(set.Scenarios, NewScenarioBuilder(fmt.Sprintf("objectness_%.2f", o)).
			WithIterations(iterations).
			WithThresholds(th).
			Build())
	}
	return set
}

// SaveScenarioSet writes a scenario set as YAML.
func SaveScenarioSet(set *ScenarioSet, filename string) error {
	data, err := yaml.Marshal(set)
	if err != nil {
		return errors.Wrap(err, "encoding scenario set")
	}
	return errors.Wrapf(os.WriteFile(filename, data, 0o644), "writing %s", filename)
}

// LoadScenarioSet reads a YAML scenario set. Fields a scenario omits take
// the NewScenarioBuilder defaults.
func LoadScenarioSet(filename string) (*ScenarioSet, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", filename)
	}

	var raw struct {
		Name        string      `yaml:"name"`
		Description string      `yaml:"description"`
		Scenarios   []yaml.Node `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", filename)
	}

	set := &ScenarioSet{Name: raw.Name, Description: raw.Description}
	for i := range raw.Scenarios {
		s := NewScenarioBuilder(fmt.Sprintf("scenario_%d", i)).Build()
		if err := raw.Scenarios[i].Decode(&s); err != nil {
			return nil, errors.Wrapf(err, "decoding scenario %d", i)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		set.Scenarios = append(set.Scenarios, s)
	}
	return set, nil
}
