// Package augment regenerates augmented copies of a training corpus in the background.
//
// A Pipeline chains augmentation steps (see StepNames for the registry) that rewrite passages. A Worker
// runs augmentation cycles: it rewrites the whole corpus with the pipeline, converts the rewritten
// examples into features, and publishes the original features followed by the new ones to a Channel,
// which holds at most one unconsumed payload.
package augment

import (
	"encoding/json"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// StepConfig configures one step of a pipeline: the registered step type and its parameters.
type StepConfig struct {
	Type   string
	Params Params
}

// ParsePipelineConfig parses a list of steps, each a map with a "type" key (or "aug_type") and
// the step parameters. YAML is a superset of JSON, so both formats are accepted.
func ParsePipelineConfig(content []byte) ([]StepConfig, error) {
	var entries []map[string]any
	if err := yaml.Unmarshal(content, &entries); err != nil {
		return nil, errors.Wrap(err, "failed to parse augmentation pipeline")
	}
	return stepConfigs(entries)
}

// LoadPipelineConfig reads the pipeline configuration from a ".json", ".yaml" or ".yml" file.
func LoadPipelineConfig(path string) ([]StepConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read augmentation pipeline %q", path)
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		var entries []map[string]any
		if err := json.Unmarshal(content, &entries); err != nil {
			return nil, errors.Wrapf(err, "failed to parse augmentation pipeline %q", path)
		}
		configs, err := stepConfigs(entries)
		return configs, errors.WithMessagef(err, "in %q", path)
	}
	configs, err := ParsePipelineConfig(content)
	return configs, errors.WithMessagef(err, "in %q", path)
}

func stepConfigs(entries []map[string]any) ([]StepConfig, error) {
	configs := make([]StepConfig, 0, len(entries))
	for ii, entry := range entries {
		params := make(Params, len(entry))
		var stepType string
		for key, value := range entry {
			if key == "type" || key == "aug_type" {
				s, ok := value.(string)
				if !ok {
					return nil, errors.Errorf("step %d: %q must be a string, got %T", ii, key, value)
				}
				stepType = s
				continue
			}
			params[key] = value
		}
		if stepType == "" {
			return nil, errors.Errorf("step %d has no \"type\"", ii)
		}
		configs = append(configs, StepConfig{Type: stepType, Params: params})
	}
	return configs, nil
}

// SelectByWeights keeps the configurations whose weight is non-zero: configs[i] is kept if weights[i] != 0.
// Configurations without a corresponding weight are dropped. A nil weights keeps all configurations:
// use SelectRandom for a random subset instead.
func SelectByWeights(configs []StepConfig, weights []float64) []StepConfig {
	if weights == nil {
		return configs
	}
	var selected []StepConfig
	for ii, w := range weights {
		if ii < len(configs) && w != 0 {
			selected = append(selected, configs[ii])
		}
	}
	return selected
}

// SelectRandom keeps a random subset of configs, in random order: the configurations are visited in a
// random permutation, and each is kept with probability 1/2.
func SelectRandom(configs []StepConfig, rng *rand.Rand) []StepConfig {
	var selected []StepConfig
	for _, ii := range rng.Perm(len(configs)) {
		if rng.IntN(2) == 1 {
			selected = append(selected, configs[ii])
		}
	}
	return selected
}

// Pipeline applies its steps in order.
type Pipeline struct {
	steps []Step
}

// NewPipeline creates the steps of configs. An empty configuration yields an empty pipeline, which
// disables augmentation.
func NewPipeline(configs []StepConfig) (*Pipeline, error) {
	p := &Pipeline{}
	for ii, config := range configs {
		step, err := NewStep(config)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d of augmentation pipeline", ii)
		}
		p.steps = append(p.steps, step)
	}
	return p, nil
}

// Len returns the number of steps.
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.steps)
}

// Names of the steps, in order.
func (p *Pipeline) Names() []string {
	names := make([]string, p.Len())
	for ii, step := range p.steps {
		names[ii] = step.Name()
	}
	return names
}

// Augment rewrites text with each step in turn.
func (p *Pipeline) Augment(text string, rng *rand.Rand) string {
	for _, step := range p.steps {
		text = step.Augment(text, rng)
	}
	return text
}
