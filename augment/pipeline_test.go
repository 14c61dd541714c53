package augment

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-squad/squad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPipelineYAML = `
- type: random
  action: swap
  aug_min: 3
  aug_max: 10
- type: char
  action: insert
- type: synonym
  synonyms:
    cat: [feline, kitty]
`

func TestParsePipelineConfig(t *testing.T) {
	configs, err := ParsePipelineConfig([]byte(testPipelineYAML))
	require.NoError(t, err)
	require.Len(t, configs, 3)
	assert.Equal(t, "random", configs[0].Type)
	assert.Equal(t, Params{"action": "swap", "aug_min": 3, "aug_max": 10}, configs[0].Params)
	assert.Equal(t, "synonym", configs[2].Type)

	p, err := NewPipeline(configs)
	require.NoError(t, err)
	assert.Equal(t, []string{"random:swap", "char:insert", "synonym"}, p.Names())

	_, err = ParsePipelineConfig([]byte("- action: swap\n"))
	assert.Error(t, err, "missing type")
	_, err = ParsePipelineConfig([]byte("type: random\n"))
	assert.Error(t, err, "not a list")
}

func TestLoadPipelineConfig(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "pipeline.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[
		{"aug_type": "random", "action": "delete", "aug_min": 3, "aug_max": 10},
		{"aug_type": "back_translation", "from_model_name": "transformer.wmt18.en-de"}
	]`), 0o644))
	configs, err := LoadPipelineConfig(jsonPath)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "random", configs[0].Type)
	assert.Equal(t, 3.0, configs[0].Params["aug_min"])

	// JSON numbers are accepted as integers.
	_, err = NewStep(configs[0])
	require.NoError(t, err)
	_, err = NewPipeline(configs)
	assert.ErrorIs(t, err, ErrUnknownStep)

	yamlPath := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(testPipelineYAML), 0o644))
	configs, err = LoadPipelineConfig(yamlPath)
	require.NoError(t, err)
	assert.Len(t, configs, 3)

	_, err = LoadPipelineConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestSelectByWeights(t *testing.T) {
	configs := []StepConfig{{Type: "random"}, {Type: "char"}, {Type: "synonym"}}
	assert.Equal(t, []StepConfig{{Type: "random"}, {Type: "synonym"}}, SelectByWeights(configs, []float64{0.5, 0, 1}))
	assert.Empty(t, SelectByWeights(configs, []float64{0, 0, 0}))
	assert.Equal(t, configs, SelectByWeights(configs, nil))
	assert.Equal(t, []StepConfig{{Type: "char"}}, SelectByWeights(configs, []float64{0, 2, 0, 1}))

	p, err := NewPipeline(SelectByWeights(configs, []float64{0, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, 0, p.Len())
}

func TestSelectRandom(t *testing.T) {
	configs := []StepConfig{{Type: "random"}, {Type: "char"}, {Type: "synonym"}}
	assert.Equal(t,
		SelectRandom(configs, rand.New(rand.NewPCG(7, 0))),
		SelectRandom(configs, rand.New(rand.NewPCG(7, 0))), "same seed, same selection")

	sizes := make(map[int]int)
	orders := make(map[string]bool)
	for seed := range uint64(200) {
		selected := SelectRandom(configs, rand.New(rand.NewPCG(seed, 0)))
		sizes[len(selected)]++
		seen := make(map[string]bool)
		var order string
		for _, config := range selected {
			assert.Contains(t, configs, config)
			assert.False(t, seen[config.Type], "step %q selected twice", config.Type)
			seen[config.Type] = true
			order += config.Type + ","
		}
		if len(selected) == len(configs) {
			orders[order] = true
		}
	}
	for size := range len(configs) + 1 {
		assert.Positive(t, sizes[size], "no selection of %d steps in 200 seeds", size)
	}
	assert.Greater(t, len(orders), 1, "full selections should come in different orders")
	assert.Empty(t, SelectRandom(nil, rand.New(rand.NewPCG(1, 0))))
}

func TestRewrite(t *testing.T) {
	ex := squad.NewExample("id", "where", "the cat sat on the mat", &squad.Answer{Text: "the mat", Start: 15}, false, nil)

	// Answer moved by the rewrite.
	moved := Rewrite(ex, "on the mat the cat sat")
	assert.Equal(t, 3, moved.AnswerStart)
	assert.True(t, moved.HasSpan)
	assert.Equal(t, "the mat", moved.AnswerText)

	// Several occurrences: the nearest to the original position wins.
	multi := Rewrite(ex, "the mat of the cat sat on the mat")
	assert.Equal(t, 26, multi.AnswerStart)

	// Answer gone.
	gone := Rewrite(ex, "the cat sat on the rug")
	assert.Equal(t, -1, gone.AnswerStart)
	assert.False(t, gone.HasSpan)

	// Impossible examples stay impossible.
	impossible := Rewrite(squad.NewExample("id", "q", "a b c", nil, true, nil), "c b a")
	assert.True(t, impossible.IsImpossible)
	assert.Equal(t, []string{"c", "b", "a"}, impossible.DocTokens)
}

func TestRelocate_Unicode(t *testing.T) {
	assert.Equal(t, 6, relocate("ab ßß wörld", "ßß ab wörld", "wörld", 6))
	assert.Equal(t, 3, relocate("wörld x", "xé wörld", "wörld", 0))
}
