package augment

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/gomlx/go-squad/squad"
	"github.com/gomlx/go-squad/tokenizers/hftokenizer"
	"github.com/stretchr/testify/require"
)

var testWords = strings.Fields(`the cat sat on mat dog ran in park bird flew over river
	who what where when did a an and of to`)

// testTokenizer creates a WordPiece tokenizer whose vocabulary holds testWords.
func testTokenizer(t *testing.T) *hftokenizer.Tokenizer {
	vocab := map[string]int{"[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3}
	for _, word := range testWords {
		vocab[word] = len(vocab)
	}
	content := map[string]any{
		"version": "1.0",
		"added_tokens": []map[string]any{
			{"id": 0, "content": "[PAD]", "special": true},
			{"id": 1, "content": "[UNK]", "special": true},
			{"id": 2, "content": "[CLS]", "special": true},
			{"id": 3, "content": "[SEP]", "special": true},
		},
		"normalizer":    map[string]any{"type": "BertNormalizer", "lowercase": true},
		"pre_tokenizer": map[string]any{"type": "BertPreTokenizer"},
		"model": map[string]any{
			"type":                      "WordPiece",
			"unk_token":                 "[UNK]",
			"continuing_subword_prefix": "##",
			"max_input_chars_per_word":  100,
			"vocab":                     vocab,
		},
	}
	data, err := json.Marshal(content)
	require.NoError(t, err)
	tok, err := hftokenizer.NewFromContent(nil, data)
	require.NoError(t, err)
	return tok.WithName("test/wordpiece")
}

// testExamples creates n examples over passages of testWords, with their answers.
func testExamples(n int) []*squad.Example {
	passages := []string{
		"the cat sat on the mat and the dog ran in the park",
		"a bird flew over the river when the dog sat in the park",
		"the dog ran to the river and the cat sat on a mat",
	}
	examples := make([]*squad.Example, n)
	for ii := range examples {
		passage := passages[ii%len(passages)]
		if ii%5 == 4 {
			examples[ii] = squad.NewExample(fmt.Sprintf("ex%d", ii), "who flew", passage, nil, true, nil)
			continue
		}
		answer := "the park"
		if ii%len(passages) == 2 {
			answer = "the river"
		}
		start := strings.Index(passage, answer)
		examples[ii] = squad.NewExample(fmt.Sprintf("ex%d", ii), "where did the dog run", passage,
			&squad.Answer{Text: answer, Start: start}, false, nil)
	}
	return examples
}

func testOptions() squad.Options {
	return squad.Options{MaxSeqLength: 32, DocStride: 8, MaxQueryLength: 10, Training: true}
}
