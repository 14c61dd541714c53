package squad

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gomlx/go-squad/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCorpus creates n examples with passages of varying lengths. Every 7th example is impossible,
// and example 13 has an answer that can't be found.
func testCorpus(n int) []*Example {
	examples := make([]*Example, n)
	for ii := range n {
		id := fmt.Sprintf("q%d", ii)
		numWords := 5 + (ii*7)%40
		passage := numberedPassage(numWords)
		question := fmt.Sprintf("where is w%d", ii%numWords)
		switch {
		case ii%7 == 0:
			examples[ii] = NewExample(id, question, passage, nil, true, nil)
		case ii == 13:
			examples[ii] = NewExample(id, question, passage, &Answer{Text: "nowhere", Start: 0}, false, nil)
		default:
			first := ii % numWords
			examples[ii] = answerExample(id, question, passage, first, min(first+1, numWords-1))
		}
	}
	return examples
}

func testOptions() Options {
	return Options{MaxSeqLength: 24, DocStride: 6, MaxQueryLength: 8, Training: true}
}

func TestBuilder_WorkerCountInvariance(t *testing.T) {
	examples := testCorpus(65)
	tok := &fakeTokenizer{}

	single, err := NewBuilder(tok, testOptions()).WithThreads(1).Build(context.Background(), examples)
	require.NoError(t, err)
	parallel, err := NewBuilder(tok, testOptions()).WithThreads(4).Build(context.Background(), examples)
	require.NoError(t, err)
	require.Equal(t, single, parallel)

	// Smaller chunks must not change the result either.
	chunked, err := NewBuilder(tok, testOptions()).WithThreads(4).WithChunkSize(5).Build(context.Background(), examples)
	require.NoError(t, err)
	require.Equal(t, single, chunked)

	assert.Equal(t, []string{"q13"}, single.Dropped)
	assert.Equal(t, 64, single.Examples)
}

func TestBuilder_UniqueIDs(t *testing.T) {
	examples := testCorpus(65)
	result, err := NewBuilder(&fakeTokenizer{}, testOptions()).WithThreads(3).Build(context.Background(), examples)
	require.NoError(t, err)
	require.Greater(t, len(result.Features), len(examples))

	exampleIndex := 0
	lastQAS := result.Features[0].QASID
	for ii, f := range result.Features {
		require.Equal(t, DefaultUniqueIDBase+ii, f.UniqueID)
		if f.QASID != lastQAS {
			exampleIndex++
			lastQAS = f.QASID
		}
		require.Equal(t, exampleIndex, f.ExampleIndex, "feature %d", ii)
	}
	assert.Equal(t, result.Examples-1, exampleIndex)

	result, err = NewBuilder(&fakeTokenizer{}, testOptions()).WithUniqueIDBase(7).Build(context.Background(), examples[:2])
	require.NoError(t, err)
	assert.Equal(t, 7, result.Features[0].UniqueID)
}

func TestBuilder_AnswersWithinWindows(t *testing.T) {
	result, err := NewBuilder(&fakeTokenizer{}, testOptions()).Build(context.Background(), testCorpus(65))
	require.NoError(t, err)

	// Every answerable example has at least one feature with the answer.
	answered := make(map[string]bool)
	impossible := make(map[string]bool)
	for _, f := range result.Features {
		if f.HasAnswer() {
			answered[f.QASID] = true
		} else {
			assert.Equal(t, f.CLSIndex, f.StartPosition)
			assert.Equal(t, f.CLSIndex, f.EndPosition)
			impossible[f.QASID] = true
		}
	}
	for id := range impossible {
		var n int
		_, _ = fmt.Sscanf(id, "q%d", &n)
		if n%7 != 0 {
			assert.True(t, answered[id], "example %s has no feature with its answer", id)
		}
	}
}

func TestBuilder_TokenizerFactory(t *testing.T) {
	var created atomic.Int32
	builder := NewBuilder(nil, testOptions()).WithThreads(2).WithTokenizerFactory(func() (api.SubwordTokenizer, error) {
		created.Add(1)
		return &fakeTokenizer{}, nil
	})
	result, err := builder.Build(context.Background(), testCorpus(65))
	require.NoError(t, err)
	assert.NotEmpty(t, result.Features)
	assert.Equal(t, int32(builder.Workers()), created.Load())
}

// panickyTokenizer panics when tokenizing "boom".
type panickyTokenizer struct {
	fakeTokenizer
}

func (t *panickyTokenizer) Tokenize(text string) []string {
	if strings.Contains(text, "boom") {
		panic("boom")
	}
	return t.fakeTokenizer.Tokenize(text)
}

func TestBuilder_Errors(t *testing.T) {
	examples := testCorpus(40)
	// Impossible, so the answer check doesn't drop it before tokenization.
	examples[35] = NewExample("bad", "q", "it goes boom", nil, true, nil)
	_, err := NewBuilder(&panickyTokenizer{}, testOptions()).WithThreads(2).Build(context.Background(), examples)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	opts := testOptions()
	opts.DocStride = 0
	_, err = NewBuilder(&fakeTokenizer{}, opts).Build(context.Background(), testCorpus(3))
	assert.ErrorIs(t, err, ErrInvalidWindow)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewBuilder(&fakeTokenizer{}, testOptions()).Build(ctx, testCorpus(3))
	assert.Error(t, err)
}
