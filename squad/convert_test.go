package squad

import (
	"strconv"
	"testing"

	"github.com/gomlx/go-squad/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertExample_ImproveAnswerSpan(t *testing.T) {
	// The answer word "(1895-1943)." is split into 6 pieces, and the span is narrowed to "1895".
	passage := "born (1895-1943)."
	ex := NewExample("improve", "when", passage, &Answer{Text: "1895", Start: 6}, false, nil)
	require.True(t, ex.HasSpan)
	assert.Equal(t, 1, ex.StartWord)
	assert.Equal(t, 1, ex.EndWord)

	features, err := ConvertExample(ex, &fakeTokenizer{}, Options{MaxSeqLength: 32, DocStride: 8, MaxQueryLength: 64, Training: true})
	require.NoError(t, err)
	require.Len(t, features, 1)
	f := features[0]
	assert.False(t, f.IsImpossible)
	assert.Equal(t, 5, f.StartPosition)
	assert.Equal(t, 5, f.EndPosition)
	assert.Equal(t, "1895", f.Tokens[f.StartPosition])
}

func TestImproveAnswerSpan_NoMatch(t *testing.T) {
	docTokens := []string{"a", "b", "c", "d"}
	start, end := improveAnswerSpan(docTokens, 1, 2, &fakeTokenizer{}, "x")
	assert.Equal(t, 1, start)
	assert.Equal(t, 2, end)

	start, end = improveAnswerSpan(docTokens, 0, 3, &fakeTokenizer{}, "b c")
	assert.Equal(t, 1, start)
	assert.Equal(t, 2, end)
}

func TestConvertExample_AnswerNotFound(t *testing.T) {
	opts := Options{MaxSeqLength: 32, DocStride: 8, MaxQueryLength: 64, Training: true}
	passage := numberedPassage(5)

	// Text doesn't match the words at the offset.
	ex := NewExample("mismatch", "q", passage, &Answer{Text: "zzz", Start: 0}, false, nil)
	_, err := ConvertExample(ex, &fakeTokenizer{}, opts)
	assert.ErrorIs(t, err, ErrAnswerNotFound)

	// Offset outside the passage.
	ex = NewExample("outside", "q", passage, &Answer{Text: "w1", Start: 1000}, false, nil)
	assert.False(t, ex.HasSpan)
	_, err = ConvertExample(ex, &fakeTokenizer{}, opts)
	assert.ErrorIs(t, err, ErrAnswerNotFound)

	// Not checked for evaluation.
	opts.Training = false
	features, err := ConvertExample(ex, &fakeTokenizer{}, opts)
	require.NoError(t, err)
	assert.Len(t, features, 1)
}

func TestConvertExample_Impossible(t *testing.T) {
	ex := NewExample("impossible", "q", numberedPassage(40), nil, true, nil)
	features, err := ConvertExample(ex, &fakeTokenizer{}, Options{MaxSeqLength: 20, DocStride: 8, MaxQueryLength: 64, Training: true})
	require.NoError(t, err)
	require.NotEmpty(t, features)
	for _, f := range features {
		assert.True(t, f.IsImpossible)
		assert.Equal(t, 0, f.StartPosition)
		assert.Equal(t, 0, f.EndPosition)
		assert.False(t, f.HasAnswer())
	}
}

func TestConvertExample_Evaluation(t *testing.T) {
	ex := answerExample("eval", "q", numberedPassage(40), 10, 12)
	features, err := ConvertExample(ex, &fakeTokenizer{}, Options{MaxSeqLength: 20, DocStride: 4, MaxQueryLength: 64})
	require.NoError(t, err)
	require.Len(t, features, 7)
	for _, f := range features {
		assert.False(t, f.IsImpossible)
		assert.Equal(t, 0, f.StartPosition)
		assert.Equal(t, 0, f.EndPosition)
		assert.Equal(t, "eval", f.QASID)
	}
}

func TestConvertExample_EmptyPassage(t *testing.T) {
	ex := NewExample("empty", "q", "", nil, true, nil)
	features, err := ConvertExample(ex, &fakeTokenizer{}, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, features)

	opts := DefaultOptions()
	opts.Training = false
	ex = NewExample("empty-eval", "q", "", nil, false, nil)
	features, err = ConvertExample(ex, &fakeTokenizer{}, opts)
	require.NoError(t, err)
	assert.Empty(t, features)
}

func TestConvertExample_Masks(t *testing.T) {
	for _, side := range []api.PaddingSide{api.PadRight, api.PadLeft} {
		t.Run(side.String(), func(t *testing.T) {
			ex := answerExample("masks", "q", numberedPassage(40), 20, 21)
			opts := Options{MaxSeqLength: 24, DocStride: 8, MaxQueryLength: 64, Training: true}
			features, err := ConvertExample(ex, &fakeTokenizer{side: side}, opts)
			require.NoError(t, err)
			require.NotEmpty(t, features)

			var answered int
			for _, f := range features {
				require.Len(t, f.InputIDs, 24)
				require.Len(t, f.PMask, 24)
				require.Len(t, f.TokenToOrig, 24)
				require.Len(t, f.TokenIsMaxContext, 24)
				assert.Equal(t, int32(fakeCLS), f.InputIDs[f.CLSIndex])
				assert.Equal(t, int32(0), f.PMask[f.CLSIndex])

				var docPositions int
				for pos := range 24 {
					onDoc := f.TokenToOrig[pos] >= 0
					if onDoc {
						docPositions++
						assert.Equal(t, int32(0), f.PMask[pos])
						assert.Equal(t, "w"+strconv.Itoa(int(f.TokenToOrig[pos])), f.Tokens[pos])
					} else {
						assert.False(t, f.TokenIsMaxContext[pos])
						if pos != f.CLSIndex {
							assert.Equal(t, int32(1), f.PMask[pos])
						}
					}
				}
				assert.Equal(t, f.ParagraphLen, docPositions)

				if f.HasAnswer() {
					answered++
					assert.Equal(t, "w20", f.Tokens[f.StartPosition])
					assert.Equal(t, "w21", f.Tokens[f.EndPosition])
				} else {
					assert.Equal(t, f.CLSIndex, f.StartPosition)
				}
			}
			assert.Positive(t, answered)
		})
	}
}
