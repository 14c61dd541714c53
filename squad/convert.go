package squad

import (
	"strings"

	"github.com/gomlx/go-squad/tokenizers/api"
	"github.com/pkg/errors"
)

// ErrAnswerNotFound is returned for training examples whose annotated answer can't be located
// in the passage. Such examples are dropped.
var ErrAnswerNotFound = errors.New("answer not found in passage")

// ConvertExample converts one example into the features of its windows.
//
// For training, each feature holds the answer span relative to its window, or the classification token
// position (and IsImpossible) when the window doesn't contain the whole answer. Impossible examples and
// evaluation features leave the positions at 0.
//
// An example with an empty passage yields no features.
func ConvertExample(ex *Example, tok api.SubwordTokenizer, opts Options) ([]Feature, error) {
	answerable := opts.Training && !ex.IsImpossible
	if answerable {
		if err := checkAnswer(ex); err != nil {
			return nil, err
		}
	}

	doc, err := tokenizeDocument(ex, tok)
	if err != nil {
		return nil, err
	}
	var tokStart, tokEnd int
	if answerable {
		tokStart = doc.origToTok[ex.StartWord]
		if ex.EndWord < len(ex.DocTokens)-1 {
			tokEnd = doc.origToTok[ex.EndWord+1] - 1
		} else {
			tokEnd = len(doc.tokens) - 1
		}
		tokStart, tokEnd = improveAnswerSpan(doc.tokens, tokStart, tokEnd, tok, ex.AnswerText)
	}

	special, err := resolveSpecialIDs(tok)
	if err != nil {
		return nil, err
	}
	query, queryTokens, err := truncatedQuery(ex.Question, tok, opts.MaxQueryLength)
	if err != nil {
		return nil, err
	}
	windows, err := carveWindows(doc, query, queryTokens, special, tok.PaddingSide(), opts)
	if err != nil {
		return nil, err
	}

	features := make([]Feature, 0, len(windows))
	for _, w := range windows {
		f := newFeature(w, ex.ID, opts.MaxSeqLength)
		f.IsImpossible = ex.IsImpossible
		if answerable {
			if tokStart >= w.Start && tokEnd <= w.End() {
				f.StartPosition = tokStart - w.Start + w.DocOffset
				f.EndPosition = tokEnd - w.Start + w.DocOffset
			} else {
				f.StartPosition, f.EndPosition = w.CLSIndex, w.CLSIndex
				f.IsImpossible = true
			}
		}
		features = append(features, f)
	}
	return features, nil
}

// checkAnswer verifies that the annotated answer text is found in the words of its span.
func checkAnswer(ex *Example) error {
	if !ex.HasSpan {
		return errors.Wrapf(ErrAnswerNotFound, "example %q: answer offset %d is not in the passage", ex.ID, ex.AnswerStart)
	}
	actual := strings.Join(ex.DocTokens[ex.StartWord:ex.EndWord+1], " ")
	cleaned := whitespaceJoin(ex.AnswerText)
	if !strings.Contains(actual, cleaned) {
		return errors.Wrapf(ErrAnswerNotFound, "example %q: %q vs. %q", ex.ID, actual, cleaned)
	}
	return nil
}

// improveAnswerSpan narrows the subword span [start, end] to the first sub-range that matches the
// tokenized answer exactly, e.g. "1895" out of "(1895-1943)." for the answer "1895".
// Starts are tried in ascending order and, for each, ends in descending order.
func improveAnswerSpan(docTokens []string, start, end int, tok api.SubwordTokenizer, answer string) (int, int) {
	target := strings.Join(tok.Tokenize(answer), " ")
	for newStart := start; newStart <= end; newStart++ {
		for newEnd := end; newEnd >= newStart; newEnd-- {
			if strings.Join(docTokens[newStart:newEnd+1], " ") == target {
				return newStart, newEnd
			}
		}
	}
	return start, end
}

// newFeature converts the window to its dense feature layout, without answer positions.
func newFeature(w *Window, qasID string, maxSeqLength int) Feature {
	f := Feature{
		InputIDs:          toInt32(w.InputIDs),
		AttentionMask:     toInt32(w.AttentionMask),
		TokenTypeIDs:      toInt32(w.TokenTypeIDs),
		PMask:             make([]int32, maxSeqLength),
		Tokens:            w.Tokens,
		TokenToOrig:       make([]int32, maxSeqLength),
		TokenIsMaxContext: make([]bool, maxSeqLength),
		CLSIndex:          w.CLSIndex,
		ParagraphLen:      w.Length,
		QASID:             qasID,
	}
	for pos := range maxSeqLength {
		f.PMask[pos] = 1
		f.TokenToOrig[pos] = -1
	}
	for pos, orig := range w.TokenToOrig {
		f.PMask[pos] = 0
		f.TokenToOrig[pos] = int32(orig)
		f.TokenIsMaxContext[pos] = w.MaxContext[pos]
	}
	f.PMask[w.CLSIndex] = 0
	return f
}
