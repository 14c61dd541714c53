package squad

import (
	"hash/fnv"
	"strconv"
	"strings"
	"unicode"

	"github.com/gomlx/go-squad/tokenizers/api"
	"github.com/pkg/errors"
)

// Ids of the special tokens of fakeTokenizer.
const (
	fakePad = 0
	fakeCLS = 1
	fakeSEP = 2
	fakeUnk = 3
)

// fakeTokenizer is a deterministic, stateless subword tokenizer: words are split on whitespace and
// punctuation, and words longer than 4 characters are split into 3 characters pieces, continuation
// pieces prefixed with "##". Ids are hashes of the pieces.
type fakeTokenizer struct {
	side api.PaddingSide
}

var _ api.SubwordTokenizer = (*fakeTokenizer)(nil)

func (t *fakeTokenizer) Name() string                 { return "test/fake" }
func (t *fakeTokenizer) PaddingSide() api.PaddingSide { return t.side }

func (t *fakeTokenizer) Tokenize(text string) []string {
	var pieces []string
	for _, word := range splitWords(text) {
		runes := []rune(word)
		if len(runes) <= 4 {
			pieces = append(pieces, word)
			continue
		}
		for start := 0; start < len(runes); start += 3 {
			piece := string(runes[start:min(start+3, len(runes))])
			if start > 0 {
				piece = "##" + piece
			}
			pieces = append(pieces, piece)
		}
	}
	return pieces
}

func splitWords(text string) []string {
	var words []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return words
}

func (t *fakeTokenizer) Encode(text string) []int {
	pieces := t.Tokenize(text)
	ids := make([]int, len(pieces))
	for ii, piece := range pieces {
		ids[ii] = pieceID(piece)
	}
	return ids
}

func pieceID(piece string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(piece))
	return 10 + int(h.Sum32()%30_000)
}

func (t *fakeTokenizer) Decode(ids []int) string {
	parts := make([]string, len(ids))
	for ii, id := range ids {
		switch id {
		case fakePad:
			parts[ii] = "[PAD]"
		case fakeCLS:
			parts[ii] = "[CLS]"
		case fakeSEP:
			parts[ii] = "[SEP]"
		default:
			parts[ii] = "[UNK]"
		}
	}
	return strings.Join(parts, " ")
}

func (t *fakeTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokPad:
		return fakePad, nil
	case api.TokClassification:
		return fakeCLS, nil
	case api.TokSeparator:
		return fakeSEP, nil
	case api.TokUnknown:
		return fakeUnk, nil
	default:
		return 0, errors.Errorf("fake tokenizer has no %s token", token)
	}
}

// numberedPassage returns "w0 w1 ... w{n-1}", where each word is one subword token.
func numberedPassage(n int) string {
	words := make([]string, n)
	for ii := range words {
		words[ii] = "w" + strconv.Itoa(ii)
	}
	return strings.Join(words, " ")
}
