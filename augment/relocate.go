package augment

import (
	"strings"
	"unicode/utf8"

	"github.com/gomlx/go-squad/squad"
)

// Rewrite returns a new example with the passage replaced by context.
//
// The answer is searched for in the new passage: the occurrence nearest to the original offset
// (scaled by the change of length of the passage) is used. If the answer no longer occurs, the example
// keeps its answer text without a valid offset, and it's dropped by the training conversion.
func Rewrite(ex *squad.Example, context string) *squad.Example {
	if ex.IsImpossible || ex.AnswerStart < 0 {
		return squad.NewExample(ex.ID, ex.Question, context, nil, ex.IsImpossible, ex.Answers)
	}
	answer := &squad.Answer{Text: ex.AnswerText, Start: relocate(ex.Context, context, ex.AnswerText, ex.AnswerStart)}
	return squad.NewExample(ex.ID, ex.Question, context, answer, false, ex.Answers)
}

// relocate returns the rune offset in newText of the occurrence of answer nearest to the scaled
// original offset, or -1.
func relocate(oldText, newText, answer string, oldStart int) int {
	if answer == "" {
		return -1
	}
	oldLen := utf8.RuneCountInString(oldText)
	newLen := utf8.RuneCountInString(newText)
	expected := oldStart
	if oldLen > 0 {
		expected = oldStart * newLen / oldLen
	}

	best, bestDistance := -1, 0
	byteOffset, runeOffset := 0, 0
	for {
		idx := strings.Index(newText[byteOffset:], answer)
		if idx < 0 {
			return best
		}
		runeOffset += utf8.RuneCountInString(newText[byteOffset : byteOffset+idx])
		byteOffset += idx
		distance := runeOffset - expected
		if distance < 0 {
			distance = -distance
		}
		if best < 0 || distance < bestDistance {
			best, bestDistance = runeOffset, distance
		}
		// Advance one rune past the match start.
		_, size := utf8.DecodeRuneInString(newText[byteOffset:])
		byteOffset += size
		runeOffset++
	}
}
