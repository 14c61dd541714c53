// Package squad converts extractive question answering examples (SQuAD v1.1 / v2.0 style) into fixed-length
// model features.
//
// Long passages are split into overlapping windows (see SplitWindows): each window is paired with the
// (truncated) question and encoded separately, its answer span remapped into the window, and each of
// its document tokens flagged with whether this window is the one with "maximum context" for it
// (see IsMaxContext).
//
// A Builder converts a whole corpus in parallel and assigns the global feature ids, and a Dataset turns
// features into batches of tensors.
package squad

import (
	"strings"
	"unicode/utf8"
)

// Answer as annotated in the corpus. Start is a character (rune) offset into the passage.
type Answer struct {
	Text  string `json:"text"`
	Start int    `json:"answer_start"`
}

// Example is one question/passage pair.
type Example struct {
	ID       string
	Question string
	Context  string

	// DocTokens is the passage split on whitespace, and CharToWord maps each character (rune) of Context
	// to the index of the DocTokens it belongs to (whitespace maps to the preceding token, -1 before the first).
	DocTokens  []string
	CharToWord []int

	// AnswerText and AnswerStart (rune offset, -1 if absent) are the training answer.
	AnswerText  string
	AnswerStart int

	// StartWord and EndWord are the inclusive DocTokens span of the answer, valid only if HasSpan.
	StartWord, EndWord int
	HasSpan            bool

	IsImpossible bool

	// Answers holds all reference answers, only filled for evaluation.
	Answers []Answer
}

// NewExample indexes the passage and derives the word span of the answer, if one is given.
//
// An answer whose offset falls outside the passage doesn't fail the construction: the example is built
// with HasSpan=false, and it's dropped when converting for training.
func NewExample(id, question, context string, answer *Answer, isImpossible bool, answers []Answer) *Example {
	ex := &Example{
		ID:           id,
		Question:     question,
		Context:      context,
		AnswerStart:  -1,
		IsImpossible: isImpossible,
		Answers:      answers,
	}
	ex.DocTokens, ex.CharToWord = indexText(context)
	if answer != nil {
		ex.AnswerText = answer.Text
		ex.AnswerStart = answer.Start
		if !isImpossible {
			ex.StartWord, ex.EndWord, ex.HasSpan = wordSpan(ex.CharToWord, answer.Start, utf8.RuneCountInString(answer.Text))
		}
	}
	return ex
}

// indexText splits text on whitespace, returning the tokens and, for each rune, the index of its token.
func indexText(text string) (tokens []string, charToWord []int) {
	charToWord = make([]int, 0, len(text))
	tokenStart := -1
	for pos, r := range text {
		if isWhitespace(r) {
			if tokenStart >= 0 {
				tokens[len(tokens)-1] = text[tokenStart:pos]
				tokenStart = -1
			}
		} else if tokenStart < 0 {
			tokenStart = pos
			tokens = append(tokens, "")
		}
		charToWord = append(charToWord, len(tokens)-1)
	}
	if tokenStart >= 0 {
		tokens[len(tokens)-1] = text[tokenStart:]
	}
	return tokens, charToWord
}

// wordSpan maps the rune span [start, start+length) to an inclusive word span.
func wordSpan(charToWord []int, start, length int) (startWord, endWord int, ok bool) {
	if start < 0 || start >= len(charToWord) || length <= 0 {
		return 0, 0, false
	}
	end := min(start+length-1, len(charToWord)-1)
	startWord, endWord = charToWord[start], charToWord[end]
	if startWord < 0 || endWord < startWord {
		return 0, 0, false
	}
	return startWord, endWord, true
}

// isWhitespace follows the SQuAD reference preprocessing: ASCII whitespace and the narrow no-break space.
func isWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r' || r == '\n' || r == 0x202F
}

// whitespaceJoin collapses the whitespace of text into single spaces.
func whitespaceJoin(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
