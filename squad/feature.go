package squad

// Feature is the fixed-length model input derived from one Window.
type Feature struct {
	// InputIDs, AttentionMask, TokenTypeIDs and PMask have MaxSeqLength entries.
	InputIDs      []int32
	AttentionMask []int32
	TokenTypeIDs  []int32

	// PMask is 1 for positions that can't be part of an answer: everything but the document tokens
	// and the classification token.
	PMask []int32

	// Tokens holds the piece at each position ("" for padding), for inspection and evaluation.
	Tokens []string

	// TokenToOrig maps each position to the whitespace token of the passage it came from, -1 off-document.
	TokenToOrig []int32

	// TokenIsMaxContext is true for the document positions whose maximum context window is this one.
	TokenIsMaxContext []bool

	CLSIndex int

	// ExampleIndex and UniqueID are assigned by the Builder, once all examples are converted.
	ExampleIndex int
	UniqueID     int

	// ParagraphLen is the number of document tokens in the window.
	ParagraphLen int

	// StartPosition and EndPosition of the answer (inclusive), CLSIndex if the answer is outside the window.
	StartPosition, EndPosition int
	IsImpossible               bool

	// QASID is the Example.ID it came from.
	QASID string
}

// HasAnswer returns whether the feature holds a (non-degenerate) answer span.
func (f *Feature) HasAnswer() bool {
	return !f.IsImpossible && f.StartPosition != f.CLSIndex
}

func toInt32(values []int) []int32 {
	out := make([]int32, len(values))
	for ii, v := range values {
		out[ii] = int32(v)
	}
	return out
}
