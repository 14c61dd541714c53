package squad

// Span is a range of document (subword) tokens covered by a window: [Start, Start+Length).
type Span struct {
	Start, Length int
}

// End returns the last document position covered by the span (inclusive).
func (s Span) End() int { return s.Start + s.Length - 1 }

// Contains reports whether the document position is covered by the span.
func (s Span) Contains(position int) bool {
	return position >= s.Start && position <= s.End()
}

// IsMaxContext reports whether spans[current] is the span with "maximum context" for the document position:
// the one maximizing min(left context, right context) + 0.01*length among the spans containing it.
//
// Ties go to the lowest span index. The decision is per position: two positions of the same span may
// be owned by different neighbors.
func IsMaxContext(spans []Span, current, position int) bool {
	bestIndex := -1
	var bestScore float64
	for index, span := range spans {
		if !span.Contains(position) {
			continue
		}
		left := position - span.Start
		right := span.End() - position
		score := float64(min(left, right)) + 0.01*float64(span.Length)
		if bestIndex < 0 || score > bestScore {
			bestScore = score
			bestIndex = index
		}
	}
	return bestIndex == current
}
