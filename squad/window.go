package squad

import (
	"github.com/gomlx/go-squad/tokenizers/api"
	"github.com/pkg/errors"
)

// ErrInvalidWindow is returned when the window configuration can't cover a document: non-positive stride,
// stride larger than the window capacity, or a question that leaves no room for document tokens.
var ErrInvalidWindow = errors.New("invalid window configuration")

// Options for the conversion of examples into features.
type Options struct {
	// MaxSeqLength is the total length of each feature, special tokens and padding included.
	MaxSeqLength int

	// DocStride is the distance, in document subword tokens, between the starts of consecutive windows.
	DocStride int

	// MaxQueryLength truncates the question to this many subword tokens.
	MaxQueryLength int

	// Training enables the answer span mapping. Otherwise answer positions are left at 0.
	Training bool

	// MultiSep is set for tokenizers that put two separators between the segments
	// (RoBERTa, CamemBERT, BART, MPNet).
	MultiSep bool

	// ZeroTypeIDs sets all token type ids to 0, for models without segment embeddings.
	ZeroTypeIDs bool
}

// DefaultOptions returns the usual SQuAD fine-tuning settings for training.
func DefaultOptions() Options {
	return Options{
		MaxSeqLength:   384,
		DocStride:      128,
		MaxQueryLength: 64,
		Training:       true,
	}
}

// sequenceAdded is the number of special tokens around the question segment, CLS included.
func (opts Options) sequenceAdded() int {
	if opts.MultiSep {
		return 3
	}
	return 2
}

// pairAdded is the number of special tokens in a question/document pair.
func (opts Options) pairAdded() int {
	return opts.sequenceAdded() + 1
}

// Capacity returns the number of document tokens that fit in one window for a question of queryLen tokens.
func (opts Options) Capacity(queryLen int) int {
	return opts.MaxSeqLength - queryLen - opts.pairAdded()
}

// Window is one overlapping slice of a document, encoded together with the question.
type Window struct {
	Span

	// InputIDs, TokenTypeIDs and AttentionMask have MaxSeqLength entries, padding included.
	InputIDs      []int
	TokenTypeIDs  []int
	AttentionMask []int

	// Tokens holds the piece of each position, "" for padding.
	Tokens []string

	// CLSIndex is the position of the classification token, and DocOffset the position
	// of the first document token.
	CLSIndex  int
	DocOffset int

	// TokenToOrig maps positions of document tokens to the index of the whitespace token of the
	// passage they came from.
	TokenToOrig map[int]int

	// MaxContext maps positions of document tokens to whether this window has the maximum context
	// for them. It's filled by SplitWindows once all windows are known.
	MaxContext map[int]bool
}

// specialIDs are the ids of the special tokens used to assemble windows.
type specialIDs struct {
	cls, sep, pad    int
	clsText, sepText string
}

func resolveSpecialIDs(tok api.SubwordTokenizer) (specialIDs, error) {
	var s specialIDs
	var err error
	if s.cls, err = tok.SpecialTokenID(api.TokClassification); err != nil {
		return s, errors.WithMessage(err, "tokenizer has no classification token")
	}
	if s.sep, err = tok.SpecialTokenID(api.TokSeparator); err != nil {
		return s, errors.WithMessage(err, "tokenizer has no separator token")
	}
	if s.pad, err = tok.SpecialTokenID(api.TokPad); err != nil {
		s.pad = 0
	}
	s.clsText = tok.Decode([]int{s.cls})
	s.sepText = tok.Decode([]int{s.sep})
	return s, nil
}

// subwordDoc is a document split into subword tokens.
type subwordDoc struct {
	tokens []string
	ids    []int

	// tokToOrig maps each subword to its whitespace token, origToTok each whitespace token to its first subword.
	tokToOrig []int
	origToTok []int
}

// tokenizeDocument splits every whitespace token of the example into subwords.
func tokenizeDocument(ex *Example, tok api.SubwordTokenizer) (*subwordDoc, error) {
	doc := &subwordDoc{origToTok: make([]int, len(ex.DocTokens))}
	for i, word := range ex.DocTokens {
		doc.origToTok[i] = len(doc.tokens)
		pieces := tok.Tokenize(word)
		ids := tok.Encode(word)
		if len(pieces) != len(ids) {
			return nil, errors.Errorf("tokenizer %q returned %d pieces but %d ids for %q",
				tok.Name(), len(pieces), len(ids), word)
		}
		for ii := range pieces {
			doc.tokToOrig = append(doc.tokToOrig, i)
			doc.tokens = append(doc.tokens, pieces[ii])
			doc.ids = append(doc.ids, ids[ii])
		}
	}
	return doc, nil
}

// SplitWindows tokenizes the example and splits its document into the windows that cover it.
//
// Window k starts at document token k*DocStride and holds up to Capacity(len(question)) tokens; the last
// window is the first one reaching the end of the document. An empty document yields no windows.
func SplitWindows(ex *Example, tok api.SubwordTokenizer, opts Options) ([]*Window, error) {
	special, err := resolveSpecialIDs(tok)
	if err != nil {
		return nil, err
	}
	doc, err := tokenizeDocument(ex, tok)
	if err != nil {
		return nil, err
	}
	query, queryTokens, err := truncatedQuery(ex.Question, tok, opts.MaxQueryLength)
	if err != nil {
		return nil, err
	}
	return carveWindows(doc, query, queryTokens, special, tok.PaddingSide(), opts)
}

func truncatedQuery(question string, tok api.SubwordTokenizer, maxQueryLength int) ([]int, []string, error) {
	ids := tok.Encode(question)
	pieces := tok.Tokenize(question)
	if len(pieces) != len(ids) {
		return nil, nil, errors.Errorf("tokenizer %q returned %d pieces but %d ids for question %q",
			tok.Name(), len(pieces), len(ids), question)
	}
	if maxQueryLength >= 0 && len(ids) > maxQueryLength {
		ids, pieces = ids[:maxQueryLength], pieces[:maxQueryLength]
	}
	return ids, pieces, nil
}

func carveWindows(doc *subwordDoc, query []int, queryTokens []string, special specialIDs, side api.PaddingSide,
	opts Options) ([]*Window, error) {
	capacity := opts.Capacity(len(query))
	if capacity <= 0 {
		return nil, errors.Wrapf(ErrInvalidWindow, "max_seq_length=%d leaves no room for the document after a %d tokens question",
			opts.MaxSeqLength, len(query))
	}
	if opts.DocStride <= 0 || opts.DocStride > capacity {
		return nil, errors.Wrapf(ErrInvalidWindow, "doc_stride=%d must be in [1, %d]", opts.DocStride, capacity)
	}

	var windows []*Window
	for start := 0; start < len(doc.tokens); start += opts.DocStride {
		length := min(len(doc.tokens)-start, capacity)
		windows = append(windows, assembleWindow(doc, Span{Start: start, Length: length}, query, queryTokens, special, side, opts))
		if start+length >= len(doc.tokens) {
			break
		}
	}

	spans := make([]Span, len(windows))
	for ii, w := range windows {
		spans[ii] = w.Span
	}
	for ii, w := range windows {
		for j := range w.Length {
			w.MaxContext[w.DocOffset+j] = IsMaxContext(spans, ii, w.Start+j)
		}
	}
	return windows, nil
}

// assembleWindow lays out one window:
//
//	right padding: [CLS] query [SEP] ([SEP]) document [SEP] [PAD]...
//	left padding:  [PAD]... [CLS] document [SEP] ([SEP]) query [SEP]
func assembleWindow(doc *subwordDoc, span Span, query []int, queryTokens []string, special specialIDs,
	side api.PaddingSide, opts Options) *Window {
	w := &Window{
		Span:          span,
		InputIDs:      make([]int, 0, opts.MaxSeqLength),
		Tokens:        make([]string, 0, opts.MaxSeqLength),
		TokenTypeIDs:  make([]int, 0, opts.MaxSeqLength),
		AttentionMask: make([]int, 0, opts.MaxSeqLength),
		TokenToOrig:   make(map[int]int, span.Length),
		MaxContext:    make(map[int]bool, span.Length),
	}
	used := len(query) + opts.pairAdded() + span.Length
	padding := opts.MaxSeqLength - used

	add := func(id int, token string, typeID int) {
		w.InputIDs = append(w.InputIDs, id)
		w.Tokens = append(w.Tokens, token)
		if opts.ZeroTypeIDs || opts.MultiSep {
			typeID = 0
		}
		w.TokenTypeIDs = append(w.TokenTypeIDs, typeID)
		w.AttentionMask = append(w.AttentionMask, 1)
	}
	addPadding := func() {
		for range padding {
			w.InputIDs = append(w.InputIDs, special.pad)
			w.Tokens = append(w.Tokens, "")
			w.TokenTypeIDs = append(w.TokenTypeIDs, 0)
			w.AttentionMask = append(w.AttentionMask, 0)
		}
	}
	addQuery := func(typeID int) {
		for ii, id := range query {
			add(id, queryTokens[ii], typeID)
		}
	}
	addDocument := func(typeID int) {
		w.DocOffset = len(w.InputIDs)
		for j := range span.Length {
			pos := span.Start + j
			w.TokenToOrig[len(w.InputIDs)] = doc.tokToOrig[pos]
			add(doc.ids[pos], doc.tokens[pos], typeID)
		}
	}
	addSeparators := func(typeID int) {
		add(special.sep, special.sepText, typeID)
		if opts.MultiSep {
			add(special.sep, special.sepText, typeID)
		}
	}

	if side == api.PadLeft {
		addPadding()
		w.CLSIndex = len(w.InputIDs)
		add(special.cls, special.clsText, 0)
		addDocument(0)
		addSeparators(0)
		addQuery(1)
		add(special.sep, special.sepText, 1)
		return w
	}
	w.CLSIndex = 0
	add(special.cls, special.clsText, 0)
	addQuery(0)
	addSeparators(0)
	addDocument(1)
	add(special.sep, special.sepText, 1)
	addPadding()
	return w
}
