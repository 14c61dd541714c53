// Package sentencepiece implements an api.SubwordTokenizer based on SentencePiece tokenizer.
package sentencepiece

import (
	"os"
	"path/filepath"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-squad/tokenizers/api"
	"github.com/pkg/errors"
)

// New creates a SentencePiece tokenizer from a local model directory holding "tokenizer.model", which must be a
// SentencePiece Model proto, and optionally "tokenizer_config.json".
func New(dir string) (*Tokenizer, error) {
	var config *api.Config
	configPath := filepath.Join(dir, "tokenizer_config.json")
	if _, err := os.Stat(configPath); err == nil {
		config, err = api.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	}
	tok, err := NewFromFile(config, filepath.Join(dir, "tokenizer.model"))
	if err != nil {
		return nil, err
	}
	tok.name = dir
	return tok, nil
}

// NewFromFile creates a SentencePiece tokenizer from the given "tokenizer.model" file.
// The config is optional, and used to resolve the classification/separator tokens and the padding side.
func NewFromFile(config *api.Config, filePath string) (*Tokenizer, error) {
	proc, err := esentencepiece.NewProcessorFromPath(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece tokenizer from %q", filePath)
	}
	t := &Tokenizer{
		Processor: proc,
		Info:      proc.ModelInfo(),
		name:      filepath.Dir(filePath),
		config:    config,
		side:      config.Side(),
		clsID:     -1,
		sepID:     -1,
	}
	if config != nil {
		t.clsID = t.pieceID(config.ClsToken)
		t.sepID = t.pieceID(config.SepToken)
	}
	return t, nil
}

// Tokenizer implements api.SubwordTokenizer interface based on SentencePiece tokenizer by Google.
type Tokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo

	name         string
	config       *api.Config
	side         api.PaddingSide
	clsID, sepID int
}

// Compile time assert that sentencepiece.Tokenizer implements api.SubwordTokenizer interface.
var _ api.SubwordTokenizer = &Tokenizer{}
var _ api.Configured = &Tokenizer{}

// pieceID returns the id of a user defined symbol (e.g. "[CLS]" for ALBERT), or -1 if it doesn't encode
// to a single piece.
func (p *Tokenizer) pieceID(symbol string) int {
	if symbol == "" {
		return -1
	}
	tokens := p.Processor.Encode(symbol)
	if len(tokens) == 0 || tokens[len(tokens)-1].Text != symbol {
		return -1
	}
	return tokens[len(tokens)-1].ID
}

// Name implements api.SubwordTokenizer.
func (p *Tokenizer) Name() string { return p.name }

// Config returns the "tokenizer_config.json" the tokenizer was loaded with, or nil.
func (p *Tokenizer) Config() *api.Config { return p.config }

// PaddingSide implements api.SubwordTokenizer.
func (p *Tokenizer) PaddingSide() api.PaddingSide { return p.side }

// Encode returns the text encoded into a sequence of ids.
// It implements sampler.Vocabulary.
func (p *Tokenizer) Encode(text string) []int {
	tokens := p.Processor.Encode(text)
	return sliceMap(tokens, func(t esentencepiece.Token) int { return t.ID })
}

// Tokenize returns the pieces of the text, aligned with Encode.
func (p *Tokenizer) Tokenize(text string) []string {
	tokens := p.Processor.Encode(text)
	return sliceMap(tokens, func(t esentencepiece.Token) string { return t.Text })
}

// Decode returns the text from a sequence of ids.
// It implements sampler.Vocabulary.
func (p *Tokenizer) Decode(ids []int) string {
	return p.Processor.Decode(ids)
}

// SpecialTokenID returns the token for the given symbol, or an error if not known.
//
// SentencePiece models usually have no classification/separator tokens: unless the config names them,
// the beginning/end of sentence tokens are used instead.
func (p *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		return p.Info.UnknownID, nil
	case api.TokPad:
		return p.Info.PadID, nil
	case api.TokBeginningOfSentence:
		return p.Info.BeginningOfSentenceID, nil
	case api.TokEndOfSentence:
		return p.Info.EndOfSentenceID, nil
	case api.TokClassification:
		if p.clsID >= 0 {
			return p.clsID, nil
		}
		return p.Info.BeginningOfSentenceID, nil
	case api.TokSeparator:
		if p.sepID >= 0 {
			return p.sepID, nil
		}
		return p.Info.EndOfSentenceID, nil
	default:
		return 0, errors.Errorf("unknown special token: %s (%d)", token, int(token))
	}
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
