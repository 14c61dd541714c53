// Package api defines the Tokenizer API.
// It's kept separate from the implementations so that the feature extraction code (package squad) can
// depend on the capability without pulling any particular tokenizer.
package api

import "strings"

// Tokenizer interface allows one convert test to "tokens" (integer ids) and back.
//
// It also allows mapping of special tokens: tokens with a common semantic (like padding) but that
// may map to different ids (int) for different tokenizers.
type Tokenizer interface {
	Encode(text string) []int
	Decode([]int) string

	// SpecialTokenID returns ID for given special token if registered, or an error if not.
	SpecialTokenID(token SpecialToken) (int, error)
}

// SubwordTokenizer extends Tokenizer with what sliding-window feature extraction needs:
// access to the subword pieces and the padding side.
//
// Implementations must be safe for concurrent use by multiple goroutines, as long as no configuration
// is changed after construction.
type SubwordTokenizer interface {
	Tokenizer

	// Tokenize returns the subword pieces of text. They are aligned one-to-one with Encode(text).
	Tokenize(text string) []string

	// PaddingSide where padding tokens are placed.
	PaddingSide() PaddingSide

	// Name identifies the tokenizer (usually the model name or the path it was loaded from).
	// Feature caches are keyed on it, since features are tokenizer specific.
	Name() string
}

// SpecialToken is an enum of commonly used special tokens.
type SpecialToken int

const (
	TokBeginningOfSentence SpecialToken = iota
	TokEndOfSentence
	TokUnknown
	TokPad
	TokMask
	TokClassification
	TokSeparator
	TokSpecialTokensCount
)

// PaddingSide indicates on which side of a sequence the padding goes.
type PaddingSide int

const (
	PadRight PaddingSide = iota
	PadLeft
)

// Config holds the subset of "tokenizer_config.json" the tokenizers use.
type Config struct {
	TokenizerClass string `json:"tokenizer_class"`
	ModelMaxLength int    `json:"model_max_length"`
	PaddingSide    string `json:"padding_side"`

	BosToken  string `json:"bos_token"`
	EosToken  string `json:"eos_token"`
	UnkToken  string `json:"unk_token"`
	PadToken  string `json:"pad_token"`
	ClsToken  string `json:"cls_token"`
	SepToken  string `json:"sep_token"`
	MaskToken string `json:"mask_token"`
}

// multiSepFamilies are the tokenizer families that separate the question from the passage with two
// separator tokens.
var multiSepFamilies = map[string]bool{"roberta": true, "camembert": true, "bart": true, "mpnet": true}

// Family returns the lower-cased tokenizer class without its "Tokenizer" and "Fast" suffixes,
// e.g. "roberta" for "RobertaTokenizerFast".
func (c *Config) Family() string {
	if c == nil {
		return ""
	}
	family := strings.TrimSuffix(c.TokenizerClass, "Fast")
	family = strings.TrimSuffix(family, "Tokenizer")
	return strings.ToLower(family)
}

// MultiSep reports whether the tokenizer class uses two separators between question and passage.
func (c *Config) MultiSep() bool {
	return multiSepFamilies[c.Family()]
}

// Configured is implemented by tokenizers that keep the configuration they were loaded with.
type Configured interface {
	Config() *Config
}

// MultiSep reports whether tok uses two separators between question and passage. It's false for
// tokenizers without a configuration.
func MultiSep(tok Tokenizer) bool {
	if configured, ok := tok.(Configured); ok {
		return configured.Config().MultiSep()
	}
	return false
}

// Side returns the configured PaddingSide, defaulting to PadRight.
func (c *Config) Side() PaddingSide {
	if c != nil && (c.PaddingSide == "left" || c.PaddingSide == "Left") {
		return PadLeft
	}
	return PadRight
}
