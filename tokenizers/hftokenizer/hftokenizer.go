// Package hftokenizer implements a tokenizer for HuggingFace's tokenizer.json format.
// This format is used by the HuggingFace Tokenizers library (the "fast" tokenizers)
// and supports WordPiece (BERT), BPE (GPT-2, RoBERTa), and Unigram models.
//
// Besides ids, the tokenizer exposes the subword pieces (see api.SubwordTokenizer), which is what
// the sliding-window feature extraction in package squad works with.
package hftokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/gomlx/go-squad/tokenizers/api"
	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// TokenizerJSON represents the structure of HuggingFace's tokenizer.json file.
type TokenizerJSON struct {
	Version      string          `json:"version"`
	Truncation   json.RawMessage `json:"truncation"`
	Padding      *Padding        `json:"padding"`
	AddedTokens  []AddedToken    `json:"added_tokens"`
	Normalizer   *Normalizer     `json:"normalizer"`
	PreTokenizer *PreTokenizer   `json:"pre_tokenizer"`
	Decoder      *Decoder        `json:"decoder"`
	Model        Model           `json:"model"`
}

// Padding configuration, only the direction is used.
type Padding struct {
	Direction string `json:"direction"`
}

// AddedToken represents a special token added to the vocabulary.
type AddedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

// Normalizer represents the normalizer configuration.
type Normalizer struct {
	Type        string       `json:"type"`
	Lowercase   bool         `json:"lowercase"`
	Normalizers []Normalizer `json:"normalizers"`
}

// PreTokenizer represents the pre-tokenizer configuration.
type PreTokenizer struct {
	Type           string         `json:"type"`
	AddPrefixSpace bool           `json:"add_prefix_space"`
	PreTokenizers  []PreTokenizer `json:"pretokenizers"`
}

// Decoder represents the decoder configuration.
type Decoder struct {
	Type   string `json:"type"`
	Prefix string `json:"prefix"`
}

// Model represents the tokenizer model (WordPiece, BPE, or Unigram).
type Model struct {
	Type                    string         `json:"type"`
	Vocab                   map[string]int `json:"vocab"`
	Merges                  []string       `json:"merges"`
	UnkToken                string         `json:"unk_token"`
	ContinuingSubwordPrefix string         `json:"continuing_subword_prefix"`
	MaxInputCharsPerWord    int            `json:"max_input_chars_per_word"`
	EndOfWordSuffix         string         `json:"end_of_word_suffix"`
}

// piece is one subword unit: its vocabulary string and id.
type piece struct {
	text string
	id   int
}

// Tokenizer implements the api.SubwordTokenizer interface for HuggingFace tokenizer.json files.
type Tokenizer struct {
	name       string
	config     *api.Config
	tokenizer  *TokenizerJSON
	idToToken  map[int]string
	mergeRanks map[string]int // For BPE: maps "token1 token2" to merge priority
	side       api.PaddingSide

	// special holds the resolved special token ids, -1 if not present.
	special [api.TokSpecialTokensCount]int

	// Added tokens lookup (content -> id)
	addedTokens map[string]int
}

// Compile time assert that Tokenizer implements api.SubwordTokenizer interface.
var _ api.SubwordTokenizer = &Tokenizer{}
var _ api.Configured = &Tokenizer{}

// New creates a HuggingFace tokenizer from a local model directory holding "tokenizer.json" and, optionally,
// "tokenizer_config.json".
func New(dir string) (*Tokenizer, error) {
	var config *api.Config
	configPath := filepath.Join(dir, "tokenizer_config.json")
	if _, err := os.Stat(configPath); err == nil {
		config, err = api.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	}
	tok, err := NewFromFile(config, filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, err
	}
	tok.name = dir
	return tok, nil
}

// NewFromFile creates a HuggingFace tokenizer from a local tokenizer.json file path.
func NewFromFile(config *api.Config, filePath string) (*Tokenizer, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer.json file %q", filePath)
	}
	tok, err := NewFromContent(config, content)
	if err != nil {
		return nil, errors.WithMessagef(err, "while loading %q", filePath)
	}
	tok.name = filepath.Dir(filePath)
	return tok, nil
}

// NewFromContent creates a HuggingFace tokenizer from tokenizer.json content.
func NewFromContent(config *api.Config, content []byte) (*Tokenizer, error) {
	var tj TokenizerJSON
	if err := json.Unmarshal(content, &tj); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tokenizer.json")
	}
	switch tj.Model.Type {
	case "WordPiece", "BPE", "Unigram":
	default:
		return nil, errors.Errorf("unsupported tokenizer model type %q", tj.Model.Type)
	}

	t := &Tokenizer{
		name:        "tokenizer",
		config:      config,
		tokenizer:   &tj,
		idToToken:   make(map[int]string, len(tj.Model.Vocab)+len(tj.AddedTokens)),
		addedTokens: make(map[string]int, len(tj.AddedTokens)),
		side:        config.Side(),
	}
	for ii := range t.special {
		t.special[ii] = -1
	}
	if tj.Padding != nil && strings.EqualFold(tj.Padding.Direction, "left") {
		t.side = api.PadLeft
	}

	for token, id := range tj.Model.Vocab {
		t.idToToken[id] = token
	}
	for _, at := range tj.AddedTokens {
		t.addedTokens[at.Content] = at.ID
		t.idToToken[at.ID] = at.Content
	}
	if tj.Model.Type == "BPE" {
		t.mergeRanks = make(map[string]int, len(tj.Model.Merges))
		for i, merge := range tj.Model.Merges {
			t.mergeRanks[merge] = i
		}
	}
	t.resolveSpecialTokens()
	return t, nil
}

// WithName sets the name used to identify the tokenizer (see api.SubwordTokenizer.Name).
func (t *Tokenizer) WithName(name string) *Tokenizer {
	t.name = name
	return t
}

// Name implements api.SubwordTokenizer.
func (t *Tokenizer) Name() string { return t.name }

// Config returns the "tokenizer_config.json" the tokenizer was loaded with, or nil.
func (t *Tokenizer) Config() *api.Config { return t.config }

// PaddingSide implements api.SubwordTokenizer.
func (t *Tokenizer) PaddingSide() api.PaddingSide { return t.side }

// resolveSpecialTokens maps special tokens to their IDs: first the well known BERT/RoBERTa spellings
// in the added tokens, then the ones named in the config.
func (t *Tokenizer) resolveSpecialTokens() {
	if id, ok := t.tokenizer.Model.Vocab[t.tokenizer.Model.UnkToken]; ok && t.tokenizer.Model.UnkToken != "" {
		t.special[api.TokUnknown] = id
	}
	for _, at := range t.tokenizer.AddedTokens {
		if !at.Special {
			continue
		}
		switch at.Content {
		case "[UNK]", "<unk>":
			t.special[api.TokUnknown] = at.ID
		case "[PAD]", "<pad>":
			t.special[api.TokPad] = at.ID
		case "[CLS]", "<s>":
			t.special[api.TokClassification] = at.ID
		case "[SEP]", "</s>":
			t.special[api.TokSeparator] = at.ID
		case "[MASK]", "<mask>":
			t.special[api.TokMask] = at.ID
		}
	}
	if t.config == nil {
		return
	}
	fromConfig := []struct {
		token api.SpecialToken
		value string
	}{
		{api.TokUnknown, t.config.UnkToken},
		{api.TokPad, t.config.PadToken},
		{api.TokClassification, t.config.ClsToken},
		{api.TokSeparator, t.config.SepToken},
		{api.TokMask, t.config.MaskToken},
		{api.TokBeginningOfSentence, t.config.BosToken},
		{api.TokEndOfSentence, t.config.EosToken},
	}
	for _, entry := range fromConfig {
		if entry.value == "" || t.special[entry.token] >= 0 {
			continue
		}
		if id, ok := t.TokenToID(entry.value); ok {
			t.special[entry.token] = id
		}
	}
}

// Encode converts text to a sequence of token IDs.
func (t *Tokenizer) Encode(text string) []int {
	pieces := t.encodePieces(text)
	ids := make([]int, len(pieces))
	for ii, p := range pieces {
		ids[ii] = p.id
	}
	return ids
}

// Tokenize converts text to a sequence of subword strings, aligned with Encode.
func (t *Tokenizer) Tokenize(text string) []string {
	pieces := t.encodePieces(text)
	tokens := make([]string, len(pieces))
	for ii, p := range pieces {
		tokens[ii] = p.text
	}
	return tokens
}

func (t *Tokenizer) encodePieces(text string) []piece {
	normalized := text
	if t.tokenizer.Normalizer != nil {
		normalized = t.applyNormalizer(text, t.tokenizer.Normalizer)
	}
	var words []string
	if t.tokenizer.PreTokenizer == nil {
		words = strings.Fields(normalized)
	} else {
		words = t.applyPreTokenizer(normalized, t.tokenizer.PreTokenizer)
	}
	var pieces []piece
	for _, word := range words {
		pieces = append(pieces, t.tokenizeWord(word)...)
	}
	return pieces
}

func (t *Tokenizer) applyNormalizer(text string, n *Normalizer) string {
	switch n.Type {
	case "Lowercase":
		return strings.ToLower(text)
	case "NFD":
		return norm.NFD.String(text)
	case "NFC":
		return norm.NFC.String(text)
	case "NFKC":
		return norm.NFKC.String(text)
	case "NFKD":
		return norm.NFKD.String(text)
	case "StripAccents":
		return removeAccents(norm.NFD.String(text))
	case "BertNormalizer":
		result := cleanText(text)
		if n.Lowercase {
			result = removeAccents(norm.NFD.String(strings.ToLower(result)))
		}
		return result
	case "Sequence":
		result := text
		for ii := range n.Normalizers {
			result = t.applyNormalizer(result, &n.Normalizers[ii])
		}
		return result
	default:
		return text
	}
}

func (t *Tokenizer) applyPreTokenizer(text string, pt *PreTokenizer) []string {
	switch pt.Type {
	case "BertPreTokenizer":
		return splitPunctuation(text, true)
	case "Punctuation":
		return splitPunctuation(text, false)
	case "ByteLevel":
		if pt.AddPrefixSpace && len(text) > 0 && text[0] != ' ' {
			text = " " + text
		}
		return byteLevelPreTokenize(text)
	case "Metaspace":
		return metaspacePreTokenize(text, pt.AddPrefixSpace)
	case "Sequence":
		result := []string{text}
		for ii := range pt.PreTokenizers {
			var next []string
			for _, s := range result {
				next = append(next, t.applyPreTokenizer(s, &pt.PreTokenizers[ii])...)
			}
			result = next
		}
		return result
	default:
		return strings.Fields(text)
	}
}

// tokenizeWord tokenizes a single word according to the model type.
func (t *Tokenizer) tokenizeWord(word string) []piece {
	if id, ok := t.addedTokens[word]; ok {
		return []piece{{word, id}}
	}
	switch t.tokenizer.Model.Type {
	case "WordPiece":
		return t.wordPieceTokenize(word)
	case "BPE":
		return t.bpeTokenize(word)
	default:
		return t.unigramTokenize(word)
	}
}

// unknown returns the single unknown piece, or nil if the tokenizer has no unknown token.
func (t *Tokenizer) unknown() []piece {
	if id := t.special[api.TokUnknown]; id >= 0 {
		return []piece{{t.idToToken[id], id}}
	}
	return nil
}

// wordPieceTokenize implements WordPiece tokenization (used by BERT): greedy longest-match-first.
func (t *Tokenizer) wordPieceTokenize(word string) []piece {
	if word == "" {
		return nil
	}
	maxChars := t.tokenizer.Model.MaxInputCharsPerWord
	if maxChars == 0 {
		maxChars = 100
	}
	if len([]rune(word)) > maxChars {
		return t.unknown()
	}
	prefix := t.tokenizer.Model.ContinuingSubwordPrefix
	if prefix == "" {
		prefix = "##"
	}

	var pieces []piece
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for start < end {
			substr := word[start:end]
			if start > 0 {
				substr = prefix + substr
			}
			if id, ok := t.tokenizer.Model.Vocab[substr]; ok {
				pieces = append(pieces, piece{substr, id})
				found = true
				break
			}
			end--
		}
		if !found {
			return t.unknown()
		}
		start = end
	}
	return pieces
}

// bpeTokenize implements BPE tokenization (used by GPT-2, RoBERTa).
func (t *Tokenizer) bpeTokenize(word string) []piece {
	if word == "" {
		return nil
	}
	var symbols []string
	for _, r := range word {
		symbols = append(symbols, string(r))
	}
	if suffix := t.tokenizer.Model.EndOfWordSuffix; suffix != "" {
		symbols[len(symbols)-1] += suffix
	}

	for len(symbols) > 1 {
		bestRank, bestIdx := -1, -1
		for i := 0; i < len(symbols)-1; i++ {
			if rank, ok := t.mergeRanks[symbols[i]+" "+symbols[i+1]]; ok && (bestRank == -1 || rank < bestRank) {
				bestRank, bestIdx = rank, i
			}
		}
		if bestIdx == -1 {
			break
		}
		merged := symbols[bestIdx] + symbols[bestIdx+1]
		symbols = append(symbols[:bestIdx+1], symbols[bestIdx+2:]...)
		symbols[bestIdx] = merged
	}

	pieces := make([]piece, 0, len(symbols))
	unk := t.special[api.TokUnknown]
	for _, sym := range symbols {
		if id, ok := t.tokenizer.Model.Vocab[sym]; ok {
			pieces = append(pieces, piece{sym, id})
		} else if unk >= 0 {
			pieces = append(pieces, piece{t.idToToken[unk], unk})
		}
	}
	return pieces
}

// unigramTokenize implements a simplified Unigram tokenization: greedy longest-match
// instead of the Viterbi search over scores.
func (t *Tokenizer) unigramTokenize(word string) []piece {
	var pieces []piece
	runes := []rune(word)
	unk := t.special[api.TokUnknown]
	for start := 0; start < len(runes); {
		end := len(runes)
		for ; end > start; end-- {
			if id, ok := t.tokenizer.Model.Vocab[string(runes[start:end])]; ok {
				pieces = append(pieces, piece{string(runes[start:end]), id})
				break
			}
		}
		if end > start {
			start = end
			continue
		}
		if unk >= 0 {
			pieces = append(pieces, piece{t.idToToken[unk], unk})
		}
		start++
	}
	return pieces
}

// Decode converts a sequence of token IDs back to text.
func (t *Tokenizer) Decode(ids []int) string {
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		if token, ok := t.idToToken[id]; ok {
			tokens = append(tokens, token)
		}
	}
	decoderType := ""
	if t.tokenizer.Decoder != nil {
		decoderType = t.tokenizer.Decoder.Type
	}
	switch decoderType {
	case "ByteLevel":
		return byteLevelDecode(strings.Join(tokens, ""))
	case "Metaspace":
		return strings.TrimLeft(strings.ReplaceAll(strings.Join(tokens, ""), "▁", " "), " ")
	default:
		prefix := t.tokenizer.Model.ContinuingSubwordPrefix
		if t.tokenizer.Decoder != nil && t.tokenizer.Decoder.Prefix != "" {
			prefix = t.tokenizer.Decoder.Prefix
		}
		if prefix == "" {
			prefix = "##"
		}
		var result strings.Builder
		for i, token := range tokens {
			if strings.HasPrefix(token, prefix) {
				result.WriteString(strings.TrimPrefix(token, prefix))
				continue
			}
			if i > 0 {
				result.WriteString(" ")
			}
			result.WriteString(token)
		}
		return result.String()
	}
}

// SpecialTokenID returns the ID for a given special token.
// BERT-style models have no BOS/EOS: CLS and SEP are returned instead.
func (t *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if token < 0 || token >= api.TokSpecialTokensCount {
		return 0, errors.Errorf("invalid special token %s", token)
	}
	if id := t.special[token]; id >= 0 {
		return id, nil
	}
	switch token {
	case api.TokBeginningOfSentence:
		if id := t.special[api.TokClassification]; id >= 0 {
			return id, nil
		}
	case api.TokEndOfSentence:
		if id := t.special[api.TokSeparator]; id >= 0 {
			return id, nil
		}
	}
	return 0, errors.Errorf("special token %s not found", token)
}

// VocabSize returns the size of the vocabulary.
func (t *Tokenizer) VocabSize() int {
	return len(t.idToToken)
}

// TokenizerType returns the model type (WordPiece, BPE, Unigram).
func (t *Tokenizer) TokenizerType() string {
	return t.tokenizer.Model.Type
}

// TokenToID converts a token string to its ID.
func (t *Tokenizer) TokenToID(token string) (int, bool) {
	if id, ok := t.addedTokens[token]; ok {
		return id, true
	}
	id, ok := t.tokenizer.Model.Vocab[token]
	return id, ok
}

// IDToToken converts a token ID to its string.
func (t *Tokenizer) IDToToken(id int) (string, bool) {
	token, ok := t.idToToken[id]
	return token, ok
}

// Helper functions

func cleanText(text string) string {
	var result strings.Builder
	for _, r := range text {
		if r == 0 || r == 0xFFFD || isControl(r) {
			continue
		}
		if isWhitespace(r) {
			result.WriteRune(' ')
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r)
}

func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) ||
		(r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func removeAccents(text string) string {
	var result strings.Builder
	for _, r := range text {
		if !unicode.Is(unicode.Mn, r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// splitPunctuation splits on punctuation, emitting each punctuation rune as its own word.
// If onWhitespace is set it also splits (dropping) whitespace, as BERT's pre-tokenizer does.
func splitPunctuation(text string, onWhitespace bool) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range text {
		switch {
		case onWhitespace && isWhitespace(r):
			flush()
		case isPunctuation(r):
			flush()
			tokens = append(tokens, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// Byte-level BPE encoding/decoding
// GPT-2 uses a specific byte-to-unicode mapping
var byteToUnicode map[byte]rune
var unicodeToByte map[rune]byte

func init() {
	byteToUnicode = make(map[byte]rune)
	unicodeToByte = make(map[rune]byte)
	n := 0
	for b := 0; b < 256; b++ {
		if (b >= '!' && b <= '~') || (b >= '\xa1' && b <= '\xac') || (b >= '\xae' && b <= '\xff') {
			byteToUnicode[byte(b)] = rune(b)
			unicodeToByte[rune(b)] = byte(b)
		} else {
			byteToUnicode[byte(b)] = rune(256 + n)
			unicodeToByte[rune(256+n)] = byte(b)
			n++
		}
	}
}

// byteLevelPreTokenize splits on spaces, keeping the space attached (as Ġ) to the following word.
func byteLevelPreTokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	inWord := false
	for _, r := range text {
		if r == ' ' {
			if inWord {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			current.WriteRune(byteToUnicode[' '])
			inWord = false
			continue
		}
		inWord = true
		for _, b := range []byte(string(r)) {
			current.WriteRune(byteToUnicode[b])
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func byteLevelDecode(text string) string {
	var result []byte
	for _, r := range text {
		if b, ok := unicodeToByte[r]; ok {
			result = append(result, b)
		} else {
			result = append(result, []byte(string(r))...)
		}
	}
	return string(result)
}

func metaspacePreTokenize(text string, addPrefixSpace bool) []string {
	if addPrefixSpace && len(text) > 0 && text[0] != ' ' {
		text = " " + text
	}
	text = strings.ReplaceAll(text, " ", "▁")
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if r == '▁' && current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
