package augment

import (
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// ErrUnknownStep is returned when a pipeline configuration names a step that is not registered.
var ErrUnknownStep = errors.New("unknown augmentation step")

// Params are the free-form parameters of a step, as read from the pipeline configuration.
type Params map[string]any

// Step rewrites one passage. Implementations must only draw randomness from rng, so that a pipeline
// run with the same seed produces the same text.
type Step interface {
	Name() string
	Augment(text string, rng *rand.Rand) string
}

// StepFactory creates a Step from its parameters.
type StepFactory func(params Params) (Step, error)

var registry = map[string]StepFactory{
	"random":  newRandomWordStep,
	"char":    newCharStep,
	"synonym": newSynonymStep,
}

// StepNames returns the names of the registered steps, sorted.
func StepNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStep creates the step configured by config.
func NewStep(config StepConfig) (Step, error) {
	factory, found := registry[config.Type]
	if !found {
		return nil, errors.Wrapf(ErrUnknownStep, "%q (known steps: %s)", config.Type, strings.Join(StepNames(), ", "))
	}
	step, err := factory(config.Params)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid parameters for step %q", config.Type)
	}
	return step, nil
}

// Int returns the integer parameter key, or defaultValue if not set.
// JSON numbers (float64) with integer values are accepted.
func (p Params) Int(key string, defaultValue int) (int, error) {
	value, found := p[key]
	if !found {
		return defaultValue, nil
	}
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, errors.Errorf("parameter %q: %v is not an integer", key, v)
		}
		return int(v), nil
	default:
		return 0, errors.Errorf("parameter %q: expected an integer, got %T", key, value)
	}
}

// Float returns the float parameter key, or defaultValue if not set.
func (p Params) Float(key string, defaultValue float64) (float64, error) {
	value, found := p[key]
	if !found {
		return defaultValue, nil
	}
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, errors.Errorf("parameter %q: expected a number, got %T", key, value)
	}
}

// String returns the string parameter key, or defaultValue if not set.
func (p Params) String(key, defaultValue string) (string, error) {
	value, found := p[key]
	if !found {
		return defaultValue, nil
	}
	s, ok := value.(string)
	if !ok {
		return "", errors.Errorf("parameter %q: expected a string, got %T", key, value)
	}
	return s, nil
}

// Strings returns the list of strings parameter key, or nil if not set.
func (p Params) Strings(key string) ([]string, error) {
	value, found := p[key]
	if !found {
		return nil, nil
	}
	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for ii, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errors.Errorf("parameter %q: element %d is a %T, expected a string", key, ii, item)
			}
			out[ii] = s
		}
		return out, nil
	default:
		return nil, errors.Errorf("parameter %q: expected a list of strings, got %T", key, value)
	}
}

// amount selects how many of n items are augmented: a fraction p of them, clamped to [minCount, maxCount] and to n.
type amount struct {
	p                  float64
	minCount, maxCount int
}

func parseAmount(params Params) (amount, error) {
	var a amount
	var err error
	if a.p, err = params.Float("aug_p", 0.3); err != nil {
		return a, err
	}
	if a.minCount, err = params.Int("aug_min", 1); err != nil {
		return a, err
	}
	if a.maxCount, err = params.Int("aug_max", 10); err != nil {
		return a, err
	}
	if a.p < 0 || a.p > 1 {
		return a, errors.Errorf("aug_p=%g must be in [0, 1]", a.p)
	}
	if a.minCount < 0 || (a.maxCount > 0 && a.maxCount < a.minCount) {
		return a, errors.Errorf("invalid aug_min=%d / aug_max=%d", a.minCount, a.maxCount)
	}
	return a, nil
}

func (a amount) count(n int) int {
	count := max(int(math.Round(a.p*float64(n))), a.minCount)
	if a.maxCount > 0 {
		count = min(count, a.maxCount)
	}
	return min(count, n)
}

// randomWordStep swaps, deletes, crops or substitutes whole words.
type randomWordStep struct {
	action  string
	amount  amount
	targets []string
}

func newRandomWordStep(params Params) (Step, error) {
	s := &randomWordStep{}
	var err error
	if s.action, err = params.String("action", "swap"); err != nil {
		return nil, err
	}
	if s.amount, err = parseAmount(params); err != nil {
		return nil, err
	}
	if s.targets, err = params.Strings("target_words"); err != nil {
		return nil, err
	}
	switch s.action {
	case "swap", "delete", "crop":
	case "substitute":
		if len(s.targets) == 0 {
			return nil, errors.New(`action "substitute" requires "target_words"`)
		}
	default:
		return nil, errors.Errorf("unknown action %q for step \"random\"", s.action)
	}
	return s, nil
}

func (s *randomWordStep) Name() string { return "random:" + s.action }

func (s *randomWordStep) Augment(text string, rng *rand.Rand) string {
	words := strings.Fields(text)
	if len(words) < 2 {
		return text
	}
	n := s.amount.count(len(words))
	switch s.action {
	case "swap":
		for _, idx := range pickIndices(rng, len(words), n) {
			other := idx + 1
			if other == len(words) || (idx > 0 && rng.IntN(2) == 0) {
				other = idx - 1
			}
			words[idx], words[other] = words[other], words[idx]
		}
	case "delete":
		n = min(n, len(words)-1)
		remove := pickIndices(rng, len(words), n)
		slices.Sort(remove)
		for ii := len(remove) - 1; ii >= 0; ii-- {
			words = slices.Delete(words, remove[ii], remove[ii]+1)
		}
	case "crop":
		n = min(n, len(words)-1)
		if n > 0 {
			start := rng.IntN(len(words) - n + 1)
			words = slices.Delete(words, start, start+n)
		}
	case "substitute":
		for _, idx := range pickIndices(rng, len(words), n) {
			words[idx] = s.targets[rng.IntN(len(s.targets))]
		}
	}
	return strings.Join(words, " ")
}

// pickIndices returns n distinct random indices in [0, size).
func pickIndices(rng *rand.Rand, size, n int) []int {
	return rng.Perm(size)[:min(n, size)]
}

// charStep inserts, substitutes, swaps or deletes one character inside randomly chosen words.
type charStep struct {
	action      string
	amount      amount
	minChars    int
	replacement []rune
}

func newCharStep(params Params) (Step, error) {
	s := &charStep{}
	var err error
	if s.action, err = params.String("action", "substitute"); err != nil {
		return nil, err
	}
	if s.amount, err = parseAmount(params); err != nil {
		return nil, err
	}
	if s.minChars, err = params.Int("min_char", 4); err != nil {
		return nil, err
	}
	var alphabet string
	if alphabet, err = params.String("alphabet", "abcdefghijklmnopqrstuvwxyz"); err != nil {
		return nil, err
	}
	s.replacement = []rune(alphabet)
	switch s.action {
	case "insert", "substitute":
		if len(s.replacement) == 0 {
			return nil, errors.Errorf("action %q requires a non-empty alphabet", s.action)
		}
	case "swap", "delete":
	default:
		return nil, errors.Errorf("unknown action %q for step \"char\"", s.action)
	}
	return s, nil
}

func (s *charStep) Name() string { return "char:" + s.action }

func (s *charStep) Augment(text string, rng *rand.Rand) string {
	words := strings.Fields(text)
	var candidates []int
	for ii, word := range words {
		if utf8.RuneCountInString(word) >= max(s.minChars, 2) {
			candidates = append(candidates, ii)
		}
	}
	if len(candidates) == 0 {
		return text
	}
	for _, c := range pickIndices(rng, len(candidates), s.amount.count(len(candidates))) {
		idx := candidates[c]
		runes := []rune(words[idx])
		// The first character is kept, so capitalization survives.
		pos := 1 + rng.IntN(len(runes)-1)
		switch s.action {
		case "insert":
			runes = slices.Insert(runes, pos, s.replacement[rng.IntN(len(s.replacement))])
		case "substitute":
			r := s.replacement[rng.IntN(len(s.replacement))]
			if unicode.IsUpper(runes[pos]) {
				r = unicode.ToUpper(r)
			}
			runes[pos] = r
		case "swap":
			other := pos - 1
			if pos+1 < len(runes) {
				other = pos + 1
			}
			if other > 0 {
				runes[pos], runes[other] = runes[other], runes[pos]
			}
		case "delete":
			runes = slices.Delete(runes, pos, pos+1)
		}
		words[idx] = string(runes)
	}
	return strings.Join(words, " ")
}

// synonymStep replaces words by one of their synonyms, from a dictionary given in the parameters.
type synonymStep struct {
	amount   amount
	synonyms map[string][]string
}

func newSynonymStep(params Params) (Step, error) {
	s := &synonymStep{synonyms: make(map[string][]string)}
	var err error
	if s.amount, err = parseAmount(params); err != nil {
		return nil, err
	}
	raw, found := params["synonyms"]
	if !found {
		return nil, errors.New(`step "synonym" requires "synonyms"`)
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.Errorf(`parameter "synonyms": expected a map of word to list of synonyms, got %T`, raw)
	}
	for word := range dict {
		list, err := Params(dict).Strings(word)
		if err != nil {
			return nil, errors.WithMessage(err, `parameter "synonyms"`)
		}
		if len(list) > 0 {
			s.synonyms[strings.ToLower(word)] = list
		}
	}
	return s, nil
}

func (s *synonymStep) Name() string { return "synonym" }

func (s *synonymStep) Augment(text string, rng *rand.Rand) string {
	words := strings.Fields(text)
	var candidates []int
	for ii, word := range words {
		if _, found := s.synonyms[strings.ToLower(word)]; found {
			candidates = append(candidates, ii)
		}
	}
	if len(candidates) == 0 {
		return text
	}
	for _, c := range pickIndices(rng, len(candidates), s.amount.count(len(candidates))) {
		idx := candidates[c]
		options := s.synonyms[strings.ToLower(words[idx])]
		words[idx] = options[rng.IntN(len(options))]
	}
	return strings.Join(words, " ")
}
