package api

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var specialTokenNames = [...]string{
	TokBeginningOfSentence: "beginning_of_sentence",
	TokEndOfSentence:       "end_of_sentence",
	TokUnknown:             "unknown",
	TokPad:                 "pad",
	TokMask:                "mask",
	TokClassification:      "classification",
	TokSeparator:           "separator",
}

// String implements fmt.Stringer.
func (i SpecialToken) String() string {
	if i >= 0 && int(i) < len(specialTokenNames) {
		return specialTokenNames[i]
	}
	return "SpecialToken(" + strconv.Itoa(int(i)) + ")"
}

func (p PaddingSide) String() string {
	if p == PadLeft {
		return "left"
	}
	return "right"
}

// LoadConfig reads a "tokenizer_config.json" file.
//
// Special tokens in newer files are objects ({"content": "[CLS]", ...}) instead of strings; both forms are accepted.
func LoadConfig(filePath string) (*Config, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer config %q", filePath)
	}
	return ParseConfig(content)
}

// ParseConfig parses the contents of a "tokenizer_config.json" file.
func ParseConfig(content []byte) (*Config, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse tokenizer config")
	}
	config := &Config{}
	config.TokenizerClass = rawString(raw["tokenizer_class"])
	config.PaddingSide = rawString(raw["padding_side"])
	if v, ok := raw["model_max_length"]; ok {
		var f float64
		if err := json.Unmarshal(v, &f); err == nil && f < 1e9 {
			config.ModelMaxLength = int(f)
		}
	}
	config.BosToken = rawString(raw["bos_token"])
	config.EosToken = rawString(raw["eos_token"])
	config.UnkToken = rawString(raw["unk_token"])
	config.PadToken = rawString(raw["pad_token"])
	config.ClsToken = rawString(raw["cls_token"])
	config.SepToken = rawString(raw["sep_token"])
	config.MaskToken = rawString(raw["mask_token"])
	return config, nil
}

func rawString(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(v, &obj); err == nil {
		return obj.Content
	}
	return ""
}

// ShortName returns the last non-empty "/"-separated segment of a tokenizer name or path,
// e.g. "bert-base-uncased" for "models/bert-base-uncased/".
func ShortName(nameOrPath string) string {
	parts := strings.Split(nameOrPath, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return nameOrPath
}
