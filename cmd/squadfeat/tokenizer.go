package main

import (
	"os"
	"path/filepath"

	"github.com/gomlx/go-squad/tokenizers/api"
	"github.com/gomlx/go-squad/tokenizers/hftokenizer"
	"github.com/gomlx/go-squad/tokenizers/sentencepiece"
	"github.com/pkg/errors"
)

// loadTokenizer loads the tokenizer in dir: "tokenizer.json" is preferred over "tokenizer.model".
func loadTokenizer(dir string) (api.SubwordTokenizer, error) {
	if fileExists(filepath.Join(dir, "tokenizer.json")) {
		tok, err := hftokenizer.New(dir)
		if err != nil {
			return nil, err
		}
		return tok, nil
	}
	if fileExists(filepath.Join(dir, "tokenizer.model")) {
		tok, err := sentencepiece.New(dir)
		if err != nil {
			return nil, err
		}
		return tok, nil
	}
	return nil, errors.Errorf("no tokenizer.json or tokenizer.model in %q", dir)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
