package squad

import (
	"encoding/json"
	"io"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
	"k8s.io/klog/v2"
)

// Task names, which select the corpus file version.
const (
	TaskSQuAD   = "squad"  // SQuAD v1.1: every question has an answer.
	TaskSQuADv2 = "squad2" // SQuAD v2.0: questions may be impossible.
)

// Split names.
const (
	SplitTrain = "train"
	SplitDev   = "dev"
)

// corpusJSON is the layout of the SQuAD json files.
type corpusJSON struct {
	Version string `json:"version"`
	Data    []struct {
		Title      string `json:"title"`
		Paragraphs []struct {
			Context string `json:"context"`
			Qas     []struct {
				ID           string   `json:"id"`
				Question     string   `json:"question"`
				Answers      []Answer `json:"answers"`
				IsImpossible bool     `json:"is_impossible"`
			} `json:"qas"`
		} `json:"paragraphs"`
	} `json:"data"`
}

// CorpusPath returns the path of the corpus file for the given split and task:
// "{split}-v1.1.json" for TaskSQuAD and "{split}-v2.0.json" for TaskSQuADv2.
func CorpusPath(dataDir, split, task string) (string, error) {
	if split != SplitTrain && split != SplitDev {
		return "", errors.Errorf("unknown split %q, expected %q or %q", split, SplitTrain, SplitDev)
	}
	switch task {
	case TaskSQuAD:
		return filepath.Join(dataDir, split+"-v1.1.json"), nil
	case TaskSQuADv2:
		return filepath.Join(dataDir, split+"-v2.0.json"), nil
	default:
		return "", errors.Errorf("unknown task %q, expected %q or %q", task, TaskSQuAD, TaskSQuADv2)
	}
}

// ReadCorpusFile reads the corpus of the given split and task from dataDir. See ReadCorpus.
//
// The file is memory-mapped, since the training files are large and read only once.
func ReadCorpusFile(dataDir, split, task string) ([]*Example, error) {
	filePath, err := CorpusPath(dataDir, split, task)
	if err != nil {
		return nil, err
	}
	reader, err := mmap.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open corpus %q", filePath)
	}
	defer func() { _ = reader.Close() }()
	examples, err := ReadCorpus(io.NewSectionReader(reader, 0, int64(reader.Len())), split == SplitTrain)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading corpus %q", filePath)
	}
	klog.Infof("Read %d examples from %s", len(examples), filePath)
	return examples, nil
}

// ReadCorpus parses a SQuAD json document into examples, in document order.
//
// For training only the first answer of each question is kept; for evaluation all answers are kept
// in Example.Answers.
func ReadCorpus(r io.Reader, training bool) ([]*Example, error) {
	var doc corpusJSON
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse corpus json")
	}
	var examples []*Example
	for _, entry := range doc.Data {
		for _, paragraph := range entry.Paragraphs {
			for _, qa := range paragraph.Qas {
				var answer *Answer
				var answers []Answer
				if !qa.IsImpossible {
					if training {
						if len(qa.Answers) > 0 {
							answer = &qa.Answers[0]
						}
					} else {
						answers = qa.Answers
					}
				}
				examples = append(examples, NewExample(qa.ID, qa.Question, paragraph.Context, answer, qa.IsImpossible, answers))
			}
		}
	}
	return examples, nil
}
