package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gomlx/go-squad/augment"
	"github.com/gomlx/go-squad/cache"
	"github.com/gomlx/go-squad/dataprovider"
	"github.com/gomlx/go-squad/distributed"
	"github.com/gomlx/go-squad/squad"
	"github.com/gomlx/go-squad/tokenizers/api"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newAugmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "augment",
		Short: "Run the augmentation worker and consume its datasets for a number of epochs",
		Long: `Run the augmentation worker on the training split, and consume its datasets with a data provider
for --epochs epochs, without training.

The worker rewrites the passages with the steps of --pipeline, converts them with the teacher (and
student) tokenizer, and publishes the result after the original features. The provider waits for the
first augmented dataset, and refreshes it every --refresh-every epochs.`,
		Args: cobra.NoArgs,
		RunE: runAugment,
	}
	addCommonFlags(cmd)
	addAugmentFlags(cmd)
	return cmd
}

func runAugment(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	group, err := cfg.group()
	if err != nil {
		return err
	}
	pipeline, err := loadPipeline(cfg)
	if err != nil {
		return err
	}
	examples, err := squad.ReadCorpusFile(cfg.DataDir, squad.SplitTrain, cfg.Task)
	if err != nil {
		return err
	}

	teacherTok, err := loadTokenizer(cfg.Tokenizer)
	if err != nil {
		return err
	}
	teacher, _, err := loadFeatures(ctx, cfg, group, teacherTok, squad.SplitTrain, examples)
	if err != nil {
		return err
	}
	var studentTok api.SubwordTokenizer
	var student *squad.Dataset
	if cfg.StudentTokenizer != "" {
		if studentTok, err = loadTokenizer(cfg.StudentTokenizer); err != nil {
			return err
		}
		if student, _, err = loadFeatures(ctx, cfg, group, studentTok, squad.SplitTrain, examples); err != nil {
			return err
		}
	}

	provider := dataprovider.New(len(examples), teacher, student, cfg.providerOptions())
	var worker *augment.Worker
	augmenting := pipeline.Len() > 0
	if !augmenting {
		klog.Warningf("Augmentation pipeline is empty, serving the original features only")
	} else if group.Rank() == 0 {
		ch := augment.NewChannel(nil)
		worker = augment.NewWorker(pipeline, examples,
			squad.NewBuilder(teacherTok, cfg.squadOptions(teacherTok, true)).WithThreads(cfg.Threads), teacher, ch).
			WithOptions(cfg.workerOptions())
		if studentTok != nil {
			worker.WithStudent(squad.NewBuilder(studentTok, cfg.squadOptions(studentTok, true)).WithThreads(cfg.Threads), student)
		}
		if err := worker.Start(ctx); err != nil {
			return err
		}
		provider.WithSource(ch)
	}
	withGroup(provider, cfg, group, augmenting, teacherTok, studentTok)

	out := cmd.OutOrStdout()
	for range cfg.Epochs {
		epoch := provider.Epochs()
		start := time.Now()
		var batches int
		for _, err := range provider.Epoch(ctx) {
			if err != nil {
				return err
			}
			batches++
		}
		_, _ = fmt.Fprintln(out, renderSummary(fmt.Sprintf("Epoch %d", epoch),
			field{"batches", batches},
			field{"batch size", provider.BatchSize()},
			field{"teacher features", provider.Teacher().Len()},
			field{"student features", provider.Student().Len()},
			field{"elapsed", time.Since(start).Round(time.Millisecond)},
		))
	}

	if worker != nil {
		cancel()
		<-worker.Done()
		if err := worker.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		klog.Infof("Augmentation worker stopped after %d cycles", worker.Cycles())
	}
	return nil
}

// withGroup makes the provider serve this rank's share of the batches. When augmenting, the augmented
// datasets are also shared from rank 0 through the cache.
func withGroup(provider *dataprovider.Provider, cfg *config, group distributed.Group, augmenting bool,
	teacherTok, studentTok api.SubwordTokenizer) *dataprovider.Provider {
	if !augmenting {
		return provider.WithGroup(group, nil, cache.Key{}, nil)
	}
	var studentKey *cache.Key
	if studentTok != nil {
		key := augmentedKey(cfg, studentTok)
		studentKey = &key
	}
	return provider.WithGroup(group, cache.New(cfg.CacheDir), augmentedKey(cfg, teacherTok), studentKey)
}

// loadPipeline reads the --pipeline config, keeping the steps with non-zero --weights. Without weights
// it keeps every step, or a random subset of them with --random-steps.
func loadPipeline(cfg *config) (*augment.Pipeline, error) {
	if cfg.Pipeline == "" {
		return augment.NewPipeline(nil)
	}
	configs, err := augment.LoadPipelineConfig(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	weights, err := parseWeights(cfg.Weights)
	if err != nil {
		return nil, err
	}
	if weights != nil && len(weights) != len(configs) {
		return nil, errors.Errorf("%d weights given for the %d steps of %q", len(weights), len(configs), cfg.Pipeline)
	}
	selected := augment.SelectByWeights(configs, weights)
	if weights == nil && cfg.RandomSteps {
		selected = augment.SelectRandom(configs, rand.New(rand.NewPCG(cfg.Seed, 0)))
	}
	pipeline, err := augment.NewPipeline(selected)
	if err != nil {
		return nil, err
	}
	klog.Infof("Augmentation pipeline: %v", pipeline.Names())
	return pipeline, nil
}

// augmentedKey is the cache key under which rank 0 shares the augmented features of tok.
func augmentedKey(cfg *config, tok api.SubwordTokenizer) cache.Key {
	return cache.Key{
		Split:        dataprovider.SplitAugmented,
		Task:         cfg.Task,
		Tokenizer:    tok.Name(),
		MaxSeqLength: cfg.MaxSeqLength,
	}
}
