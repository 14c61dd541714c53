package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gomlx/go-squad/cache"
	"github.com/gomlx/go-squad/distributed"
	"github.com/gomlx/go-squad/squad"
	"github.com/gomlx/go-squad/tokenizers/api"
	"github.com/spf13/cobra"
)

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Convert a corpus split into features, stored in the feature cache",
		Long: `Convert a SQuAD corpus split into features and store them in the feature cache.

If the features for the split, task, tokenizer and max-seq-length are already cached they are only loaded,
unless --overwrite-cache is given. In a distributed run only rank 0 converts; the other ranks wait and load.`,
		Args: cobra.NoArgs,
		RunE: runBuild,
	}
	addCommonFlags(cmd)
	cmd.Flags().String("split", squad.SplitTrain, "Corpus split: \"train\" or \"dev\"")
	return cmd
}

func runBuild(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	group, err := cfg.group()
	if err != nil {
		return err
	}
	tok, err := loadTokenizer(cfg.Tokenizer)
	if err != nil {
		return err
	}
	examples, err := squad.ReadCorpusFile(cfg.DataDir, cfg.Split, cfg.Task)
	if err != nil {
		return err
	}

	start := time.Now()
	ds, stats, err := loadFeatures(cmd.Context(), cfg, group, tok, cfg.Split, examples)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderSummary("Features "+stats.key.FileName(),
		field{"examples", len(examples)},
		field{"features", ds.Len()},
		field{"dropped", stats.dropped},
		field{"from cache", !stats.built},
		field{"elapsed", time.Since(start).Round(time.Millisecond)},
	))
	return nil
}

// buildStats describes how loadFeatures obtained the features.
type buildStats struct {
	key     cache.Key
	built   bool
	dropped int
}

// loadFeatures returns the features of the examples, loaded from the cache or converted and cached.
func loadFeatures(ctx context.Context, cfg *config, group distributed.Group, tok api.SubwordTokenizer,
	split string, examples []*squad.Example) (*squad.Dataset, *buildStats, error) {
	training := split == squad.SplitTrain
	builder := squad.NewBuilder(tok, cfg.squadOptions(tok, training)).WithThreads(cfg.Threads)
	stats := &buildStats{key: cache.Key{
		Split:        split,
		Task:         cfg.Task,
		Tokenizer:    tok.Name(),
		MaxSeqLength: cfg.MaxSeqLength,
	}}
	c := cache.New(cfg.CacheDir)
	c.Overwrite = cfg.OverwriteCache
	features, err := c.LoadOrBuild(ctx, group, stats.key, func(ctx context.Context) ([]squad.Feature, error) {
		result, err := builder.Build(ctx, examples)
		if err != nil {
			return nil, err
		}
		stats.built = true
		stats.dropped = len(result.Dropped)
		return result.Features, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return squad.NewDataset(features, training), stats, nil
}
