package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/go-squad/augment"
	"github.com/gomlx/go-squad/dataprovider"
	"github.com/gomlx/go-squad/distributed"
	"github.com/gomlx/go-squad/squad"
	"github.com/gomlx/go-squad/tokenizers/api"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix of the environment variables that override the flags.
const EnvPrefix = "SQUADFEAT"

// config holds the flags of all commands.
type config struct {
	DataDir          string `mapstructure:"data-dir"`
	CacheDir         string `mapstructure:"cache-dir"`
	Task             string `mapstructure:"task"`
	Split            string `mapstructure:"split"`
	Tokenizer        string `mapstructure:"tokenizer"`
	StudentTokenizer string `mapstructure:"student-tokenizer"`
	OverwriteCache   bool   `mapstructure:"overwrite-cache"`

	MaxSeqLength   int  `mapstructure:"max-seq-length"`
	DocStride      int  `mapstructure:"doc-stride"`
	MaxQueryLength int  `mapstructure:"max-query-length"`
	MultiSep       bool `mapstructure:"multi-sep"`
	Threads        int  `mapstructure:"threads"`

	// multiSepSet is true if --multi-sep was given, instead of derived from the tokenizer class.
	multiSepSet bool

	Rank           int           `mapstructure:"rank"`
	WorldSize      int           `mapstructure:"world-size"`
	SyncDir        string        `mapstructure:"sync-dir"`
	BarrierTimeout time.Duration `mapstructure:"barrier-timeout"`

	Pipeline     string        `mapstructure:"pipeline"`
	Weights      []string      `mapstructure:"weights"`
	RandomSteps  bool          `mapstructure:"random-steps"`
	Seed         uint64        `mapstructure:"seed"`
	Cycles       int           `mapstructure:"cycles"`
	Alpha        float64       `mapstructure:"alpha"`
	Epochs       int           `mapstructure:"epochs"`
	BatchSize    int           `mapstructure:"batch-size"`
	Attempts     int           `mapstructure:"attempts"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RefreshEvery int           `mapstructure:"refresh-every"`
}

// addCommonFlags registers the corpus, tokenizer, window and distributed flags.
func addCommonFlags(cmd *cobra.Command) {
	defaults := squad.DefaultOptions()
	flags := cmd.Flags()
	flags.String("data-dir", ".", "Directory with the SQuAD json files")
	flags.String("cache-dir", "", "Directory of the feature cache (default: data-dir)")
	flags.String("task", squad.TaskSQuAD, "Corpus version: \"squad\" (v1.1) or \"squad2\" (v2.0)")
	flags.String("tokenizer", "", "Directory of the teacher tokenizer (tokenizer.json or tokenizer.model)")
	flags.String("student-tokenizer", "", "Directory of an optional student tokenizer")
	flags.Bool("overwrite-cache", false, "Rebuild the features even if they are cached")
	flags.Int("max-seq-length", defaults.MaxSeqLength, "Length of each feature, special tokens and padding included")
	flags.Int("doc-stride", defaults.DocStride, "Distance in tokens between the starts of consecutive windows")
	flags.Int("max-query-length", defaults.MaxQueryLength, "Maximum number of question tokens")
	flags.Bool("multi-sep", false,
		"Use two separators between question and passage (default: from the tokenizer class, true for RoBERTa, CamemBERT, BART and MPNet)")
	flags.Int("threads", 0, "Conversion threads (default: number of cores)")
	flags.Int("rank", 0, "Rank of this process in a distributed run")
	flags.Int("world-size", 1, "Number of processes in a distributed run")
	flags.String("sync-dir", "", "Shared directory for the barriers of a distributed run")
	flags.Duration("barrier-timeout", distributed.DefaultBarrierTimeout, "Maximum wait on a distributed barrier")
}

// addAugmentFlags registers the augmentation and data provider flags.
func addAugmentFlags(cmd *cobra.Command) {
	workerDefaults := augment.DefaultWorkerOptions()
	providerDefaults := dataprovider.DefaultOptions()
	flags := cmd.Flags()
	flags.String("pipeline", "", "Augmentation pipeline config file (yaml or json)")
	flags.StringSlice("weights", nil, "Weight of each pipeline step: steps with weight 0 are skipped")
	flags.Bool("random-steps", false, "Without --weights, use a random subset of the pipeline steps, in random order (seeded by --seed)")
	flags.Uint64("seed", workerDefaults.Seed, "Seed of the augmentations and of the batch shuffling")
	flags.Int("cycles", 0, "Stop the worker after this many augmentation cycles (0: until the epochs are done)")
	flags.Float64("alpha", 0, "Blending weight between original and augmented data, passed to the training loop")
	flags.Int("epochs", 1, "Number of epochs to consume")
	flags.Int("batch-size", providerDefaults.BatchSize, "Training batch size (doubled with augmentation)")
	flags.Int("attempts", providerDefaults.MaxAttempts, "Attempts to receive the first augmented dataset")
	flags.Duration("timeout", providerDefaults.Timeout, "Wait of each attempt to receive an augmented dataset")
	flags.Int("refresh-every", providerDefaults.RefreshEvery, "Epochs between refreshes of the augmented dataset")
}

// loadConfig merges, in increasing precedence, the flag defaults, the config file, the environment
// variables and the flags set in the command line.
func loadConfig(cmd *cobra.Command) (*config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, errors.Wrap(err, "failed to bind flags")
	}
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %q", configFile)
		}
	}
	cfg := &config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	cfg.multiSepSet = v.IsSet("multi-sep")
	if cfg.CacheDir == "" {
		cfg.CacheDir = cfg.DataDir
	}
	if cfg.Tokenizer == "" {
		return nil, errors.New("--tokenizer is required")
	}
	return cfg, nil
}

// squadOptions returns the options to convert examples with tok.
func (cfg *config) squadOptions(tok api.Tokenizer, training bool) squad.Options {
	return squad.Options{
		MaxSeqLength:   cfg.MaxSeqLength,
		DocStride:      cfg.DocStride,
		MaxQueryLength: cfg.MaxQueryLength,
		Training:       training,
		MultiSep:       cfg.multiSep(tok),
	}
}

// multiSep returns --multi-sep if it was set, and otherwise derives it from the class of tok.
func (cfg *config) multiSep(tok api.Tokenizer) bool {
	if cfg.multiSepSet {
		return cfg.MultiSep
	}
	return api.MultiSep(tok)
}

// providerOptions returns the data provider options.
func (cfg *config) providerOptions() dataprovider.Options {
	opts := dataprovider.DefaultOptions()
	opts.BatchSize = cfg.BatchSize
	opts.MaxAttempts = cfg.Attempts
	opts.Timeout = cfg.Timeout
	opts.RefreshEvery = cfg.RefreshEvery
	opts.Seed = cfg.Seed
	return opts
}

// workerOptions returns the augmentation worker options.
func (cfg *config) workerOptions() augment.WorkerOptions {
	opts := augment.DefaultWorkerOptions()
	if cfg.Threads > 0 {
		opts.Threads = cfg.Threads
	}
	opts.Seed = cfg.Seed
	opts.MaxCycles = cfg.Cycles
	opts.Alpha = cfg.Alpha
	return opts
}

// group returns the distributed group of this process.
func (cfg *config) group() (distributed.Group, error) {
	if cfg.WorldSize <= 1 {
		return distributed.Single{}, nil
	}
	if cfg.SyncDir == "" {
		return nil, errors.Errorf("--sync-dir is required with --world-size=%d", cfg.WorldSize)
	}
	g, err := distributed.NewFileGroup(cfg.SyncDir, cfg.Rank, cfg.WorldSize)
	if err != nil {
		return nil, err
	}
	return g.WithTimeout(cfg.BarrierTimeout), nil
}

// parseWeights converts the --weights values. No weights keeps every step.
func parseWeights(values []string) ([]float64, error) {
	if len(values) == 0 {
		return nil, nil
	}
	weights := make([]float64, len(values))
	for ii, value := range values {
		w, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid weight #%d %q", ii, value)
		}
		weights[ii] = w
	}
	return weights, nil
}
