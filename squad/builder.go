package squad

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/gomlx/go-squad/tokenizers/api"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	// DefaultChunkSize is the number of examples converted by one task of the Builder.
	DefaultChunkSize = 32

	// DefaultUniqueIDBase is the UniqueID of the first feature built.
	DefaultUniqueIDBase = 1_000_000_000
)

// TokenizerFactory creates the tokenizer handle of one Builder worker.
type TokenizerFactory func() (api.SubwordTokenizer, error)

// Builder converts a corpus of examples into features in parallel.
//
// Create it with NewBuilder, configure it with the With... methods, and then call Build.
type Builder struct {
	tokenizer    api.SubwordTokenizer
	factory      TokenizerFactory
	opts         Options
	threads      int
	chunkSize    int
	uniqueIDBase int
}

// BuildResult holds the features of a Builder.Build call, in example order.
type BuildResult struct {
	Features []Feature

	// Dropped lists the ids of the examples whose answer couldn't be located.
	Dropped []string

	// Examples is the number of examples with at least one feature.
	Examples int
}

// NewBuilder creates a Builder that converts examples with the given tokenizer and options.
// By default it uses all available cores, and all workers share the tokenizer.
func NewBuilder(tok api.SubwordTokenizer, opts Options) *Builder {
	return &Builder{
		tokenizer:    tok,
		opts:         opts,
		threads:      runtime.NumCPU(),
		chunkSize:    DefaultChunkSize,
		uniqueIDBase: DefaultUniqueIDBase,
	}
}

// WithThreads sets the number of parallel workers. It is capped at runtime.GOMAXPROCS.
// If n <= 0, it uses all available cores.
func (b *Builder) WithThreads(n int) *Builder {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	b.threads = n
	return b
}

// WithChunkSize sets the number of examples converted by each task.
func (b *Builder) WithChunkSize(n int) *Builder {
	b.chunkSize = max(n, 1)
	return b
}

// WithUniqueIDBase sets the UniqueID of the first feature.
func (b *Builder) WithUniqueIDBase(base int) *Builder {
	b.uniqueIDBase = base
	return b
}

// WithTokenizerFactory makes each worker create its own tokenizer handle, once, when it starts.
func (b *Builder) WithTokenizerFactory(factory TokenizerFactory) *Builder {
	b.factory = factory
	return b
}

// Options returns the conversion options of the Builder.
func (b *Builder) Options() Options { return b.opts }

// Tokenizer returns the tokenizer used when no TokenizerFactory is configured.
func (b *Builder) Tokenizer() api.SubwordTokenizer { return b.tokenizer }

// Workers returns the number of parallel workers Build will use.
func (b *Builder) Workers() int {
	return max(min(b.threads, runtime.GOMAXPROCS(0)), 1)
}

// chunkResult holds the features of each example of a chunk.
type chunkResult struct {
	features [][]Feature
	dropped  []bool
}

// Build converts all examples into features.
//
// The order of the features follows the order of the examples, regardless of the number of workers:
// ExampleIndex counts the examples with at least one feature, and UniqueID increments by one for each
// feature, starting from the configured base.
//
// Examples whose answer can't be located are dropped (and logged). Any other conversion error aborts
// the whole build.
func (b *Builder) Build(ctx context.Context, examples []*Example) (*BuildResult, error) {
	start := time.Now()
	numWorkers := b.Workers()
	numChunks := (len(examples) + b.chunkSize - 1) / b.chunkSize
	results := make([]chunkResult, numChunks)

	// Worker-local tokenizers: each task borrows one for the duration of its chunk.
	handles := make(chan api.SubwordTokenizer, numWorkers)
	for range numWorkers {
		tok := b.tokenizer
		if b.factory != nil {
			var err error
			if tok, err = b.factory(); err != nil {
				return nil, errors.WithMessage(err, "failed to create worker tokenizer")
			}
		}
		handles <- tok
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(numWorkers)
	for chunkIdx := range numChunks {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() (err error) {
			tok := <-handles
			defer func() { handles <- tok }()
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("panic while converting chunk %d: %v", chunkIdx, r)
				}
			}()
			from := chunkIdx * b.chunkSize
			to := min(from+b.chunkSize, len(examples))
			results[chunkIdx], err = b.convertChunk(gCtx, examples[from:to], tok)
			return errors.WithMessagef(err, "while converting examples %d to %d", from, to-1)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "feature build interrupted")
	}

	// Sequential pass: global ids only depend on the example order.
	result := &BuildResult{}
	uniqueID := b.uniqueIDBase
	for chunkIdx, chunk := range results {
		for ii, features := range chunk.features {
			if chunk.dropped[ii] {
				result.Dropped = append(result.Dropped, examples[chunkIdx*b.chunkSize+ii].ID)
				continue
			}
			if len(features) == 0 {
				continue
			}
			for _, f := range features {
				f.ExampleIndex = result.Examples
				f.UniqueID = uniqueID
				uniqueID++
				result.Features = append(result.Features, f)
			}
			result.Examples++
		}
	}
	klog.V(1).Infof("Built %d features from %d examples (%d dropped) with %d workers in %s",
		len(result.Features), len(examples), len(result.Dropped), numWorkers, time.Since(start))
	return result, nil
}

func (b *Builder) convertChunk(ctx context.Context, examples []*Example, tok api.SubwordTokenizer) (chunkResult, error) {
	res := chunkResult{
		features: make([][]Feature, len(examples)),
		dropped:  make([]bool, len(examples)),
	}
	for ii, ex := range examples {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		features, err := ConvertExample(ex, tok, b.opts)
		if errors.Is(err, ErrAnswerNotFound) {
			klog.Warningf("Dropping example: %v", err)
			res.dropped[ii] = true
			continue
		}
		if err != nil {
			return res, errors.WithMessagef(err, "example %q", ex.ID)
		}
		res.features[ii] = features
	}
	return res, nil
}

// String implements fmt.Stringer.
func (r *BuildResult) String() string {
	return fmt.Sprintf("%d features from %d examples, %d dropped", len(r.Features), r.Examples, len(r.Dropped))
}
