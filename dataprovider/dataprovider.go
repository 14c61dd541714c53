// Package dataprovider serves training batches, replacing its dataset with the augmented datasets
// published by an augmentation worker.
//
// With augmentation, the Provider first waits for the first augmented dataset (a bounded number of
// attempts, each with a timeout), and then refreshes it every RefreshEvery epochs if a new one is
// available. In a distributed run only rank 0 receives the datasets: it stores them in a cache shared
// with the other ranks, which wait for it at a barrier.
package dataprovider

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/gomlx/go-squad/augment"
	"github.com/gomlx/go-squad/cache"
	"github.com/gomlx/go-squad/distributed"
	"github.com/gomlx/go-squad/squad"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// ErrAugmentationUnavailable is returned when no augmented dataset was received within the retry budget.
// Training must not proceed in this case.
var ErrAugmentationUnavailable = errors.New("augmented dataset unavailable")

// SplitAugmented is the cache split under which rank 0 shares augmented datasets with the other ranks.
const SplitAugmented = "train-augmented"

// State of a Provider.
type State int

const (
	// AwaitingFirst: waiting for the first augmented dataset.
	AwaitingFirst State = iota

	// Serving batches.
	Serving

	// Exhausted: the first augmented dataset never arrived.
	Exhausted
)

func (s State) String() string {
	switch s {
	case AwaitingFirst:
		return "AwaitingFirst"
	case Serving:
		return "Serving"
	case Exhausted:
		return "Exhausted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Source of augmented datasets. It's implemented by augment.Channel.
type Source interface {
	Receive(ctx context.Context, timeout time.Duration) (*augment.Payload, error)
}

// Options of a Provider.
type Options struct {
	// BatchSize is the number of features per batch. It's doubled when augmentation is enabled.
	BatchSize int

	// MaxAttempts and Timeout bound the wait for the first augmented dataset.
	MaxAttempts int
	Timeout     time.Duration

	// RefreshEvery is the period, in epochs, of the attempts to refresh the augmented dataset.
	RefreshEvery int

	// RefreshTimeout is how long a refresh attempt waits for a new dataset. 0 only takes an already
	// available one.
	RefreshTimeout time.Duration

	// RankWaitTimeout bounds the wait of non-zero ranks for rank 0. Defaults to MaxAttempts*Timeout.
	RankWaitTimeout time.Duration

	// Seed of the per-epoch shuffling.
	Seed uint64
}

// DefaultOptions returns the default options: 600 attempts of 60 seconds for the first dataset,
// and a refresh every 5 epochs.
func DefaultOptions() Options {
	return Options{
		BatchSize:    32,
		MaxAttempts:  600,
		Timeout:      60 * time.Second,
		RefreshEvery: 5,
		Seed:         42,
	}
}

// Batch holds the tensors of the teacher and, if there is a student tokenizer, of the student.
// See squad.Dataset.Batch for the tensor names.
type Batch struct {
	Teacher map[string]*tensors.Tensor
	Student map[string]*tensors.Tensor
}

// sharedCache is how rank 0 hands the augmented datasets to the other ranks.
//
// The cache files are only valid while the handoff marker next to them names the current exchange:
// rank 0 removes the marker before receiving, and writes it after storing a new dataset.
type sharedCache struct {
	group      distributed.Group
	cache      *cache.Cache
	teacherKey cache.Key
	studentKey *cache.Key

	// exchanges counts the shared receives, on every rank.
	exchanges int
}

// handoff is the content of the handoff marker.
type handoff struct {
	Generation int    `yaml:"generation"`
	Cycle      string `yaml:"cycle"`
}

// Provider of training batches.
type Provider struct {
	opts        Options
	numExamples int

	teacher, student *squad.Dataset

	source Source
	shared *sharedCache
	group  distributed.Group

	state    State
	epoch    int
	received int
}

// New creates a Provider of batches of the teacher (and optionally the student) dataset, built from
// numExamples examples. A non-positive BatchSize takes the default.
func New(numExamples int, teacher, student *squad.Dataset, opts Options) *Provider {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RefreshEvery <= 0 {
		opts.RefreshEvery = 1
	}
	if opts.RankWaitTimeout <= 0 {
		opts.RankWaitTimeout = time.Duration(opts.MaxAttempts) * opts.Timeout
	}
	return &Provider{
		opts:        opts,
		numExamples: numExamples,
		teacher:     teacher,
		student:     student,
		group:       distributed.Single{},
		state:       Serving,
	}
}

// WithSource enables augmentation: datasets are received from source. Only rank 0 has a source.
func (p *Provider) WithSource(source Source) *Provider {
	p.source = source
	p.state = AwaitingFirst
	return p
}

// WithGroup sets the distributed group, used to partition the batches and to share the augmented datasets.
// For augmented distributed runs, the datasets are shared through c, under keys with split SplitAugmented:
// teacherKey, and studentKey if there is a student. Without augmentation c is nil, and the group is only
// used to partition the batches.
func (p *Provider) WithGroup(group distributed.Group, c *cache.Cache, teacherKey cache.Key, studentKey *cache.Key) *Provider {
	p.group = group
	if group.WorldSize() > 1 && c != nil {
		p.shared = &sharedCache{group: group, cache: c, teacherKey: teacherKey, studentKey: studentKey}
		if group.Rank() != 0 {
			p.state = AwaitingFirst
		}
	}
	return p
}

func (p *Provider) augmented() bool {
	return p.source != nil || (p.shared != nil && p.group.Rank() != 0)
}

// State of the provider.
func (p *Provider) State() State { return p.state }

// Group used to partition the batches.
func (p *Provider) Group() distributed.Group { return p.group }

// Epochs returns the number of epochs started.
func (p *Provider) Epochs() int { return p.epoch }

// Teacher returns the dataset currently served.
func (p *Provider) Teacher() *squad.Dataset { return p.teacher }

// Student returns the student dataset currently served, or nil.
func (p *Provider) Student() *squad.Dataset { return p.student }

// BatchSize returns the number of features per batch: twice Options.BatchSize with augmentation.
func (p *Provider) BatchSize() int {
	if p.augmented() {
		return 2 * p.opts.BatchSize
	}
	return p.opts.BatchSize
}

// NumberOfBatches returns the number of batches of each epoch: the number of examples divided by
// the batch size, rounded up.
func (p *Provider) NumberOfBatches() int {
	batchSize := p.BatchSize()
	return (p.numExamples + batchSize - 1) / batchSize
}

// Prepare waits for the first augmented dataset, if augmentation is enabled and it wasn't received yet.
// It returns an error wrapping ErrAugmentationUnavailable if the retry budget is exhausted.
func (p *Provider) Prepare(ctx context.Context) error {
	switch p.state {
	case Serving:
		return nil
	case Exhausted:
		return errors.Wrap(ErrAugmentationUnavailable, "retry budget already exhausted")
	}
	payload, err := p.receive(ctx, p.opts.MaxAttempts, p.opts.Timeout)
	if err == nil && payload == nil {
		err = errors.Wrap(ErrAugmentationUnavailable, "rank 0 shared no dataset")
	}
	if err != nil {
		if errors.Is(err, ErrAugmentationUnavailable) {
			p.state = Exhausted
		}
		return err
	}
	p.replace(payload)
	p.state = Serving
	return nil
}

// refresh tries once to replace the served datasets. Failures are logged, and the current datasets kept.
func (p *Provider) refresh(ctx context.Context) error {
	payload, err := p.receive(ctx, 1, p.opts.RefreshTimeout)
	if err != nil {
		if errors.Is(err, ErrAugmentationUnavailable) {
			klog.V(1).Infof("No new augmented dataset at epoch %d, keeping the current one", p.epoch)
			return nil
		}
		return err
	}
	if payload != nil {
		p.replace(payload)
	}
	return nil
}

func (p *Provider) replace(payload *augment.Payload) {
	p.teacher = payload.Teacher
	if payload.Student != nil {
		p.student = payload.Student
	}
	p.received++
	klog.Infof("Serving augmented dataset %s: %d features", payload.Cycle, payload.Teacher.Len())
}

// receive gets a payload: from the source on rank 0 (storing it for the other ranks in distributed runs),
// from the shared cache on the other ranks. A nil payload without error means rank 0 had nothing new.
func (p *Provider) receive(ctx context.Context, attempts int, timeout time.Duration) (*augment.Payload, error) {
	if p.shared == nil {
		return p.receiveFromSource(ctx, attempts, timeout)
	}

	var payload *augment.Payload
	rank := p.group.Rank()
	p.shared.exchanges++
	generation := p.shared.exchanges
	waitCtx := ctx
	if rank != 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.opts.RankWaitTimeout)
		defer cancel()
	}
	err := distributed.Exclusive(waitCtx, p.group, "augmented-dataset", func(ctx context.Context) error {
		if err := p.shared.invalidate(); err != nil {
			return err
		}
		var err error
		payload, err = p.receiveFromSource(ctx, attempts, timeout)
		if err != nil {
			return err
		}
		if err = p.shared.store(ctx, payload); err != nil {
			return err
		}
		return p.shared.publish(generation, payload.Cycle)
	})
	if rank == 0 {
		return payload, err
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, distributed.ErrBarrierTimeout) {
			return nil, errors.Wrapf(ErrAugmentationUnavailable, "rank %d timed out waiting for rank 0: %v", rank, err)
		}
		return nil, err
	}
	return p.shared.load(generation)
}

// receiveFromSource makes up to attempts receives, each waiting up to timeout.
func (p *Provider) receiveFromSource(ctx context.Context, attempts int, timeout time.Duration) (*augment.Payload, error) {
	if p.source == nil {
		return nil, errors.New("augmented datasets are only received on rank 0")
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		payload, err := p.source.Receive(ctx, timeout)
		if err == nil {
			return payload, nil
		}
		if !errors.Is(err, augment.ErrReceiveTimeout) {
			return nil, err
		}
		if attempts > 1 {
			klog.Infof("Waiting for data augmentation worker to return data (attempt %d of %d)", attempt, attempts)
		}
	}
	return nil, errors.Wrapf(ErrAugmentationUnavailable, "no dataset after %d attempts of %s", attempts, timeout)
}

func (s *sharedCache) store(ctx context.Context, payload *augment.Payload) error {
	if err := s.cache.Store(ctx, s.teacherKey, payload.Teacher.Features); err != nil {
		return err
	}
	if s.studentKey != nil && payload.Student != nil {
		return s.cache.Store(ctx, *s.studentKey, payload.Student.Features)
	}
	return nil
}

// markerPath is the path of the handoff marker, next to the teacher's cache file.
func (s *sharedCache) markerPath() string {
	return strings.TrimSuffix(s.cache.Path(s.teacherKey), ".parquet") + ".handoff.yaml"
}

// invalidate removes the handoff marker, so the files currently in the cache aren't taken for a new dataset.
func (s *sharedCache) invalidate() error {
	if err := os.Remove(s.markerPath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove handoff marker %q", s.markerPath())
	}
	return nil
}

// publish writes the handoff marker for the dataset of the given exchange generation.
func (s *sharedCache) publish(generation int, cycle string) error {
	contents, err := yaml.Marshal(&handoff{Generation: generation, Cycle: cycle})
	if err != nil {
		return errors.Wrap(err, "failed to encode handoff marker")
	}
	markerPath := s.markerPath()
	tmpPath := markerPath + ".tmp"
	if err = os.WriteFile(tmpPath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write handoff marker %q", tmpPath)
	}
	if err = os.Rename(tmpPath, markerPath); err != nil {
		return errors.Wrapf(err, "failed to move handoff marker %q to %q", tmpPath, markerPath)
	}
	return nil
}

// load reads the dataset rank 0 stored in the given exchange generation. It returns a nil payload if
// rank 0 stored nothing.
func (s *sharedCache) load(generation int) (*augment.Payload, error) {
	contents, err := os.ReadFile(s.markerPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read handoff marker %q", s.markerPath())
	}
	var marker handoff
	if err = yaml.Unmarshal(contents, &marker); err != nil {
		return nil, errors.Wrapf(err, "failed to parse handoff marker %q", s.markerPath())
	}
	if marker.Generation != generation {
		return nil, errors.Wrapf(ErrAugmentationUnavailable, "handoff marker %q is from exchange %d, expected %d",
			s.markerPath(), marker.Generation, generation)
	}

	reader := &cache.Cache{Dir: s.cache.Dir}
	features, found, err := reader.Load(s.teacherKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Errorf("handoff marker %q present, but no dataset in the cache", s.markerPath())
	}
	payload := &augment.Payload{
		Cycle:   marker.Cycle,
		Teacher: squad.NewDataset(features, true),
	}
	if s.studentKey != nil {
		features, found, err = reader.Load(*s.studentKey)
		if err != nil {
			return nil, err
		}
		if found {
			payload.Student = squad.NewDataset(features, true)
		}
	}
	return payload, nil
}

// startEpoch counts the epoch, and receives or refreshes the datasets as needed.
func (p *Provider) startEpoch(ctx context.Context) error {
	epoch := p.epoch
	p.epoch++
	if !p.augmented() {
		return nil
	}
	switch p.state {
	case AwaitingFirst, Exhausted:
		return p.Prepare(ctx)
	default:
		if epoch > 0 && epoch%p.opts.RefreshEvery == 0 {
			return p.refresh(ctx)
		}
		return nil
	}
}

// Epoch returns an iterator over the NumberOfBatches batches of a new epoch.
//
// The features are shuffled with a permutation seeded by Options.Seed and the epoch number, and in
// distributed runs each rank takes its share of the permutation. If a rank's share is shorter than
// an epoch, it's cycled over.
//
// If the datasets can't be obtained, it yields the error and stops.
func (p *Provider) Epoch(ctx context.Context) func(yield func(Batch, error) bool) {
	return func(yield func(Batch, error) bool) {
		epoch := p.epoch
		if err := p.startEpoch(ctx); err != nil {
			yield(Batch{}, errors.WithMessagef(err, "starting epoch %d", epoch))
			return
		}
		teacherOrder, err := p.order(p.teacher, epoch, 0)
		if err != nil {
			yield(Batch{}, err)
			return
		}
		var studentOrder []int
		if p.student != nil {
			if studentOrder, err = p.order(p.student, epoch, 1); err != nil {
				yield(Batch{}, err)
				return
			}
		}

		batchSize := p.BatchSize()
		for batchIdx := range p.NumberOfBatches() {
			if err := ctx.Err(); err != nil {
				yield(Batch{}, errors.Wrapf(err, "epoch %d interrupted", epoch))
				return
			}
			var batch Batch
			batch.Teacher, err = p.teacher.Batch(window(teacherOrder, batchIdx, batchSize))
			if err == nil && p.student != nil {
				batch.Student, err = p.student.Batch(window(studentOrder, batchIdx, batchSize))
			}
			if err != nil {
				yield(Batch{}, errors.WithMessagef(err, "batch %d of epoch %d", batchIdx, epoch))
				return
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}

// order returns the feature indices of this rank for the epoch.
func (p *Provider) order(ds *squad.Dataset, epoch int, stream uint64) ([]int, error) {
	rank, worldSize := p.group.Rank(), p.group.WorldSize()
	if ds.Len() < worldSize {
		return nil, errors.Errorf("dataset has %d features, not enough for %d ranks", ds.Len(), worldSize)
	}
	perm := rand.New(rand.NewPCG(p.opts.Seed+uint64(epoch), stream)).Perm(ds.Len())
	indices := make([]int, 0, len(perm)/worldSize+1)
	for ii := rank; ii < len(perm); ii += worldSize {
		indices = append(indices, perm[ii])
	}
	return indices, nil
}

// window returns the batchIdx-th batch of batchSize indices, cycling over order.
func window(order []int, batchIdx, batchSize int) []int {
	indices := make([]int, batchSize)
	for ii := range indices {
		indices[ii] = order[(batchIdx*batchSize+ii)%len(order)]
	}
	return indices
}
