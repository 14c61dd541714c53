package augment

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/gomlx/go-squad/squad"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrEmptyPipeline is returned by Worker.Start if the pipeline has no steps: augmentation is disabled.
var ErrEmptyPipeline = errors.New("augmentation pipeline is empty")

// WorkerState is the lifecycle state of a Worker.
type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerStopped
)

// String implements fmt.Stringer.
func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "Idle"
	case WorkerRunning:
		return "Running"
	case WorkerStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// WorkerOptions configure the augmentation cycles.
type WorkerOptions struct {
	// ChunkSize is the number of examples rewritten by one task.
	ChunkSize int

	// Threads is the number of chunks rewritten in parallel.
	Threads int

	// Seed of the rewrites: cycle c of two workers with the same seed produces the same texts.
	Seed uint64

	// MaxCycles stops the worker after this many cycles. 0 runs until the context is cancelled.
	MaxCycles int

	// Alpha is the blending weight between the original and the augmented data, carried in each
	// payload for the training loop. It's not used by the worker.
	Alpha float64
}

// DefaultWorkerOptions returns the default options: chunks of 32 examples, one task per core.
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		ChunkSize: squad.DefaultChunkSize,
		Threads:   runtime.NumCPU(),
		Seed:      42,
	}
}

// Worker runs augmentation cycles in the background and publishes their results to a Channel.
type Worker struct {
	pipeline *Pipeline
	examples []*squad.Example
	teacher  *squad.Builder
	original *squad.Dataset

	student         *squad.Builder
	originalStudent *squad.Dataset

	out  *Channel
	opts WorkerOptions

	mu     sync.Mutex
	state  WorkerState
	cycles int
	err    error
	done   chan struct{}
}

// NewWorker creates a worker that rewrites examples with the pipeline, converts them with the teacher
// builder, and publishes them after the original dataset to out.
func NewWorker(pipeline *Pipeline, examples []*squad.Example, teacher *squad.Builder, original *squad.Dataset, out *Channel) *Worker {
	return &Worker{
		pipeline: pipeline,
		examples: examples,
		teacher:  teacher,
		original: original,
		out:      out,
		opts:     DefaultWorkerOptions(),
		done:     make(chan struct{}),
	}
}

// WithStudent also converts each cycle with the student builder, published after originalStudent.
func (w *Worker) WithStudent(student *squad.Builder, originalStudent *squad.Dataset) *Worker {
	w.student = student
	w.originalStudent = originalStudent
	return w
}

// WithOptions replaces the worker options.
func (w *Worker) WithOptions(opts WorkerOptions) *Worker {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = squad.DefaultChunkSize
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}
	w.opts = opts
	return w
}

// Options returns the worker options.
func (w *Worker) Options() WorkerOptions { return w.opts }

// Start runs the augmentation cycles in a new goroutine, until MaxCycles is reached, the context is
// cancelled or a cycle fails. It returns ErrEmptyPipeline, without starting, if the pipeline has no steps.
func (w *Worker) Start(ctx context.Context) error {
	if w.pipeline.Len() == 0 {
		return ErrEmptyPipeline
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WorkerIdle {
		return errors.Errorf("augmentation worker already %s", w.state)
	}
	w.state = WorkerRunning
	klog.Infof("Starting augmentation worker: steps %v, %d examples", w.pipeline.Names(), len(w.examples))
	go w.run(ctx)
	return nil
}

func (w *Worker) run(ctx context.Context) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("augmentation worker panicked: %v", r)
		}
		w.mu.Lock()
		w.state = WorkerStopped
		w.err = err
		w.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			klog.Errorf("Augmentation worker stopped: %+v", err)
		}
		close(w.done)
	}()

	for cycle := 0; w.opts.MaxCycles == 0 || cycle < w.opts.MaxCycles; cycle++ {
		var payload *Payload
		payload, err = w.RunCycle(ctx, cycle)
		if err != nil {
			return
		}
		if err = w.out.Publish(ctx, payload); err != nil {
			return
		}
		w.mu.Lock()
		w.cycles++
		w.mu.Unlock()
		klog.V(1).Infof("Augmentation cycle %d (%s) published: %d features", cycle, payload.Cycle, payload.Teacher.Len())
	}
}

// State of the worker.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Cycles returns the number of payloads published so far.
func (w *Worker) Cycles() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cycles
}

// Done is closed when the worker stops.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the error that stopped the worker, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// RunCycle runs one augmentation cycle: rewrite all examples, convert them, and merge them after the
// original datasets. It doesn't publish the result.
func (w *Worker) RunCycle(ctx context.Context, cycle int) (*Payload, error) {
	start := time.Now()
	rewritten, err := w.rewrite(ctx, cycle)
	if err != nil {
		return nil, err
	}
	payload := &Payload{
		Cycle:     uuid.NewString(),
		Examples:  len(rewritten),
		Alpha:     w.opts.Alpha,
		CreatedAt: w.out.Clock().Now(),
	}

	result, err := w.teacher.Build(ctx, rewritten)
	if err != nil {
		return nil, errors.WithMessagef(err, "augmentation cycle %d", cycle)
	}
	payload.Dropped = len(result.Dropped)
	payload.Teacher = squad.Concat(w.original, squad.NewDataset(result.Features, true))

	if w.student != nil {
		studentResult, err := w.student.Build(ctx, rewritten)
		if err != nil {
			return nil, errors.WithMessagef(err, "augmentation cycle %d (student)", cycle)
		}
		payload.Student = squad.Concat(w.originalStudent, squad.NewDataset(studentResult.Features, true))
	}
	klog.V(1).Infof("Augmentation cycle %d: %d examples rewritten (%d dropped) in %s",
		cycle, payload.Examples, payload.Dropped, time.Since(start))
	return payload, nil
}

// rewrite applies the pipeline to the passages of all examples, in chunks rewritten in parallel.
// Each chunk has its own random source, derived from the seed, the cycle and the chunk index.
func (w *Worker) rewrite(ctx context.Context, cycle int) ([]*squad.Example, error) {
	rewritten := make([]*squad.Example, len(w.examples))
	chunkSize := w.opts.ChunkSize
	numChunks := (len(w.examples) + chunkSize - 1) / chunkSize

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Threads)
	for chunkIdx := range numChunks {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(w.opts.Seed, uint64(cycle)<<32|uint64(chunkIdx)))
			from := chunkIdx * chunkSize
			to := min(from+chunkSize, len(w.examples))
			for ii := from; ii < to; ii++ {
				ex := w.examples[ii]
				rewritten[ii] = Rewrite(ex, w.pipeline.Augment(ex.Context, rng))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrapf(err, "rewriting examples in cycle %d", cycle)
	}
	return rewritten, nil
}
