package dataprovider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/go-squad/augment"
	"github.com/gomlx/go-squad/cache"
	"github.com/gomlx/go-squad/distributed"
	"github.com/gomlx/go-squad/squad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock fires every timer immediately, advancing its time by the requested duration.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers++
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// makeDataset creates n training features identified by their StartPosition: first, first+1, ...
func makeDataset(first, n int) *squad.Dataset {
	features := make([]squad.Feature, n)
	for ii := range features {
		features[ii] = squad.Feature{
			InputIDs:          []int32{1, 5, 6, 2},
			AttentionMask:     []int32{1, 1, 1, 1},
			TokenTypeIDs:      []int32{0, 0, 1, 1},
			PMask:             []int32{0, 1, 0, 1},
			Tokens:            []string{"[CLS]", "a", "b", "[SEP]"},
			TokenToOrig:       []int32{-1, -1, 0, -1},
			TokenIsMaxContext: []bool{false, false, true, false},
			ExampleIndex:      ii,
			UniqueID:          1_000_000_000 + ii,
			ParagraphLen:      1,
			StartPosition:     first + ii,
			EndPosition:       first + ii,
			QASID:             "q",
		}
	}
	return squad.NewDataset(features, true)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.BatchSize = 2
	return opts
}

// runEpoch iterates over one epoch, returning the StartPosition of every teacher feature served.
func runEpoch(t *testing.T, p *Provider) []int64 {
	var ids []int64
	for batch, err := range p.Epoch(context.Background()) {
		require.NoError(t, err)
		ids = append(ids, batch.Teacher[squad.StartPositions].Value().([]int64)...)
	}
	return ids
}

// prepareAll runs Prepare concurrently on the providers of all ranks.
func prepareAll(ctx context.Context, providers []*Provider) []error {
	var wg sync.WaitGroup
	errs := make([]error, len(providers))
	for rank, p := range providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = p.Prepare(ctx)
		}()
	}
	wg.Wait()
	return errs
}

func TestProvider_WithoutAugmentation(t *testing.T) {
	opts := testOptions()
	opts.BatchSize = 4
	p := New(10, makeDataset(0, 10), nil, opts)
	assert.Equal(t, Serving, p.State())
	assert.Equal(t, 4, p.BatchSize())
	assert.Equal(t, 3, p.NumberOfBatches())

	var batches int
	for batch, err := range p.Epoch(context.Background()) {
		require.NoError(t, err)
		assert.Nil(t, batch.Student)
		assert.Equal(t, []int{4, 4}, batch.Teacher[squad.InputIDs].Shape().Dimensions)
		batches++
	}
	assert.Equal(t, 3, batches)
	assert.Equal(t, 1, p.Epochs())

	// Each epoch is a permutation of the features, cycled to fill the last batch.
	ids := runEpoch(t, p)
	require.Len(t, ids, 12)
	assert.ElementsMatch(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, ids[:10])
	assert.Equal(t, ids[:2], ids[10:])
}

func TestProvider_DeterministicOrder(t *testing.T) {
	p1 := New(10, makeDataset(0, 10), nil, testOptions())
	p2 := New(10, makeDataset(0, 10), nil, testOptions())
	for range 3 {
		assert.Equal(t, runEpoch(t, p1), runEpoch(t, p2))
	}
}

func TestProvider_DefaultBatchSize(t *testing.T) {
	p := New(10, makeDataset(0, 10), nil, Options{})
	assert.Equal(t, DefaultOptions().BatchSize, p.BatchSize())
	assert.Equal(t, 1, p.NumberOfBatches())
	assert.Len(t, runEpoch(t, p), DefaultOptions().BatchSize)

	opts := testOptions()
	opts.BatchSize = -3
	p = New(10, makeDataset(0, 10), nil, opts)
	assert.Equal(t, DefaultOptions().BatchSize, p.BatchSize())
}

func TestProvider_StopEarly(t *testing.T) {
	p := New(10, makeDataset(0, 10), nil, testOptions())
	var batches int
	for _, err := range p.Epoch(context.Background()) {
		require.NoError(t, err)
		batches++
		if batches == 2 {
			break
		}
	}
	assert.Equal(t, 2, batches)
}

func TestProvider_RetryExhausted(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	ch := augment.NewChannel(clock)
	p := New(10, makeDataset(0, 10), nil, DefaultOptions()).WithSource(ch)
	assert.Equal(t, AwaitingFirst, p.State())

	var errs []error
	for _, err := range p.Epoch(context.Background()) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrAugmentationUnavailable)
	assert.Equal(t, Exhausted, p.State())
	assert.Equal(t, 600, clock.timers)
	assert.Equal(t, 600*time.Minute, clock.Now().Sub(start))

	// It doesn't retry once exhausted.
	err := p.Prepare(context.Background())
	assert.ErrorIs(t, err, ErrAugmentationUnavailable)
	assert.Equal(t, 600, clock.timers)
}

func TestProvider_FirstDataset(t *testing.T) {
	ch := augment.NewChannel(newFakeClock())
	ctx := context.Background()
	payload := &augment.Payload{Cycle: "cycle-0", Teacher: makeDataset(100, 20)}
	require.NoError(t, ch.Publish(ctx, payload))

	p := New(10, makeDataset(0, 10), nil, testOptions()).WithSource(ch)
	assert.Equal(t, 4, p.BatchSize(), "batch size is doubled with augmentation")
	assert.Equal(t, 3, p.NumberOfBatches())

	ids := runEpoch(t, p)
	assert.Len(t, ids, 12)
	for _, id := range ids {
		assert.GreaterOrEqual(t, id, int64(100))
	}
	assert.Same(t, payload.Teacher, p.Teacher())
	assert.Equal(t, Serving, p.State())
}

func TestProvider_Refresh(t *testing.T) {
	ch := augment.NewChannel(newFakeClock())
	ctx := context.Background()
	opts := testOptions()
	opts.RefreshEvery = 2
	p := New(10, makeDataset(0, 10), nil, opts).WithSource(ch)

	a, b := makeDataset(100, 10), makeDataset(200, 10)
	require.NoError(t, ch.Publish(ctx, &augment.Payload{Cycle: "a", Teacher: a}))
	runEpoch(t, p) // Epoch 0.
	assert.Same(t, a, p.Teacher())

	require.NoError(t, ch.Publish(ctx, &augment.Payload{Cycle: "b", Teacher: b}))
	runEpoch(t, p) // Epoch 1: no refresh.
	assert.Same(t, a, p.Teacher())
	assert.True(t, ch.Pending())

	runEpoch(t, p) // Epoch 2: refresh.
	assert.Same(t, b, p.Teacher())
	assert.False(t, ch.Pending())

	// Nothing new at epoch 4: the current dataset is kept.
	runEpoch(t, p)
	runEpoch(t, p)
	assert.Same(t, b, p.Teacher())
	assert.Equal(t, Serving, p.State())
	assert.Equal(t, 5, p.Epochs())
}

func TestProvider_Student(t *testing.T) {
	ch := augment.NewChannel(newFakeClock())
	ctx := context.Background()
	payload := &augment.Payload{Cycle: "a", Teacher: makeDataset(100, 12), Student: makeDataset(500, 9)}
	require.NoError(t, ch.Publish(ctx, payload))

	p := New(6, makeDataset(0, 6), makeDataset(0, 6), testOptions()).WithSource(ch)
	var batches int
	for batch, err := range p.Epoch(ctx) {
		require.NoError(t, err)
		require.NotNil(t, batch.Student)
		for _, id := range batch.Student[squad.StartPositions].Value().([]int64) {
			assert.GreaterOrEqual(t, id, int64(500))
		}
		batches++
	}
	assert.Equal(t, 2, batches)
	assert.Same(t, payload.Student, p.Student())
}

func TestProvider_RankPartition(t *testing.T) {
	group := distributed.NewLocalGroup(2)
	ds := makeDataset(0, 11)
	var all []int
	for _, member := range group {
		p := New(11, ds, nil, testOptions()).WithGroup(member, nil, cache.Key{}, nil)
		assert.Equal(t, Serving, p.State())
		order, err := p.order(ds, 3, 0)
		require.NoError(t, err)
		all = append(all, order...)
	}
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, all)

	p := New(1, makeDataset(0, 1), nil, testOptions()).WithGroup(group[1], nil, cache.Key{}, nil)
	var errs []error
	for _, err := range p.Epoch(context.Background()) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.Error(t, errs[0], "one feature can't be split across two ranks")
}

func TestProvider_SharedAcrossRanks(t *testing.T) {
	ctx := context.Background()
	group := distributed.NewLocalGroup(2)
	c := cache.New(t.TempDir())
	teacherKey := cache.Key{Split: SplitAugmented, Task: squad.TaskSQuAD, Tokenizer: "teacher", MaxSeqLength: 4}
	studentKey := cache.Key{Split: SplitAugmented, Task: squad.TaskSQuAD, Tokenizer: "student", MaxSeqLength: 4}

	ch := augment.NewChannel(newFakeClock())
	payload := &augment.Payload{Cycle: "a", Teacher: makeDataset(100, 8), Student: makeDataset(500, 6)}
	require.NoError(t, ch.Publish(ctx, payload))

	providers := []*Provider{
		New(8, makeDataset(0, 8), makeDataset(0, 8), testOptions()).WithSource(ch).
			WithGroup(group[0], c, teacherKey, &studentKey),
		New(8, makeDataset(0, 8), makeDataset(0, 8), testOptions()).
			WithGroup(group[1], c, teacherKey, &studentKey),
	}
	assert.Equal(t, AwaitingFirst, providers[1].State())
	assert.Equal(t, 4, providers[1].BatchSize())

	for rank, err := range prepareAll(ctx, providers) {
		require.NoError(t, err, "rank %d", rank)
	}

	startPositions := func(ds *squad.Dataset) []int {
		var ids []int
		for _, f := range ds.Features {
			ids = append(ids, f.StartPosition)
		}
		return ids
	}
	assert.Equal(t, startPositions(payload.Teacher), startPositions(providers[1].Teacher()))
	assert.Equal(t, startPositions(payload.Student), startPositions(providers[1].Student()))
	assert.Equal(t, Serving, providers[1].State())
}

func TestProvider_RankWaitTimeout(t *testing.T) {
	group := distributed.NewLocalGroup(2)
	opts := testOptions()
	opts.RankWaitTimeout = 20 * time.Millisecond
	p := New(8, makeDataset(0, 8), nil, opts).
		WithGroup(group[1], cache.New(t.TempDir()), cache.Key{Split: SplitAugmented}, nil)
	err := p.Prepare(context.Background())
	assert.ErrorIs(t, err, ErrAugmentationUnavailable)
	assert.Equal(t, Exhausted, p.State())
}

func TestProvider_StaleSharedDataset(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	teacherKey := cache.Key{Split: SplitAugmented, Task: squad.TaskSQuAD, Tokenizer: "teacher", MaxSeqLength: 4}

	// A previous run left its augmented dataset, and its handoff marker, in the cache.
	previous := augment.NewChannel(newFakeClock())
	require.NoError(t, previous.Publish(ctx, &augment.Payload{Cycle: "old", Teacher: makeDataset(900, 8)}))
	group := distributed.NewLocalGroup(2)
	for rank, err := range prepareAll(ctx, []*Provider{
		New(8, makeDataset(0, 8), nil, testOptions()).WithSource(previous).WithGroup(group[0], cache.New(dir), teacherKey, nil),
		New(8, makeDataset(0, 8), nil, testOptions()).WithGroup(group[1], cache.New(dir), teacherKey, nil),
	}) {
		require.NoError(t, err, "rank %d", rank)
	}
	_, found, err := cache.New(dir).Load(teacherKey)
	require.NoError(t, err)
	require.True(t, found)

	// The worker of this run never delivers.
	opts := testOptions()
	opts.MaxAttempts = 3
	group = distributed.NewLocalGroup(2)
	providers := []*Provider{
		New(8, makeDataset(0, 8), nil, opts).WithSource(augment.NewChannel(newFakeClock())).
			WithGroup(group[0], cache.New(dir), teacherKey, nil),
		New(8, makeDataset(0, 8), nil, opts).WithGroup(group[1], cache.New(dir), teacherKey, nil),
	}
	for rank, err := range prepareAll(ctx, providers) {
		assert.ErrorIs(t, err, ErrAugmentationUnavailable, "rank %d", rank)
		assert.Equal(t, Exhausted, providers[rank].State(), "rank %d", rank)
		for _, f := range providers[rank].Teacher().Features {
			assert.Less(t, f.StartPosition, 900, "rank %d served the previous run's dataset", rank)
		}
	}
}

func TestSharedCache_GenerationMismatch(t *testing.T) {
	ctx := context.Background()
	s := &sharedCache{cache: cache.New(t.TempDir()), teacherKey: cache.Key{Split: SplitAugmented, Tokenizer: "teacher"}}

	// No marker: nothing was shared.
	payload, err := s.load(1)
	require.NoError(t, err)
	assert.Nil(t, payload)

	require.NoError(t, s.store(ctx, &augment.Payload{Teacher: makeDataset(100, 4)}))
	require.NoError(t, s.publish(1, "cycle-1"))
	payload, err = s.load(1)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "cycle-1", payload.Cycle)
	assert.Equal(t, 4, payload.Teacher.Len())

	_, err = s.load(2)
	assert.ErrorIs(t, err, ErrAugmentationUnavailable)

	require.NoError(t, s.invalidate())
	require.NoError(t, s.invalidate(), "invalidating twice is fine")
	payload, err = s.load(1)
	require.NoError(t, err)
	assert.Nil(t, payload)
}
