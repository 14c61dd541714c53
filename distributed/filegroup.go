package distributed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBarrierTimeout is the default time a FileGroup waits for the other ranks at a barrier.
const DefaultBarrierTimeout = 30 * time.Minute

// FileGroup synchronizes processes through marker files in a directory shared by all ranks.
//
// Each arrival at a barrier writes a marker file "<name>.<generation>/rank-<rank>", and then polls the
// directory until the markers of all ranks are present. The directory should be fresh for each run,
// since markers of previous runs are taken as arrivals.
type FileGroup struct {
	dir             string
	rank, worldSize int
	timeout         time.Duration
	maxPollInterval time.Duration

	mu          sync.Mutex
	generations map[string]int
}

var _ Group = (*FileGroup)(nil)

// NewFileGroup creates the member rank of a group of worldSize processes synchronizing on dir.
func NewFileGroup(dir string, rank, worldSize int) (*FileGroup, error) {
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("invalid rank %d for world size %d", rank, worldSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create barrier directory %q", dir)
	}
	return &FileGroup{
		dir:             dir,
		rank:            rank,
		worldSize:       worldSize,
		timeout:         DefaultBarrierTimeout,
		maxPollInterval: 2 * time.Second,
		generations:     make(map[string]int),
	}, nil
}

// WithTimeout sets how long to wait for the other ranks at each barrier.
func (g *FileGroup) WithTimeout(timeout time.Duration) *FileGroup {
	g.timeout = timeout
	return g
}

// WithMaxPollInterval caps the interval between checks of the barrier directory.
func (g *FileGroup) WithMaxPollInterval(interval time.Duration) *FileGroup {
	g.maxPollInterval = interval
	return g
}

func (g *FileGroup) Rank() int      { return g.rank }
func (g *FileGroup) WorldSize() int { return g.worldSize }

// Barrier implements Group. It returns an error wrapping ErrBarrierTimeout if the other ranks don't
// arrive within the timeout. If ctx has a deadline, it's used instead of the group's timeout.
func (g *FileGroup) Barrier(ctx context.Context, name string) error {
	g.mu.Lock()
	generation := g.generations[name]
	g.generations[name]++
	g.mu.Unlock()

	barrierDir := filepath.Join(g.dir, fmt.Sprintf("%s.%d", sanitizeName(name), generation))
	if err := os.MkdirAll(barrierDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create barrier directory %q", barrierDir)
	}
	if err := g.arrive(barrierDir); err != nil {
		return err
	}

	timeout := g.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return errors.Wrapf(context.DeadlineExceeded, "barrier %q", name)
		}
	}

	start := time.Now()
	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = min(10*time.Millisecond, g.maxPollInterval)
	poll.MaxInterval = g.maxPollInterval
	poll.MaxElapsedTime = timeout
	var arrived int
	err := backoff.Retry(func() error {
		var err error
		arrived, err = g.countArrivals(barrierDir)
		if err != nil {
			return backoff.Permanent(err)
		}
		if arrived < g.worldSize {
			return errors.Wrapf(ErrBarrierTimeout, "barrier %q: %d of %d ranks arrived after %s",
				name, arrived, g.worldSize, time.Since(start))
		}
		return nil
	}, backoff.WithContext(poll, ctx))
	if err != nil {
		return err
	}
	klog.V(2).Infof("rank %d passed barrier %q (generation %d) in %s", g.rank, name, generation, time.Since(start))
	return nil
}

// arrive writes the marker of this rank: to a temporary file, renamed while holding the barrier lock.
func (g *FileGroup) arrive(barrierDir string) error {
	marker := filepath.Join(barrierDir, fmt.Sprintf("rank-%d", g.rank))
	tmpPath := marker + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(uuid.NewString()), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write barrier marker %q", tmpPath)
	}
	lock := flock.New(filepath.Join(barrierDir, ".lock"))
	if err := lock.Lock(); err != nil {
		return errors.Wrapf(err, "while locking barrier %q", barrierDir)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			klog.Warningf("failed to unlock barrier %q: %v", barrierDir, err)
		}
	}()
	if err := os.Rename(tmpPath, marker); err != nil {
		return errors.Wrapf(err, "failed to move barrier marker to %q", marker)
	}
	return nil
}

// countArrivals counts the rank markers in barrierDir.
func (g *FileGroup) countArrivals(barrierDir string) (int, error) {
	entries, err := os.ReadDir(barrierDir)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list barrier directory %q", barrierDir)
	}
	var count int
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "rank-") && !strings.HasSuffix(name, ".tmp") {
			count++
		}
	}
	return count, nil
}

// sanitizeName makes name usable as a file name.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
