package distributed

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// localState is shared by the members of a local group.
type localState struct {
	mu       sync.Mutex
	size     int
	barriers map[string]*localBarrier
}

// localBarrier is one generation of a named barrier.
type localBarrier struct {
	arrived int
	done    chan struct{}
}

// Local is a member of an in-process group, where each rank is a goroutine.
type Local struct {
	rank  int
	state *localState
}

var _ Group = (*Local)(nil)

// NewLocalGroup creates the worldSize members of an in-process group, indexed by rank.
func NewLocalGroup(worldSize int) []*Local {
	state := &localState{size: worldSize, barriers: make(map[string]*localBarrier)}
	members := make([]*Local, worldSize)
	for rank := range members {
		members[rank] = &Local{rank: rank, state: state}
	}
	return members
}

func (l *Local) Rank() int      { return l.rank }
func (l *Local) WorldSize() int { return l.state.size }

// Barrier implements Group. Once the last rank arrives, the barrier is reset, and the name can be reused.
func (l *Local) Barrier(ctx context.Context, name string) error {
	s := l.state
	s.mu.Lock()
	b, found := s.barriers[name]
	if !found {
		b = &localBarrier{done: make(chan struct{})}
		s.barriers[name] = b
	}
	b.arrived++
	if b.arrived == s.size {
		delete(s.barriers, name)
		close(b.done)
	}
	s.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "rank %d waiting on barrier %q", l.rank, name)
	}
}
