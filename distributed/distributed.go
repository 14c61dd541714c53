// Package distributed provides the synchronization needed when several processes (ranks) prepare the same
// dataset: a named Barrier, and Exclusive, which runs a function on rank 0 while the other ranks wait for it.
//
// Three implementations of Group are provided: Single for non-distributed runs, Local for ranks that are
// goroutines of the same process, and FileGroup for processes sharing a filesystem.
package distributed

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrBarrierTimeout is returned when not all ranks arrived at a barrier within the configured timeout.
var ErrBarrierTimeout = errors.New("barrier timeout")

// Group of ranks participating in a distributed run.
type Group interface {
	// Rank of the current process, from 0 to WorldSize()-1.
	Rank() int

	// WorldSize is the number of ranks in the group.
	WorldSize() int

	// Barrier blocks until all ranks arrive at the barrier with the given name.
	// Barriers with the same name can be reused, as long as all ranks use them in the same order.
	Barrier(ctx context.Context, name string) error
}

// Exclusive runs fn on rank 0 only, and makes the other ranks wait until it's done.
//
// Rank 0 arrives at the barrier after fn returns, even if it fails, so the other ranks are released
// and can detect the failure on their own (e.g. a missing cache file). The error of fn is returned
// only on rank 0.
func Exclusive(ctx context.Context, g Group, name string, fn func(ctx context.Context) error) error {
	if g.Rank() != 0 {
		klog.V(1).Infof("rank %d waiting for %q on rank 0", g.Rank(), name)
		return errors.WithMessagef(g.Barrier(ctx, name), "rank %d waiting for %q", g.Rank(), name)
	}
	fnErr := fn(ctx)
	if err := g.Barrier(ctx, name); err != nil {
		if fnErr != nil {
			klog.Errorf("rank 0 failed barrier %q after error: %+v", name, fnErr)
		}
		return errors.WithMessagef(err, "rank 0 releasing %q", name)
	}
	return fnErr
}

// Single is the Group of a non-distributed run: one rank, and barriers return immediately.
type Single struct{}

var _ Group = Single{}

func (Single) Rank() int                                   { return 0 }
func (Single) WorldSize() int                              { return 1 }
func (Single) Barrier(ctx context.Context, _ string) error { return ctx.Err() }
