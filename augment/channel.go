package augment

import (
	"context"
	"time"

	"github.com/gomlx/go-squad/squad"
	"github.com/pkg/errors"
)

// ErrReceiveTimeout is returned by Channel.Receive when no payload arrives within the timeout.
var ErrReceiveTimeout = errors.New("no augmented dataset received before timeout")

// Clock is the source of time of blocking waits, replaceable in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the Clock backed by the time package.
var SystemClock Clock = systemClock{}

// Payload is the result of one augmentation cycle.
type Payload struct {
	// Cycle identifies the augmentation cycle that produced the payload.
	Cycle string

	// Teacher holds the original features followed by the augmented ones.
	Teacher *squad.Dataset

	// Student holds the same, converted with the student tokenizer, if one is configured. Otherwise nil.
	Student *squad.Dataset

	// Examples is the number of rewritten examples, and Dropped how many of them couldn't be converted.
	Examples, Dropped int

	// Alpha is the blending weight configured in WorkerOptions.
	Alpha float64

	CreatedAt time.Time
}

// Channel hands payloads from the augmentation worker to the consumer.
// It holds at most one unconsumed payload: Publish blocks until the previous one is received.
type Channel struct {
	ch    chan *Payload
	clock Clock
}

// NewChannel creates a Channel whose receive timeouts are measured with clock. If clock is nil,
// SystemClock is used.
func NewChannel(clock Clock) *Channel {
	if clock == nil {
		clock = SystemClock
	}
	return &Channel{ch: make(chan *Payload, 1), clock: clock}
}

// Clock used by the channel.
func (c *Channel) Clock() Clock { return c.clock }

// Publish the payload, blocking while a previous payload is still unconsumed.
func (c *Channel) Publish(ctx context.Context, p *Payload) error {
	select {
	case c.ch <- p:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "publishing augmented dataset")
	}
}

// Receive waits up to timeout for a payload. It returns an error wrapping ErrReceiveTimeout if none arrives.
// A non-positive timeout only returns a payload already available.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (*Payload, error) {
	select {
	case p := <-c.ch:
		return p, nil
	default:
	}
	if timeout <= 0 {
		return nil, errors.Wrap(ErrReceiveTimeout, "no payload available")
	}
	select {
	case p := <-c.ch:
		return p, nil
	case <-c.clock.After(timeout):
		return nil, errors.Wrapf(ErrReceiveTimeout, "waited %s", timeout)
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "receiving augmented dataset")
	}
}

// Pending reports whether a payload is waiting to be received.
func (c *Channel) Pending() bool {
	return len(c.ch) > 0
}
