package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/status"
	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// Channel runs a Session on its own goroutine and reports on a
// send-only message channel. A panic in the session is contained here.
type Channel struct {
	session *Session
	out     chan<- status.Message
	done    chan struct{}
	err     error
}

// NewChannel wires s to out. Nothing runs until Start.
func NewChannel(s *Session, out chan<- status.Message) *Channel {
	return &Channel{
		session: s,
		out:     out,
		done:    make(chan struct{}),
	}
}

// Start launches the session.
func (c *Channel) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop asks the session to finish.
func (c *Channel) Stop() {
	c.session.Stop()
}

// Done is closed after the final SessionEnded message has been sent.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the session's error. Only valid after Done is closed.
func (c *Channel) Err() error {
	return c.err
}

// Device returns the session's device name.
func (c *Channel) Device() string {
	return c.session.Device()
}

func (c *Channel) run(ctx context.Context) {
	name := c.session.Device()
	defer close(c.done)
	defer func() {
		c.out <- status.SessionEnded{Device: name, At: time.Now()}
	}()
	defer func() {
		if r := recover(); r != nil {
			c.err = &FatalError{Device: name, Err: fmt.Errorf("%w: %v", ErrPanic, r)}
			c.session.abort()
			safely(c.session.logger, "report final status", func() {
				c.out <- status.StatusUpdate{Device: name, At: time.Now(), Tracks: c.session.deltas()}
			})
		}
		if c.err != nil {
			c.out <- status.SessionError{Device: name, At: time.Now(), Err: c.err}
		}
	}()

	c.err = c.session.Run(ctx, func(tracks map[string]types.ChannelStatus) {
		c.out <- status.StatusUpdate{Device: name, At: time.Now(), Tracks: tracks}
	})
}
