package core

import (
	"context"
	"errors"

	"PerpClearing/internal/command"
)

// ErrStopped is returned to submitters once the core loop has exited.
var ErrStopped = errors.New("core stopped")

// Request is one unit of work for the core goroutine: either a command to
// apply or a read-only query over the core's state.
type Request struct {
	Command command.Command
	Query   func(c *DeterministicCore)
	Reply   chan<- Reply // optional, must be buffered
}

type Reply struct {
	Result *Result
	Err    error
}

// Run serves requests until ctx is cancelled or requests is closed. All
// domain state is touched only from this goroutine.
func (c *DeterministicCore) Run(ctx context.Context, requests <-chan Request) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-requests:
			if !ok {
				return nil
			}
			c.serve(req)
		}
	}
}

func (c *DeterministicCore) serve(req Request) {
	var reply Reply
	switch {
	case req.Command != nil:
		reply.Result, reply.Err = c.ProcessCommand(req.Command)
	case req.Query != nil:
		req.Query(c)
	}
	if req.Reply != nil {
		req.Reply <- reply
	}
}

// Submitter hands work to a running core from other goroutines.
type Submitter struct {
	requests chan<- Request
	done     <-chan struct{}
}

// NewSubmitter wraps the core's request channel. done is closed when the
// core loop exits.
func NewSubmitter(requests chan<- Request, done <-chan struct{}) *Submitter {
	return &Submitter{requests: requests, done: done}
}

// Submit applies cmd and waits for its result.
func (s *Submitter) Submit(ctx context.Context, cmd command.Command) (*Result, error) {
	reply, err := s.roundTrip(ctx, Request{Command: cmd})
	if err != nil {
		return nil, err
	}
	return reply.Result, reply.Err
}

// Query runs fn on the core goroutine and waits for it to return.
func (s *Submitter) Query(ctx context.Context, fn func(c *DeterministicCore)) error {
	_, err := s.roundTrip(ctx, Request{Query: fn})
	return err
}

func (s *Submitter) roundTrip(ctx context.Context, req Request) (Reply, error) {
	replies := make(chan Reply, 1)
	req.Reply = replies

	select {
	case s.requests <- req:
	case <-s.done:
		return Reply{}, ErrStopped
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}

	// Once queued the request will be served; the reply channel is
	// buffered so the core never blocks on an abandoned caller.
	select {
	case reply := <-replies:
		return reply, nil
	case <-s.done:
		return Reply{}, ErrStopped
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}
