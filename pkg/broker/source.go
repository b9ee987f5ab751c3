package broker

import (
	"context"
	"io"
	"sync"
)

// chanSource adapts a receive-only channel into a Source. Items for which
// convert reports false are skipped.
type chanSource[In, Out any] struct {
	ch      <-chan In
	convert func(In) (Out, bool)
	stop    func() error
	err     func() error

	stopOnce sync.Once
	stopErr  error
}

// FromChan builds a Source over ch. When ch is closed Next reports errFn()
// if it is non-nil and non-empty, io.EOF otherwise. stop is invoked once by
// Stop; either function may be nil.
func FromChan[In, Out any](ch <-chan In, convert func(In) (Out, bool), stop func() error, errFn func() error) Source[Out] {
	return &chanSource[In, Out]{ch: ch, convert: convert, stop: stop, err: errFn}
}

// Identity is a convert function for FromChan when In and Out match.
func Identity[T any](v T) (T, bool) { return v, true }

func (s *chanSource[In, Out]) Next(ctx context.Context) (Out, error) {
	var zero Out
	for {
		// select picks at random when both are ready; cancellation wins.
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case v, ok := <-s.ch:
			if !ok {
				if s.err != nil {
					if err := s.err(); err != nil {
						return zero, err
					}
				}
				return zero, io.EOF
			}
			out, keep := s.convert(v)
			if !keep {
				continue
			}
			return out, nil
		}
	}
}

func (s *chanSource[In, Out]) Stop() error {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stopErr = s.stop()
		}
	})
	return s.stopErr
}
