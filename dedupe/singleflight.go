package dedupe

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// SingleflightGroup is an implementation of Group that uses
// the golang.org/x/sync/singleflight library. Callers may stop waiting when
// their context ends, but the shared work always runs to completion.
type SingleflightGroup struct {
	group singleflight.Group
}

// NewSingleflightGroup creates a new SingleflightGroup.
func NewSingleflightGroup() *SingleflightGroup {
	return &SingleflightGroup{}
}

// Do executes and returns the results of the given function using singleflight.
func (s *SingleflightGroup) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error, bool) {
	workCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return fn(workCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err, res.Shared
		}
		v, _ := res.Val.([]byte)
		return v, nil, res.Shared
	case <-ctx.Done():
		return nil, ctx.Err(), false
	}
}
