//go:build !unix

package fs

import (
	"context"
	"sync"
)

// Without flock only writers of this process are excluded.
var locks sync.Map

func lockKey(ctx context.Context, path string) (func(), error) {
	v, _ := locks.LoadOrStore(path, make(chan struct{}, 1))
	ch := v.(chan struct{})
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func syncDir(string) error { return nil }
