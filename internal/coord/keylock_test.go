package coord

import (
	"context"
	"guildsync/internal/types"
	"sync"
	"time"
)

func (s *CoordTestSuite) TestKeyLocksFIFO() {
	l := NewKeyLocks()
	release, err := l.Acquire(context.Background(), "k")
	s.Require().NoError(err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := l.Acquire(context.Background(), "k")
			s.NoError(err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			rel()
		}()
		// Queue the waiters one by one so arrival order is known.
		s.Eventually(func() bool { return l.waiting("k") == i+1 }, time.Second, time.Millisecond)
	}
	release()
	wg.Wait()

	s.Equal([]int{0, 1, 2, 3, 4}, order)
	s.Equal(0, l.Len())
}

func (s *CoordTestSuite) TestKeyLocksCancelWhileQueued() {
	l := NewKeyLocks()
	release, err := l.Acquire(context.Background(), "k")
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, "k")
		done <- err
	}()
	s.Eventually(func() bool { return l.waiting("k") == 1 }, time.Second, time.Millisecond)
	cancel()
	s.ErrorIs(<-done, context.Canceled)
	s.Equal(0, l.waiting("k"))

	// The holder still owns the key; the next caller gets it only after release.
	got := make(chan struct{})
	go func() {
		rel, err := l.Acquire(context.Background(), "k")
		s.NoError(err)
		close(got)
		rel()
	}()
	select {
	case <-got:
		s.Fail("acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	<-got
	s.Eventually(func() bool { return l.Len() == 0 }, time.Second, time.Millisecond)
}

func (s *CoordTestSuite) TestKeyLocksIndependentKeys() {
	l := NewKeyLocks()
	relA, err := l.Acquire(context.Background(), "a")
	s.Require().NoError(err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	relB, err := l.Acquire(ctx, "b")
	s.Require().NoError(err)
	s.Equal(2, l.Len())
	relA()
	relB()
	relB()
	s.Equal(0, l.Len())
}

func (s *CoordTestSuite) TestKeyLocksAlreadyCancelled() {
	l := NewKeyLocks()
	release, err := l.Acquire(context.Background(), "k")
	s.Require().NoError(err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "k")
	s.ErrorIs(err, context.Canceled)
	s.Equal(1, l.Len())
}

func (s *CoordTestSuite) TestKeyLocksStress() {
	l := NewKeyLocks()
	var inside, maxInside int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			if i%5 == 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(i)*time.Microsecond)
				defer cancel()
			}
			rel, err := l.Acquire(ctx, "k")
			if err != nil {
				return
			}
			mu.Lock()
			inside++
			maxInside = max(maxInside, inside)
			mu.Unlock()
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			inside--
			mu.Unlock()
			rel()
		}()
	}
	wg.Wait()
	s.Equal(1, maxInside)
	s.Equal(0, l.Len())
}

// waiting is the number of callers queued on key.
func (l *KeyLocks) waiting(key types.ConfigKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sl, ok := l.slots[key]; ok {
		return len(sl.waiters)
	}
	return 0
}
