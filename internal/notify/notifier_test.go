package notify

import (
	"context"
	"errors"
	"fmt"
	"guildsync/internal/metrics"
	"guildsync/internal/types"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
)

type NotifierTestSuite struct {
	suite.Suite
}

func TestNotifierTestSuite(t *testing.T) {
	suite.Run(t, new(NotifierTestSuite))
}

// TestPublish records delivered events and lets each test decide how a publish behaves.
type TestPublish struct {
	mu        sync.Mutex
	delivered []types.NotificationEvent
	attempts  map[string]int
	callback  func(ctx context.Context, ev types.NotificationEvent, attempt int) error
}

func newTestPublish(fn func(ctx context.Context, ev types.NotificationEvent, attempt int) error) *TestPublish {
	return &TestPublish{attempts: map[string]int{}, callback: fn}
}

func (p *TestPublish) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	var ev types.NotificationEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.attempts[ev.ID]++
	attempt := p.attempts[ev.ID]
	p.mu.Unlock()

	if p.callback != nil {
		if err := p.callback(ctx, ev, attempt); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.delivered = append(p.delivered, ev)
	p.mu.Unlock()
	return nil
}

func (p *TestPublish) Delivered() []types.NotificationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.NotificationEvent(nil), p.delivered...)
}

type failures struct {
	mu   sync.Mutex
	list []*types.NotificationDeliveryFailure
}

func (f *failures) add(x *types.NotificationDeliveryFailure) {
	f.mu.Lock()
	f.list = append(f.list, x)
	f.mu.Unlock()
}

func (f *failures) all() []*types.NotificationDeliveryFailure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.NotificationDeliveryFailure(nil), f.list...)
}

func fastConfig() Config {
	return Config{
		Topic:        "guildsync.test",
		Lanes:        4,
		QueueSize:    64,
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
	}
}

func event(key types.ConfigKey, version int64) types.NotificationEvent {
	return types.NotificationEvent{
		ID:          fmt.Sprintf("%s-%d", key, version),
		Key:         key,
		NewVersion:  version,
		CommittedAt: time.Now().UTC(),
	}
}

func (s *NotifierTestSuite) flushAndClose(n *Notifier) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Require().NoError(n.Flush(ctx))
	s.Require().NoError(n.Close(ctx))
}

func (s *NotifierTestSuite) TestOrderingUnderTransientFailures() {
	// Every event fails twice before it goes through.
	pub := newTestPublish(func(ctx context.Context, ev types.NotificationEvent, attempt int) error {
		if attempt <= 2 {
			return errors.New("bot restarting")
		}
		return nil
	})
	var lost failures
	cfg := fastConfig()
	cfg.OnFailure = lost.add
	n := New(pub, cfg, nil)

	keys := []types.ConfigKey{"a", "b", "c"}
	for v := int64(1); v <= 10; v++ {
		for _, k := range keys {
			s.Equal(types.NotifyQueued, n.Notify(event(k, v)))
		}
	}
	s.flushAndClose(n)

	s.Empty(lost.all())
	last := map[types.ConfigKey]int64{}
	for _, ev := range pub.Delivered() {
		s.Equal(last[ev.Key]+1, ev.NewVersion, "key %s delivered out of order", ev.Key)
		last[ev.Key] = ev.NewVersion
	}
	for _, k := range keys {
		s.Equal(int64(10), last[k])
	}
}

func (s *NotifierTestSuite) TestRetriesExhausted() {
	m := metrics.New()
	pub := newTestPublish(func(context.Context, types.NotificationEvent, int) error {
		return errors.New("connection refused")
	})
	var lost failures
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	cfg.OnFailure = lost.add
	n := New(pub, cfg, m)

	n.Notify(event("guild-42", 3))
	s.flushAndClose(n)

	got := lost.all()
	s.Require().Len(got, 1)
	s.Equal(3, got[0].Attempts)
	s.Equal(types.FailureExhausted, got[0].Reason)
	s.Equal(int64(3), got[0].Event.NewVersion)
	s.True(errors.Is(got[0], types.ErrNotificationDelivery))
	s.ErrorContains(got[0], "connection refused")
	s.Empty(pub.Delivered())

	s.Equal(2.0, testutil.ToFloat64(m.Notifications.WithLabelValues(metrics.NotifyRetried, "")))
	s.Equal(1.0, testutil.ToFloat64(m.Notifications.WithLabelValues(metrics.NotifyDropped, types.FailureExhausted)))
}

func (s *NotifierTestSuite) TestOverflowDropsOldestPending() {
	started := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	pub := newTestPublish(func(ctx context.Context, ev types.NotificationEvent, attempt int) error {
		if ev.NewVersion == 1 {
			once.Do(func() { close(started) })
			<-gate
		}
		return nil
	})
	var lost failures
	cfg := fastConfig()
	cfg.Lanes = 1
	cfg.QueueSize = 2
	cfg.OnFailure = lost.add
	n := New(pub, cfg, nil)

	n.Notify(event("k", 1))
	<-started
	n.Notify(event("k", 2))
	n.Notify(event("k", 3))
	n.Notify(event("k", 4))
	close(gate)
	s.flushAndClose(n)

	var versions []int64
	for _, ev := range pub.Delivered() {
		versions = append(versions, ev.NewVersion)
	}
	s.Equal([]int64{1, 3, 4}, versions)
	got := lost.all()
	s.Require().Len(got, 1)
	s.Equal(int64(2), got[0].Event.NewVersion)
	s.Equal(types.FailureOverflow, got[0].Reason)
	s.Equal(0, got[0].Attempts)
}

func (s *NotifierTestSuite) TestSlowKeyDoesNotBlockOtherLanes() {
	gate := make(chan struct{})
	pub := newTestPublish(func(ctx context.Context, ev types.NotificationEvent, attempt int) error {
		if ev.Key == "slow" {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	cfg := fastConfig()
	cfg.Lanes = 8
	n := New(pub, cfg, nil)

	fast := types.ConfigKey("")
	for i := range 100 {
		k := types.ConfigKey(fmt.Sprintf("fast-%d", i))
		if n.laneFor(k) != n.laneFor("slow") {
			fast = k
			break
		}
	}
	s.Require().NotEmpty(fast)

	n.Notify(event("slow", 1))
	n.Notify(event(fast, 1))
	s.Eventually(func() bool {
		for _, ev := range pub.Delivered() {
			if ev.Key == fast {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	close(gate)
	s.flushAndClose(n)
	s.Len(pub.Delivered(), 2)
}

func (s *NotifierTestSuite) TestCloseRejectsNewEvents() {
	n := New(newTestPublish(nil), fastConfig(), nil)
	s.NoError(n.Close(context.Background()))
	s.Equal(types.NotifyRejected, n.Notify(event("k", 1)))
	s.NoError(n.Close(context.Background()))
}

func (s *NotifierTestSuite) TestCloseCancelsPendingRetries() {
	attempted := make(chan struct{}, 1)
	pub := newTestPublish(func(context.Context, types.NotificationEvent, int) error {
		select {
		case attempted <- struct{}{}:
		default:
		}
		return errors.New("down")
	})
	var lost failures
	cfg := fastConfig()
	cfg.Lanes = 1
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	cfg.OnFailure = lost.add
	n := New(pub, cfg, nil)

	n.Notify(event("k", 1))
	n.Notify(event("k", 2))
	<-attempted

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.ErrorIs(n.Close(ctx), context.DeadlineExceeded)

	got := lost.all()
	s.Require().Len(got, 2)
	for _, f := range got {
		s.Equal(types.FailureShutdown, f.Reason)
	}
	s.Equal(1, got[0].Attempts)
	s.Equal(0, got[1].Attempts)
	s.NoError(n.Flush(context.Background()))
}

func (s *NotifierTestSuite) TestFlushHonoursContext() {
	gate := make(chan struct{})
	pub := newTestPublish(func(context.Context, types.NotificationEvent, int) error {
		<-gate
		return nil
	})
	n := New(pub, fastConfig(), nil)
	n.Notify(event("k", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.ErrorIs(n.Flush(ctx), context.DeadlineExceeded)
	close(gate)
	s.flushAndClose(n)
}

func (s *NotifierTestSuite) TestConfigFromEnv() {
	s.T().Setenv("NOTIFY_LANES", "3")
	s.T().Setenv("NOTIFY_INITIAL_DELAY", "50ms")
	cfg := ConfigFromEnv("topic")
	s.Equal("topic", cfg.Topic)
	s.Equal(3, cfg.Lanes)
	s.Equal(50*time.Millisecond, cfg.InitialDelay)
	s.Equal(256, cfg.QueueSize)
	s.Equal(5, cfg.MaxAttempts)
}
