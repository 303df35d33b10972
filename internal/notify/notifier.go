package notify

import (
	"context"
	"guildsync/internal/metrics"
	"guildsync/internal/ports"
	"guildsync/internal/types"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// Notifier delivers NotificationEvents through a Publisher in the background.
//
// Events are sharded into lanes by key. A lane delivers one event at a time and retries it
// with exponential backoff before moving on, so the events of a key reach the publisher in
// the order they were queued. Each lane holds at most QueueSize pending events; when full, the
// oldest pending event is dropped.
type Notifier struct {
	cfg     Config
	pub     ports.Publisher
	metrics *metrics.Metrics

	lanes []*lane

	mu       sync.RWMutex
	closed   bool
	draining chan struct{}

	// runCtx bounds deliveries and backoff sleeps; cancelled when Close gives up waiting.
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}
}

type lane struct {
	mu    sync.Mutex
	queue []types.NotificationEvent
	wake  chan struct{}
}

// New starts the lanes. Call Close to stop them.
func New(pub ports.Publisher, cfg Config, m *metrics.Metrics) *Notifier {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:      cfg,
		pub:      pub,
		metrics:  m,
		lanes:    make([]*lane, cfg.Lanes),
		draining: make(chan struct{}),
		runCtx:   ctx,
		cancel:   cancel,
		idle:     make(chan struct{}),
	}
	close(n.idle)
	for i := range n.lanes {
		l := &lane{wake: make(chan struct{}, 1)}
		n.lanes[i] = l
		n.wg.Add(1)
		go n.run(l)
	}
	return n
}

// Notify queues event for delivery and returns immediately.
func (n *Notifier) Notify(event types.NotificationEvent) types.NotifyOutcome {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.metrics.Notification(metrics.NotifyRejected, "closed")
		log.WithFields(log.Fields{"key": event.Key, "version": event.NewVersion}).
			Warn("notifier closed, event rejected")
		return types.NotifyRejected
	}

	n.addPending()
	l := n.lanes[n.laneFor(event.Key)]
	l.mu.Lock()
	var dropped *types.NotificationEvent
	if len(l.queue) >= n.cfg.QueueSize {
		oldest := l.queue[0]
		dropped = &oldest
		l.queue = l.queue[1:]
	}
	l.queue = append(l.queue, event)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	if dropped != nil {
		n.fail(*dropped, 0, types.FailureOverflow, nil)
		n.donePending()
	}
	return types.NotifyQueued
}

// Flush waits until every queued event has been delivered or dropped.
func (n *Notifier) Flush(ctx context.Context) error {
	n.pendingMu.Lock()
	idle := n.idle
	n.pendingMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and lets the lanes drain until ctx ends. Deliveries still
// running then are cancelled and the remaining events are dropped as a shutdown failure.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.draining)
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		n.cancel()
		<-done
	}
	n.cancel()
	return err
}

func (n *Notifier) laneFor(key types.ConfigKey) int {
	h := fnv.New32a()
	// hash.Hash.Write never returns an error according to the interface contract
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(n.lanes)))
}

func (n *Notifier) run(l *lane) {
	defer n.wg.Done()
	for {
		ev, ok := n.next(l)
		if !ok {
			return
		}
		n.deliver(ev)
		n.donePending()
	}
}

// next blocks until the lane has an event. It reports false once the notifier is closing and
// the lane is empty.
func (n *Notifier) next(l *lane) (types.NotificationEvent, bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			ev := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return ev, true
		}
		l.mu.Unlock()
		select {
		case <-l.wake:
		case <-n.draining:
			l.mu.Lock()
			empty := len(l.queue) == 0
			l.mu.Unlock()
			if empty {
				return types.NotificationEvent{}, false
			}
		}
	}
}

func (n *Notifier) deliver(ev types.NotificationEvent) {
	fields := log.Fields{"key": ev.Key, "version": ev.NewVersion, "event_id": ev.ID}
	payload, err := json.Marshal(ev)
	if err != nil {
		n.fail(ev, 0, types.FailureExhausted, err)
		return
	}
	delay := n.cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		if err := n.runCtx.Err(); err != nil {
			n.fail(ev, attempt-1, types.FailureShutdown, err)
			return
		}
		actx, cancel := context.WithTimeout(n.runCtx, n.cfg.AttemptTimeout)
		err = n.pub.PublishRaw(actx, n.cfg.Topic, payload)
		cancel()
		if err == nil {
			n.metrics.Notification(metrics.NotifyDelivered, "")
			log.WithFields(fields).WithField("attempts", attempt).Debug("notification delivered")
			return
		}
		if attempt >= n.cfg.MaxAttempts {
			n.fail(ev, attempt, types.FailureExhausted, err)
			return
		}
		n.metrics.Notification(metrics.NotifyRetried, "")
		sleep := n.cfg.backoff(delay)
		log.WithFields(fields).WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"retry":   sleep,
		}).Warn("notification delivery failed, retrying")
		select {
		case <-n.runCtx.Done():
			n.fail(ev, attempt, types.FailureShutdown, err)
			return
		case <-time.After(sleep):
		}
		delay = time.Duration(float64(delay) * n.cfg.Factor)
		if delay > n.cfg.MaxDelay {
			delay = n.cfg.MaxDelay
		}
	}
}

func (n *Notifier) fail(ev types.NotificationEvent, attempts int, reason string, cause error) {
	f := &types.NotificationDeliveryFailure{Event: ev, Attempts: attempts, Reason: reason, Err: cause}
	log.WithFields(log.Fields{
		"key":      ev.Key,
		"version":  ev.NewVersion,
		"event_id": ev.ID,
		"attempts": attempts,
		"reason":   reason,
	}).WithError(f).Error("notification dropped")
	n.metrics.Notification(metrics.NotifyDropped, reason)
	if n.cfg.OnFailure != nil {
		n.cfg.OnFailure(f)
	}
}

func (n *Notifier) addPending() {
	n.pendingMu.Lock()
	if n.pending == 0 {
		n.idle = make(chan struct{})
	}
	n.pending++
	n.pendingMu.Unlock()
}

func (n *Notifier) donePending() {
	n.pendingMu.Lock()
	n.pending--
	if n.pending == 0 {
		close(n.idle)
	}
	n.pendingMu.Unlock()
}

// jitter returns d scaled by a random factor in [0.5, 1.5).
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}
