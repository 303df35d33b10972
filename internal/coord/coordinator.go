package coord

import (
	"context"
	"errors"
	"guildsync/internal/metrics"
	"guildsync/internal/ports"
	"guildsync/internal/schema"
	"guildsync/internal/types"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const DefaultCASAttempts = 3

// Write operations, as reported in logs and metrics.
const (
	OpPatch   = "patch"
	OpReplace = "replace"
	OpDelete  = "delete"
	OpMigrate = "migrate"
)

// Coordinator serializes the writes of each key inside this process and commits them to the
// store with a version compare-and-set, which also orders them against other processes
// sharing the store.
type Coordinator struct {
	store    ports.DocumentStore
	schemas  *schema.Registry
	notifier ports.Notifier
	metrics  *metrics.Metrics

	locks       *KeyLocks
	now         func() time.Time
	casAttempts int

	mu        sync.Mutex
	announced map[types.ConfigKey]int64
}

type Option func(*Coordinator)

// WithClock replaces time.Now for LastModified and CommittedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithCASAttempts bounds how many times a write without an expected version is retried after
// another process committed first.
func WithCASAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.casAttempts = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func New(store ports.DocumentStore, schemas *schema.Registry, notifier ports.Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		schemas:     schemas,
		notifier:    notifier,
		locks:       NewKeyLocks(),
		now:         time.Now,
		casAttempts: DefaultCASAttempts,
		announced:   make(map[types.ConfigKey]int64),
	}
	for _, o := range opts {
		o(c)
	}
	err := c.metrics.GaugeFunc("guildsync_active_keys", "Keys currently held or waited on",
		func() float64 { return float64(c.locks.Len()) })
	if err != nil {
		log.WithError(err).Debug("active keys gauge not registered")
	}
	return c
}

// Locks exposes the per-key slots, for introspection.
func (c *Coordinator) Locks() *KeyLocks { return c.locks }

// SubmitRead returns the stored document as is. Reads take no lock: stores replace documents
// atomically.
func (c *Coordinator) SubmitRead(ctx context.Context, key types.ConfigKey) (*types.Document, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return c.store.Read(ctx, key)
}

// SubmitWrite applies intent: the stored document is migrated to the current schema, the
// patch is merged over it (or over schema defaults for a replace or a missing document), the
// result is validated and committed with version+1. A replace needs a live document.
func (c *Coordinator) SubmitWrite(ctx context.Context, intent types.WriteIntent) (*types.Document, error) {
	op := OpPatch
	if intent.Replace {
		op = OpReplace
	}
	patch, err := intent.Patch.Normalize()
	if err != nil {
		ve := &types.ValidationError{Version: c.schemas.Current()}
		ve.Add("patch", err.Error())
		return nil, ve
	}
	doc, _, err := c.mutate(ctx, intent.Key, intent.ExpectedVersion, op, func(cur *types.Document) (*types.Document, error) {
		if intent.Replace && !cur.Live() {
			return nil, types.Err(types.ErrNotFound, nil, "%s has no configuration to replace", intent.Key)
		}
		return c.merge(cur, patch, intent.Replace)
	})
	return doc, err
}

// Delete writes a tombstone. Deleting a missing or already deleted key is ErrNotFound.
func (c *Coordinator) Delete(ctx context.Context, key types.ConfigKey, expectedVersion *int64) (*types.Document, error) {
	doc, _, err := c.mutate(ctx, key, expectedVersion, OpDelete, func(cur *types.Document) (*types.Document, error) {
		if !cur.Live() {
			return nil, types.ErrNotFound
		}
		return &types.Document{
			SchemaVersion: c.schemas.Current(),
			Payload:       types.Payload{},
			Deleted:       true,
		}, nil
	})
	return doc, err
}

// Migrate rewrites a live document stored at an older schema version at the current one.
// It reports whether a write happened.
func (c *Coordinator) Migrate(ctx context.Context, key types.ConfigKey) (bool, error) {
	_, wrote, err := c.mutate(ctx, key, nil, OpMigrate, func(cur *types.Document) (*types.Document, error) {
		if !cur.Live() || cur.SchemaVersion == c.schemas.Current() {
			return nil, nil
		}
		migrated, err := c.schemas.Migrate(*cur)
		if err != nil {
			return nil, err
		}
		payload, err := c.schemas.Validate(migrated.Payload, c.schemas.Current())
		if err != nil {
			return nil, err
		}
		return &types.Document{SchemaVersion: c.schemas.Current(), Payload: payload}, nil
	})
	return wrote, err
}

// Reconcile announces key if its durable version is newer than the last version this process
// announced, which happens when another process wrote it.
func (c *Coordinator) Reconcile(ctx context.Context, key types.ConfigKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	release, err := c.locks.Acquire(ctx, key)
	if err != nil {
		return false, err
	}
	defer release()

	cur, err := c.store.Read(context.WithoutCancel(ctx), key)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	last := c.announced[key]
	c.mu.Unlock()
	if cur.Version <= last {
		return false, nil
	}
	log.WithFields(log.Fields{"key": key, "version": cur.Version, "announced": last}).
		Info("document changed outside this process")
	c.announce(cur, sortedKeys(cur.Payload))
	return true, nil
}

// build returns the next document (Key, Version and LastModified are filled in by mutate), or
// nil for no write. cur is nil when the key has no document.
type build func(cur *types.Document) (*types.Document, error)

func (c *Coordinator) mutate(ctx context.Context, key types.ConfigKey, expected *int64, op string, fn build) (*types.Document, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	release, err := c.locks.Acquire(ctx, key)
	if err != nil {
		c.metrics.ObserveWrite(op, metrics.ResultCanceled, 0)
		return nil, false, err
	}
	defer release()

	// Once the slot is ours the write runs to completion.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	doc, wrote, err := c.commit(ctx, key, expected, op, fn)
	c.metrics.ObserveWrite(op, resultOf(err), time.Since(start))
	return doc, wrote, err
}

func (c *Coordinator) commit(ctx context.Context, key types.ConfigKey, expected *int64, op string, fn build) (*types.Document, bool, error) {
	fields := log.Fields{"key": key, "op": op}
	for attempt := 1; ; attempt++ {
		cur, err := c.store.Read(ctx, key)
		switch {
		case err == nil:
		case errors.Is(err, types.ErrNotFound):
			cur = nil
		default:
			return nil, false, err
		}
		var actual int64
		if cur != nil {
			actual = cur.Version
		}
		if expected != nil && *expected != actual {
			return nil, false, &types.ConflictError{Expected: *expected, Actual: actual}
		}

		next, err := fn(cur)
		if err != nil {
			return nil, false, err
		}
		if next == nil {
			return cur, false, nil
		}
		next.Key = key
		next.Version = actual + 1
		next.LastModified = c.now().UTC()

		err = c.store.Write(ctx, *next, actual)
		if err == nil {
			var prev types.Payload
			if cur.Live() {
				prev = cur.Payload
			}
			c.announce(next, changedFields(prev, next.Payload))
			log.WithFields(fields).WithField("version", next.Version).Info("document committed")
			return next, true, nil
		}
		if !errors.Is(err, types.ErrPrecondition) {
			return nil, false, err
		}

		// Another process committed between our read and write.
		durable := actual
		if d, rerr := c.store.Read(ctx, key); rerr == nil {
			durable = d.Version
		}
		if expected != nil || attempt >= c.casAttempts {
			return nil, false, &types.ConflictError{Expected: actual, Actual: durable}
		}
		c.metrics.CASRetry()
		log.WithFields(fields).WithFields(log.Fields{"attempt": attempt, "durable": durable}).
			Warn("concurrent write from another process, retrying")
	}
}

// merge builds the next live document from cur and patch. A nil patch value resets the field
// to its default, or removes it when the field has none.
func (c *Coordinator) merge(cur *types.Document, patch types.Payload, replace bool) (*types.Document, error) {
	version := c.schemas.Current()
	defaults := c.schemas.Defaults(version)

	var base types.Payload
	if replace || !cur.Live() {
		base = defaults.Clone()
	} else {
		migrated, err := c.schemas.Migrate(*cur)
		if err != nil {
			return nil, err
		}
		base = migrated.Payload
	}
	for k, v := range patch {
		if v != nil {
			base[k] = v
			continue
		}
		if d, ok := defaults[k]; ok {
			base[k] = d
		} else {
			delete(base, k)
		}
	}
	payload, err := c.schemas.Validate(base, version)
	if err != nil {
		return nil, err
	}
	return &types.Document{SchemaVersion: version, Payload: payload}, nil
}

func (c *Coordinator) announce(doc *types.Document, changed []string) {
	ev := types.NotificationEvent{
		ID:            uuid.NewString(),
		Key:           doc.Key,
		NewVersion:    doc.Version,
		ChangedFields: changed,
		Deleted:       doc.Deleted,
		CommittedAt:   doc.LastModified,
	}
	c.mu.Lock()
	if doc.Version > c.announced[doc.Key] {
		c.announced[doc.Key] = doc.Version
	}
	c.mu.Unlock()
	if c.notifier == nil {
		return
	}
	if c.notifier.Notify(ev) == types.NotifyRejected {
		log.WithFields(log.Fields{"key": doc.Key, "version": doc.Version}).
			Warn("change committed but notification rejected")
	}
}

// changedFields lists, sorted, the fields whose value differs between prev and next.
func changedFields(prev, next types.Payload) []string {
	changed := []string{}
	for k, v := range next {
		if pv, ok := prev[k]; !ok || !reflect.DeepEqual(pv, v) {
			changed = append(changed, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func sortedKeys(p types.Payload) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, types.ErrConflict):
		return metrics.ResultConflict
	case errors.Is(err, types.ErrValidation):
		return metrics.ResultValidation
	case errors.Is(err, types.ErrMigration):
		return metrics.ResultMigration
	case errors.Is(err, types.ErrNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, types.ErrIOFailure):
		return metrics.ResultIO
	default:
		return metrics.ResultError
	}
}
