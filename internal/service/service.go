package service

import (
	"context"
	"errors"
	"guildsync/internal/coord"
	"guildsync/internal/ports"
	"guildsync/internal/schema"
	"guildsync/internal/types"
	"iter"
	"sort"

	log "github.com/sirupsen/logrus"
)

// Service is the entry point of frontends (HTTP, CLI) into guild configuration.
type Service struct {
	coord   *coord.Coordinator
	store   ports.DocumentStore
	schemas *schema.Registry
	langs   *Languages
}

type Option func(*Service)

// WithLanguages enables Languages and ReloadLanguages.
func WithLanguages(l *Languages) Option {
	return func(s *Service) { s.langs = l }
}

func New(c *coord.Coordinator, store ports.DocumentStore, schemas *schema.Registry, opts ...Option) *Service {
	s := &Service{coord: c, store: store, schemas: schemas}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the configuration of key at the current schema version. A document stored at
// an older version is migrated for the response only.
func (s *Service) Get(ctx context.Context, key types.ConfigKey) (*types.Document, error) {
	doc, err := s.coord.SubmitRead(ctx, key)
	if err != nil {
		return nil, err
	}
	if !doc.Live() {
		return nil, types.Err(types.ErrNotFound, nil, "%s was deleted", key)
	}
	if doc.SchemaVersion == s.schemas.Current() {
		return doc, nil
	}
	migrated, err := s.schemas.Migrate(*doc)
	if err != nil {
		return nil, err
	}
	migrated.Payload = s.schemas.WithDefaults(migrated.Payload, migrated.SchemaVersion)
	return &migrated, nil
}

// Patch merges patch into the configuration of key, creating it from schema defaults when
// there is none.
func (s *Service) Patch(ctx context.Context, key types.ConfigKey, expectedVersion *int64, patch types.Payload) (*types.Document, error) {
	return s.coord.SubmitWrite(ctx, types.WriteIntent{Key: key, ExpectedVersion: expectedVersion, Patch: patch})
}

// Replace overwrites the configuration of an existing guild; fields missing from payload
// take their defaults.
func (s *Service) Replace(ctx context.Context, key types.ConfigKey, expectedVersion *int64, payload types.Payload) (*types.Document, error) {
	return s.coord.SubmitWrite(ctx, types.WriteIntent{
		Key:             key,
		ExpectedVersion: expectedVersion,
		Patch:           payload,
		Replace:         true,
	})
}

func (s *Service) Delete(ctx context.Context, key types.ConfigKey, expectedVersion *int64) (*types.Document, error) {
	return s.coord.Delete(ctx, key, expectedVersion)
}

// Exists reports whether key has a live configuration. Keys that are not valid never exist.
func (s *Service) Exists(ctx context.Context, key types.ConfigKey) (bool, error) {
	if key.Validate() != nil {
		return false, nil
	}
	doc, err := s.store.Read(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return doc.Live(), nil
}

// Documents yields every live document as stored, once per key. Keys removed while listing
// are skipped.
func (s *Service) Documents(ctx context.Context) iter.Seq2[*types.Document, error] {
	return func(yield func(*types.Document, error) bool) {
		for key, err := range uniqueKeys(s.store.ListKeys(ctx)) {
			if err != nil {
				yield(nil, err)
				return
			}
			doc, err := s.store.Read(ctx, key)
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !doc.Live() {
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// uniqueKeys drops keys already yielded. Store listings may repeat a key (Redis SSCAN while
// the set is rehashed).
func uniqueKeys(keys iter.Seq2[types.ConfigKey, error]) iter.Seq2[types.ConfigKey, error] {
	return func(yield func(types.ConfigKey, error) bool) {
		seen := make(map[types.ConfigKey]struct{})
		for key, err := range keys {
			if err == nil {
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
			}
			if !yield(key, err) {
				return
			}
		}
	}
}

// ListGuilds returns the keys holding a live configuration, sorted.
func (s *Service) ListGuilds(ctx context.Context) ([]types.ConfigKey, error) {
	keys := []types.ConfigKey{}
	for doc, err := range s.Documents(ctx) {
		if err != nil {
			return nil, err
		}
		keys = append(keys, doc.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// Schema is the definition every write is validated against.
func (s *Service) Schema() schema.Definition {
	d, _ := s.schemas.Definition(s.schemas.Current())
	return d
}

// Languages lists the languages the bot accepts.
func (s *Service) Languages(ctx context.Context) ([]string, error) {
	if s.langs == nil {
		return nil, types.Err(types.ErrNotFound, nil, "no bot settings file configured")
	}
	return s.langs.List()
}

// ReloadLanguages invalidates the cached language list.
func (s *Service) ReloadLanguages() bool {
	if s.langs != nil {
		s.langs.Reload()
	}
	return true
}

// MigrateReport summarizes a MigrateAll run.
type MigrateReport struct {
	Scanned  int                       `json:"scanned"`
	Migrated int                       `json:"migrated"`
	Failed   map[types.ConfigKey]error `json:"-"`
}

// MigrateAll upgrades every stored document to the current schema version. Documents that
// fail migration or validation are reported and skipped; storage failures stop the walk.
func (s *Service) MigrateAll(ctx context.Context) (MigrateReport, error) {
	report := MigrateReport{Failed: map[types.ConfigKey]error{}}
	for key, err := range uniqueKeys(s.store.ListKeys(ctx)) {
		if err != nil {
			return report, err
		}
		report.Scanned++
		migrated, err := s.coord.Migrate(ctx, key)
		switch {
		case err == nil:
			if migrated {
				report.Migrated++
			}
		case errors.Is(err, types.ErrMigration), errors.Is(err, types.ErrValidation):
			log.WithError(err).WithField("key", key).Warn("document left at its schema version")
			report.Failed[key] = err
		default:
			return report, err
		}
	}
	log.WithFields(log.Fields{
		"scanned":  report.Scanned,
		"migrated": report.Migrated,
		"failed":   len(report.Failed),
	}).Info("migration finished")
	return report, nil
}

// WatchExternal announces documents changed by other processes until ctx ends. It fails with
// types.ErrInvalidBackend when the store cannot be watched.
func (s *Service) WatchExternal(ctx context.Context) error {
	ws, ok := s.store.(ports.WatchableStore)
	if !ok {
		return types.Err(types.ErrInvalidBackend, nil, "store does not report external changes")
	}
	changes, err := ws.Watch(ctx)
	if err != nil {
		return err
	}
	log.Info("watching store for external changes")
	for key := range changes {
		if _, err := s.coord.Reconcile(ctx, key); err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("key", key).Warn("reconcile failed")
		}
	}
	return ctx.Err()
}
