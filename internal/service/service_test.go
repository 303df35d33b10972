package service

import (
	"context"
	"guildsync/internal/backends/fs"
	"guildsync/internal/coord"
	"guildsync/internal/notify"
	"guildsync/internal/ports"
	"guildsync/internal/schema"
	"guildsync/internal/types"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"
)

type ServiceTestSuite struct {
	suite.Suite

	dir      string
	store    *fs.Store
	pub      *memPublisher
	notifier *notify.Notifier
	svc      *Service
	settings string
	clock    time.Time
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

type memPublisher struct {
	mu     sync.Mutex
	events []types.NotificationEvent
}

func (p *memPublisher) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	var ev types.NotificationEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *memPublisher) Events() []types.NotificationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.NotificationEvent(nil), p.events...)
}

func (s *ServiceTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	st, err := fs.New(filepath.Join(s.dir, "guilds"))
	s.Require().NoError(err)
	reg, err := schema.Builtin()
	s.Require().NoError(err)

	s.settings = filepath.Join(s.dir, "settings.py")
	s.Require().NoError(os.WriteFile(s.settings, []byte("TOKEN = 'x'\nALLOWED_LANGS = [\"en\",\"fr\"]\n"), 0o644))
	s.clock = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	s.store = st
	s.pub = &memPublisher{}
	s.notifier = notify.New(s.pub, notify.Config{Topic: "t", InitialDelay: time.Millisecond}, nil)
	c := coord.New(st, reg, s.notifier)
	s.svc = New(c, st, reg, WithLanguages(NewLanguages(s.settings, time.Minute, func() time.Time { return s.clock })))
}

func (s *ServiceTestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.NoError(s.notifier.Close(ctx))
}

func (s *ServiceTestSuite) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.notifier.Flush(ctx))
}

func (s *ServiceTestSuite) TestPatchGetAndNotify() {
	ctx := context.Background()
	_, err := s.svc.Get(ctx, "guild-42")
	s.ErrorIs(err, types.ErrNotFound)

	doc, err := s.svc.Patch(ctx, "guild-42", nil, types.Payload{"prefix": "!"})
	s.Require().NoError(err)
	s.Equal(int64(1), doc.Version)

	got, err := s.svc.Get(ctx, "guild-42")
	s.Require().NoError(err)
	s.Equal(doc.Payload, got.Payload)

	s.flush()
	events := s.pub.Events()
	s.Require().Len(events, 1)
	s.Equal(types.ConfigKey("guild-42"), events[0].Key)
	s.Equal(int64(1), events[0].NewVersion)
}

func (s *ServiceTestSuite) TestGetMigratesOldDocumentsWithoutWriting() {
	ctx := context.Background()
	s.Require().NoError(s.store.Write(ctx, types.Document{
		Key:           "old",
		SchemaVersion: 1,
		Version:       3,
		Payload:       types.Payload{"prefix": "?", "lang": "fr"},
	}, 0))

	doc, err := s.svc.Get(ctx, "old")
	s.Require().NoError(err)
	s.Equal(2, doc.SchemaVersion)
	s.Equal(int64(3), doc.Version)
	s.Equal("fr", doc.Payload["locale"])

	stored, err := s.store.Read(ctx, "old")
	s.Require().NoError(err)
	s.Equal(1, stored.SchemaVersion)
}

func (s *ServiceTestSuite) TestReplaceNeedsExistingGuild() {
	ctx := context.Background()
	_, err := s.svc.Replace(ctx, "g", nil, types.Payload{"prefix": "?"})
	s.ErrorIs(err, types.ErrNotFound)

	_, err = s.svc.Patch(ctx, "g", nil, types.Payload{"prefix": "?", "xp_enabled": true})
	s.Require().NoError(err)
	doc, err := s.svc.Replace(ctx, "g", types.Version(1), types.Payload{"prefix": "$"})
	s.Require().NoError(err)
	s.Equal("$", doc.Payload["prefix"])
	s.Equal(false, doc.Payload["xp_enabled"])
}

func (s *ServiceTestSuite) TestDeleteHidesGuild() {
	ctx := context.Background()
	for _, k := range []types.ConfigKey{"b", "a", "c"} {
		_, err := s.svc.Patch(ctx, k, nil, nil)
		s.Require().NoError(err)
	}
	_, err := s.svc.Delete(ctx, "b", nil)
	s.Require().NoError(err)

	keys, err := s.svc.ListGuilds(ctx)
	s.Require().NoError(err)
	s.Equal([]types.ConfigKey{"a", "c"}, keys)

	ok, err := s.svc.Exists(ctx, "a")
	s.NoError(err)
	s.True(ok)
	ok, err = s.svc.Exists(ctx, "b")
	s.NoError(err)
	s.False(ok)
	ok, err = s.svc.Exists(ctx, "../nope")
	s.NoError(err)
	s.False(ok)

	_, err = s.svc.Get(ctx, "b")
	s.ErrorIs(err, types.ErrNotFound)
}

func (s *ServiceTestSuite) TestListGuildsEmpty() {
	keys, err := s.svc.ListGuilds(context.Background())
	s.Require().NoError(err)
	s.NotNil(keys)
	s.Empty(keys)
}

func (s *ServiceTestSuite) TestSchema() {
	d := s.svc.Schema()
	s.Equal(2, d.Version)
	s.NotEmpty(d.Fields)
}

func (s *ServiceTestSuite) TestLanguagesCachedUntilReload() {
	ctx := context.Background()
	langs, err := s.svc.Languages(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"en", "fr"}, langs)

	s.Require().NoError(os.WriteFile(s.settings, []byte("ALLOWED_LANGS = ['en', 'fr', 'de']\n"), 0o644))
	langs, err = s.svc.Languages(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"en", "fr"}, langs)

	s.True(s.svc.ReloadLanguages())
	langs, err = s.svc.Languages(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"en", "fr", "de"}, langs)
}

func (s *ServiceTestSuite) TestLanguagesExpire() {
	ctx := context.Background()
	_, err := s.svc.Languages(ctx)
	s.Require().NoError(err)
	s.Require().NoError(os.WriteFile(s.settings, []byte("ALLOWED_LANGS = [\"de\"]\n"), 0o644))

	s.clock = s.clock.Add(2 * time.Minute)
	langs, err := s.svc.Languages(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"de"}, langs)
}

func (s *ServiceTestSuite) TestLanguagesErrors() {
	ctx := context.Background()
	s.Require().NoError(os.WriteFile(s.settings, []byte("ALLOWED_LANGS = [\"en\"]\nALLOWED_LANGS = [\"fr\"]\n"), 0o644))
	_, err := s.svc.Languages(ctx)
	s.ErrorIs(err, types.ErrIOFailure)
	s.ErrorContains(err, "declared 2 times")

	s.Require().NoError(os.Remove(s.settings))
	_, err = s.svc.Languages(ctx)
	s.ErrorIs(err, types.ErrIOFailure)

	bare := New(nil, s.store, nil)
	_, err = bare.Languages(ctx)
	s.ErrorIs(err, types.ErrNotFound)
	s.True(bare.ReloadLanguages())
}

func (s *ServiceTestSuite) TestMigrateAll() {
	ctx := context.Background()
	s.Require().NoError(s.store.Write(ctx, types.Document{
		Key: "v1", SchemaVersion: 1, Version: 1,
		Payload: types.Payload{"prefix": "?", "lang": "fr"},
	}, 0))
	// A v1 document whose prefix cannot satisfy v2's required prefix.
	s.Require().NoError(s.store.Write(ctx, types.Document{
		Key: "broken", SchemaVersion: 1, Version: 1,
		Payload: types.Payload{"prefix": "", "lang": "en"},
	}, 0))
	_, err := s.svc.Patch(ctx, "v2", nil, nil)
	s.Require().NoError(err)

	report, err := s.svc.MigrateAll(ctx)
	s.Require().NoError(err)
	s.Equal(3, report.Scanned)
	s.Equal(1, report.Migrated)
	s.Require().Len(report.Failed, 1)
	s.ErrorIs(report.Failed["broken"], types.ErrValidation)

	doc, err := s.store.Read(ctx, "v1")
	s.Require().NoError(err)
	s.Equal(2, doc.SchemaVersion)
	s.Equal(int64(2), doc.Version)
}

func (s *ServiceTestSuite) TestWatchExternalAnnouncesOutOfBandWrites() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.svc.WatchExternal(ctx) }()

	// Another process sharing the directory. It keeps writing until the watcher has seen it.
	other, err := fs.New(s.store.Dir())
	s.Require().NoError(err)
	var version int64
	s.Eventually(func() bool {
		err := other.Write(context.Background(), types.Document{
			Key: "ext", SchemaVersion: 2, Version: version + 1,
			Payload: types.Payload{"prefix": "!", "locale": "en"},
		}, version)
		if err == nil {
			version++
		}
		for _, ev := range s.pub.Events() {
			if ev.Key == "ext" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	s.ErrorIs(<-done, context.Canceled)
}

func (s *ServiceTestSuite) TestWatchExternalNeedsWatchableStore() {
	svc := New(nil, plainStore{s.store}, nil)
	s.ErrorIs(svc.WatchExternal(context.Background()), types.ErrInvalidBackend)
}

// repeatingStore lists every key twice, as a Redis SSCAN may during a rehash.
type repeatingStore struct {
	ports.DocumentStore
}

func (r repeatingStore) ListKeys(ctx context.Context) iter.Seq2[types.ConfigKey, error] {
	return func(yield func(types.ConfigKey, error) bool) {
		for range 2 {
			for key, err := range r.DocumentStore.ListKeys(ctx) {
				if !yield(key, err) {
					return
				}
			}
		}
	}
}

func (s *ServiceTestSuite) TestRepeatedKeysListedOnce() {
	ctx := context.Background()
	s.Require().NoError(s.store.Write(ctx, types.Document{
		Key: "v1", SchemaVersion: 1, Version: 1,
		Payload: types.Payload{"prefix": "?", "lang": "fr"},
	}, 0))
	_, err := s.svc.Patch(ctx, "v2", nil, nil)
	s.Require().NoError(err)

	reg, err := schema.Builtin()
	s.Require().NoError(err)
	st := repeatingStore{s.store}
	svc := New(coord.New(st, reg, nil), st, reg)

	keys, err := svc.ListGuilds(ctx)
	s.Require().NoError(err)
	s.Equal([]types.ConfigKey{"v1", "v2"}, keys)

	report, err := svc.MigrateAll(ctx)
	s.Require().NoError(err)
	s.Equal(2, report.Scanned)
	s.Equal(1, report.Migrated)
}

// plainStore hides Watch.
type plainStore struct {
	ports.DocumentStore
}
