package redis

import (
	"context"
	"errors"
	"fmt"
	"guildsync/internal/types"
	"iter"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultNamespace = "_guildsync"

	docKeyNameTemplate = "%s_doc_%s"
	keySetNameTemplate = "%s_keys"

	scanCount = 100
)

// casScript replaces the document only if its stored version equals ARGV[1].
// KEYS[1] document hash, KEYS[2] key set. ARGV: prev version, document JSON, new version, key.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
if not cur then cur = '0' end
if tonumber(cur) ~= tonumber(ARGV[1]) then
  return {0, cur}
end
redis.call('HSET', KEYS[1], 'doc', ARGV[2], 'ver', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return {1, ARGV[3]}
`)

// Store keeps each document in a hash (`doc` JSON + `ver`) and every key ever written in a
// set, so listing never needs KEYS.
type Store struct {
	cli       *redis.Client
	namespace string
}

func NewStore(cli *redis.Client) *Store {
	return NewStoreWithNamespace(cli, DefaultNamespace)
}

// NewStoreWithNamespace prefixes every Redis key with namespace.
func NewStoreWithNamespace(cli *redis.Client, namespace string) *Store {
	return &Store{cli: cli, namespace: namespace}
}

func (s *Store) Read(ctx context.Context, key types.ConfigKey) (*types.Document, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	out, err := s.cli.HGet(ctx, s.docKey(key), "doc").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, types.ErrNotFound
		}
		return nil, types.Err(types.ErrIOFailure, err, "redis read %s", key)
	}
	var doc types.Document
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "redis decode %s", key)
	}
	if doc.Payload == nil {
		doc.Payload = types.Payload{}
	}
	return &doc, nil
}

func (s *Store) Write(ctx context.Context, doc types.Document, prevVersion int64) error {
	if err := doc.Key.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return types.Err(types.ErrIOFailure, err, "redis encode %s", doc.Key)
	}
	res, err := casScript.Run(ctx, s.cli,
		[]string{s.docKey(doc.Key), s.keySet()},
		prevVersion, string(b), doc.Version, string(doc.Key),
	).Slice()
	if err != nil {
		return types.Err(types.ErrIOFailure, err, "redis write %s", doc.Key)
	}
	if len(res) != 2 {
		return types.Err(types.ErrIOFailure, nil, "redis write %s: unexpected reply %v", doc.Key, res)
	}
	if ok, _ := res[0].(int64); ok != 1 {
		return types.Err(types.ErrPrecondition, nil, "%s: durable version %v, expected %d", doc.Key, res[1], prevVersion)
	}
	log.WithFields(log.Fields{
		"key":     doc.Key,
		"version": doc.Version,
	}).Debug("document written to redis")
	return nil
}

// ListKeys walks the key set with SSCAN. A key may be reported twice if the set is rehashed
// during the walk.
func (s *Store) ListKeys(ctx context.Context) iter.Seq2[types.ConfigKey, error] {
	return func(yield func(types.ConfigKey, error) bool) {
		var cursor uint64
		for {
			keys, next, err := s.cli.SScan(ctx, s.keySet(), cursor, "", scanCount).Result()
			if err != nil {
				yield("", types.Err(types.ErrIOFailure, err, "redis list"))
				return
			}
			for _, k := range keys {
				if !yield(types.ConfigKey(k), nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

func (s *Store) Close() error {
	return s.cli.Close()
}

func (s *Store) docKey(key types.ConfigKey) string {
	return fmt.Sprintf(docKeyNameTemplate, s.namespace, key)
}

func (s *Store) keySet() string {
	return fmt.Sprintf(keySetNameTemplate, s.namespace)
}
