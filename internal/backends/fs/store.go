package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"guildsync/internal/types"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

const (
	fileExt     = ".json"
	lockDirName = ".locks"
	lockExt     = ".lock"
	versionExt  = ".version"
	tmpPrefix   = ".tmp-"

	defaultListBatch = 128
)

// writeStep names the points of an atomic write at which a test can inject a failure.
type writeStep int

const (
	stepCreateTemp writeStep = iota
	stepWrite
	stepSync
	stepClose
	stepHighWater
	stepRename
	stepSyncDir
)

// Store keeps one JSON file per key under dir. Writes go to a temp file in the same directory
// which is fsynced and renamed over the target, so a reader sees either the old or the new
// document. Writers in other processes are excluded with a flock on a per-key lock file.
//
// The bot still writes bare JSON objects, which carry no version. Next to the lock file the
// store keeps the highest version it ever committed for the key, and a bare object reads as
// that version, so the next committed write continues the sequence.
type Store struct {
	dir       string
	lockDir   string
	listBatch int

	// failAt is nil outside tests.
	failAt func(step writeStep) error
}

// New opens (and creates if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, types.Err(types.ErrInvalidBackend, nil, "fs store: empty directory")
	}
	lockDir := filepath.Join(dir, lockDirName)
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "fs store: create %s", lockDir)
	}
	return &Store{dir: dir, lockDir: lockDir, listBatch: defaultListBatch}, nil
}

// Dir is the root directory of the store.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(key types.ConfigKey) string {
	return filepath.Join(s.dir, string(key)+fileExt)
}

func (s *Store) Read(ctx context.Context, key types.ConfigKey) (*types.Document, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.ErrNotFound
		}
		return nil, types.Err(types.ErrIOFailure, err, "read %s", key)
	}
	doc, legacy, err := decodeDocument(key, b)
	if err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "decode %s", key)
	}
	if legacy {
		if doc.Version, err = s.highWater(key); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (s *Store) versionPath(key types.ConfigKey) string {
	return filepath.Join(s.lockDir, string(key)+versionExt)
}

// highWater is the highest version committed for key, 0 if none.
func (s *Store) highWater(key types.ConfigKey) (int64, error) {
	b, err := os.ReadFile(s.versionPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, types.Err(types.ErrIOFailure, err, "read version of %s", key)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, types.Err(types.ErrIOFailure, err, "decode version of %s", key)
	}
	return v, nil
}

func (s *Store) Write(ctx context.Context, doc types.Document, prevVersion int64) error {
	if err := doc.Key.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return types.Err(types.ErrIOFailure, err, "encode %s", doc.Key)
	}

	unlock, err := lockKey(ctx, filepath.Join(s.lockDir, string(doc.Key)+lockExt))
	if err != nil {
		return types.Err(types.ErrIOFailure, err, "lock %s", doc.Key)
	}
	defer unlock()

	var durable int64
	cur, err := s.Read(ctx, doc.Key)
	switch {
	case err == nil:
		durable = cur.Version
	case errors.Is(err, types.ErrNotFound):
	default:
		return err
	}
	if durable != prevVersion {
		return types.Err(types.ErrPrecondition, nil, "%s: durable version %d, expected %d", doc.Key, durable, prevVersion)
	}

	// The high-water mark goes first: it may run ahead of the document after a failed write,
	// never behind it.
	if err := s.inject(stepHighWater); err != nil {
		return types.Err(types.ErrIOFailure, err, "record version of %s", doc.Key)
	}
	mark, err := s.highWater(doc.Key)
	if err != nil {
		return err
	}
	mark = max(mark, doc.Version)
	if err := s.replaceFile(s.lockDir, s.versionPath(doc.Key), []byte(strconv.FormatInt(mark, 10)), false); err != nil {
		return types.Err(types.ErrIOFailure, err, "record version of %s", doc.Key)
	}
	if err := s.replaceFile(s.dir, s.path(doc.Key), data, true); err != nil {
		return types.Err(types.ErrIOFailure, err, "write %s", doc.Key)
	}
	// Once renamed the document is the durable state. A failed directory sync only weakens
	// crash durability, so the write is still reported as committed.
	err = s.inject(stepSyncDir)
	if err == nil {
		err = syncDir(s.dir)
	}
	if err != nil {
		log.WithError(err).WithField("key", doc.Key).Warn("directory sync failed after commit")
	}
	log.WithFields(log.Fields{
		"key":     doc.Key,
		"version": doc.Version,
		"deleted": doc.Deleted,
	}).Debug("document written")
	return nil
}

func (s *Store) inject(step writeStep) error {
	if s.failAt == nil {
		return nil
	}
	return s.failAt(step)
}

// replaceFile replaces target with data through a temp file in dir. Any failure leaves target
// as it was and removes the temp file. Failure injection applies to document writes only.
func (s *Store) replaceFile(dir, target string, data []byte, injectable bool) (err error) {
	inject := func(step writeStep) error {
		if !injectable {
			return nil
		}
		return s.inject(step)
	}
	if err = inject(stepCreateTemp); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return err
	}
	renamed := false
	defer func() {
		if !renamed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = inject(stepWrite); err != nil {
		return err
	}
	if _, err = io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err = inject(stepSync); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = inject(stepClose); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = inject(stepRename); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return err
	}
	renamed = true
	return nil
}

// ListKeys walks the directory in batches. Temp files, lock files and files whose name is not
// a valid key are skipped. Each range over the returned sequence re-reads the directory.
func (s *Store) ListKeys(ctx context.Context) iter.Seq2[types.ConfigKey, error] {
	return func(yield func(types.ConfigKey, error) bool) {
		d, err := os.Open(s.dir)
		if err != nil {
			yield("", types.Err(types.ErrIOFailure, err, "list %s", s.dir))
			return
		}
		defer d.Close()
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			entries, err := d.ReadDir(s.listBatch)
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
					continue
				}
				key := types.ConfigKey(strings.TrimSuffix(name, fileExt))
				if key.Validate() != nil {
					continue
				}
				if !yield(key, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", types.Err(types.ErrIOFailure, err, "list %s", s.dir))
				return
			}
		}
	}
}

func (s *Store) Close() error { return nil }

// decodeDocument accepts both the document envelope and a bare JSON object, which is how
// configuration files were stored before documents were versioned. legacy reports the latter;
// its Version is left for the caller to fill in.
func decodeDocument(key types.ConfigKey, b []byte) (doc *types.Document, legacy bool, err error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return nil, false, err
	}
	_, hasVersion := top["version"]
	_, hasPayload := top["payload"]
	_, hasSchema := top["schemaVersion"]
	if hasVersion && hasPayload && hasSchema {
		var d types.Document
		if err := json.Unmarshal(b, &d); err != nil {
			return nil, false, err
		}
		if d.Key != key {
			return nil, false, fmt.Errorf("file holds key %q", d.Key)
		}
		if d.Payload == nil {
			d.Payload = types.Payload{}
		}
		return &d, false, nil
	}
	var payload types.Payload
	if err := json.Unmarshal(b, &payload); err != nil {
		return nil, false, err
	}
	return &types.Document{Key: key, SchemaVersion: 1, Payload: payload}, true, nil
}
