package service

import (
	"bufio"
	"bytes"
	"fmt"
	"guildsync/internal/types"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultLangsTTL = 60 * time.Second

	langsVar = "ALLOWED_LANGS"
)

// Languages reads the bot's allowed languages from its settings file, where they are declared
// on a single line as a Python list: ALLOWED_LANGS = ["en", "fr"].
type Languages struct {
	path  string
	ttl   time.Duration
	cache *TTL[string, []string]
}

func NewLanguages(path string, ttl time.Duration, now func() time.Time) *Languages {
	if ttl <= 0 {
		ttl = DefaultLangsTTL
	}
	return &Languages{path: path, ttl: ttl, cache: NewTTL[string, []string](now)}
}

// List returns the cached languages, reading the settings file when the cache is cold.
func (l *Languages) List() ([]string, error) {
	if langs, ok := l.cache.Get(l.path); ok {
		return append([]string(nil), langs...), nil
	}
	b, err := os.ReadFile(l.path)
	if err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "read bot settings")
	}
	langs, err := parseLanguages(b)
	if err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "%s", l.path)
	}
	l.cache.Set(l.path, langs, l.ttl)
	log.WithFields(log.Fields{"path": l.path, "langs": langs}).Debug("languages loaded")
	return append([]string(nil), langs...), nil
}

// Reload drops the cached list so the next List reads the file again.
func (l *Languages) Reload() {
	l.cache.Delete(l.path)
}

func parseLanguages(b []byte) ([]string, error) {
	var line string
	found := 0
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), langsVar) {
			line = sc.Text()
			found++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if found != 1 {
		return nil, fmt.Errorf("%s declared %d times, want 1", langsVar, found)
	}
	_, list, ok := strings.Cut(line, "=")
	if !ok {
		return nil, fmt.Errorf("%s has no value", langsVar)
	}
	list = strings.TrimSpace(list)
	var langs []string
	if err := json.Unmarshal([]byte(list), &langs); err != nil {
		// Python also accepts single quotes.
		if err2 := json.Unmarshal([]byte(strings.ReplaceAll(list, "'", `"`)), &langs); err2 != nil {
			return nil, fmt.Errorf("%s is not a list of strings: %w", langsVar, err)
		}
	}
	if langs == nil {
		langs = []string{}
	}
	return langs, nil
}
